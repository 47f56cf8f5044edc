package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/auth"
	"github.com/alexjbarnes/farm-sync/internal/capture"
	"github.com/alexjbarnes/farm-sync/internal/config"
	"github.com/alexjbarnes/farm-sync/internal/engine"
	"github.com/alexjbarnes/farm-sync/internal/logging"
	"github.com/alexjbarnes/farm-sync/internal/mcpserver"
	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/alexjbarnes/farm-sync/internal/push"
	"github.com/alexjbarnes/farm-sync/internal/server"
	"github.com/alexjbarnes/farm-sync/internal/status"
	"github.com/alexjbarnes/farm-sync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

func main() {
	// Handle subcommands before config loading where possible.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-password":
			hashPassword()
			return
		case "status":
			exitOnError(printStatus())
			return
		case "sync":
			exitOnError(syncOnce())
			return
		}
	}

	exitOnError(run())
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	hash, err := auth.HashPassword(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

// statusReport is what the status subcommand prints.
type statusReport struct {
	LastSync *time.Time   `yaml:"last_sync,omitempty"`
	Pending  int          `yaml:"pending"`
	Stats    models.Stats `yaml:"stats"`
}

// printStatus reads persisted stats without starting the engine.
func printStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer st.Close()

	var report statusReport

	if report.Stats, err = st.LoadStats(); err != nil {
		return err
	}

	if report.Pending, err = st.PendingCount(); err != nil {
		return err
	}

	if report.LastSync, err = st.LastSyncTimestamp(); err != nil {
		return err
	}

	return writeYAML(report)
}

// syncOnce runs a single cycle in the foreground and exits non-zero
// when it did not fully succeed.
func syncOnce() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.monitor.Probe(ctx)

	res := a.orch.RunCycle(ctx)
	if err := writeYAML(res); err != nil {
		return err
	}

	if !res.Success {
		return fmt.Errorf("sync finished with %d failures", res.Failed)
	}

	return nil
}

func writeYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}

	return enc.Close()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)
	logger.Info("farm-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIBaseURL),
		slog.Bool("auto_sync", cfg.EnableAutoSync),
		slog.Bool("push", cfg.EnablePush),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	a.monitor.Subscribe(func(online bool) {
		a.projector.OnConnectivity(online)
		if online {
			a.loop.Request(engine.ReasonOnline)
		}
	})

	a.loop.OnResult = func(reason engine.Reason, res models.SyncResult) {
		logger.Info("cycle finished",
			slog.String("reason", string(reason)),
			slog.Bool("success", res.Success),
			slog.Int("uploaded", res.Uploaded),
			slog.Int("downloaded", res.Downloaded),
			slog.Int("failed", res.Failed),
		)
	}

	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error { return a.loop.Run(gctx) })
	g.Go(func() error {
		return a.retries.Run(gctx, func() { a.loop.Request(engine.ReasonRetry) })
	})

	if cfg.EnablePush {
		listener, err := push.New(cfg.APIBaseURL, cfg.APIKey, func(resource models.Resource) {
			logger.Debug("server change", slog.String("resource", string(resource)))
			a.loop.Request(engine.ReasonPush)
		}, logger)
		if err != nil {
			return fmt.Errorf("creating push listener: %w", err)
		}

		g.Go(func() error { return listener.Run(gctx) })
	}

	if cfg.CaptureDir != "" {
		inbox := capture.New(cfg.CaptureDir, a.store, func(models.Record) {
			a.loop.Request(engine.ReasonCapture)
		}, logger)

		g.Go(func() error { return inbox.Watch(gctx) })
	}

	if cfg.EnableMCP {
		g.Go(func() error { return runMCP(gctx, cfg, a.projector, logger) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("farm-sync stopped")

	return nil
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, projector *status.Projector, logger *slog.Logger) error {
	users, err := cfg.ParseMCPUsers()
	if err != nil {
		return fmt.Errorf("parsing MCP auth users: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "farm-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, projector)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Users:      users,
			MCPHandler: mcpHandler,
			Status:     projector,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("users", len(users)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
