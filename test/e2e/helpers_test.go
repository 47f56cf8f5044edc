package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/auth"
	"github.com/alexjbarnes/farm-sync/internal/connectivity"
	"github.com/alexjbarnes/farm-sync/internal/engine"
	"github.com/alexjbarnes/farm-sync/internal/mcpserver"
	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/alexjbarnes/farm-sync/internal/remote"
	"github.com/alexjbarnes/farm-sync/internal/resolve"
	"github.com/alexjbarnes/farm-sync/internal/retry"
	"github.com/alexjbarnes/farm-sync/internal/server"
	"github.com/alexjbarnes/farm-sync/internal/status"
	"github.com/alexjbarnes/farm-sync/internal/store"
	"github.com/alexjbarnes/farm-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testUsername = "testuser"
	testPassword = "testpass"
	testAPIKey   = "e2e-api-key"
)

// backend is a minimal farm API: health, create, and list.
type backend struct {
	mu     sync.Mutex
	posts  map[string]int
	nextID int
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	resource := strings.Trim(r.URL.Path, "/")

	b.mu.Lock()
	defer b.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		_, _ = io.Copy(io.Discard, r.Body)
		b.nextID++
		b.posts[resource]++
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"data":{"id":"srv-%d"}}`, b.nextID)
	case http.MethodGet:
		_, _ = w.Write([]byte(`[]`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *backend) postCount(resource models.Resource) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.posts[string(resource)]
}

// harness holds the full e2e stack: a fake farm API, the real engine
// driven by its loop, and the MCP status server behind basic auth.
type harness struct {
	URL     string
	Backend *backend
	Store   *store.Store
	Client  *http.Client
}

// newHarness wires every engine component against an httptest farm
// API and serves the MCP surface via server.NewMux.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	be := &backend{posts: make(map[string]int)}
	api := httptest.NewServer(be)
	t.Cleanup(api.Close)

	st, err := store.Open(t.TempDir() + "/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	monitor, err := connectivity.New(api.URL, time.Hour, logger)
	require.NoError(t, err)
	require.True(t, monitor.Probe(t.Context()))

	client := remote.NewClient(api.URL, testAPIKey, api.Client(), logger)
	retries := retry.New(time.Second, 3, logger)
	resolver := resolve.New(st, client, logger)

	var syncers []engine.Syncer
	for _, spec := range models.Registry {
		syncers = append(syncers, syncer.New(spec, st, client, retries, resolver, monitor.IsOnline, logger))
	}

	orch := engine.New(syncers, st, client, monitor, retries, engine.Options{
		BatchSize:                 10,
		HealthTimeout:             time.Second,
		StrictBackendAvailability: true,
	}, logger)
	loop := engine.NewLoop(orch, time.Hour, false, logger)
	projector := status.New(orch, loop, monitor, st, retries, logger)
	t.Cleanup(projector.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "farm-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, projector)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Users:      auth.UserCredentials{testUsername: hash},
		MCPHandler: mcpHandler,
		Status:     projector,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:     ts.URL,
		Backend: be,
		Store:   st,
		Client:  ts.Client(),
	}
}

// mcpSession creates an MCP client session authenticated with basic
// auth. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, username, password string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &basicAuthTransport{
				username: username,
				password: password,
				base:     h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callJSON calls a tool and decodes its text content into dest.
func callJSON(t *testing.T, session *mcp.ClientSession, name string, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), dest))
}

// extractTextContent returns the first text content from a CallToolResult.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}

// basicAuthTransport is an http.RoundTripper that injects basic auth
// credentials into every request.
type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (bt *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(bt.username, bt.password)

	return bt.base.RoundTrip(req)
}
