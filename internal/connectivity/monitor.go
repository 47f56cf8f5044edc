// Package connectivity tracks whether the backend host is reachable and
// tells subscribers when that changes. It never touches local records.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"
)

// dialTimeout bounds a single reachability probe.
const dialTimeout = 3 * time.Second

// DialFunc opens a connection. *net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Monitor polls the backend host with a TCP dial. It starts offline so
// the first successful probe is reported as a transition to online.
type Monitor struct {
	addr     string
	interval time.Duration
	dial     DialFunc
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int
}

// New creates a monitor for the host in baseURL. Missing ports default
// from the URL scheme.
func New(baseURL string, interval time.Duration, logger *slog.Logger) (*Monitor, error) {
	addr, err := hostPort(baseURL)
	if err != nil {
		return nil, err
	}

	d := &net.Dialer{Timeout: dialTimeout}

	return &Monitor{
		addr:     addr,
		interval: interval,
		dial:     d.DialContext,
		logger:   logger.With(slog.String("component", "connectivity")),
		subs:     make(map[int]func(bool)),
	}, nil
}

func hostPort(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing api base url: %w", err)
	}

	if u.Hostname() == "" {
		return "", fmt.Errorf("api base url %q has no host", baseURL)
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	return net.JoinHostPort(u.Hostname(), port), nil
}

// SetDialer replaces the dial function.
func (m *Monitor) SetDialer(dial DialFunc) {
	m.dial = dial
}

// Addr returns the host:port being probed.
func (m *Monitor) Addr() string {
	return m.addr
}

// IsOnline reports the last observed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// Subscribe registers fn for transitions. The returned func removes it.
// Callbacks run on the goroutine that observed the change.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.subs, id)
	}
}

// Set records the current state and notifies subscribers if it changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()

	if m.online == online {
		m.mu.Unlock()
		return
	}

	m.online = online

	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored", slog.String("addr", m.addr))
	} else {
		m.logger.Warn("connectivity lost", slog.String("addr", m.addr))
	}

	for _, fn := range subs {
		fn(online)
	}
}

// Probe dials the backend once and updates the state.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.addr)
	if err != nil {
		m.logger.Debug("probe failed", slog.String("error", err.Error()))
		m.Set(false)

		return false
	}

	conn.Close()
	m.Set(true)

	return true
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
