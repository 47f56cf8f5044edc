// Package push listens on the backend's WebSocket change feed and asks
// for a sync cycle whenever the server reports a change.
package push

//go:generate mockgen -destination=mock_conn_test.go -package=push . Conn

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor bounds reconnect jitter to [0, backoff/jitterDivisor).
	jitterDivisor = 2

	reconnectBackoffMultiplier = 2

	// maxMessageBytes caps a single change notice.
	maxMessageBytes = 64 * 1024

	messageTypeChanged = "changed"
)

// Conn is the subset of *websocket.Conn the listener reads from.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// DialFunc opens the change feed.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Listener holds the long-lived connection to the change feed.
type Listener struct {
	url      string
	token    string
	dial     DialFunc
	onChange func(resource models.Resource)
	logger   *slog.Logger

	backoffMin time.Duration
	backoffMax time.Duration
}

// FeedURL derives the WebSocket feed address from the REST base URL.
func FeedURL(apiBaseURL string) (string, error) {
	u, err := url.Parse(apiBaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing api base url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	return u.String(), nil
}

// New creates a listener. onChange is called once per change notice.
func New(apiBaseURL, token string, onChange func(models.Resource), logger *slog.Logger) (*Listener, error) {
	feed, err := FeedURL(apiBaseURL)
	if err != nil {
		return nil, err
	}

	return &Listener{
		url:        feed,
		token:      token,
		dial:       dialWebsocket,
		onChange:   onChange,
		logger:     logger.With(slog.String("component", "push")),
		backoffMin: reconnectMin,
		backoffMax: reconnectMax,
	}, nil
}

func dialWebsocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing change feed: %w", err)
	}

	return conn, nil
}

// SetDialer replaces the dial function.
func (l *Listener) SetDialer(dial DialFunc) {
	l.dial = dial
}

// SetBackoff overrides the reconnect bounds.
func (l *Listener) SetBackoff(lo, hi time.Duration) {
	l.backoffMin = lo
	l.backoffMax = hi
}

// URL returns the feed address.
func (l *Listener) URL() string {
	return l.url
}

// Run keeps a connection open, reconnecting with jittered exponential
// backoff, until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.backoffMin

	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			backoff = l.backoffMin
		}

		l.logger.Warn("change feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		var jitter time.Duration
		if half := int64(backoff) / jitterDivisor; half > 0 {
			jitter = time.Duration(rand.Int64N(half)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
		}

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if !connected {
			backoff = min(backoff*reconnectBackoffMultiplier, l.backoffMax)
		}
	}
}

// session dials once and reads until the connection fails. connected
// reports whether the dial succeeded.
func (l *Listener) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}

	conn, err := l.dial(ctx, l.url, header)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	conn.SetReadLimit(maxMessageBytes)
	l.logger.Info("change feed connected", slog.String("url", l.url))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}

		if typ != websocket.MessageText {
			continue
		}

		l.handle(data)
	}
}

func (l *Listener) handle(data []byte) {
	if !gjson.ValidBytes(data) {
		l.logger.Debug("ignoring malformed notice")
		return
	}

	if gjson.GetBytes(data, "type").String() != messageTypeChanged {
		return
	}

	resource := models.Resource(gjson.GetBytes(data, "resource").String())
	l.logger.Debug("change notice", slog.String("resource", string(resource)))

	l.onChange(resource)
}
