package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/models"
)

// Cycler runs a sync cycle. *Orchestrator satisfies it.
type Cycler interface {
	RunCycle(ctx context.Context) models.SyncResult
	Running() bool
}

// Reason says why a cycle was requested.
type Reason string

const (
	ReasonManual  Reason = "manual"
	ReasonTimer   Reason = "timer"
	ReasonOnline  Reason = "online"
	ReasonRetry   Reason = "retry"
	ReasonPush    Reason = "push"
	ReasonCapture Reason = "capture"
)

// Loop drives the orchestrator from the auto-sync timer and from
// requests. Pausing suppresses every automatic trigger; a manual
// request still runs.
type Loop struct {
	cycler   Cycler
	interval time.Duration
	auto     bool
	logger   *slog.Logger

	paused   atomic.Bool
	requests chan Reason

	// OnResult, when set, receives every cycle result.
	OnResult func(Reason, models.SyncResult)
}

// NewLoop creates a loop. With auto false only requests start cycles.
func NewLoop(cycler Cycler, interval time.Duration, auto bool, logger *slog.Logger) *Loop {
	return &Loop{
		cycler:   cycler,
		interval: interval,
		auto:     auto,
		logger:   logger.With(slog.String("component", "loop")),
		requests: make(chan Reason, 1),
	}
}

// Pause stops automatic cycles. In-flight cycles and pending records
// are untouched.
func (l *Loop) Pause() {
	if !l.paused.Swap(true) {
		l.logger.Info("auto sync paused")
	}
}

// Resume re-enables automatic cycles.
func (l *Loop) Resume() {
	if l.paused.Swap(false) {
		l.logger.Info("auto sync resumed")
	}
}

// Paused reports whether automatic cycles are suspended.
func (l *Loop) Paused() bool {
	return l.paused.Load()
}

// Request asks for a cycle. Requests coalesce: while one is queued,
// further requests are dropped. Automatic reasons are ignored while
// paused. Returns whether the request was queued.
func (l *Loop) Request(reason Reason) bool {
	if reason != ReasonManual && l.paused.Load() {
		l.logger.Debug("ignoring request while paused", slog.String("reason", string(reason)))
		return false
	}

	if reason == ReasonOnline && l.cycler.Running() {
		return false
	}

	select {
	case l.requests <- reason:
		return true
	default:
		return false
	}
}

// Run serves requests and timer ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	var tick <-chan time.Time

	if l.auto && l.interval > 0 {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tick:
			if l.paused.Load() {
				continue
			}

			l.run(ctx, ReasonTimer)

		case reason := <-l.requests:
			if reason != ReasonManual && l.paused.Load() {
				continue
			}

			l.run(ctx, reason)
		}
	}
}

func (l *Loop) run(ctx context.Context, reason Reason) {
	l.logger.Debug("starting cycle", slog.String("reason", string(reason)))

	res := l.cycler.RunCycle(ctx)

	if l.OnResult != nil {
		l.OnResult(reason, res)
	}
}
