// Package engine runs sync cycles. The Orchestrator executes one cycle
// at a time across every resource syncer; the Loop decides when cycles
// run.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	ferrors "github.com/alexjbarnes/farm-sync/internal/errors"
	"github.com/alexjbarnes/farm-sync/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	// PhaseHealth is the backend probe that opens every cycle.
	PhaseHealth = "health"

	// maxRecentErrors caps how many error strings the stats keep.
	maxRecentErrors = 20
)

// Syncer is one resource type's upload and download phases.
type Syncer interface {
	Spec() models.ResourceSpec
	UploadPending(ctx context.Context, cycleStart time.Time, batchSize int) models.SyncResult
	DownloadRemote(ctx context.Context, since *time.Time) models.SyncResult
}

// Store persists cycle bookkeeping.
type Store interface {
	LastSyncTimestamp() (*time.Time, error)
	SetLastSyncTimestamp(t time.Time) error
	LoadStats() (models.Stats, error)
	SaveStats(st models.Stats) error
}

// Prober checks backend health.
type Prober interface {
	Health(ctx context.Context) error
}

// Connectivity reports reachability.
type Connectivity interface {
	IsOnline() bool
}

// TerminalFailures lists items that will not be retried again.
type TerminalFailures interface {
	Exhausted() []string
}

// Options tune a cycle.
type Options struct {
	BatchSize     int
	HealthTimeout time.Duration

	// StrictBackendAvailability makes an unreachable backend a failed
	// cycle. When false it is reported as an empty success.
	StrictBackendAvailability bool
}

// Event reports cycle progress to subscribers. Completed and Total count
// resource phases; the health probe is not included in either.
type Event struct {
	Status    models.Status
	Phase     string
	Completed int
	Total     int
	Result    *models.SyncResult
	At        time.Time
}

// Orchestrator is the single entry point for sync cycles.
type Orchestrator struct {
	syncers  []Syncer
	store    Store
	prober   Prober
	conn     Connectivity
	terminal TerminalFailures
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool

	mu        sync.Mutex
	status    models.Status
	listeners map[int]func(Event)
	nextID    int
}

// New creates an orchestrator. syncers must be in registry order; the
// orchestrator groups them by tier itself. terminal may be nil.
func New(syncers []Syncer, st Store, prober Prober, conn Connectivity, terminal TerminalFailures, opts Options, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		syncers:   syncers,
		store:     st,
		prober:    prober,
		conn:      conn,
		terminal:  terminal,
		opts:      opts,
		logger:    logger.With(slog.String("component", "orchestrator")),
		now:       time.Now,
		status:    models.StatusIdle,
		listeners: make(map[int]func(Event)),
	}
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Running reports whether a cycle is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Status returns the cycle state machine's current state.
func (o *Orchestrator) Status() models.Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.status
}

// Subscribe registers fn for cycle events. The returned func removes it.
func (o *Orchestrator) Subscribe(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	o.listeners[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()

		delete(o.listeners, id)
	}
}

func (o *Orchestrator) emit(ev Event) {
	ev.At = o.now()

	o.mu.Lock()
	if ev.Status != "" {
		o.status = ev.Status
	} else {
		ev.Status = o.status
	}

	fns := make([]func(Event), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// plan is the phase layout of one cycle.
type plan struct {
	independent []Syncer
	dependent   []Syncer
	downloads   []Syncer
}

func (p plan) total() int {
	return len(p.independent) + len(p.dependent) + len(p.downloads)
}

func (o *Orchestrator) plan() plan {
	var p plan

	for _, s := range o.syncers {
		spec := s.Spec()

		if spec.Upload {
			if spec.Tier == models.TierDependent {
				p.dependent = append(p.dependent, s)
			} else {
				p.independent = append(p.independent, s)
			}
		}

		if spec.Download {
			p.downloads = append(p.downloads, s)
		}
	}

	return p
}

// RunCycle runs one full cycle. A call while another cycle is running
// returns at once with "sync in progress" and does nothing else. A call
// while offline returns success=false without touching the network.
func (o *Orchestrator) RunCycle(ctx context.Context) models.SyncResult {
	if !o.running.CompareAndSwap(false, true) {
		return models.SyncResult{Errors: []string{ferrors.ErrSyncInProgress.Error()}}
	}
	defer o.running.Store(false)

	if !o.conn.IsOnline() {
		o.logger.Debug("skipping cycle while offline")
		return models.SyncResult{Errors: []string{ferrors.ErrOffline.Error()}}
	}

	return o.cycle(ctx)
}

func (o *Orchestrator) cycle(ctx context.Context) (result models.SyncResult) {
	cycleStart := o.now()
	p := o.plan()
	total := p.total()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("cycle panicked", slog.Any("panic", r))
			result.Errors = append(result.Errors, fmt.Sprintf("unexpected failure: %v", r))
			result.Finish()
			o.finish(result, models.StatusError)
		}
	}()

	o.emit(Event{Status: models.StatusSyncing, Phase: PhaseHealth, Total: total})
	o.logger.Info("sync cycle started")

	if err := o.probe(ctx); err != nil {
		if !o.opts.StrictBackendAvailability {
			o.logger.Info("backend unreachable, treating as empty cycle", slog.String("error", err.Error()))

			result.Finish()
			o.finish(result, models.StatusSuccess)

			return result
		}

		o.logger.Warn("backend unreachable, aborting cycle", slog.String("error", err.Error()))

		result.Errors = append(result.Errors, fmt.Sprintf("%v: %v", ferrors.ErrBackendUnreachable, err))
		result.Finish()
		o.finish(result, models.StatusError)

		return result
	}

	since, err := o.store.LastSyncTimestamp()
	if err != nil {
		o.logger.Warn("reading last sync timestamp", slog.String("error", err.Error()))
		since = nil
	}

	var completed atomic.Int32

	perResource := make(map[models.Resource]models.ResourceStats)

	phases := []struct {
		name    string
		syncers []Syncer
		run     func(ctx context.Context, s Syncer) models.SyncResult
	}{
		{"upload:independent", p.independent, func(ctx context.Context, s Syncer) models.SyncResult {
			return s.UploadPending(ctx, cycleStart, o.opts.BatchSize)
		}},
		{"upload:dependent", p.dependent, func(ctx context.Context, s Syncer) models.SyncResult {
			return s.UploadPending(ctx, cycleStart, o.opts.BatchSize)
		}},
		{"download", p.downloads, func(ctx context.Context, s Syncer) models.SyncResult {
			return s.DownloadRemote(ctx, since)
		}},
	}

	for _, ph := range phases {
		if !o.conn.IsOnline() {
			o.logger.Warn("connectivity lost mid-cycle", slog.String("next_phase", ph.name))

			result.Errors = append(result.Errors, ferrors.ErrOffline.Error())
			result.Finish()

			// Completed phases count; lastSync stays put.
			o.recordStats(result, perResource)
			o.finish(result, models.StatusOffline)

			return result
		}

		results := o.fanOut(ctx, ph.name, ph.syncers, ph.run, &completed, total)

		for i, r := range results {
			result.Add(r)

			name := ph.syncers[i].Spec().Name
			rs := perResource[name]
			rs.Uploaded += r.Uploaded
			rs.Downloaded += r.Downloaded
			rs.Failed += r.Failed
			perResource[name] = rs
		}
	}

	result.Finish()

	if err := o.store.SetLastSyncTimestamp(cycleStart); err != nil {
		o.logger.Error("persisting last sync timestamp", slog.String("error", err.Error()))
		result.Errors = append(result.Errors, fmt.Sprintf("persisting last sync timestamp: %v", err))
		result.Finish()
	}

	o.recordStats(result, perResource)

	status := models.StatusSuccess
	if !result.Success {
		status = models.StatusError
	}

	o.logger.Info("sync cycle finished",
		slog.Bool("success", result.Success),
		slog.Int("uploaded", result.Uploaded),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Duration("elapsed", o.now().Sub(cycleStart)),
	)

	o.finish(result, status)

	return result
}

// fanOut runs one phase across syncers concurrently. Each syncer owns a
// disjoint resource type. A panicking syncer is recorded as an error
// without affecting the others.
func (o *Orchestrator) fanOut(ctx context.Context, phase string, syncers []Syncer, run func(context.Context, Syncer) models.SyncResult, completed *atomic.Int32, total int) []models.SyncResult {
	results := make([]models.SyncResult, len(syncers))

	var g errgroup.Group

	for i, s := range syncers {
		g.Go(func() error {
			results[i] = o.guard(ctx, s, phase, run)

			n := completed.Add(1)
			o.emit(Event{Phase: phase + ":" + string(s.Spec().Name), Completed: int(n), Total: total})

			return nil
		})
	}

	_ = g.Wait()

	return results
}

func (o *Orchestrator) guard(ctx context.Context, s Syncer, phase string, run func(context.Context, Syncer) models.SyncResult) (res models.SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			name := s.Spec().Name
			o.logger.Error("syncer panicked",
				slog.String("resource", string(name)),
				slog.String("phase", phase),
				slog.Any("panic", r),
			)

			res = models.SyncResult{Errors: []string{fmt.Sprintf("%s: %s: unexpected failure: %v", name, phase, r)}}
		}
	}()

	return run(ctx, s)
}

func (o *Orchestrator) probe(ctx context.Context) error {
	timeout := o.opts.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return o.prober.Health(hctx)
}

func (o *Orchestrator) recordStats(result models.SyncResult, perResource map[models.Resource]models.ResourceStats) {
	st, err := o.store.LoadStats()
	if err != nil {
		o.logger.Warn("loading stats", slog.String("error", err.Error()))
	}

	if st.PerResource == nil {
		st.PerResource = make(map[models.Resource]models.ResourceStats)
	}

	now := o.now().UTC()

	st.Cycles++
	st.TotalSynced += result.Uploaded + result.Downloaded
	st.TotalFailed += result.Failed
	st.LastCycleAt = &now

	if result.Success {
		st.LastSuccessfulSync = &now
	}

	st.LastErrors = result.Errors
	if len(st.LastErrors) > maxRecentErrors {
		st.LastErrors = st.LastErrors[:maxRecentErrors]
	}

	for name, rs := range perResource {
		acc := st.PerResource[name]
		acc.Uploaded += rs.Uploaded
		acc.Downloaded += rs.Downloaded
		acc.Failed += rs.Failed
		st.PerResource[name] = acc
	}

	if o.terminal != nil {
		st.FailedOperations = o.terminal.Exhausted()
		slices.Sort(st.FailedOperations)
	}

	if err := o.store.SaveStats(st); err != nil {
		o.logger.Warn("saving stats", slog.String("error", err.Error()))
	}
}

// finish publishes the terminal state of a cycle and returns the state
// machine to idle.
func (o *Orchestrator) finish(result models.SyncResult, status models.Status) {
	res := result
	o.emit(Event{Status: status, Result: &res})
	o.emit(Event{Status: models.StatusIdle})
}
