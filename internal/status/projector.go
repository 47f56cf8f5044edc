// Package status projects engine state into the view UI and CLI callers
// consume. It owns no sync logic and never returns errors to callers:
// failures show up as data in the snapshot.
package status

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/engine"
	"github.com/alexjbarnes/farm-sync/internal/models"
)

const (
	// healthWeight is the share of progress credited once the health
	// probe passes. Resource phases split the remainder evenly.
	healthWeight = 10

	fullProgress = 100
)

// Source is the orchestrator surface the projector observes.
type Source interface {
	Subscribe(fn func(engine.Event)) func()
	Status() models.Status
}

// Controller starts and suspends cycles. *engine.Loop satisfies it.
type Controller interface {
	Request(reason engine.Reason) bool
	Pause()
	Resume()
	Paused() bool
}

// Connectivity reports reachability.
type Connectivity interface {
	IsOnline() bool
}

// StatsStore reads persisted counters.
type StatsStore interface {
	LoadStats() (models.Stats, error)
	PendingCount() (int, error)
}

// TerminalFailures lists items that will not be retried again.
type TerminalFailures interface {
	Exhausted() []string
}

// Snapshot is the projected state.
type Snapshot struct {
	Status             models.Status      `json:"status" yaml:"status"`
	Phase              string             `json:"phase,omitempty" yaml:"phase,omitempty"`
	Progress           int                `json:"progress" yaml:"progress"`
	Online             bool               `json:"online" yaml:"online"`
	Paused             bool               `json:"paused" yaml:"paused"`
	LastSuccessfulSync *time.Time         `json:"last_successful_sync,omitempty" yaml:"last_successful_sync,omitempty"`
	LastResult         *models.SyncResult `json:"last_result,omitempty" yaml:"last_result,omitempty"`
}

// StatsView is GetStats' answer.
type StatsView struct {
	models.Stats `yaml:",inline"`

	Pending int      `json:"pending" yaml:"pending"`
	Errors  []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Projector is the subscriber-facing view over the engine.
type Projector struct {
	control  Controller
	conn     Connectivity
	store    StatsStore
	terminal TerminalFailures
	logger   *slog.Logger

	mu          sync.Mutex
	cycleStatus models.Status
	phase       string
	progress    int
	lastSuccess *time.Time
	lastResult  *models.SyncResult
	subs        map[int]func(Snapshot)
	nextID      int

	unsubscribe func()
}

// New creates a projector and starts observing source. terminal may be
// nil.
func New(source Source, control Controller, conn Connectivity, st StatsStore, terminal TerminalFailures, logger *slog.Logger) *Projector {
	p := &Projector{
		control:     control,
		conn:        conn,
		store:       st,
		terminal:    terminal,
		logger:      logger.With(slog.String("component", "status")),
		cycleStatus: source.Status(),
		subs:        make(map[int]func(Snapshot)),
	}

	if stats, err := st.LoadStats(); err == nil {
		p.lastSuccess = stats.LastSuccessfulSync
	}

	p.unsubscribe = source.Subscribe(p.onEvent)

	return p
}

// Close stops observing the orchestrator.
func (p *Projector) Close() {
	p.unsubscribe()
}

// Progress maps completed resource phases onto 0..100, with a passed
// health probe worth healthWeight.
func Progress(completed, total int) int {
	if total <= 0 {
		return healthWeight
	}

	completed = min(max(completed, 0), total)

	return healthWeight + completed*(fullProgress-healthWeight)/total
}

func (p *Projector) onEvent(ev engine.Event) {
	p.mu.Lock()

	p.cycleStatus = ev.Status
	if ev.Phase != "" {
		p.phase = ev.Phase
	}

	switch ev.Status {
	case models.StatusSyncing:
		if ev.Phase == engine.PhaseHealth {
			p.progress = 0
		} else {
			p.progress = max(p.progress, Progress(ev.Completed, ev.Total))
		}

	case models.StatusSuccess, models.StatusError, models.StatusOffline:
		p.progress = fullProgress

		if ev.Result != nil {
			res := *ev.Result
			p.lastResult = &res

			if res.Success && ev.Status == models.StatusSuccess {
				at := ev.At
				p.lastSuccess = &at
			}
		}

	case models.StatusIdle:
		p.phase = ""
	}

	snap := p.snapshotLocked()
	fns := p.subscribersLocked()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// OnConnectivity republishes the snapshot after a connectivity change.
func (p *Projector) OnConnectivity(bool) {
	p.publish()
}

// GetStatus returns the externally visible state. Paused wins over
// everything, then offline pre-empts the cycle state.
func (p *Projector) GetStatus() models.Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.statusLocked()
}

func (p *Projector) statusLocked() models.Status {
	switch {
	case p.control.Paused():
		return models.StatusPaused
	case !p.conn.IsOnline():
		return models.StatusOffline
	case p.cycleStatus == "":
		return models.StatusIdle
	default:
		return p.cycleStatus
	}
}

// Snapshot returns the full projected state.
func (p *Projector) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snapshotLocked()
}

func (p *Projector) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status: p.statusLocked(),
		Phase:  p.phase,
		Online: p.conn.IsOnline(),
		Paused: p.control.Paused(),
	}

	if p.cycleStatus == models.StatusSyncing {
		snap.Progress = p.progress
	} else if p.lastResult != nil {
		snap.Progress = fullProgress
	}

	if p.lastSuccess != nil {
		t := *p.lastSuccess
		snap.LastSuccessfulSync = &t
	}

	if p.lastResult != nil {
		res := *p.lastResult
		snap.LastResult = &res
	}

	return snap
}

// GetStats returns persisted counters plus the live pending count and
// the terminal failure list.
func (p *Projector) GetStats() StatsView {
	var view StatsView

	stats, err := p.store.LoadStats()
	if err != nil {
		p.logger.Warn("loading stats", slog.String("error", err.Error()))
		view.Errors = append(view.Errors, "loading stats: "+err.Error())
	}

	view.Stats = stats

	pending, err := p.store.PendingCount()
	if err != nil {
		p.logger.Warn("counting pending records", slog.String("error", err.Error()))
		view.Errors = append(view.Errors, "counting pending records: "+err.Error())
	}

	view.Pending = pending

	if p.terminal != nil {
		view.FailedOperations = p.terminal.Exhausted()
		slices.Sort(view.FailedOperations)
	}

	return view
}

// TriggerSync requests a manual cycle. It runs even while paused.
// Returns false when a request is already queued.
func (p *Projector) TriggerSync() bool {
	return p.control.Request(engine.ReasonManual)
}

// Pause suspends automatic cycles.
func (p *Projector) Pause() {
	p.control.Pause()
	p.publish()
}

// Resume re-enables automatic cycles.
func (p *Projector) Resume() {
	p.control.Resume()
	p.publish()
}

// Subscribe registers fn for snapshot changes. The returned func
// removes it.
func (p *Projector) Subscribe(fn func(Snapshot)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.subs[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		delete(p.subs, id)
	}
}

func (p *Projector) publish() {
	p.mu.Lock()
	snap := p.snapshotLocked()
	fns := p.subscribersLocked()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (p *Projector) subscribersLocked() []func(Snapshot) {
	fns := make([]func(Snapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}

	return fns
}
