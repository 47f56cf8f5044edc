package status

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/engine"
	"github.com/alexjbarnes/farm-sync/internal/logging"
	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/alexjbarnes/farm-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu sync.Mutex
	fn func(engine.Event)
}

func (s *fakeSource) Subscribe(fn func(engine.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.fn = nil
	}
}

func (s *fakeSource) Status() models.Status { return models.StatusIdle }

func (s *fakeSource) send(ev engine.Event) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

type fakeCycler struct{}

func (fakeCycler) RunCycle(context.Context) models.SyncResult { return models.SyncResult{Success: true} }
func (fakeCycler) Running() bool                              { return false }

type fakeConn struct{ online atomic.Bool }

func (c *fakeConn) IsOnline() bool { return c.online.Load() }

type staticTerminal []string

func (s staticTerminal) Exhausted() []string { return append([]string(nil), s...) }

type fixture struct {
	source *fakeSource
	loop   *engine.Loop
	conn   *fakeConn
	store  *store.Store
	proj   *Projector
}

func newFixture(t *testing.T, terminal TerminalFailures) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		source: &fakeSource{},
		loop:   engine.NewLoop(fakeCycler{}, time.Hour, true, logging.Discard()),
		conn:   &fakeConn{},
		store:  st,
	}
	f.conn.online.Store(true)
	f.proj = New(f.source, f.loop, f.conn, st, terminal, logging.Discard())
	t.Cleanup(f.proj.Close)

	return f
}

func TestProgress_FixedWeights(t *testing.T) {
	assert.Equal(t, 10, Progress(0, 4))
	assert.Equal(t, 32, Progress(1, 4))
	assert.Equal(t, 55, Progress(2, 4))
	assert.Equal(t, 100, Progress(4, 4))
	assert.Equal(t, 100, Progress(9, 4), "clamped")
	assert.Equal(t, 10, Progress(0, 0))
}

func TestGetStatus_Precedence(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, models.StatusIdle, f.proj.GetStatus())

	f.source.send(engine.Event{Status: models.StatusSyncing, Phase: engine.PhaseHealth, Total: 3})
	assert.Equal(t, models.StatusSyncing, f.proj.GetStatus())

	f.conn.online.Store(false)
	assert.Equal(t, models.StatusOffline, f.proj.GetStatus(), "offline pre-empts syncing")

	f.proj.Pause()
	assert.Equal(t, models.StatusPaused, f.proj.GetStatus())

	f.proj.Resume()
	f.conn.online.Store(true)
	assert.Equal(t, models.StatusSyncing, f.proj.GetStatus())
}

func TestSnapshot_TracksCycle(t *testing.T) {
	f := newFixture(t, nil)

	var mu sync.Mutex
	var seen []Snapshot
	f.proj.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	f.source.send(engine.Event{Status: models.StatusSyncing, Phase: engine.PhaseHealth, Total: 2})
	f.source.send(engine.Event{Status: models.StatusSyncing, Phase: "upload:independent:media_assets", Completed: 1, Total: 2})

	snap := f.proj.Snapshot()
	assert.Equal(t, 55, snap.Progress)
	assert.Equal(t, "upload:independent:media_assets", snap.Phase)

	res := models.SyncResult{Success: true, Uploaded: 3}
	f.source.send(engine.Event{Status: models.StatusSuccess, Result: &res, At: at})
	f.source.send(engine.Event{Status: models.StatusIdle})

	snap = f.proj.Snapshot()
	assert.Equal(t, models.StatusIdle, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Empty(t, snap.Phase)
	require.NotNil(t, snap.LastSuccessfulSync)
	assert.True(t, at.Equal(*snap.LastSuccessfulSync))
	require.NotNil(t, snap.LastResult)
	assert.Equal(t, 3, snap.LastResult.Uploaded)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 4)
}

func TestSnapshot_FailedCycleKeepsLastSuccess(t *testing.T) {
	f := newFixture(t, nil)

	ok := models.SyncResult{Success: true}
	first := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	f.source.send(engine.Event{Status: models.StatusSuccess, Result: &ok, At: first})

	bad := models.SyncResult{Failed: 1, Errors: []string{"x"}}
	f.source.send(engine.Event{Status: models.StatusError, Result: &bad, At: first.Add(time.Hour)})

	snap := f.proj.Snapshot()
	require.NotNil(t, snap.LastSuccessfulSync)
	assert.True(t, first.Equal(*snap.LastSuccessfulSync))
	assert.Equal(t, 1, snap.LastResult.Failed)
}

func TestGetStats_CombinesStoreAndRetries(t *testing.T) {
	f := newFixture(t, staticTerminal{"tasks/2", "media_assets/1"})

	_, err := f.store.Create(models.MediaAssets, "", "a", nil, nil)
	require.NoError(t, err)
	_, err = f.store.Create(models.Tasks, "", "b", nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveStats(models.Stats{TotalSynced: 7, TotalFailed: 2, Cycles: 3}))

	view := f.proj.GetStats()
	assert.Equal(t, 7, view.TotalSynced)
	assert.Equal(t, 2, view.TotalFailed)
	assert.Equal(t, 2, view.Pending)
	assert.Equal(t, []string{"media_assets/1", "tasks/2"}, view.FailedOperations)
	assert.Empty(t, view.Errors)
}

func TestGetStats_StoreFailureIsData(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Close())

	view := f.proj.GetStats()
	assert.NotEmpty(t, view.Errors)
}

func TestTriggerSync_QueuesManualRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.proj.Pause()

	assert.True(t, f.proj.TriggerSync(), "manual trigger allowed while paused")
	assert.False(t, f.proj.TriggerSync(), "second request coalesced")
}

func TestPauseResume_Publish(t *testing.T) {
	f := newFixture(t, nil)

	var paused []bool
	f.proj.Subscribe(func(s Snapshot) { paused = append(paused, s.Paused) })

	f.proj.Pause()
	f.proj.Resume()
	assert.Equal(t, []bool{true, false}, paused)
}
