package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/alexjbarnes/farm-sync/internal/status"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	snap     status.Snapshot
	stats    status.StatsView
	queued   bool
	triggers int
}

func (f *fakeEngine) Snapshot() status.Snapshot  { return f.snap }
func (f *fakeEngine) GetStats() status.StatsView { return f.stats }

func (f *fakeEngine) TriggerSync() bool {
	f.triggers++
	return f.queued
}

func (f *fakeEngine) Pause() {
	f.snap.Paused = true
	f.snap.Status = models.StatusPaused
}

func (f *fakeEngine) Resume() {
	f.snap.Paused = false
	f.snap.Status = models.StatusIdle
}

// testSetup registers tools over e on an MCP server and returns a
// connected client session for calling tools.
func testSetup(t *testing.T, e Engine) *mcp.ClientSession {
	t.Helper()

	server := mcp.NewServer(
		&mcp.Implementation{Name: "farm-sync-test", Version: "test"},
		nil,
	)
	RegisterTools(server, e)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest interface{}) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func TestListTools_AllRegistered(t *testing.T) {
	session := testSetup(t, &fakeEngine{})

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{"sync_status", "sync_stats", "sync_trigger", "sync_pause", "sync_resume"}, names)
}

// --- sync_status ---

func TestStatus_Syncing(t *testing.T) {
	last := time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)
	e := &fakeEngine{snap: status.Snapshot{
		Status:             models.StatusSyncing,
		Phase:              "upload:dependent",
		Progress:           55,
		Online:             true,
		LastSuccessfulSync: &last,
		LastResult:         &models.SyncResult{Success: false, Uploaded: 2, Failed: 1, Errors: []string{"tasks: 503"}},
	}}
	session := testSetup(t, e)

	result := callTool(t, session, "sync_status", nil)
	assert.False(t, result.IsError)

	var out StatusOutput
	extractJSON(t, result, &out)
	assert.Equal(t, "syncing", out.Status)
	assert.Equal(t, "upload:dependent", out.Phase)
	assert.Equal(t, 55, out.Progress)
	assert.True(t, out.Online)
	assert.Equal(t, "2026-07-01T09:30:00Z", out.LastSuccessfulSync)
	require.NotNil(t, out.LastResult)
	assert.Equal(t, 2, out.LastResult.Uploaded)
	assert.Equal(t, []string{"tasks: 503"}, out.LastResult.Errors)
}

func TestStatus_NeverSynced(t *testing.T) {
	session := testSetup(t, &fakeEngine{snap: status.Snapshot{Status: models.StatusOffline}})

	result := callTool(t, session, "sync_status", nil)

	var out map[string]interface{}
	extractJSON(t, result, &out)
	assert.Equal(t, "offline", out["status"])
	assert.NotContains(t, out, "last_successful_sync")
	assert.NotContains(t, out, "last_result")
}

// --- sync_stats ---

func TestStats_Fields(t *testing.T) {
	at := time.Date(2026, 7, 2, 6, 0, 0, 0, time.UTC)
	e := &fakeEngine{stats: status.StatsView{
		Stats: models.Stats{
			TotalSynced:      12,
			TotalFailed:      3,
			Cycles:           4,
			LastCycleAt:      &at,
			FailedOperations: []string{"tasks/local-9"},
			PerResource: map[models.Resource]models.ResourceStats{
				models.MediaAssets: {Uploaded: 5, Failed: 1},
			},
		},
		Pending: 7,
	}}
	session := testSetup(t, e)

	result := callTool(t, session, "sync_stats", nil)
	assert.False(t, result.IsError)

	var out StatsOutput
	extractJSON(t, result, &out)
	assert.Equal(t, 12, out.TotalSynced)
	assert.Equal(t, 3, out.TotalFailed)
	assert.Equal(t, 4, out.Cycles)
	assert.Equal(t, 7, out.Pending)
	assert.Equal(t, "2026-07-02T06:00:00Z", out.LastCycleAt)
	assert.Empty(t, out.LastSuccessfulSync)
	assert.Equal(t, []string{"tasks/local-9"}, out.FailedOperations)
	assert.Equal(t, ResourceOutput{Uploaded: 5, Failed: 1}, out.PerResource["media_assets"])
}

func TestStats_ErrorsAreData(t *testing.T) {
	session := testSetup(t, &fakeEngine{stats: status.StatsView{Errors: []string{"loading stats: database not open"}}})

	result := callTool(t, session, "sync_stats", nil)
	assert.False(t, result.IsError)

	var out StatsOutput
	extractJSON(t, result, &out)
	assert.Equal(t, []string{"loading stats: database not open"}, out.Errors)
}

// --- sync_trigger ---

func TestTrigger_Queued(t *testing.T) {
	e := &fakeEngine{queued: true}
	session := testSetup(t, e)

	result := callTool(t, session, "sync_trigger", nil)

	var out TriggerOutput
	extractJSON(t, result, &out)
	assert.True(t, out.Queued)
	assert.Equal(t, 1, e.triggers)
}

func TestTrigger_AlreadyQueued(t *testing.T) {
	session := testSetup(t, &fakeEngine{queued: false})

	var out TriggerOutput
	extractJSON(t, callTool(t, session, "sync_trigger", nil), &out)
	assert.False(t, out.Queued)
}

// --- sync_pause / sync_resume ---

func TestPauseResume(t *testing.T) {
	session := testSetup(t, &fakeEngine{snap: status.Snapshot{Status: models.StatusIdle, Online: true}})

	var out ControlOutput
	extractJSON(t, callTool(t, session, "sync_pause", nil), &out)
	assert.True(t, out.Paused)
	assert.Equal(t, "paused", out.Status)

	extractJSON(t, callTool(t, session, "sync_resume", nil), &out)
	assert.False(t, out.Paused)
	assert.Equal(t, "idle", out.Status)
}
