// Package mcpserver registers MCP tools that expose the sync engine's
// status and controls. It adapts the status projector to the MCP SDK's
// tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/alexjbarnes/farm-sync/internal/status"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Engine is the projector surface the tools drive. *status.Projector
// satisfies it.
type Engine interface {
	Snapshot() status.Snapshot
	GetStats() status.StatsView
	TriggerSync() bool
	Pause()
	Resume()
}

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, e Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Current sync state: idle, syncing, success, error, offline or paused. Includes progress (0-100), current phase, connectivity, and the result of the last cycle.",
	}, statusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_stats",
		Description: "Rolling sync counters persisted across restarts: totals, per-resource counts, pending records, recent errors, and operations that exhausted their retries.",
	}, statsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_trigger",
		Description: "Request a sync cycle now. Runs even while automatic sync is paused. Returns queued=false when a request is already waiting.",
	}, triggerHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_pause",
		Description: "Suspend automatic sync (timer, reconnect, retry and push triggers). Manual triggers still run.",
	}, pauseHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_resume",
		Description: "Re-enable automatic sync after sync_pause.",
	}, resumeHandler(e))
}

// --- Input types ---

// EmptyInput is used by tools that take no parameters.
type EmptyInput struct{}

// --- Output types ---
// Timestamps are RFC 3339 strings so the inferred schema stays plain.

// StatusOutput is the sync_status result.
type StatusOutput struct {
	Status             string       `json:"status"`
	Phase              string       `json:"phase,omitempty"`
	Progress           int          `json:"progress"`
	Online             bool         `json:"online"`
	Paused             bool         `json:"paused"`
	LastSuccessfulSync string       `json:"last_successful_sync,omitempty"`
	LastResult         *CycleOutput `json:"last_result,omitempty"`
}

// CycleOutput summarises one cycle.
type CycleOutput struct {
	Success    bool     `json:"success"`
	Uploaded   int      `json:"uploaded"`
	Downloaded int      `json:"downloaded"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors,omitempty"`
}

// ResourceOutput holds counters for one resource type.
type ResourceOutput struct {
	Uploaded   int `json:"uploaded"`
	Downloaded int `json:"downloaded"`
	Failed     int `json:"failed"`
}

// StatsOutput is the sync_stats result.
type StatsOutput struct {
	TotalSynced        int                       `json:"total_synced"`
	TotalFailed        int                       `json:"total_failed"`
	Cycles             int                       `json:"cycles"`
	Pending            int                       `json:"pending"`
	LastSuccessfulSync string                    `json:"last_successful_sync,omitempty"`
	LastCycleAt        string                    `json:"last_cycle_at,omitempty"`
	LastErrors         []string                  `json:"last_errors,omitempty"`
	FailedOperations   []string                  `json:"failed_operations,omitempty"`
	PerResource        map[string]ResourceOutput `json:"per_resource,omitempty"`
	Errors             []string                  `json:"errors,omitempty"`
}

// TriggerOutput is the sync_trigger result.
type TriggerOutput struct {
	Queued bool `json:"queued"`
}

// ControlOutput is returned by sync_pause and sync_resume.
type ControlOutput struct {
	Paused bool   `json:"paused"`
	Status string `json:"status"`
}

// --- Handlers ---

func statusHandler(e Engine) mcp.ToolHandlerFor[EmptyInput, *StatusOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatusOutput, error) {
		result := toStatusOutput(e.Snapshot())
		return textResult(result), result, nil
	}
}

func statsHandler(e Engine) mcp.ToolHandlerFor[EmptyInput, *StatsOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatsOutput, error) {
		result := toStatsOutput(e.GetStats())
		return textResult(result), result, nil
	}
}

func triggerHandler(e Engine) mcp.ToolHandlerFor[EmptyInput, *TriggerOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *TriggerOutput, error) {
		result := &TriggerOutput{Queued: e.TriggerSync()}
		return textResult(result), result, nil
	}
}

func pauseHandler(e Engine) mcp.ToolHandlerFor[EmptyInput, *ControlOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ControlOutput, error) {
		e.Pause()
		result := toControlOutput(e.Snapshot())
		return textResult(result), result, nil
	}
}

func resumeHandler(e Engine) mcp.ToolHandlerFor[EmptyInput, *ControlOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ControlOutput, error) {
		e.Resume()
		result := toControlOutput(e.Snapshot())
		return textResult(result), result, nil
	}
}

func toStatusOutput(s status.Snapshot) *StatusOutput {
	out := &StatusOutput{
		Status:             string(s.Status),
		Phase:              s.Phase,
		Progress:           s.Progress,
		Online:             s.Online,
		Paused:             s.Paused,
		LastSuccessfulSync: formatTime(s.LastSuccessfulSync),
	}

	if s.LastResult != nil {
		out.LastResult = toCycleOutput(*s.LastResult)
	}

	return out
}

func toCycleOutput(r models.SyncResult) *CycleOutput {
	return &CycleOutput{
		Success:    r.Success,
		Uploaded:   r.Uploaded,
		Downloaded: r.Downloaded,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		Errors:     r.Errors,
	}
}

func toStatsOutput(v status.StatsView) *StatsOutput {
	out := &StatsOutput{
		TotalSynced:        v.TotalSynced,
		TotalFailed:        v.TotalFailed,
		Cycles:             v.Cycles,
		Pending:            v.Pending,
		LastSuccessfulSync: formatTime(v.LastSuccessfulSync),
		LastCycleAt:        formatTime(v.LastCycleAt),
		LastErrors:         v.LastErrors,
		FailedOperations:   v.FailedOperations,
		Errors:             v.Errors,
	}

	if len(v.PerResource) > 0 {
		out.PerResource = make(map[string]ResourceOutput, len(v.PerResource))
		for r, rs := range v.PerResource {
			out.PerResource[string(r)] = ResourceOutput(rs)
		}
	}

	return out
}

func toControlOutput(s status.Snapshot) *ControlOutput {
	return &ControlOutput{Paused: s.Paused, Status: string(s.Status)}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
