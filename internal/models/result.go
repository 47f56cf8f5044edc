package models

import "time"

// SyncResult reports one resource phase or a whole cycle. Success is
// true only when nothing failed.
type SyncResult struct {
	Success    bool     `json:"success" yaml:"success"`
	Uploaded   int      `json:"uploaded" yaml:"uploaded"`
	Downloaded int      `json:"downloaded" yaml:"downloaded"`
	Failed     int      `json:"failed" yaml:"failed"`
	Skipped    int      `json:"skipped" yaml:"skipped"`
	Errors     []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Add sums other into r. Success is recomputed by Finish.
func (r *SyncResult) Add(other SyncResult) {
	r.Uploaded += other.Uploaded
	r.Downloaded += other.Downloaded
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

// Finish sets Success from the failure count and error list.
func (r *SyncResult) Finish() {
	r.Success = r.Failed == 0 && len(r.Errors) == 0
}

// Status is the externally visible engine state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
	StatusPaused  Status = "paused"
)

// ResourceStats accumulates counters for one resource type.
type ResourceStats struct {
	Uploaded   int `json:"uploaded" yaml:"uploaded"`
	Downloaded int `json:"downloaded" yaml:"downloaded"`
	Failed     int `json:"failed" yaml:"failed"`
}

// Stats are rolling counters persisted across restarts.
type Stats struct {
	TotalSynced        int                        `json:"total_synced" yaml:"total_synced"`
	TotalFailed        int                        `json:"total_failed" yaml:"total_failed"`
	Cycles             int                        `json:"cycles" yaml:"cycles"`
	LastSuccessfulSync *time.Time                 `json:"last_successful_sync,omitempty" yaml:"last_successful_sync,omitempty"`
	LastCycleAt        *time.Time                 `json:"last_cycle_at,omitempty" yaml:"last_cycle_at,omitempty"`
	LastErrors         []string                   `json:"last_errors,omitempty" yaml:"last_errors,omitempty"`
	FailedOperations   []string                   `json:"failed_operations,omitempty" yaml:"failed_operations,omitempty"`
	PerResource        map[Resource]ResourceStats `json:"per_resource,omitempty" yaml:"per_resource,omitempty"`
}
