// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"time"
)

// Action is the pending mutation a record carries until it syncs.
type Action string

const (
	ActionNone   Action = ""
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Ref points a dependent record at another entity. Exactly one of
// ServerID, LocalID or Name is normally set. Field is the payload key
// the resolved server id is written to before upload.
type Ref struct {
	Field    string   `json:"field"`
	Resource Resource `json:"resource"`
	ServerID string   `json:"server_id,omitempty"`
	LocalID  string   `json:"local_id,omitempty"`
	Name     string   `json:"name,omitempty"`
}

// Record is a locally captured entity eligible for sync. ServerID is
// set once, on the first successful remote create, and never changes.
type Record struct {
	LocalID     string          `json:"local_id"`
	Resource    Resource        `json:"resource"`
	ServerID    string          `json:"server_id,omitempty"`
	PendingSync bool            `json:"pending_sync"`
	Action      Action          `json:"action,omitempty"`
	LastSync    *time.Time      `json:"last_sync,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Name        string          `json:"name,omitempty"`
	BusinessKey string          `json:"business_key,omitempty"`
	Refs        []Ref           `json:"refs,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`

	// Rejected is set when the remote refused the record with a
	// non-retryable status. Rejected records are skipped by uploads
	// until a local edit clears the flag.
	Rejected  bool   `json:"rejected,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

// ItemID identifies a record across resource types, used as the
// retry bookkeeping key.
func (r Record) ItemID() string {
	return string(r.Resource) + "/" + r.LocalID
}

// SyncedBefore reports whether the record has a server id that was
// acknowledged strictly before t.
func (r Record) SyncedBefore(t time.Time) bool {
	return r.ServerID != "" && r.LastSync != nil && r.LastSync.Before(t)
}
