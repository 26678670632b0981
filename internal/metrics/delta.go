// Package metrics holds the per-session usage delta log and the pure
// aggregation that turns pending deltas into per-branch session summaries.
package metrics

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the durable sync state of one delta record. Records only
// ever move pending -> synced.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// ToolUsage counts invocations of one agent tool.
type ToolUsage struct {
	Calls     int `json:"calls"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// FileOperation counts file edits of one type (create, edit, delete).
type FileOperation struct {
	Count        int `json:"count"`
	LinesAdded   int `json:"linesAdded"`
	LinesRemoved int `json:"linesRemoved"`
}

// DeltaError is one recorded failure, keyed by the tool active at the time
// (empty means no tool was active).
type DeltaError struct {
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message"`
}

// Delta is one incremental usage record. Written once by the agent
// instrumentation; the sync engine only flips SyncStatus.
type Delta struct {
	RecordID  string    `json:"recordId"`
	Timestamp time.Time `json:"timestamp"`
	GitBranch string    `json:"gitBranch,omitempty"`

	InputTokens      int64 `json:"inputTokens,omitempty"`
	OutputTokens     int64 `json:"outputTokens,omitempty"`
	CacheReadTokens  int64 `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64 `json:"cacheWriteTokens,omitempty"`

	Tools   map[string]ToolUsage     `json:"tools,omitempty"`
	FileOps map[string]FileOperation `json:"fileOps,omitempty"`
	Models  map[string]int           `json:"models,omitempty"`

	UserPrompts int          `json:"userPrompts,omitempty"`
	Errors      []DeltaError `json:"errors,omitempty"`

	SyncStatus   SyncStatus `json:"syncStatus"`
	SyncAttempts int        `json:"syncAttempts,omitempty"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`
}

// NewDelta returns an empty pending delta with a fresh record id.
func NewDelta(branch string, at time.Time) *Delta {
	return &Delta{
		RecordID:   uuid.NewString(),
		Timestamp:  at,
		GitBranch:  branch,
		SyncStatus: SyncPending,
	}
}
