package stores

import (
	"time"
)

// EnvironmentRecord is one cached provisioned environment. The key columns
// mirror the cache key fields so pruning can select on them directly.
type EnvironmentRecord struct {
	Key             string    `json:"key"`
	Platform        string    `json:"platform"`
	LanguageVersion string    `json:"language_version"`
	MonthBucket     string    `json:"month_bucket"`
	SpecHash        string    `json:"spec_hash"`
	Epoch           int       `json:"epoch"`
	Handle          string    `json:"handle"`
	CreatedAt       time.Time `json:"created_at"`
	LastUsedAt      time.Time `json:"last_used_at"`
}

// RunRecord is the persisted form of one matrix run.
type RunRecord struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CellRecord is the persisted state of one cell within a run.
type CellRecord struct {
	RunID           string     `json:"run_id"`
	CellID          string     `json:"cell_id"`
	Platform        string     `json:"platform"`
	LanguageVersion string     `json:"language_version"`
	State           string     `json:"state"`
	Error           *string    `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EventRecord is one append-only timeline event.
type EventRecord struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Cell      *string   `json:"cell,omitempty"`
	Type      string    `json:"type"`
	State     *string   `json:"state,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
