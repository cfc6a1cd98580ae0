package stores

import (
	"context"
	"errors"
	"time"

	"github.com/envmatrix/envmatrix/pkg/cachekey"
	"github.com/envmatrix/envmatrix/pkg/engine"
)

// EnvironmentCache adapts the SQLite store to the pipeline's cache
// interface.
type EnvironmentCache struct {
	store *SQLiteStore
}

// NewEnvironmentCache wraps the store as an engine.CacheStore.
func NewEnvironmentCache(store *SQLiteStore) *EnvironmentCache {
	return &EnvironmentCache{store: store}
}

// Get returns the cached environment handle, or engine.ErrCacheMiss.
func (c *EnvironmentCache) Get(ctx context.Context, key cachekey.CacheKey) (string, error) {
	record, err := c.store.GetEnvironment(ctx, key.String())
	if errors.Is(err, ErrNotFound) {
		return "", engine.ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	return record.Handle, nil
}

// Put records a freshly built environment under its key.
func (c *EnvironmentCache) Put(ctx context.Context, key cachekey.CacheKey, handle string) error {
	return c.store.PutEnvironment(ctx, &EnvironmentRecord{
		Key:             key.String(),
		Platform:        key.Platform,
		LanguageVersion: key.LanguageVersion,
		MonthBucket:     key.MonthBucket,
		SpecHash:        key.SpecHash,
		Epoch:           key.Epoch,
		Handle:          handle,
	})
}

// RunLog adapts the SQLite store to the scheduler's bookkeeping interface.
type RunLog struct {
	store *SQLiteStore
}

// NewRunLog wraps the store as an engine.RunRecorder.
func NewRunLog(store *SQLiteStore) *RunLog {
	return &RunLog{store: store}
}

func (l *RunLog) CreateRun(ctx context.Context, runID string) error {
	now := time.Now()
	return l.store.CreateRun(ctx, &RunRecord{
		ID:        runID,
		Status:    string(engine.RunStatusPending),
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (l *RunLog) UpdateRunStatus(ctx context.Context, runID string, status engine.RunStatus) error {
	return l.store.UpdateRunStatus(ctx, runID, string(status), nil)
}

func (l *RunLog) CreateCell(ctx context.Context, runID string, cell engine.MatrixCell) error {
	now := time.Now()
	return l.store.CreateCell(ctx, &CellRecord{
		RunID:           runID,
		CellID:          cell.ID(),
		Platform:        cell.Platform,
		LanguageVersion: cell.LanguageVersion,
		State:           string(engine.StateInit),
		StartedAt:       now,
		UpdatedAt:       now,
	})
}

func (l *RunLog) UpdateCellState(ctx context.Context, runID string, cell engine.MatrixCell, state engine.CellState, errMsg string) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	return l.store.UpdateCellState(ctx, runID, cell.ID(), string(state), msg)
}

func (l *RunLog) AppendEvent(ctx context.Context, event *engine.Event) error {
	var cell *string
	if event.Cell != "" {
		cell = &event.Cell
	}
	var state *string
	if event.State != "" {
		s := string(event.State)
		state = &s
	}
	return l.store.AppendEvent(ctx, &EventRecord{
		ID:        event.ID,
		RunID:     event.RunID,
		Cell:      cell,
		Type:      string(event.Type),
		State:     state,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	})
}
