package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// CoverageAggregator is the fan-in barrier in front of the coverage
// service's finish signal. Every cell registers before the matrix starts;
// Finish refuses to fire until every registered cell has reached a terminal
// state, so a slow shard can never be cut off by an early aggregation.
type CoverageAggregator struct {
	mu       sync.Mutex
	service  CoverageService
	pending  map[string]bool
	finished bool
	logger   zerolog.Logger
}

// NewCoverageAggregator creates a barrier over the given coverage service.
func NewCoverageAggregator(service CoverageService, logger zerolog.Logger) *CoverageAggregator {
	return &CoverageAggregator{
		service: service,
		pending: make(map[string]bool),
		logger:  logger.With().Str("component", "coverage-aggregator").Logger(),
	}
}

// Register adds a cell to the barrier. All registrations happen before the
// matrix fans out.
func (a *CoverageAggregator) Register(cellID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished {
		return NewCellError(ErrCodeAggregation, "register after aggregation finished", nil).
			WithCell(cellID)
	}
	a.pending[cellID] = true
	return nil
}

// MarkDone records that a cell reached a terminal state. Failed cells mark
// done too: the barrier tracks completion, not success.
func (a *CoverageAggregator) MarkDone(cellID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.pending[cellID] {
		return NewCellError(ErrCodeAggregation,
			fmt.Sprintf("cell %s not registered or already marked done", cellID), nil).
			WithCell(cellID)
	}
	delete(a.pending, cellID)
	a.logger.Debug().Str("cell", cellID).Int("outstanding", len(a.pending)).Msg("shard complete")
	return nil
}

// Outstanding returns the registered cells that have not yet completed,
// sorted for stable reporting.
func (a *CoverageAggregator) Outstanding() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Finish signals the coverage service that all shards are in. It is an
// aggregation error to call Finish while cells are outstanding or to call
// it twice.
func (a *CoverageAggregator) Finish(ctx context.Context) error {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return NewCellError(ErrCodeAggregation, "aggregation already finished", nil)
	}
	if len(a.pending) > 0 {
		outstanding := len(a.pending)
		a.mu.Unlock()
		return NewCellError(ErrCodeAggregation,
			fmt.Sprintf("%d cells still outstanding", outstanding), nil)
	}
	a.finished = true
	a.mu.Unlock()

	if err := a.service.Finish(ctx); err != nil {
		return NewCellError(ErrCodeAggregation, "coverage finish signal failed", err)
	}
	a.logger.Info().Msg("coverage aggregation finished")
	return nil
}
