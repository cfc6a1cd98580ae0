package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsRecorder receives execution observations. A nil recorder disables
// instrumentation.
type MetricsRecorder interface {
	CellCompleted(result *CellResult)
	CacheLookup(hit bool)
	CoverageFinished(ok bool)
}

// SpanStarter opens a trace span around one cell's provisioning. A nil
// starter disables tracing.
type SpanStarter interface {
	StartCellSpan(ctx context.Context, platform, languageVersion string) (context.Context, trace.Span)
}

// SchedulerOptions configures one matrix run.
type SchedulerOptions struct {
	// MaxParallel caps concurrent cells for this run; 0 uses the
	// scheduler default.
	MaxParallel int

	// Epoch is the operator-controlled cache invalidation counter.
	Epoch int
}

// MatrixScheduler fans a matrix run out over a worker pool. Cells are fully
// independent, so there is no dependency ordering; the only cross-cell
// synchronization is the coverage fan-in barrier at the end.
type MatrixScheduler struct {
	// maxParallel is the default number of concurrent workers
	maxParallel int

	factory  CollaboratorFactory
	coverage CoverageService
	recorder RunRecorder
	metrics  MetricsRecorder
	tracer   SpanStarter
	logger   zerolog.Logger

	// clock supplies the month-bucketing time for cache keys.
	clock func() time.Time
}

// NewMatrixScheduler creates a scheduler over the given collaborator
// factory. The recorder and metrics arguments may be nil.
func NewMatrixScheduler(
	maxParallel int,
	factory CollaboratorFactory,
	coverage CoverageService,
	recorder RunRecorder,
	metrics MetricsRecorder,
	logger zerolog.Logger,
) *MatrixScheduler {
	if maxParallel <= 0 {
		maxParallel = 4 // matches the usual hosted-runner concurrency cap
	}

	return &MatrixScheduler{
		maxParallel: maxParallel,
		factory:     factory,
		coverage:    coverage,
		recorder:    recorder,
		metrics:     metrics,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		clock:       time.Now,
	}
}

// SetClock overrides the cache-key clock. Intended for deterministic runs
// near a month boundary.
func (s *MatrixScheduler) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SetTracer enables per-cell trace spans.
func (s *MatrixScheduler) SetTracer(tracer SpanStarter) {
	s.tracer = tracer
}

// Run executes every cell of the matrix and fires the coverage barrier once
// all cells are terminal. The returned RunResult is complete even when some
// cells failed; Run itself errors only when the run could not be set up.
func (s *MatrixScheduler) Run(
	ctx context.Context,
	cells []MatrixCell,
	specs SpecPair,
	opts SchedulerOptions,
) (*RunResult, error) {
	if len(cells) == 0 {
		return nil, NewCellError(ErrCodeInternal, "matrix has no cells", nil)
	}
	if specs.Runtime == nil || specs.Dev == nil {
		return nil, NewCellError(ErrCodeInternal, "run requires both specs", nil)
	}

	run := &RunResult{
		ID:        uuid.New().String(),
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	s.recordRun(ctx, run.ID, RunStatusRunning)
	s.publishEvent(ctx, run.ID, "", "", EventTypeRunStarted,
		fmt.Sprintf("Run started with %d cells", len(cells)))

	aggregator := NewCoverageAggregator(s.coverage, s.logger)
	for _, cell := range cells {
		if err := aggregator.Register(cell.ID()); err != nil {
			return nil, err
		}
		if s.recorder != nil {
			if err := s.recorder.CreateCell(ctx, run.ID, cell); err != nil {
				s.logger.Warn().Err(err).Str("cell", cell.ID()).Msg("cell record failed")
			}
		}
	}

	results := s.executeCells(ctx, run.ID, cells, specs, aggregator, opts)

	// The barrier fires exactly once, after every shard is in. Cells
	// register before fan-out and mark done on any terminal state, so an
	// outstanding count here means a scheduler bug, not a slow shard.
	finishErr := aggregator.Finish(ctx)
	if s.metrics != nil {
		s.metrics.CoverageFinished(finishErr == nil)
	}
	run.CoverageFinished = finishErr == nil
	if finishErr != nil {
		s.logger.Error().Err(finishErr).Msg("coverage aggregation failed")
		s.publishEvent(ctx, run.ID, "", "", EventTypeWarning,
			fmt.Sprintf("Coverage aggregation failed: %v", finishErr))
	} else {
		s.publishEvent(ctx, run.ID, "", "", EventTypeCoverageFinished,
			"Coverage aggregation finished")
	}

	run.Cells = results
	run.CompletedAt = time.Now()
	run.Status = s.finalStatus(run)

	s.recordRun(ctx, run.ID, run.Status)
	s.publishEvent(ctx, run.ID, "", "", EventTypeRunCompleted,
		fmt.Sprintf("Run completed with status: %s", run.Status))

	return run, nil
}

// executeCells runs every cell through the worker pool and returns results
// in the input cell order.
func (s *MatrixScheduler) executeCells(
	ctx context.Context,
	runID string,
	cells []MatrixCell,
	specs SpecPair,
	aggregator *CoverageAggregator,
	opts SchedulerOptions,
) []CellResult {
	workerCount := s.maxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < workerCount {
		workerCount = opts.MaxParallel
	}
	if len(cells) < workerCount {
		workerCount = len(cells)
	}

	workQueue := make(chan MatrixCell, len(cells))
	for _, cell := range cells {
		workQueue <- cell
	}
	close(workQueue)

	var mu sync.Mutex
	byID := make(map[string]CellResult, len(cells))

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for cell := range workQueue {
				result := s.executeCell(ctx, runID, cell, specs, opts)

				if err := aggregator.MarkDone(cell.ID()); err != nil {
					s.logger.Error().Err(err).Str("cell", cell.ID()).Msg("barrier bookkeeping failed")
				}

				mu.Lock()
				byID[cell.ID()] = *result
				mu.Unlock()

				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}()
	}

	wg.Wait()

	results := make([]CellResult, 0, len(cells))
	for _, cell := range cells {
		if result, ok := byID[cell.ID()]; ok {
			results = append(results, result)
			continue
		}
		// Cancellation drained the queue before this cell ran.
		results = append(results, CellResult{
			Cell:  cell,
			State: StateFailed,
			Error: NewCellError(ErrCodeInternal, "cell never executed", ctx.Err()).
				WithCell(cell.ID()),
		})
		if err := aggregator.MarkDone(cell.ID()); err != nil {
			s.logger.Error().Err(err).Str("cell", cell.ID()).Msg("barrier bookkeeping failed")
		}
	}
	return results
}

// executeCell builds the cell's collaborators and drives its state machine
// to a terminal state.
func (s *MatrixScheduler) executeCell(
	ctx context.Context,
	runID string,
	cell MatrixCell,
	specs SpecPair,
	opts SchedulerOptions,
) *CellResult {
	var cellSpan trace.Span
	if s.tracer != nil {
		ctx, cellSpan = s.tracer.StartCellSpan(ctx, cell.Platform, cell.LanguageVersion)
		defer cellSpan.End()
	}

	s.publishEvent(ctx, runID, cell.ID(), StateInit, EventTypeCellStarted,
		fmt.Sprintf("Started provisioning %s", cell.ID()))

	collab, err := s.factory.ForCell(cell)
	if err != nil {
		result := &CellResult{
			Cell:  cell,
			State: StateFailed,
			Error: NewCellError(ErrCodeInternal, "collaborator setup failed", err).
				WithCell(cell.ID()).WithState(StateInit),
		}
		if cellSpan != nil {
			cellSpan.RecordError(result.Error)
			cellSpan.SetStatus(codes.Error, string(result.Error.Code))
		}
		s.finishCell(ctx, runID, result)
		return result
	}

	orchestrator := NewCellOrchestrator(cell, specs, collab, opts.Epoch, s.logger,
		WithClock(s.clock),
		WithTransitionHook(func(from, to CellState) {
			s.observeTransition(ctx, runID, cell, from, to)
		}),
	)

	result := orchestrator.Execute(ctx)
	if cellSpan != nil {
		if result.Error != nil {
			cellSpan.RecordError(result.Error)
			cellSpan.SetStatus(codes.Error, string(result.Error.Code))
		} else {
			cellSpan.SetStatus(codes.Ok, "")
		}
	}
	s.finishCell(ctx, runID, result)
	return result
}

// observeTransition records one state change against the run timeline.
func (s *MatrixScheduler) observeTransition(
	ctx context.Context,
	runID string,
	cell MatrixCell,
	from, to CellState,
) {
	trace.SpanFromContext(ctx).AddEvent(fmt.Sprintf("state.%s", to))

	s.publishEvent(ctx, runID, cell.ID(), to, EventTypeCellTransition,
		fmt.Sprintf("%s: %s -> %s", cell.ID(), from, to))

	switch to {
	case StateCacheHit:
		if s.metrics != nil {
			s.metrics.CacheLookup(true)
		}
		s.publishEvent(ctx, runID, cell.ID(), to, EventTypeCacheHit,
			fmt.Sprintf("%s reused cached environment", cell.ID()))
	case StateDevInstalled:
		if s.metrics != nil {
			s.metrics.CacheLookup(false)
		}
		s.publishEvent(ctx, runID, cell.ID(), to, EventTypeCacheMiss,
			fmt.Sprintf("%s built environment from specs", cell.ID()))
	}

	if s.recorder != nil {
		if err := s.recorder.UpdateCellState(ctx, runID, cell, to, ""); err != nil {
			s.logger.Warn().Err(err).Str("cell", cell.ID()).Msg("cell state record failed")
		}
	}
}

// finishCell records a terminal cell result.
func (s *MatrixScheduler) finishCell(ctx context.Context, runID string, result *CellResult) {
	if s.metrics != nil {
		s.metrics.CellCompleted(result)
	}

	errMsg := ""
	eventType := EventTypeCellCompleted
	message := fmt.Sprintf("Completed provisioning %s", result.Cell.ID())
	if result.State == StateFailed {
		eventType = EventTypeCellFailed
		message = fmt.Sprintf("Failed provisioning %s", result.Cell.ID())
		if result.Error != nil {
			errMsg = result.Error.Error()
			message = fmt.Sprintf("%s: %v", message, result.Error)
		}
	}

	if s.recorder != nil {
		if err := s.recorder.UpdateCellState(ctx, runID, result.Cell, result.State, errMsg); err != nil {
			s.logger.Warn().Err(err).Str("cell", result.Cell.ID()).Msg("cell state record failed")
		}
	}
	s.publishEvent(ctx, runID, result.Cell.ID(), result.State, eventType, message)
}

// finalStatus derives the run status from terminal cell states and the
// barrier outcome.
func (s *MatrixScheduler) finalStatus(run *RunResult) RunStatus {
	if !run.CoverageFinished {
		return RunStatusFailed
	}

	succeeded, failed := run.Summary()
	switch {
	case failed == 0:
		return RunStatusSucceeded
	case succeeded == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// recordRun persists run status, best effort.
func (s *MatrixScheduler) recordRun(ctx context.Context, runID string, status RunStatus) {
	if s.recorder == nil {
		return
	}
	var err error
	if status == RunStatusRunning {
		if err = s.recorder.CreateRun(ctx, runID); err == nil {
			err = s.recorder.UpdateRunStatus(ctx, runID, status)
		}
	} else {
		err = s.recorder.UpdateRunStatus(ctx, runID, status)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("run", runID).Msg("run record failed")
	}
}

// publishEvent appends a timeline event, best effort.
func (s *MatrixScheduler) publishEvent(
	ctx context.Context,
	runID, cellID string,
	state CellState,
	eventType EventType,
	message string,
) {
	if s.recorder == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Cell:      cellID,
		State:     state,
		Message:   message,
	}
	if err := s.recorder.AppendEvent(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("run", runID).Msg("event record failed")
	}
}
