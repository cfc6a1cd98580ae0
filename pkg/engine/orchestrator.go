package engine

import (
	"context"
	"time"

	"github.com/envmatrix/envmatrix/pkg/cachekey"
	"github.com/envmatrix/envmatrix/pkg/envspec"
	"github.com/rs/zerolog"
)

// CellOrchestrator runs the provisioning pipeline for one matrix cell as an
// explicit state machine. Each call to Advance performs the side effects of
// leaving the given state and returns the state entered, so failure
// injection at any state is testable in isolation.
type CellOrchestrator struct {
	cell   MatrixCell
	specs  SpecPair
	collab *Collaborators

	// epoch is the operator-controlled cache invalidation counter.
	epoch int

	// clock supplies the month-bucketing time. Threaded explicitly so the
	// key derivation stays a pure function of configuration.
	clock func() time.Time

	logger zerolog.Logger

	// onTransition, when set, observes every state change.
	onTransition func(from, to CellState)

	// mutable pipeline state
	key      cachekey.CacheKey
	cacheHit bool
	uploaded bool
	advisory int
	testRes  TestResult
	portable string

	// failure holds a test failure that must not stop the coverage flow.
	failure *CellError
}

// OrchestratorOption configures a CellOrchestrator.
type OrchestratorOption func(*CellOrchestrator)

// WithClock overrides the month-bucketing clock source.
func WithClock(clock func() time.Time) OrchestratorOption {
	return func(o *CellOrchestrator) { o.clock = clock }
}

// WithTransitionHook registers an observer for state changes.
func WithTransitionHook(hook func(from, to CellState)) OrchestratorOption {
	return func(o *CellOrchestrator) { o.onTransition = hook }
}

// NewCellOrchestrator creates the state machine for one cell.
func NewCellOrchestrator(
	cell MatrixCell,
	specs SpecPair,
	collab *Collaborators,
	epoch int,
	logger zerolog.Logger,
	opts ...OrchestratorOption,
) *CellOrchestrator {
	o := &CellOrchestrator{
		cell:   cell,
		specs:  specs,
		collab: collab,
		epoch:  epoch,
		clock:  time.Now,
		logger: logger.With().Str("cell", cell.ID()).Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute drives the cell from Init to a terminal state and returns its
// result. Steps within the cell are strictly sequential: each step's
// environment state depends on the previous step's completion.
func (o *CellOrchestrator) Execute(ctx context.Context) *CellResult {
	result := &CellResult{
		Cell:      o.cell,
		StartedAt: time.Now(),
	}

	state := StateInit
	for !state.IsTerminal() {
		next, err := o.Advance(ctx, state)
		if err != nil {
			result.Error = o.classify(err, state)
			o.logger.Error().Err(result.Error).Str("state", string(state)).Msg("cell failed")
			next = StateFailed
		}
		if o.onTransition != nil {
			o.onTransition(state, next)
		}
		state = next
	}

	// A test failure that kept the coverage flow alive still fails the
	// cell once the upload has gone out.
	if state == StateDone && o.failure != nil {
		state = StateFailed
	}
	if state == StateFailed && result.Error == nil && o.failure != nil {
		result.Error = o.failure
	}

	result.State = state
	result.CacheKey = o.key
	result.CacheHit = o.cacheHit
	result.CoverageUploaded = o.uploaded
	result.AdvisoryFindings = o.advisory
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	return result
}

// Advance performs the transition out of the given state and returns the
// state entered.
func (o *CellOrchestrator) Advance(ctx context.Context, state CellState) (CellState, error) {
	switch state {
	case StateInit:
		return o.installBase(ctx)
	case StateBaseInstalled:
		return o.resolveEnvironment(ctx)
	case StateCacheHit, StateDevInstalled:
		return o.lint(ctx)
	case StateLinted:
		return o.test(ctx)
	case StateTested:
		return o.convertCoverage(ctx)
	case StateCoverageConverted:
		return o.uploadCoverage(ctx)
	case StateUploaded:
		if o.failure != nil {
			return StateFailed, nil
		}
		return StateDone, nil
	default:
		return StateFailed, NewCellError(ErrCodeInternal, "advance from invalid state", nil).
			WithCell(o.cell.ID()).WithState(state)
	}
}

// installBase installs the runtime spec's channel and pip requirements,
// pinned to the cell's language version. This transition always executes;
// failure is fatal to the cell.
func (o *CellOrchestrator) installBase(ctx context.Context) (CellState, error) {
	condaReqs := envspec.FilterRuntimePins(o.specs.Runtime.Dependencies)
	if err := o.collab.Conda.Install(ctx, condaReqs, o.cell.LanguageVersion); err != nil {
		return StateFailed, NewCellError(ErrCodeProvision, "base channel install failed", err)
	}

	if len(o.specs.Runtime.PipDependencies) > 0 {
		pipReqs := envspec.FilterRuntimePins(o.specs.Runtime.PipDependencies)
		if err := o.collab.Pip.Install(ctx, pipReqs); err != nil {
			return StateFailed, NewCellError(ErrCodeProvision, "base pip install failed", err)
		}
	}

	o.logger.Info().Int("packages", len(condaReqs)).Msg("base environment installed")
	return StateBaseInstalled, nil
}

// resolveEnvironment looks the cell's cache key up and, on a miss, installs
// the dev-spec increment for both channels. Either channel's install is
// skipped independently when its diff is the NoChange sentinel.
func (o *CellOrchestrator) resolveEnvironment(ctx context.Context) (CellState, error) {
	o.key = cachekey.Build(
		o.cell.Platform, o.cell.LanguageVersion,
		o.clock(), o.specs.DevDocument, o.epoch,
	)

	handle, err := o.collab.Cache.Get(ctx, o.key)
	switch {
	case err == nil:
		o.cacheHit = true
		o.logger.Info().Str("key", o.key.String()).Str("handle", handle).Msg("cache hit, skipping dev install")
		return StateCacheHit, nil
	case err != ErrCacheMiss:
		// A broken store degrades to a miss; reproducibility makes the
		// rebuild safe.
		o.logger.Warn().Err(err).Msg("cache lookup failed, treating as miss")
	}

	condaDiff := envspec.Diff(o.specs.Runtime, o.specs.Dev, envspec.ChannelConda)
	if !condaDiff.IsNoChange() {
		if err := o.collab.Conda.Install(ctx, condaDiff.Added(), o.cell.LanguageVersion); err != nil {
			return StateFailed, NewCellError(ErrCodeDevInstall, "dev channel install failed", err)
		}
	}

	pipDiff := envspec.Diff(o.specs.Runtime, o.specs.Dev, envspec.ChannelPip)
	if !pipDiff.IsNoChange() {
		if err := o.collab.Pip.Install(ctx, pipDiff.Added()); err != nil {
			return StateFailed, NewCellError(ErrCodeDevInstall, "dev pip install failed", err)
		}
	}

	if err := o.collab.Cache.Put(ctx, o.key, o.key.String()); err != nil {
		// Populate-on-miss is best effort; the next run rebuilds.
		o.logger.Warn().Err(err).Msg("cache populate failed")
	}

	o.logger.Info().
		Bool("conda_skipped", condaDiff.IsNoChange()).
		Bool("pip_skipped", pipDiff.IsNoChange()).
		Msg("dev environment installed")
	return StateDevInstalled, nil
}

// lint runs the collaborator twice: a fatal-ruleset pass whose findings fail
// the cell, then an advisory pass whose findings are recorded only.
func (o *CellOrchestrator) lint(ctx context.Context) (CellState, error) {
	fatal, err := o.collab.Linter.Run(ctx, RulesetFatal)
	if err != nil {
		return StateFailed, NewCellError(ErrCodeInternal, "fatal lint pass could not run", err)
	}
	if len(fatal) > 0 {
		return StateFailed, NewCellError(ErrCodeLintFatal,
			"fatal lint findings", nil)
	}

	advisory, err := o.collab.Linter.Run(ctx, RulesetAdvisory)
	if err != nil {
		o.logger.Warn().Err(err).Msg("advisory lint pass could not run")
	}
	o.advisory = len(advisory)
	if len(advisory) > 0 {
		o.logger.Warn().Int("findings", len(advisory)).Msg("advisory lint findings")
	}

	return StateLinted, nil
}

// test runs the test collaborator. Failing assertions fail the cell but do
// not stop the coverage flow when an artifact was produced.
func (o *CellOrchestrator) test(ctx context.Context) (CellState, error) {
	res, err := o.collab.Tester.Run(ctx)
	if err != nil {
		return StateFailed, NewCellError(ErrCodeInternal, "test runner could not execute", err)
	}
	o.testRes = res

	if !res.Passed {
		o.failure = NewCellError(ErrCodeTestFailure, "test assertions failed", nil).
			WithCell(o.cell.ID()).WithState(StateTested)
		if res.CoverageArtifact == "" {
			return StateFailed, nil
		}
		o.logger.Warn().Msg("tests failed, coverage artifact still present")
	}

	return StateTested, nil
}

func (o *CellOrchestrator) convertCoverage(ctx context.Context) (CellState, error) {
	portable, err := o.collab.Converter.Convert(ctx, o.testRes.CoverageArtifact)
	if err != nil {
		if o.failure != nil {
			o.logger.Warn().Err(err).Msg("coverage conversion failed on failed cell")
			return StateFailed, nil
		}
		return StateFailed, NewCellError(ErrCodeCoverage, "coverage conversion failed", err)
	}
	o.portable = portable
	return StateCoverageConverted, nil
}

// uploadCoverage ships the portable artifact tagged with the cell identity,
// marked non-final: more shards are pending until the barrier fires.
func (o *CellOrchestrator) uploadCoverage(ctx context.Context) (CellState, error) {
	if err := o.collab.Coverage.Upload(ctx, o.portable, o.cell.ID(), false); err != nil {
		if o.failure != nil {
			o.logger.Warn().Err(err).Msg("coverage upload failed on failed cell")
			return StateFailed, nil
		}
		return StateFailed, NewCellError(ErrCodeCoverage, "coverage upload failed", err)
	}
	o.uploaded = true
	return StateUploaded, nil
}

// classify wraps an error into a CellError carrying cell and state context.
func (o *CellOrchestrator) classify(err error, state CellState) *CellError {
	if ce, ok := err.(*CellError); ok {
		if ce.Cell == "" {
			ce.Cell = o.cell.ID()
		}
		if ce.State == "" {
			ce.State = state
		}
		return ce
	}
	return NewCellError(ErrCodeInternal, "cell step failed", err).
		WithCell(o.cell.ID()).WithState(state)
}
