package engine

import (
	"context"
	"errors"

	"github.com/envmatrix/envmatrix/pkg/cachekey"
	"github.com/envmatrix/envmatrix/pkg/envspec"
)

// ErrCacheMiss is returned by CacheStore.Get when no environment exists for
// a key.
var ErrCacheMiss = errors.New("cache miss")

// ChannelInstaller installs conda-channel requirements pinned to the cell's
// language version.
type ChannelInstaller interface {
	// Install installs the given requirements. Implementations receive the
	// already-filtered list; the runtime pin is passed separately.
	Install(ctx context.Context, reqs []envspec.PackageRequirement, pinnedLanguageVersion string) error
}

// PipInstaller installs pip-channel requirements.
type PipInstaller interface {
	Install(ctx context.Context, reqs []envspec.PackageRequirement) error
}

// CacheStore is the persistent environment cache shared read-only across
// cells. Writes occur only as populate-on-miss; races between two cells
// populating the same key resolve last-write-wins at the store.
type CacheStore interface {
	// Get returns the handle of a cached environment, or ErrCacheMiss.
	Get(ctx context.Context, key cachekey.CacheKey) (string, error)

	// Put records a freshly built environment under its key.
	Put(ctx context.Context, key cachekey.CacheKey, handle string) error
}

// Linter runs one lint pass with the given severity configuration.
type Linter interface {
	// Run returns the findings of the pass. A non-nil error means the
	// lint tool itself could not run, not that findings exist.
	Run(ctx context.Context, ruleset Ruleset) ([]LintFinding, error)
}

// Tester runs the test collaborator.
type Tester interface {
	// Run reports whether tests passed and where the native coverage
	// artifact was written. Failing assertions are not an error; a
	// non-nil error means the runner itself could not execute.
	Run(ctx context.Context) (TestResult, error)
}

// CoverageConverter converts a native coverage artifact to the portable
// format the aggregation service accepts.
type CoverageConverter interface {
	Convert(ctx context.Context, nativePath string) (portablePath string, err error)
}

// CoverageService is the hosted aggregation collaborator. Uploads arrive
// per shard marked non-final; Finish merges everything uploaded so far and
// marks the run complete.
type CoverageService interface {
	Upload(ctx context.Context, portablePath, shardTag string, final bool) error
	Finish(ctx context.Context) error
}

// Collaborators bundles the external interfaces one cell's pipeline drives.
type Collaborators struct {
	Conda     ChannelInstaller
	Pip       PipInstaller
	Cache     CacheStore
	Linter    Linter
	Tester    Tester
	Converter CoverageConverter
	Coverage  CoverageService
}

// CollaboratorFactory builds the collaborator set for one cell. Cells on
// remote builders get transport-backed collaborators; local cells get
// exec-backed ones.
type CollaboratorFactory interface {
	ForCell(cell MatrixCell) (*Collaborators, error)
}

// RunRecorder persists run and cell bookkeeping. The scheduler treats it as
// best-effort: recording failures are logged, never fatal to the pipeline.
type RunRecorder interface {
	CreateRun(ctx context.Context, runID string) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
	CreateCell(ctx context.Context, runID string, cell MatrixCell) error
	UpdateCellState(ctx context.Context, runID string, cell MatrixCell, state CellState, errMsg string) error
	AppendEvent(ctx context.Context, event *Event) error
}
