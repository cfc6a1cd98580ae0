package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/envmatrix/envmatrix/pkg/cachekey"
	"github.com/envmatrix/envmatrix/pkg/envspec"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Mock channel installer for testing
type mockCondaInstaller struct {
	mu       sync.Mutex
	installs [][]envspec.PackageRequirement
	pins     []string
	err      error
}

func (m *mockCondaInstaller) Install(ctx context.Context, reqs []envspec.PackageRequirement, pinnedLanguageVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.installs = append(m.installs, reqs)
	m.pins = append(m.pins, pinnedLanguageVersion)
	return nil
}

func (m *mockCondaInstaller) installCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.installs)
}

// Mock pip installer for testing
type mockPipInstaller struct {
	mu       sync.Mutex
	installs [][]envspec.PackageRequirement
	err      error
}

func (m *mockPipInstaller) Install(ctx context.Context, reqs []envspec.PackageRequirement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.installs = append(m.installs, reqs)
	return nil
}

func (m *mockPipInstaller) installCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.installs)
}

// Mock cache store for testing
type mockCacheStore struct {
	mu      sync.Mutex
	entries map[string]string
	getErr  error
	putErr  error
	gets    int
	puts    int
}

func newMockCacheStore() *mockCacheStore {
	return &mockCacheStore{entries: make(map[string]string)}
}

func (m *mockCacheStore) Get(ctx context.Context, key cachekey.CacheKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return "", m.getErr
	}
	handle, ok := m.entries[key.String()]
	if !ok {
		return "", ErrCacheMiss
	}
	return handle, nil
}

func (m *mockCacheStore) Put(ctx context.Context, key cachekey.CacheKey, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.entries[key.String()] = handle
	return nil
}

// Mock linter for testing
type mockLinter struct {
	mu               sync.Mutex
	fatalFindings    []LintFinding
	advisoryFindings []LintFinding
	err              error
	runs             []Ruleset
}

func (m *mockLinter) Run(ctx context.Context, ruleset Ruleset) ([]LintFinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, ruleset)
	if m.err != nil {
		return nil, m.err
	}
	if ruleset == RulesetFatal {
		return m.fatalFindings, nil
	}
	return m.advisoryFindings, nil
}

// Mock tester for testing
type mockTester struct {
	result TestResult
	err    error
}

func (m *mockTester) Run(ctx context.Context) (TestResult, error) {
	if m.err != nil {
		return TestResult{}, m.err
	}
	return m.result, nil
}

// Mock coverage converter for testing
type mockConverter struct {
	err error
}

func (m *mockConverter) Convert(ctx context.Context, nativePath string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return nativePath + ".xml", nil
}

// Mock coverage service for testing
type mockCoverageService struct {
	mu        sync.Mutex
	uploads   []string
	finished  int
	uploadErr error
	finishErr error
}

func (m *mockCoverageService) Upload(ctx context.Context, portablePath, shardTag string, final bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return m.uploadErr
	}
	if final {
		return errors.New("per-shard uploads must not be final")
	}
	m.uploads = append(m.uploads, shardTag)
	return nil
}

func (m *mockCoverageService) Finish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishErr != nil {
		return m.finishErr
	}
	m.finished++
	return nil
}

func (m *mockCoverageService) uploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

func (m *mockCoverageService) finishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// Mock run recorder for testing
type mockRecorder struct {
	mu     sync.Mutex
	events []Event
	states map[string]CellState
	runs   map[string]RunStatus
	err    error
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{
		states: make(map[string]CellState),
		runs:   make(map[string]RunStatus),
	}
}

func (m *mockRecorder) CreateRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.runs[runID] = RunStatusPending
	return nil
}

func (m *mockRecorder) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.runs[runID] = status
	return nil
}

func (m *mockRecorder) CreateCell(ctx context.Context, runID string, cell MatrixCell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.states[cell.ID()] = StateInit
	return nil
}

func (m *mockRecorder) UpdateCellState(ctx context.Context, runID string, cell MatrixCell, state CellState, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.states[cell.ID()] = state
	return nil
}

func (m *mockRecorder) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, *event)
	return nil
}

func (m *mockRecorder) eventsOfType(t EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]Event, 0)
	for _, event := range m.events {
		if event.Type == t {
			matched = append(matched, event)
		}
	}
	return matched
}

// testCollaborators bundles one mock of everything for failure injection.
type testCollaborators struct {
	conda     *mockCondaInstaller
	pip       *mockPipInstaller
	cache     *mockCacheStore
	linter    *mockLinter
	tester    *mockTester
	converter *mockConverter
	coverage  *mockCoverageService
}

func newTestCollaborators() *testCollaborators {
	return &testCollaborators{
		conda:     &mockCondaInstaller{},
		pip:       &mockPipInstaller{},
		cache:     newMockCacheStore(),
		linter:    &mockLinter{},
		tester:    &mockTester{result: TestResult{Passed: true, CoverageArtifact: ".coverage"}},
		converter: &mockConverter{},
		coverage:  &mockCoverageService{},
	}
}

func (tc *testCollaborators) bundle() *Collaborators {
	return &Collaborators{
		Conda:     tc.conda,
		Pip:       tc.pip,
		Cache:     tc.cache,
		Linter:    tc.linter,
		Tester:    tc.tester,
		Converter: tc.converter,
		Coverage:  tc.coverage,
	}
}

// mockFactory hands the same collaborator set to every cell unless a
// per-cell override is present.
type mockFactory struct {
	mu       sync.Mutex
	shared   *testCollaborators
	perCell  map[string]*testCollaborators
	forErr   error
	requests []string
}

func newMockFactory() *mockFactory {
	return &mockFactory{
		shared:  newTestCollaborators(),
		perCell: make(map[string]*testCollaborators),
	}
}

func (f *mockFactory) ForCell(cell MatrixCell) (*Collaborators, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, cell.ID())
	if f.forErr != nil {
		return nil, f.forErr
	}
	if tc, ok := f.perCell[cell.ID()]; ok {
		return tc.bundle(), nil
	}
	return f.shared.bundle(), nil
}

// captureMetrics counts observations for assertions.
type captureMetrics struct {
	mu          sync.Mutex
	completed   []CellResult
	hits        int
	misses      int
	finishes    int
	finishFails int
}

func (m *captureMetrics) CellCompleted(result *CellResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, *result)
}

func (m *captureMetrics) CacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func (m *captureMetrics) CoverageFinished(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.finishes++
	} else {
		m.finishFails++
	}
}

func (m *captureMetrics) completions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completed)
}

func (m *captureMetrics) lookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits + m.misses
}

// captureTracer starts real spans on a collector-less provider and counts
// them.
type captureTracer struct {
	mu     sync.Mutex
	tracer trace.Tracer
	cells  int
}

func newCaptureTracer() *captureTracer {
	return &captureTracer{tracer: sdktrace.NewTracerProvider().Tracer("test")}
}

func (t *captureTracer) StartCellSpan(ctx context.Context, platform, languageVersion string) (context.Context, trace.Span) {
	t.mu.Lock()
	t.cells++
	t.mu.Unlock()
	return t.tracer.Start(ctx, "cell.provision")
}

func (t *captureTracer) spans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cells
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testSpecPair(t interface{ Fatalf(string, ...interface{}) }) SpecPair {
	runtimeDoc := []byte(`name: proj
channels:
  - conda-forge
dependencies:
  - python=3.11
  - numpy>=1.24
  - gdal=3.7
  - pip
  - pip:
    - rio-cogeo==5.1
`)
	devDoc := []byte(`name: proj-dev
channels:
  - conda-forge
dependencies:
  - python=3.11
  - numpy>=1.24
  - gdal=3.7
  - flake8
  - pytest
  - pip
  - pip:
    - rio-cogeo==5.1
    - pytest-cov>=4.0
`)

	runtime, err := envspec.Parse(runtimeDoc)
	if err != nil {
		t.Fatalf("parse runtime spec: %v", err)
	}
	dev, err := envspec.Parse(devDoc)
	if err != nil {
		t.Fatalf("parse dev spec: %v", err)
	}

	return SpecPair{Runtime: runtime, Dev: dev, DevDocument: devDoc}
}
