package collab

import (
	"fmt"
	"sync"

	"github.com/envmatrix/envmatrix/pkg/config"
	"github.com/envmatrix/envmatrix/pkg/engine"
	"github.com/envmatrix/envmatrix/pkg/telemetry"
	"github.com/envmatrix/envmatrix/pkg/transports/ssh"
)

// Factory builds the collaborator set for each matrix cell. Platforms with
// a builder entry get SSH-backed collaborators; everything else runs
// locally. SSH connections are shared between cells on the same builder.
type Factory struct {
	cfg      *config.PipelineConfig
	cache    engine.CacheStore
	coverage engine.CoverageService
	logger   *telemetry.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewFactory creates a collaborator factory. The cache store and coverage
// service are shared across every cell of the run.
func NewFactory(cfg *config.PipelineConfig, cache engine.CacheStore, coverage engine.CoverageService, logger *telemetry.Logger) *Factory {
	return &Factory{
		cfg:      cfg,
		cache:    cache,
		coverage: coverage,
		logger:   logger.NewComponentLogger("collab"),
		clients:  make(map[string]*ssh.Client),
	}
}

// ForCell builds the collaborators driving one cell's pipeline.
func (f *Factory) ForCell(cell engine.MatrixCell) (*engine.Collaborators, error) {
	runner, client, err := f.runnerFor(cell)
	if err != nil {
		return nil, err
	}

	envName := "envmatrix-" + cell.ID()

	// Cells on a builder convert remotely; the portable report has to be
	// fetched back before the upload can read it.
	var converter engine.CoverageConverter = NewCoverageXMLConverter(runner, f.logger)
	if client != nil {
		converter = NewFetchingConverter(converter, client, f.cfg.Builders[cell.Platform].WorkDir, f.logger)
	}

	return &engine.Collaborators{
		Conda:     NewCondaInstaller(runner, envName, []string{"conda-forge"}, f.logger),
		Pip:       NewPipInstaller(runner, f.logger),
		Cache:     f.cache,
		Linter:    NewFlakeLinter(runner, f.cfg.Lint, nil, f.logger),
		Tester:    NewPytestRunner(runner, "", "", f.logger),
		Converter: converter,
		Coverage:  f.coverage,
	}, nil
}

// runnerFor selects the command runner for a cell's platform. The returned
// client is nil for local cells.
func (f *Factory) runnerFor(cell engine.MatrixCell) (Runner, *ssh.Client, error) {
	builder, ok := f.cfg.Builders[cell.Platform]
	if !ok {
		return &LocalRunner{}, nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[builder.Host]; ok {
		return NewSSHRunner(client), client, nil
	}

	client, err := ssh.NewClient(ssh.FromBuilder(builder), f.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("builder %s: %w", builder.Host, err)
	}
	f.clients[builder.Host] = client

	return NewSSHRunner(client), client, nil
}

// Close disconnects every builder connection the factory opened.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for host, client := range f.clients {
		if err := client.Disconnect(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("builder %s: %w", host, err)
		}
		delete(f.clients, host)
	}
	return firstErr
}
