package config

import (
	"time"

	"github.com/envmatrix/envmatrix/pkg/engine"
)

// PipelineConfig is the full configuration of one provisioning pipeline.
type PipelineConfig struct {
	// Project identifies the codebase under test and its spec documents.
	Project ProjectConfig `json:"project" validate:"required"`

	// Matrix declares the build matrix and its optional filter hook.
	Matrix MatrixConfig `json:"matrix" validate:"required"`

	// Cache configures the shared environment cache.
	Cache CacheConfig `json:"cache"`

	// Lint configures the lint collaborator.
	Lint LintConfig `json:"lint"`

	// Coverage configures the hosted coverage service.
	Coverage CoverageConfig `json:"coverage"`

	// Builders maps platform identifiers to remote builder addresses.
	// Platforms without an entry run their cells locally.
	Builders map[string]BuilderConfig `json:"builders,omitempty"`
}

// ProjectConfig identifies the project and its environment specs.
type ProjectConfig struct {
	// Name is the project name.
	Name string `json:"name" validate:"required"`

	// RuntimeSpec is the path of the minimal runtime spec document.
	RuntimeSpec string `json:"runtime_spec" validate:"required"`

	// DevSpec is the path of the superset development spec document.
	DevSpec string `json:"dev_spec" validate:"required"`
}

// MatrixConfig declares the build matrix.
type MatrixConfig struct {
	// Platforms are the operating system identifiers, one axis of the
	// matrix.
	Platforms []string `json:"platforms" validate:"required,min=1,dive,required"`

	// LanguageVersions are the runtime versions, the other axis.
	LanguageVersions []string `json:"language_versions" validate:"required,min=1,dive,required"`

	// MaxParallel caps concurrent cells. Zero means the scheduler default.
	MaxParallel int `json:"max_parallel" validate:"min=0"`

	// FilterScript is an optional Starlark script that prunes cells from
	// the expanded matrix before the run starts.
	FilterScript string `json:"filter_script,omitempty"`
}

// CacheConfig configures the shared environment cache.
type CacheConfig struct {
	// Path is the SQLite database path of the cache index.
	Path string `json:"path"`

	// Epoch is the operator-controlled invalidation counter.
	Epoch int `json:"epoch" validate:"min=0"`
}

// LintConfig configures the two lint passes.
type LintConfig struct {
	// FatalCodes are the rule codes of the fatal pass.
	FatalCodes []string `json:"fatal_codes,omitempty"`

	// MaxLineLength is the advisory line length limit.
	MaxLineLength int `json:"max_line_length" validate:"min=0"`

	// MaxComplexity is the advisory complexity limit.
	MaxComplexity int `json:"max_complexity" validate:"min=0"`
}

// CoverageConfig configures the hosted coverage aggregation service.
type CoverageConfig struct {
	// ServiceURL is the coverage service endpoint.
	ServiceURL string `json:"service_url" validate:"omitempty,url"`

	// TokenEnv names the environment variable holding the upload token.
	TokenEnv string `json:"token_env,omitempty"`

	// Timeout bounds each upload request.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// BuilderConfig describes one remote builder host.
type BuilderConfig struct {
	// Host is the SSH address of the builder.
	Host string `json:"host" validate:"required"`

	// Port is the SSH port; 22 when unset.
	Port int `json:"port" validate:"min=0,max=65535"`

	// User is the SSH user.
	User string `json:"user" validate:"required"`

	// KeyPath is the private key file used for authentication.
	KeyPath string `json:"key_path,omitempty"`

	// WorkDir is the remote working directory for cell execution.
	WorkDir string `json:"work_dir,omitempty"`
}

// ValidationError describes one problem found while loading configuration.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Path     string `json:"path,omitempty"`
	Line     int    `json:"line,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// DefaultConfig returns a configuration with conventional defaults. The
// fatal lint codes are the ones whose findings indicate code that cannot
// run at all.
func DefaultConfig() *PipelineConfig {
	return &PipelineConfig{
		Matrix: MatrixConfig{
			Platforms:        []string{"ubuntu-latest"},
			LanguageVersions: []string{"3.11"},
		},
		Cache: CacheConfig{
			Path: "envmatrix.db",
		},
		Lint: LintConfig{
			FatalCodes:    []string{"E9", "F63", "F7", "F82"},
			MaxLineLength: 120,
			MaxComplexity: 20,
		},
		Coverage: CoverageConfig{
			Timeout: 60 * time.Second,
		},
	}
}

// Cells expands the matrix into its full cell set, platform-major.
func (c *PipelineConfig) Cells() []engine.MatrixCell {
	cells := make([]engine.MatrixCell, 0, len(c.Matrix.Platforms)*len(c.Matrix.LanguageVersions))
	for _, platform := range c.Matrix.Platforms {
		for _, version := range c.Matrix.LanguageVersions {
			cells = append(cells, engine.MatrixCell{
				Platform:        platform,
				LanguageVersion: version,
			})
		}
	}
	return cells
}
