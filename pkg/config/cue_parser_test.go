package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.cue")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
pipeline: {
	project: {
		name:         "geoproj"
		runtime_spec: "environment.yml"
		dev_spec:     "dev-environment.yml"
	}
	matrix: {
		platforms:         ["ubuntu-latest", "macos-latest"]
		language_versions: ["3.10", "3.11", "3.12"]
		max_parallel:      3
	}
	cache: {
		path:  "cache/envmatrix.db"
		epoch: 2
	}
}
`

func TestLoadValidConfig(t *testing.T) {
	parser := NewCUEParser()

	cfg, err := parser.Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Project.Name != "geoproj" {
		t.Errorf("project name: got %q", cfg.Project.Name)
	}
	if len(cfg.Matrix.Platforms) != 2 || len(cfg.Matrix.LanguageVersions) != 3 {
		t.Errorf("matrix: got %v x %v", cfg.Matrix.Platforms, cfg.Matrix.LanguageVersions)
	}
	if cfg.Cache.Path != "cache/envmatrix.db" || cfg.Cache.Epoch != 2 {
		t.Errorf("cache: got %+v", cfg.Cache)
	}

	// Sections the file omits keep their defaults.
	if len(cfg.Lint.FatalCodes) == 0 {
		t.Error("expected default fatal lint codes")
	}
	if cfg.Coverage.Timeout == 0 {
		t.Error("expected default coverage timeout")
	}

	cells := cfg.Cells()
	if len(cells) != 6 {
		t.Fatalf("expected 6 cells, got %d", len(cells))
	}
	if cells[0].ID() != "ubuntu-latest-py3.10" {
		t.Errorf("first cell: got %s", cells[0].ID())
	}
}

func TestLoadMissingPipelineSection(t *testing.T) {
	parser := NewCUEParser()

	_, err := parser.Load(writeConfig(t, `project: {name: "x"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	loadErr, ok := err.(*LoadError)
	if !ok {
		t.Fatalf("expected LoadError, got %T: %v", err, err)
	}
	if loadErr.Errors[0].Path != "pipeline" {
		t.Errorf("unexpected error path: %+v", loadErr.Errors[0])
	}
}

func TestLoadSyntaxErrorCarriesPosition(t *testing.T) {
	parser := NewCUEParser()

	_, err := parser.Load(writeConfig(t, "pipeline: {\n  project: {\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	loadErr, ok := err.(*LoadError)
	if !ok {
		t.Fatalf("expected LoadError, got %T: %v", err, err)
	}
	if loadErr.Errors[0].File == "" {
		t.Error("expected a file position on the syntax error")
	}
}

func TestLoadRejectsIncompleteMatrix(t *testing.T) {
	parser := NewCUEParser()

	_, err := parser.Load(writeConfig(t, `
pipeline: {
	project: {
		name:         "geoproj"
		runtime_spec: "environment.yml"
		dev_spec:     "dev-environment.yml"
	}
	matrix: {
		platforms:         []
		language_versions: ["3.11"]
	}
}
`))
	if err == nil {
		t.Fatal("expected validation error for empty platform axis")
	}
}

func TestLoadUnifiesMultipleSources(t *testing.T) {
	parser := NewCUEParser()

	base := writeConfig(t, `
pipeline: {
	project: {
		name:         "geoproj"
		runtime_spec: "environment.yml"
		dev_spec:     "dev-environment.yml"
	}
	matrix: {
		platforms:         ["ubuntu-latest"]
		language_versions: ["3.11"]
	}
}
`)
	overlay := writeConfig(t, `
pipeline: cache: epoch: 5
`)

	cfg, err := parser.Load(base, overlay)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.Epoch != 5 {
		t.Errorf("epoch: got %d", cfg.Cache.Epoch)
	}
	if cfg.Project.Name != "geoproj" {
		t.Errorf("base config lost in unification: %+v", cfg.Project)
	}
}

func TestLoadMissingSource(t *testing.T) {
	parser := NewCUEParser()
	if _, err := parser.Load(filepath.Join(t.TempDir(), "absent.cue")); err == nil {
		t.Fatal("expected error for missing source")
	}
}
