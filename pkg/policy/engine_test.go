package policy

import (
	"context"
	"testing"

	"github.com/envmatrix/envmatrix/pkg/engine"
	"github.com/envmatrix/envmatrix/pkg/envspec"
	"github.com/rs/zerolog"
)

func setupEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	return e
}

func parseSpec(t *testing.T, doc string) *envspec.EnvironmentSpec {
	t.Helper()
	spec, err := envspec.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	return spec
}

func cleanInput(t *testing.T) *Input {
	return &Input{
		RuntimeSpec: parseSpec(t, "dependencies:\n  - python=3.11\n  - numpy\n"),
		DevSpec:     parseSpec(t, "dependencies:\n  - python=3.11\n  - numpy\n  - pytest\n"),
		Cells: []engine.MatrixCell{
			{Platform: "ubuntu-latest", LanguageVersion: "3.11"},
		},
	}
}

func TestEvaluateCleanInputIsAllowed(t *testing.T) {
	e := setupEngine(t)

	result, err := e.Evaluate(context.Background(), cleanInput(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected allowed, got violations: %v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", result.Warnings)
	}
}

func TestUnpinnedRuntimeBlocks(t *testing.T) {
	e := setupEngine(t)

	input := cleanInput(t)
	input.RuntimeSpec = parseSpec(t, "dependencies:\n  - python\n  - numpy\n")

	result, err := e.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Allowed {
		t.Fatal("unpinned runtime must block the run")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "unpinned-runtime" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing unpinned-runtime violation: %v", result.Violations)
	}
}

func TestSpecDriftWarnsButAllows(t *testing.T) {
	e := setupEngine(t)

	// The dev spec dropped gdal, which the runtime spec needs.
	input := cleanInput(t)
	input.RuntimeSpec = parseSpec(t, "dependencies:\n  - python=3.11\n  - numpy\n  - gdal=3.7\n")

	result, err := e.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("drift is advisory, must not block: %v", result.Violations)
	}

	if len(result.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", result.Warnings)
	}
	warning := result.Warnings[0]
	if warning.Policy != "dev-spec-drops-runtime-package" {
		t.Errorf("wrong policy: %s", warning.Policy)
	}
	if warning.Package != "gdal" {
		t.Errorf("wrong package: %s", warning.Package)
	}
}

func TestSpecDriftIgnoresRuntimePins(t *testing.T) {
	e := setupEngine(t)

	// python and pip never "drift"; the orchestrator pins them itself.
	input := cleanInput(t)
	input.RuntimeSpec = parseSpec(t, "dependencies:\n  - python=3.11\n  - pip\n  - numpy\n")
	input.DevSpec = parseSpec(t, "dependencies:\n  - numpy\n  - pytest\n")

	result, err := e.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", result.Warnings)
	}
}

func TestSpecDriftCoversPipChannel(t *testing.T) {
	e := setupEngine(t)

	input := cleanInput(t)
	input.RuntimeSpec = parseSpec(t, "dependencies:\n  - python=3.11\n  - numpy\n  - pip:\n    - rio-cogeo\n")
	input.DevSpec = parseSpec(t, "dependencies:\n  - python=3.11\n  - numpy\n  - pip:\n    - pytest-cov\n")

	result, err := e.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Package != "rio-cogeo" {
		t.Errorf("expected rio-cogeo drift warning, got %v", result.Warnings)
	}
}

func TestForbiddenPackagesBlock(t *testing.T) {
	e := setupEngine(t)

	input := cleanInput(t)
	input.DevSpec = parseSpec(t, "dependencies:\n  - python=3.11\n  - numpy\n  - Mamba\n")

	result, err := e.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Allowed {
		t.Fatal("forbidden package must block the run")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "forbidden-packages" && v.Package == "Mamba" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing forbidden-packages violation: %v", result.Violations)
	}
}

func TestMatrixSizeCap(t *testing.T) {
	e := setupEngine(t)

	input := cleanInput(t)
	input.Cells = nil
	for i := 0; i < 65; i++ {
		input.Cells = append(input.Cells, engine.MatrixCell{
			Platform:        "ubuntu-latest",
			LanguageVersion: "3." + string(rune('0'+i%10)),
		})
	}

	result, err := e.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Allowed {
		t.Fatal("oversized matrix must block the run")
	}
}

func TestAddPolicy(t *testing.T) {
	e := setupEngine(t)

	err := e.AddPolicy(Policy{
		Name:     "no-sphinx",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package envmatrix.policies.no_sphinx

import rego.v1

deny contains violation if {
	some dep in input.dev_spec.dependencies
	lower(dep.name) == "sphinx"
	violation := {"message": "docs build is a separate pipeline", "severity": "error", "package": dep.name}
}
`,
	})
	if err != nil {
		t.Fatalf("add policy: %v", err)
	}

	input := cleanInput(t)
	input.DevSpec = parseSpec(t, "dependencies:\n  - python=3.11\n  - numpy\n  - sphinx\n")

	result, err := e.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Allowed {
		t.Fatal("custom policy must block")
	}
}

func TestAddPolicyRejectsBadRego(t *testing.T) {
	e := setupEngine(t)

	err := e.AddPolicy(Policy{
		Name:    "broken",
		Enabled: true,
		Rego:    "this is not rego",
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}
