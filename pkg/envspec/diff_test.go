package envspec

import (
	"testing"
)

func mustParse(t *testing.T, doc string) *EnvironmentSpec {
	t.Helper()
	spec, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return spec
}

func names(reqs []PackageRequirement) []string {
	out := make([]string, len(reqs))
	for i, req := range reqs {
		out[i] = req.Name
	}
	return out
}

func TestDiffIdenticalSpecsIsNoChange(t *testing.T) {
	doc := "dependencies:\n  - numpy>=1.24\n  - gdal=3.7\n"
	base := mustParse(t, doc)
	super := mustParse(t, doc)

	for _, channel := range []Channel{ChannelConda, ChannelPip} {
		result := Diff(base, super, channel)
		if !result.IsNoChange() {
			t.Errorf("channel %s: expected NoChange, got %v", channel, result.Added())
		}
		if result.Added() != nil {
			t.Errorf("channel %s: NoChange must carry no packages", channel)
		}
	}
}

func TestDiffAddedPackagesPreserveSupersetOrder(t *testing.T) {
	base := mustParse(t, "dependencies:\n  - numpy\n  - gdal\n")
	super := mustParse(t, `dependencies:
  - flake8
  - numpy
  - pytest
  - gdal
  - sphinx
`)

	result := Diff(base, super, ChannelConda)
	if result.IsNoChange() {
		t.Fatal("expected additions")
	}

	got := names(result.Added())
	want := []string{"flake8", "pytest", "sphinx"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDiffIdentityIsCaseInsensitiveByName(t *testing.T) {
	base := mustParse(t, "dependencies:\n  - GDAL=3.7\n")
	super := mustParse(t, "dependencies:\n  - gdal>=3.8\n  - Shapely\n")

	result := Diff(base, super, ChannelConda)
	got := names(result.Added())
	// gdal is present in base under different casing and constraint, so
	// only Shapely is new.
	if len(got) != 1 || got[0] != "Shapely" {
		t.Errorf("got %v", got)
	}
}

func TestDiffConstraintChangeAloneIsNotAnAddition(t *testing.T) {
	base := mustParse(t, "dependencies:\n  - numpy>=1.20\n")
	super := mustParse(t, "dependencies:\n  - numpy>=1.24,<2\n")

	if result := Diff(base, super, ChannelConda); !result.IsNoChange() {
		t.Errorf("expected NoChange, got %v", result.Added())
	}
}

func TestDiffSupersetConstraintWins(t *testing.T) {
	base := mustParse(t, "dependencies:\n  - numpy\n")
	super := mustParse(t, "dependencies:\n  - numpy\n  - scipy>=1.11\n")

	result := Diff(base, super, ChannelConda)
	added := result.Added()
	if len(added) != 1 {
		t.Fatalf("got %v", added)
	}
	if added[0].Constraint != ">=1.11" {
		t.Errorf("expected superset's constraint, got %q", added[0].Constraint)
	}
}

func TestDiffRemovalsAreIgnored(t *testing.T) {
	base := mustParse(t, "dependencies:\n  - numpy\n  - legacy-tool\n")
	super := mustParse(t, "dependencies:\n  - numpy\n")

	if result := Diff(base, super, ChannelConda); !result.IsNoChange() {
		t.Errorf("base-only packages must be ignored, got %v", result.Added())
	}
}

func TestDiffRuntimePinsNeverAppear(t *testing.T) {
	base := mustParse(t, "dependencies:\n  - numpy\n")
	super := mustParse(t, "dependencies:\n  - python=3.12\n  - pip\n  - numpy\n  - pytest\n")

	result := Diff(base, super, ChannelConda)
	got := names(result.Added())
	if len(got) != 1 || got[0] != "pytest" {
		t.Errorf("runtime pins leaked into the diff: %v", got)
	}
}

func TestDiffChannelsAreIndependent(t *testing.T) {
	base := mustParse(t, `dependencies:
  - numpy
  - pip:
    - requests
`)
	super := mustParse(t, `dependencies:
  - numpy
  - pip:
    - requests
    - rio-cogeo
`)

	if result := Diff(base, super, ChannelConda); !result.IsNoChange() {
		t.Errorf("conda: expected NoChange, got %v", result.Added())
	}

	pip := Diff(base, super, ChannelPip)
	got := names(pip.Added())
	if len(got) != 1 || got[0] != "rio-cogeo" {
		t.Errorf("pip: got %v", got)
	}
}

func TestDiffDuplicateSupersetEntries(t *testing.T) {
	base := mustParse(t, "dependencies:\n  - numpy\n")
	super := mustParse(t, "dependencies:\n  - numpy\n  - pytest>=8\n  - PyTest\n")

	result := Diff(base, super, ChannelConda)
	added := result.Added()
	// First occurrence wins, including its constraint.
	if len(added) != 1 || added[0].Name != "pytest" || added[0].Constraint != ">=8" {
		t.Errorf("got %v", added)
	}
}

func TestDiffIsPure(t *testing.T) {
	base := mustParse(t, "dependencies:\n  - numpy\n")
	super := mustParse(t, "dependencies:\n  - numpy\n  - pytest\n")

	first := Diff(base, super, ChannelConda)
	second := Diff(base, super, ChannelConda)

	if first.IsNoChange() != second.IsNoChange() {
		t.Fatal("repeated diffs disagree")
	}
	a, b := names(first.Added()), names(second.Added())
	if len(a) != len(b) {
		t.Fatalf("repeated diffs disagree: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("position %d differs: %s vs %s", i, a[i], b[i])
		}
	}
}
