package envspec

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// runtimePins are entries pinned by the orchestrator per matrix cell rather
// than diffed between specs. The pip bootstrap entry is included because the
// base environment always carries it.
var runtimePins = map[string]bool{
	"python": true,
	"pip":    true,
}

// rawSpec mirrors the YAML document layout of a conda environment file.
// Dependencies are heterogeneous: plain strings plus an optional nested
// map holding the pip list.
type rawSpec struct {
	Name         string      `yaml:"name"`
	Channels     []string    `yaml:"channels"`
	Dependencies []yaml.Node `yaml:"dependencies"`
}

// Parse parses an environment specification document into its structured
// model. A document without a recognizable dependency structure yields a
// MalformedSpecError. A missing pip section is not an error.
func Parse(document []byte) (*EnvironmentSpec, error) {
	return parse(document, "inline")
}

// ParseFile reads and parses an environment specification file.
func ParseFile(path string) (*EnvironmentSpec, error) {
	document, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	return parse(document, path)
}

func parse(document []byte, source string) (*EnvironmentSpec, error) {
	var raw rawSpec
	if err := yaml.Unmarshal(document, &raw); err != nil {
		return nil, &MalformedSpecError{Source: source, Reason: "invalid YAML", Err: err}
	}

	if raw.Dependencies == nil {
		return nil, &MalformedSpecError{Source: source, Reason: "missing dependencies section"}
	}

	spec := &EnvironmentSpec{
		Name:     raw.Name,
		Channels: raw.Channels,
	}

	for i, node := range raw.Dependencies {
		switch node.Kind {
		case yaml.ScalarNode:
			var entry string
			if err := node.Decode(&entry); err != nil {
				return nil, &MalformedSpecError{
					Source: source,
					Reason: fmt.Sprintf("unreadable dependency at index %d", i),
					Err:    err,
				}
			}
			req, err := parseRequirement(entry)
			if err != nil {
				return nil, &MalformedSpecError{
					Source: source,
					Reason: fmt.Sprintf("invalid dependency at index %d", i),
					Err:    err,
				}
			}
			spec.Dependencies = append(spec.Dependencies, req)

		case yaml.MappingNode:
			// The only mapping form conda accepts inside dependencies is
			// the nested pip list.
			var nested map[string][]string
			if err := node.Decode(&nested); err != nil {
				return nil, &MalformedSpecError{
					Source: source,
					Reason: fmt.Sprintf("unreadable nested section at index %d", i),
					Err:    err,
				}
			}
			pipList, ok := nested["pip"]
			if !ok {
				return nil, &MalformedSpecError{
					Source: source,
					Reason: fmt.Sprintf("unexpected nested section at index %d (only pip is recognized)", i),
				}
			}
			for _, entry := range pipList {
				req, err := parseRequirement(entry)
				if err != nil {
					return nil, &MalformedSpecError{
						Source: source,
						Reason: fmt.Sprintf("invalid pip dependency %q", entry),
						Err:    err,
					}
				}
				spec.PipDependencies = append(spec.PipDependencies, req)
			}

		default:
			return nil, &MalformedSpecError{
				Source: source,
				Reason: fmt.Sprintf("unsupported dependency node at index %d", i),
			}
		}
	}

	return spec, nil
}

// parseRequirement splits a dependency entry into name and constraint.
// The constraint begins at the first version operator character; everything
// before it is the package name with original casing preserved.
func parseRequirement(entry string) (PackageRequirement, error) {
	trimmed := strings.TrimSpace(entry)
	if trimmed == "" {
		return PackageRequirement{}, fmt.Errorf("empty dependency entry")
	}

	// Strip an explicit channel prefix ("conda-forge::gdal").
	if idx := strings.Index(trimmed, "::"); idx >= 0 {
		trimmed = trimmed[idx+2:]
	}

	cut := strings.IndexAny(trimmed, "=<>!~ ")
	if cut < 0 {
		cut = len(trimmed)
	}

	name := strings.TrimSpace(trimmed[:cut])
	if name == "" {
		return PackageRequirement{}, fmt.Errorf("dependency entry %q has no package name", entry)
	}

	return PackageRequirement{
		Name:       name,
		Constraint: strings.TrimSpace(trimmed[cut:]),
	}, nil
}

// FilterRuntimePins returns the requirements with language-runtime pins
// removed. The orchestrator pins the runtime version independently per
// matrix cell, so runtime entries never participate in a diff.
func FilterRuntimePins(reqs []PackageRequirement) []PackageRequirement {
	filtered := make([]PackageRequirement, 0, len(reqs))
	for _, req := range reqs {
		if runtimePins[req.Key()] {
			continue
		}
		filtered = append(filtered, req)
	}
	return filtered
}
