package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		unpinnedRuntimePolicy(),
		specDriftPolicy(),
		forbiddenPackagesPolicy(),
		matrixSizePolicy(),
	}
}

// unpinnedRuntimePolicy requires the runtime spec to pin the language
// version. Unpinned runtimes make the matrix cell's version pin ambiguous.
func unpinnedRuntimePolicy() Policy {
	return Policy{
		Name:        "unpinned-runtime",
		Description: "The runtime spec must carry a pinned language version entry",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"specs"},
		Rego: `package envmatrix.policies.runtime_pin

import rego.v1

deny contains violation if {
	not has_language_pin
	violation := {
		"message": "runtime spec does not pin the language version",
		"severity": "error",
	}
}

has_language_pin if {
	some dep in input.runtime_spec.dependencies
	lower(dep.name) == "python"
	dep.constraint != ""
}
`,
	}
}

// specDriftPolicy surfaces runtime packages that the dev spec dropped. The
// diff deliberately ignores removals, so this is the advisory channel that
// makes the drift visible.
func specDriftPolicy() Policy {
	return Policy{
		Name:        "dev-spec-drops-runtime-package",
		Description: "Warns when a runtime spec package is absent from the dev spec",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"specs", "drift"},
		Rego: `package envmatrix.policies.spec_drift

import rego.v1

deny contains violation if {
	some dep in input.runtime_spec.dependencies
	not runtime_pin(dep.name)
	not in_dev_conda(dep.name)
	violation := {
		"message": sprintf("runtime package %s is missing from the dev spec", [dep.name]),
		"severity": "warning",
		"package": dep.name,
	}
}

deny contains violation if {
	some dep in input.runtime_spec.pip_dependencies
	not in_dev_pip(dep.name)
	violation := {
		"message": sprintf("runtime pip package %s is missing from the dev spec", [dep.name]),
		"severity": "warning",
		"package": dep.name,
	}
}

runtime_pin(name) if lower(name) == "python"

runtime_pin(name) if lower(name) == "pip"

in_dev_conda(name) if {
	some dev in input.dev_spec.dependencies
	lower(dev.name) == lower(name)
}

in_dev_pip(name) if {
	some dev in input.dev_spec.pip_dependencies
	lower(dev.name) == lower(name)
}
`,
	}
}

// forbiddenPackagesPolicy blocks packages that mutate the environment
// manager from inside the environment.
func forbiddenPackagesPolicy() Policy {
	return Policy{
		Name:        "forbidden-packages",
		Description: "Blocks environment-manager packages inside managed environments",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"specs", "safety"},
		Rego: `package envmatrix.policies.forbidden

import rego.v1

forbidden := {"conda", "mamba", "micromamba", "anaconda-client"}

deny contains violation if {
	some dep in input.dev_spec.dependencies
	forbidden[lower(dep.name)]
	violation := {
		"message": sprintf("package %s manages environments and must not be a dependency", [dep.name]),
		"severity": "error",
		"package": dep.name,
	}
}

deny contains violation if {
	some dep in input.runtime_spec.dependencies
	forbidden[lower(dep.name)]
	violation := {
		"message": sprintf("package %s manages environments and must not be a dependency", [dep.name]),
		"severity": "error",
		"package": dep.name,
	}
}
`,
	}
}

// matrixSizePolicy caps the expanded matrix.
func matrixSizePolicy() Policy {
	return Policy{
		Name:        "matrix-size",
		Description: "Caps the expanded matrix at 64 cells",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"matrix"},
		Rego: `package envmatrix.policies.matrix_size

import rego.v1

deny contains violation if {
	count(input.cells) > 64
	violation := {
		"message": sprintf("matrix expands to %d cells, the cap is 64", [count(input.cells)]),
		"severity": "error",
	}
}
`,
	}
}
