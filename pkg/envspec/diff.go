package envspec

// DiffResult is the outcome of diffing one channel of two specs. It is a
// tagged variant: either the explicit NoChange sentinel, meaning the install
// step for the channel is skipped entirely, or a non-empty package list.
// The two cases are deliberately distinct from an empty-but-present list.
type DiffResult struct {
	noChange bool
	packages []PackageRequirement
}

// NoChange is the sentinel result for a channel with nothing to add.
func NoChange() DiffResult {
	return DiffResult{noChange: true}
}

// Packages wraps a non-empty added-package list.
func Packages(reqs []PackageRequirement) DiffResult {
	return DiffResult{packages: reqs}
}

// IsNoChange reports whether the result is the skip-this-install sentinel.
func (d DiffResult) IsNoChange() bool {
	return d.noChange
}

// Added returns the packages to install. It is nil for NoChange.
func (d DiffResult) Added() []PackageRequirement {
	return d.packages
}

// Diff computes the minimal additional package set needed to upgrade base to
// superset over the chosen channel. Language-runtime pins are filtered from
// both sides first; subtraction is by case-insensitive name; result entries
// are taken from superset (never base) preserving superset's relative order,
// so tightened constraints in the dev spec win over stale base constraints.
//
// The diff is one-directional: requirements present only in base are ignored.
// Diff is a pure function of its two inputs.
func Diff(base, superset *EnvironmentSpec, channel Channel) DiffResult {
	baseReqs := FilterRuntimePins(base.ChannelDependencies(channel))
	superReqs := FilterRuntimePins(superset.ChannelDependencies(channel))

	inBase := make(map[string]bool, len(baseReqs))
	for _, req := range baseReqs {
		inBase[req.Key()] = true
	}

	var added []PackageRequirement
	seen := make(map[string]bool, len(superReqs))
	for _, req := range superReqs {
		key := req.Key()
		if inBase[key] || seen[key] {
			continue
		}
		seen[key] = true
		added = append(added, req)
	}

	if len(added) == 0 {
		return NoChange()
	}
	return Packages(added)
}
