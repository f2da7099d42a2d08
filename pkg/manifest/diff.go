package manifest

import "sort"

// CapabilityDiff lists declared capabilities that changed between two builds
type CapabilityDiff struct {
	AddedPermissions   []string
	RemovedPermissions []string
	AddedScopes        []string
	RemovedScopes      []string
}

// Empty reports whether no capability declarations changed
func (d CapabilityDiff) Empty() bool {
	return len(d.AddedPermissions) == 0 &&
		len(d.RemovedPermissions) == 0 &&
		len(d.AddedScopes) == 0 &&
		len(d.RemovedScopes) == 0
}

// DiffCapabilities compares the permission and scope declarations of two
// manifests. A nil previous manifest yields an empty diff; the first build
// has nothing to re-register against.
func DiffCapabilities(prev, next *Manifest) CapabilityDiff {
	if prev == nil || next == nil {
		return CapabilityDiff{}
	}

	var d CapabilityDiff
	d.AddedPermissions, d.RemovedPermissions = diffSets(prev.Permissions, next.Permissions)
	d.AddedScopes, d.RemovedScopes = diffSets(prev.Scopes, next.Scopes)
	return d
}

func diffSets(prev, next []string) (added, removed []string) {
	prevSet := make(map[string]bool, len(prev))
	for _, p := range prev {
		prevSet[p] = true
	}
	nextSet := make(map[string]bool, len(next))
	for _, n := range next {
		nextSet[n] = true
	}

	for n := range nextSet {
		if !prevSet[n] {
			added = append(added, n)
		}
	}
	for p := range prevSet {
		if !nextSet[p] {
			removed = append(removed, p)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
