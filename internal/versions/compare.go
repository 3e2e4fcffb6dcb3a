package versions

import "github.com/Masterminds/semver/v3"

// IsNewerVersion reports whether candidate is strictly newer than current.
// Both strings are compared as semantic versions when they parse; otherwise
// the comparison falls back to lexicographic ordering, which keeps
// date-stamped development builds ("build-2026-08-28") ordered sensibly.
func IsNewerVersion(candidate, current string) bool {
	candidateSemver, errCandidate := semver.NewVersion(candidate)
	currentSemver, errCurrent := semver.NewVersion(current)

	if errCandidate != nil || errCurrent != nil {
		return candidate > current
	}

	return candidateSemver.GreaterThan(currentSemver)
}
