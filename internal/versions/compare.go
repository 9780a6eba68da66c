package versions

import "github.com/Masterminds/semver/v3"

// IsNewerVersion reports whether newVersion is strictly greater than oldVersion.
// Strings that are not both semver compare lexicographically.
func IsNewerVersion(newVersion, oldVersion string) bool {
	newSemver, errNew := semver.NewVersion(newVersion)
	oldSemver, errOld := semver.NewVersion(oldVersion)

	if errNew != nil || errOld != nil {
		return newVersion > oldVersion
	}
	return newSemver.GreaterThan(oldSemver)
}

// CheckpointUsable reports whether a checkpoint written by engine version
// writtenBy can be resumed by running. Checkpoints from a newer engine are not.
func CheckpointUsable(writtenBy, running string) bool {
	if writtenBy == "" {
		return true
	}
	return !IsNewerVersion(writtenBy, running)
}
