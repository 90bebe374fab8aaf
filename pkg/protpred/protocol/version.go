package protocol

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// Version is the remote worker protocol version.
const Version = "v1.0.0"

// JournalSchemaVersion is written into every journaled run.
const JournalSchemaVersion = "v1.1.0"

// IsCompatibleVersion reports whether two versions share a major version.
// Minor and patch versions can differ.
func IsCompatibleVersion(peer, local string) (bool, error) {
	if !semver.IsValid(peer) {
		return false, fmt.Errorf("invalid version: %q", peer)
	}
	if !semver.IsValid(local) {
		return false, fmt.Errorf("invalid version: %q", local)
	}

	return semver.Major(peer) == semver.Major(local), nil
}

// CompatibilityError returns a user-friendly message for incompatible versions.
func CompatibilityError(what, peer, local string) string {
	return fmt.Sprintf("%s version %s is incompatible with %s (required: %s.x.x)",
		what, peer, local, semver.Major(local))
}
