package versioning

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Build is the server release. Overridden at link time with
// -ldflags "-X github.com/Mindburn-Labs/depot/pkg/versioning.Build=1.2.3".
var Build = "0.4.0"

// BuildVersion parses Build as a semantic version.
func BuildVersion() (*semver.Version, error) {
	v, err := semver.NewVersion(Build)
	if err != nil {
		return nil, fmt.Errorf("invalid build version %q: %w", Build, err)
	}
	return v, nil
}

// CheckClient reports whether a client-reported version satisfies constraint.
// An empty constraint accepts every client.
func CheckClient(clientVersion, constraint string) (bool, error) {
	if constraint == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid client version constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(clientVersion)
	if err != nil {
		return false, fmt.Errorf("invalid client version %q: %w", clientVersion, err)
	}
	return c.Check(v), nil
}
