// Package update checks whether a newer runsync release is available
package update

import (
	"fmt"
	"strings"

	"github.com/blang/semver/v4"
)

// Development is the version of builds that were not released
const Development = "Development"

// Available returns true and the parsed latest version if latest is newer
// than current. Development builds and pre-release latest versions are
// never flagged.
func Available(current, latest string) (bool, semver.Version, error) {
	if current == "" || strings.EqualFold(current, Development) {
		return false, semver.Version{}, nil
	}

	cur, err := semver.ParseTolerant(current)
	if err != nil {
		return false, semver.Version{}, fmt.Errorf("Error parsing current version: %w", err)
	}

	lat, err := semver.ParseTolerant(latest)
	if err != nil {
		return false, semver.Version{}, fmt.Errorf("Error parsing latest version: %w", err)
	}

	if len(lat.Pre) > 0 && len(cur.Pre) == 0 {
		return false, lat, nil
	}

	return lat.GT(cur), lat, nil
}

// Message returns the text shown to users when an update is available, or
// "" if there is none
func Message(current, latest string) string {
	ok, lat, err := Available(current, latest)
	if err != nil || !ok {
		return ""
	}

	return fmt.Sprintf("runsync version %v is available! You are running %v.", lat, current)
}
