package system

import (
	"errors"
	"os"
	"regexp"

	"github.com/blang/semver/v4"
)

// ReleaseFile is where linux distributions describe themselves
const ReleaseFile = "/etc/os-release"

// OSRelease is the distribution name and version from an os-release file
type OSRelease struct {
	Name    string
	Version semver.Version
}

// String returns "name version"
func (r OSRelease) String() string {
	return r.Name + " " + r.Version.String()
}

// These regexes parse KEY=1.2 or KEY="1.2.3" just as easily
var (
	reName      = regexp.MustCompile(`(?m)^NAME=['"]?([^'"\n]*)`)
	reVersionID = regexp.MustCompile(`(?m)^VERSION_ID=['"]?([^'"\s]*)`)
)

// ReadOSRelease reads and parses an os-release file
func ReadOSRelease(path string) (OSRelease, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return OSRelease{}, err
	}

	return parseOSRelease(b)
}

func parseOSRelease(b []byte) (OSRelease, error) {
	var ret OSRelease

	if m := reName.FindSubmatch(b); m != nil {
		ret.Name = string(m[1])
	}

	m := reVersionID.FindSubmatch(b)
	if m == nil {
		return ret, errors.New("VERSION_ID not found in release file")
	}

	v, err := semver.ParseTolerant(string(m[1]))
	if err != nil {
		return ret, err
	}
	ret.Version = v

	return ret, nil
}
