package system

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blang/semver/v4"
)

func TestParseOSRelease(t *testing.T) {
	r, err := parseOSRelease([]byte("NAME=\"Ubuntu\"\nVERSION_ID=\"22.04\"\nID=ubuntu\n"))
	if err != nil {
		t.Fatal("Got error parsing release: ", err)
	}

	exp := semver.Version{Major: 22, Minor: 4}
	if r.Name != "Ubuntu" || r.Version.NE(exp) {
		t.Errorf("Did not get expected release, got %+v", r)
	}

	if r.String() != "Ubuntu 22.4.0" {
		t.Error("wrong string: ", r.String())
	}

	r, err = parseOSRelease([]byte("NAME=Alpine\nVERSION_ID=3.18.352\n"))
	if err != nil {
		t.Fatal(err)
	}

	if r.Version.NE(semver.Version{Major: 3, Minor: 18, Patch: 352}) {
		t.Errorf("Did not get expected version, got %+v", r.Version)
	}

	if _, err := parseOSRelease([]byte("NAME=Arch\n")); err == nil {
		t.Error("Expected an error without VERSION_ID")
	}
}

func TestReadOSRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	if err := os.WriteFile(path, []byte("NAME=Debian\nVERSION_ID=\"12\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := ReadOSRelease(path)
	if err != nil {
		t.Fatal(err)
	}

	if r.Name != "Debian" || r.Version.Major != 12 {
		t.Errorf("unexpected release: %+v", r)
	}
}
