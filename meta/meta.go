// Package meta collects information about the environment a run was started
// in and writes it to the run files dir.
package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/runsync/runsync/data"
	"github.com/runsync/runsync/settings"
	"github.com/runsync/runsync/system"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// GitInfo describes the repository the program runs from
type GitInfo struct {
	Remote string `json:"remote"`
	Commit string `json:"commit"`
}

// Meta is written to wandb-metadata.json
type Meta struct {
	OS        string    `json:"os"`
	Platform  string    `json:"platform,omitempty"`
	Kernel    string    `json:"kernel,omitempty"`
	Go        string    `json:"go"`
	Host      string    `json:"host"`
	Username  string    `json:"username,omitempty"`
	Program   string    `json:"program,omitempty"`
	Args      []string  `json:"args"`
	Root      string    `json:"root,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	CPUCount  int       `json:"cpu_count"`
	State     string    `json:"state"`
	Git       *GitInfo  `json:"git,omitempty"`
}

// Collect gathers metadata for a run. Failures to read host or git
// information are logged and leave the fields empty.
func Collect(s *settings.Settings, args []string) *Meta {
	m := &Meta{
		OS:        runtime.GOOS,
		Go:        runtime.Version(),
		Host:      s.Host,
		Program:   s.Program,
		Args:      args,
		Root:      s.RootDir,
		StartedAt: s.StartTime.UTC(),
		State:     "running",
	}

	if m.Args == nil {
		m.Args = []string{}
	}

	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now().UTC()
	}

	hostStat, err := host.Info()
	if err != nil {
		log.Println("Meta: error reading host info: ", err)
	} else {
		m.Platform = hostStat.Platform + " " + hostStat.PlatformVersion
		m.Kernel = hostStat.KernelVersion
		if m.Host == "" {
			m.Host = hostStat.Hostname
		}
	}

	if m.Platform == "" && runtime.GOOS == "linux" {
		if r, err := system.ReadOSRelease(system.ReleaseFile); err == nil {
			m.Platform = r.String()
		}
	}

	if m.Host == "" {
		m.Host, _ = os.Hostname()
	}

	if u, err := user.Current(); err == nil {
		m.Username = u.Username
	}

	if n, err := cpu.Counts(true); err == nil {
		m.CPUCount = n
	}

	root := s.RootDir
	if root == "" {
		root = "."
	}

	gi, err := Git(root, s.GitRemote)
	if err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			log.Println("Meta: error reading git info: ", err)
		}
	} else {
		m.Git = gi
	}

	return m
}

// Git returns the remote URL and head commit of the repository containing
// dir. Credentials in the remote URL are removed.
func Git(dir, remoteName string) (*GitInfo, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, err
	}

	ret := &GitInfo{}

	if remoteName == "" {
		remoteName = "origin"
	}

	remote, err := repo.Remote(remoteName)
	if err == nil {
		urls := remote.Config().URLs
		if len(urls) > 0 {
			ret.Remote = StripCredentials(urls[0])
		}
	} else if !errors.Is(err, git.ErrRemoteNotFound) {
		return nil, fmt.Errorf("Error reading remote %v: %w", remoteName, err)
	}

	head, err := repo.Head()
	if err == nil {
		ret.Commit = head.Hash().String()
	}

	return ret, nil
}

// StripCredentials removes user info from a URL. Values that don't parse as
// a URL, like scp style git remotes, are returned unchanged.
func StripCredentials(remote string) string {
	u, err := url.Parse(remote)
	if err != nil || u.Scheme == "" || u.User == nil {
		return remote
	}
	u.User = nil
	return u.String()
}

// Write saves the metadata to dir
func (m *Meta) Write(dir string) error {
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, data.MetadataFilename), out, 0644)
}
