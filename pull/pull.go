// Package pull downloads the files of a run into a local directory. Files
// that are already present with the same checksum are skipped.
package pull

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cavaliercoder/grab"
	"github.com/dustin/go-humanize"
	"github.com/runsync/runsync/api"
)

// ErrNoFiles is returned for runs without files
var ErrNoFiles = errors.New("Run has no files")

// Lister returns the files of a run. api.Client implements it.
type Lister interface {
	RunFiles(ctx context.Context, entity, project, name string) ([]api.RunFile, error)
}

// Options for Pull
type Options struct {
	Entity  string
	Project string
	Run     string
	// Dir files are written to
	Dir string
	// Progress is the interval between progress messages, 0 disables them
	Progress time.Duration
}

// ParseSlug splits "project/run" into its parts. A plain run name uses
// project.
func ParseSlug(slug, project string) (string, string) {
	if i := strings.Index(slug, "/"); i >= 0 {
		return slug[:i], slug[i+1:]
	}
	return project, slug
}

// Pull downloads every file of a run. It returns the names of the files that
// were downloaded.
func Pull(ctx context.Context, l Lister, o Options) ([]string, error) {
	logger := log.New(os.Stderr, "Pull: ", log.LstdFlags|log.Lmsgprefix)

	files, err := l.RunFiles(ctx, o.Entity, o.Project, o.Run)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	logger.Printf("Downloading: %v/%v", o.Project, o.Run)

	client := grab.NewClient()
	var ret []string

	for _, f := range files {
		dst := filepath.Join(o.Dir, filepath.FromSlash(f.Name))

		if Current(dst, f.MD5) {
			logger.Printf("File %v is up to date", f.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return ret, err
		}

		req, err := grab.NewRequest(dst, f.URL)
		if err != nil {
			return ret, fmt.Errorf("Error downloading %v: %w", f.Name, err)
		}
		req = req.WithContext(ctx)
		req.NoResume = true

		if err := wait(client.Do(req), f.Name, o.Progress, logger); err != nil {
			return ret, fmt.Errorf("Error downloading %v: %w", f.Name, err)
		}

		logger.Printf("File %v (%v)", f.Name, humanize.Bytes(uint64(f.SizeBytes)))
		ret = append(ret, f.Name)
	}

	return ret, nil
}

func wait(resp *grab.Response, name string, progress time.Duration, logger *log.Logger) error {
	if progress <= 0 {
		<-resp.Done
		return resp.Err()
	}

	t := time.NewTicker(progress)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			logger.Printf("File %v %.02f%% complete, %v/s", name,
				resp.Progress()*100, humanize.Bytes(uint64(resp.BytesPerSecond())))
		case <-resp.Done:
			return resp.Err()
		}
	}
}

// Checksum returns the base64 encoded md5 of a file
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Current returns true if the file at path has the given checksum
func Current(path, sum string) bool {
	if sum == "" {
		return false
	}
	local, err := Checksum(path)
	return err == nil && local == sum
}
