package sender

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/runsync/runsync/api"
	"github.com/runsync/runsync/data"
)

// manifestFilename is the name of the manifest stored with every artifact
const manifestFilename = "wandb_manifest.json"

type manifestEntry struct {
	Digest string         `json:"digest"`
	Size   int64          `json:"size"`
	Ref    string         `json:"ref,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

type manifestJSON struct {
	Version             int32                    `json:"version"`
	StoragePolicy       string                   `json:"storagePolicy"`
	StoragePolicyConfig map[string]any           `json:"storagePolicyConfig"`
	Contents            map[string]manifestEntry `json:"contents"`
}

// manifestFile writes the manifest of an artifact to dir and returns its path
func manifestFile(dir string, m data.ArtifactManifest) (string, error) {
	cfg, err := data.DictFromItems(m.StoragePolicyConfig)
	if err != nil {
		return "", err
	}

	out := manifestJSON{
		Version:             m.Version,
		StoragePolicy:       m.StoragePolicy,
		StoragePolicyConfig: cfg,
		Contents:            make(map[string]manifestEntry),
	}

	for _, e := range m.Contents {
		extra, err := data.DictFromItems(e.Extra)
		if err != nil {
			return "", err
		}
		if len(extra) == 0 {
			extra = nil
		}
		out.Contents[e.Path] = manifestEntry{Digest: e.Digest, Size: e.Size, Ref: e.Ref, Extra: extra}
	}

	j, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, manifestFilename)
	return path, os.WriteFile(path, j, 0644)
}

// sendArtifact creates the artifact, uploads the manifest and every local
// file through the file pusher and commits the artifact once all uploads
// are done. The commit happens in the background.
func (s *Sender) sendArtifact(a *data.ArtifactRecord) error {
	if s.pusher == nil {
		return fmt.Errorf("artifact %v logged before run started", a.Name)
	}

	art, err := s.api.CreateArtifact(s.ctx, api.ArtifactInput{
		Type:        a.Type,
		Name:        a.Name,
		Entity:      firstOf(a.Entity, s.entity),
		Project:     firstOf(a.Project, s.project),
		RunName:     firstOf(a.RunID, s.run.RunID),
		Description: a.Description,
		Digest:      a.Digest,
		Aliases:     a.Aliases,
		Metadata:    a.Metadata,
	})
	if err != nil {
		return err
	}

	if art.State == api.ArtifactCommitted {
		s.logger.Printf("Artifact %v already committed with digest %v", a.Name, art.Digest)
		return nil
	}

	stageDir, err := os.MkdirTemp("", "runsync-artifact-")
	if err != nil {
		return err
	}

	manifest, err := manifestFile(stageDir, a.Manifest)
	if err != nil {
		os.RemoveAll(stageDir)
		return err
	}

	local := map[string]string{manifestFilename: manifest}
	files := []api.ArtifactFile{{Name: manifestFilename}}
	for _, e := range a.Manifest.Contents {
		if e.LocalPath == "" || e.Ref != "" {
			continue
		}
		local[e.Path] = e.LocalPath
		files = append(files, api.ArtifactFile{Name: e.Path, MD5: e.Digest})
	}

	uploads, err := s.api.CreateArtifactFiles(s.ctx, art.ID, files)
	if err != nil {
		os.RemoveAll(stageDir)
		return err
	}

	var wg sync.WaitGroup
	var lock sync.Mutex
	var uploadErr error

	for _, u := range uploads {
		if u.Upload == "" {
			continue
		}
		path, ok := local[u.Name]
		if !ok {
			continue
		}

		wg.Add(1)

		// done is called by the pusher, or here if the push fails to queue
		var once sync.Once
		done := func(err error) {
			once.Do(func() {
				if err != nil {
					lock.Lock()
					uploadErr = err
					lock.Unlock()
				}
				wg.Done()
			})
		}

		if err := s.pusher.PushArtifactFile(u.Name, path, u.Upload, done); err != nil {
			done(err)
		}
	}

	s.artifacts.Add(1)
	go func() {
		defer s.artifacts.Done()
		defer os.RemoveAll(stageDir)

		wg.Wait()

		lock.Lock()
		err := uploadErr
		lock.Unlock()

		if err != nil {
			s.logger.Printf("Error uploading artifact %v, not committing: %v", a.Name, err)
			return
		}

		if _, err := s.api.CommitArtifact(s.ctx, art.ID); err != nil {
			s.logger.Printf("Error committing artifact %v: %v", a.Name, err)
			return
		}

		s.logger.Printf("Committed artifact %v", a.Name)
	}()

	return nil
}
