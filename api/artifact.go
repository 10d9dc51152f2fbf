package api

import (
	"context"

	"github.com/pkg/errors"
)

// ArtifactInput describes an artifact to create
type ArtifactInput struct {
	Type        string   `json:"artifactTypeName"`
	Name        string   `json:"artifactCollectionName"`
	Entity      string   `json:"entityName"`
	Project     string   `json:"projectName"`
	RunName     string   `json:"runName,omitempty"`
	Description string   `json:"description,omitempty"`
	Digest      string   `json:"digest"`
	Aliases     []string `json:"aliases,omitempty"`
	Metadata    string   `json:"metadata,omitempty"`
}

// Artifact is the backend state of an artifact
type Artifact struct {
	ID     string `json:"id"`
	Digest string `json:"digest"`
	State  string `json:"state"`
}

// Artifact states
const (
	ArtifactPending   = "PENDING"
	ArtifactCommitted = "COMMITTED"
)

const createArtifactQuery = `mutation CreateArtifact(
  $artifactTypeName: String!, $artifactCollectionName: String!,
  $entityName: String!, $projectName: String!, $runName: String,
  $description: String, $digest: String!, $aliases: [String!], $metadata: JSONString
) {
  createArtifact(input: {
    artifactTypeName: $artifactTypeName,
    artifactCollectionNames: [$artifactCollectionName],
    entityName: $entityName, projectName: $projectName, runName: $runName,
    description: $description, digest: $digest, aliases: $aliases,
    metadata: $metadata
  }) {
    artifact { id digest state }
  }
}`

// CreateArtifact creates an artifact, or returns the existing one with the
// same digest
func (c *Client) CreateArtifact(ctx context.Context, in ArtifactInput) (*Artifact, error) {
	vars, err := toVars(in)
	if err != nil {
		return nil, err
	}

	var out struct {
		CreateArtifact struct {
			Artifact *Artifact `json:"artifact"`
		} `json:"createArtifact"`
	}

	if err := c.query(ctx, createArtifactQuery, vars, &out); err != nil {
		return nil, errors.Wrap(err, "create artifact")
	}

	if out.CreateArtifact.Artifact == nil {
		return nil, errors.New("create artifact: no artifact returned")
	}

	return out.CreateArtifact.Artifact, nil
}

// ArtifactFile is a file to be stored in an artifact
type ArtifactFile struct {
	Name   string `json:"name"`
	MD5    string `json:"md5"`
	Upload string `json:"uploadUrl,omitempty"`
}

const createArtifactFilesQuery = `mutation CreateArtifactFiles($artifactID: ID!, $files: [CreateArtifactFileSpecInput!]!) {
  createArtifactFiles(input: {artifactID: $artifactID, artifactFiles: $files}) {
    files { edges { node { name md5 uploadUrl } } }
  }
}`

// CreateArtifactFiles registers files with an artifact and returns upload
// URLs. Files the backend already stores are returned without a URL.
func (c *Client) CreateArtifactFiles(ctx context.Context, artifactID string, files []ArtifactFile) ([]ArtifactFile, error) {
	var specs []map[string]any
	for _, f := range files {
		specs = append(specs, map[string]any{
			"artifactID": artifactID,
			"name":       f.Name,
			"md5":        f.MD5,
		})
	}

	var out struct {
		CreateArtifactFiles struct {
			Files struct {
				Edges []struct {
					Node ArtifactFile `json:"node"`
				} `json:"edges"`
			} `json:"files"`
		} `json:"createArtifactFiles"`
	}

	vars := map[string]any{"artifactID": artifactID, "files": specs}
	if err := c.query(ctx, createArtifactFilesQuery, vars, &out); err != nil {
		return nil, errors.Wrap(err, "create artifact files")
	}

	var ret []ArtifactFile
	for _, e := range out.CreateArtifactFiles.Files.Edges {
		ret = append(ret, e.Node)
	}

	return ret, nil
}

const commitArtifactQuery = `mutation CommitArtifact($artifactID: ID!) {
  commitArtifact(input: {artifactID: $artifactID}) {
    artifact { id digest state }
  }
}`

// CommitArtifact marks an artifact as complete once all files are uploaded
func (c *Client) CommitArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	var out struct {
		CommitArtifact struct {
			Artifact *Artifact `json:"artifact"`
		} `json:"commitArtifact"`
	}

	vars := map[string]any{"artifactID": artifactID}
	if err := c.query(ctx, commitArtifactQuery, vars, &out); err != nil {
		return nil, errors.Wrap(err, "commit artifact")
	}

	if out.CommitArtifact.Artifact == nil {
		return nil, errors.New("commit artifact: no artifact returned")
	}

	return out.CommitArtifact.Artifact, nil
}
