package api

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Viewer is the user that owns the API key
type Viewer struct {
	ID     string `json:"id"`
	Entity string `json:"entity"`
	Flags  string `json:"flags"`
}

const viewerQuery = `query Viewer {
  viewer { id entity flags }
}`

// Viewer returns the user for the current API key
func (c *Client) Viewer(ctx context.Context) (*Viewer, error) {
	var out struct {
		Viewer *Viewer `json:"viewer"`
	}

	if err := c.query(ctx, viewerQuery, nil, &out); err != nil {
		return nil, errors.Wrap(err, "viewer")
	}

	if out.Viewer == nil {
		return nil, errors.New("viewer: not logged in")
	}

	return out.Viewer, nil
}

const serverInfoQuery = `query ServerInfo {
  serverInfo { cliVersionInfo }
}`

// LatestVersion returns the newest client version advertised by the backend.
// An empty string is returned if the backend does not advertise one.
func (c *Client) LatestVersion(ctx context.Context) (string, error) {
	var out struct {
		ServerInfo *struct {
			CLIVersionInfo json.RawMessage `json:"cliVersionInfo"`
		} `json:"serverInfo"`
	}

	if err := c.query(ctx, serverInfoQuery, nil, &out); err != nil {
		return "", errors.Wrap(err, "server info")
	}

	if out.ServerInfo == nil || len(out.ServerInfo.CLIVersionInfo) == 0 {
		return "", nil
	}

	// cliVersionInfo is a JSON string on some backends and an object on others
	raw := out.ServerInfo.CLIVersionInfo
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}

	var info struct {
		MaxCLIVersion string `json:"max_cli_version"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", errors.Wrap(err, "server info")
	}

	return info.MaxCLIVersion, nil
}

const createAnonymousKeyQuery = `mutation CreateAnonymousApiKey {
  createAnonymousEntity(input: {}) { apiKey { name } }
}`

// CreateAnonymousKey creates an anonymous entity and returns its API key
func (c *Client) CreateAnonymousKey(ctx context.Context) (string, error) {
	var out struct {
		CreateAnonymousEntity struct {
			APIKey struct {
				Name string `json:"name"`
			} `json:"apiKey"`
		} `json:"createAnonymousEntity"`
	}

	if err := c.query(ctx, createAnonymousKeyQuery, nil, &out); err != nil {
		return "", errors.Wrap(err, "create anonymous key")
	}

	return out.CreateAnonymousEntity.APIKey.Name, nil
}

// RunInput describes the run fields sent on upsert. Empty fields are left
// unchanged by the backend.
type RunInput struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Project     string `json:"project,omitempty"`
	Entity      string `json:"entity,omitempty"`
	GroupName   string `json:"groupName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Notes       string `json:"notes,omitempty"`
	Commit      string `json:"commit,omitempty"`
	Config      string `json:"config,omitempty"`
	Host        string `json:"host,omitempty"`
	Program     string `json:"program,omitempty"`
	Repo        string `json:"repo,omitempty"`
	JobType     string `json:"jobType,omitempty"`
	SweepName   string `json:"sweep,omitempty"`
	Summary     string `json:"summaryMetrics,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// Run is a run as stored by the backend
type Run struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	SweepName   string `json:"sweepName"`
	Project     struct {
		Name   string `json:"name"`
		Entity struct {
			Name string `json:"name"`
		} `json:"entity"`
	} `json:"project"`
}

const upsertRunQuery = `mutation UpsertBucket(
  $id: String, $name: String, $project: String, $entity: String,
  $groupName: String, $displayName: String, $notes: String, $commit: String,
  $config: JSONString, $host: String, $program: String, $repo: String,
  $jobType: String, $sweep: String, $summaryMetrics: JSONString, $tags: [String!]
) {
  upsertBucket(input: {
    id: $id, name: $name, modelName: $project, entityName: $entity,
    groupName: $groupName, displayName: $displayName, notes: $notes,
    commit: $commit, config: $config, host: $host, program: $program,
    repo: $repo, jobType: $jobType, sweep: $sweep,
    summaryMetrics: $summaryMetrics, tags: $tags
  }) {
    bucket {
      id name displayName sweepName
      project { name entity { name } }
    }
    inserted
  }
}`

// UpsertRun creates or updates a run. inserted is true if the run was created.
func (c *Client) UpsertRun(ctx context.Context, in RunInput) (run *Run, inserted bool, err error) {
	vars, err := toVars(in)
	if err != nil {
		return nil, false, err
	}

	var out struct {
		UpsertBucket struct {
			Bucket   *Run `json:"bucket"`
			Inserted bool `json:"inserted"`
		} `json:"upsertBucket"`
	}

	if err := c.query(ctx, upsertRunQuery, vars, &out); err != nil {
		return nil, false, errors.Wrap(err, "upsert run")
	}

	if out.UpsertBucket.Bucket == nil {
		return nil, false, errors.New("upsert run: no run returned")
	}

	return out.UpsertBucket.Bucket, out.UpsertBucket.Inserted, nil
}

// ResumeStatus is what the backend knows about an existing run. The tails
// are JSON encoded lists of JSON lines.
type ResumeStatus struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	HistoryLineCount int    `json:"historyLineCount"`
	EventsLineCount  int    `json:"eventsLineCount"`
	LogLineCount     int    `json:"logLineCount"`
	HistoryTail      string `json:"historyTail"`
	EventsTail       string `json:"eventsTail"`
	Config           string `json:"config"`
	SummaryMetrics   string `json:"summaryMetrics"`
}

const resumeStatusQuery = `query RunResumeStatus($project: String, $entity: String, $name: String!) {
  model(name: $project, entityName: $entity) {
    bucket(name: $name, missingOk: true) {
      id name historyLineCount eventsLineCount logLineCount
      historyTail eventsTail config summaryMetrics
    }
  }
}`

// RunResumeStatus returns the resume state of a run, or nil if the run
// does not exist
func (c *Client) RunResumeStatus(ctx context.Context, entity, project, name string) (*ResumeStatus, error) {
	var out struct {
		Model *struct {
			Bucket *ResumeStatus `json:"bucket"`
		} `json:"model"`
	}

	vars := map[string]any{"entity": entity, "project": project, "name": name}
	if err := c.query(ctx, resumeStatusQuery, vars, &out); err != nil {
		return nil, errors.Wrap(err, "resume status")
	}

	if out.Model == nil {
		return nil, nil
	}

	return out.Model.Bucket, nil
}

const stopStatusQuery = `query RunStoppedStatus($entityName: String, $projectName: String, $runId: String!) {
  project(name: $projectName, entityName: $entityName) {
    run(name: $runId) { stopped }
  }
}`

// CheckStopRequested returns true if a user asked the run to stop
func (c *Client) CheckStopRequested(ctx context.Context, entity, project, runID string) (bool, error) {
	var out struct {
		Project *struct {
			Run *struct {
				Stopped bool `json:"stopped"`
			} `json:"run"`
		} `json:"project"`
	}

	vars := map[string]any{"entityName": entity, "projectName": project, "runId": runID}
	if err := c.query(ctx, stopStatusQuery, vars, &out); err != nil {
		return false, errors.Wrap(err, "stop status")
	}

	if out.Project == nil || out.Project.Run == nil {
		return false, nil
	}

	return out.Project.Run.Stopped, nil
}

// RunFile is a file stored with a run
type RunFile struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"sizeBytes"`
	MD5       string `json:"md5"`
}

const runFilesQuery = `query RunFiles($project: String!, $entity: String!, $name: String!) {
  model(name: $project, entityName: $entity) {
    bucket(name: $name) {
      files { edges { node { name url sizeBytes md5 } } }
    }
  }
}`

// RunFiles returns the download URLs of all files of a run
func (c *Client) RunFiles(ctx context.Context, entity, project, name string) ([]RunFile, error) {
	var out struct {
		Model *struct {
			Bucket *struct {
				Files struct {
					Edges []struct {
						Node RunFile `json:"node"`
					} `json:"edges"`
				} `json:"files"`
			} `json:"bucket"`
		} `json:"model"`
	}

	vars := map[string]any{"entity": entity, "project": project, "name": name}
	if err := c.query(ctx, runFilesQuery, vars, &out); err != nil {
		return nil, errors.Wrap(err, "run files")
	}

	if out.Model == nil || out.Model.Bucket == nil {
		return nil, errors.Errorf("run %v/%v/%v not found", entity, project, name)
	}

	var ret []RunFile
	for _, e := range out.Model.Bucket.Files.Edges {
		ret = append(ret, e.Node)
	}

	return ret, nil
}

// toVars converts an input struct to GraphQL variables using its json tags
func toVars(in any) (map[string]any, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var ret map[string]any
	return ret, json.Unmarshal(b, &ret)
}
