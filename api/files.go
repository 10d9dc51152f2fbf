package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// UploadURL is a signed URL for uploading a single run file
type UploadURL struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

const uploadURLsQuery = `query RunUploadUrls($name: String!, $files: [String]!, $entity: String, $run: String!) {
  model(name: $name, entityName: $entity) {
    bucket(name: $run) {
      id
      files(names: $files) {
        uploadHeaders
        edges { node { name url(upload: true) } }
      }
    }
  }
}`

// UploadURLs returns signed upload URLs for the named run files along with
// headers ("Key:Value") that must be sent with each upload
func (c *Client) UploadURLs(ctx context.Context, entity, project, run string, files []string) ([]UploadURL, []string, error) {
	var out struct {
		Model *struct {
			Bucket *struct {
				Files struct {
					UploadHeaders []string `json:"uploadHeaders"`
					Edges         []struct {
						Node UploadURL `json:"node"`
					} `json:"edges"`
				} `json:"files"`
			} `json:"bucket"`
		} `json:"model"`
	}

	vars := map[string]any{
		"name":   project,
		"entity": entity,
		"run":    run,
		"files":  files,
	}

	if err := c.query(ctx, uploadURLsQuery, vars, &out); err != nil {
		return nil, nil, errors.Wrap(err, "upload urls")
	}

	if out.Model == nil || out.Model.Bucket == nil {
		return nil, nil, errors.Errorf("upload urls: run %v/%v/%v not found", entity, project, run)
	}

	var ret []UploadURL
	for _, e := range out.Model.Bucket.Files.Edges {
		ret = append(ret, e.Node)
	}

	return ret, out.Model.Bucket.Files.UploadHeaders, nil
}

// UploadFile PUTs the contents of r to a signed URL. Uploads are not retried
// here since r can only be read once.
func (c *Client) UploadFile(ctx context.Context, uploadURL string, headers []string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, r)
	if err != nil {
		return err
	}
	req.ContentLength = size

	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "upload")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        uploadURL,
			Body:       string(body),
		}
	}

	return nil
}

// FileChunk is a set of lines for one file, starting at line Offset
type FileChunk struct {
	Offset  int      `json:"offset"`
	Content []string `json:"content"`
}

// FileStreamRequest is posted to the file stream endpoint
type FileStreamRequest struct {
	Files    map[string]FileChunk `json:"files,omitempty"`
	Uploaded []string             `json:"uploaded,omitempty"`
	Complete *bool                `json:"complete,omitempty"`
	ExitCode *int32               `json:"exitcode,omitempty"`
	Dropped  int                  `json:"dropped,omitempty"`
}

// FileStreamResponse is returned by the file stream endpoint
type FileStreamResponse struct {
	ExitCode *int32          `json:"exitcode"`
	Limits   json.RawMessage `json:"limits"`
}

// FileStream posts live file updates for a run
func (c *Client) FileStream(ctx context.Context, entity, project, run string, req FileStreamRequest) (*FileStreamResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%v/files/%v/%v/%v/file_stream", c.BaseURL,
		url.PathEscape(entity), url.PathEscape(project), url.PathEscape(run))

	var resp FileStreamResponse
	if err := c.do(ctx, http.MethodPost, u, body, &resp); err != nil {
		return nil, errors.Wrap(err, "file stream")
	}

	return &resp, nil
}
