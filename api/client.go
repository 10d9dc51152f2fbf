// Package api is a client for the tracking backend. Most calls go through the
// GraphQL endpoint; file contents are uploaded to signed URLs and live file
// updates are posted to the file stream endpoint.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/runsync/runsync/nats"
)

// DefaultRetries is the number of attempts for requests that fail with a
// retryable status
const DefaultRetries = 7

// HTTPError is returned when the backend responds with a non 2xx status
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("Server error: %v %v %v", e.Status, e.URL, e.Body)
}

// Retryable returns true for rate limiting and server side errors
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// GraphQLError is returned when a GraphQL response contains errors
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}

// IsAuthError returns true if err was caused by a rejected API key
func IsAuthError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusUnauthorized ||
			he.StatusCode == http.StatusForbidden
	}
	return false
}

// IsNotFound returns true if the backend did not find the resource
func IsNotFound(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusNotFound
	}
	return false
}

// Client talks to the backend
type Client struct {
	BaseURL string
	APIKey  string

	// Retries is the number of attempts for retryable failures
	Retries int
	// Backoff returns the delay before the given retry attempt
	Backoff func(attempt int) time.Duration

	http   *http.Client
	logger *log.Logger
}

// NewClient returns a client for the backend at baseURL
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Retries: DefaultRetries,
		Backoff: func(attempt int) time.Duration {
			return nats.ExpBackoff(attempt, time.Minute)
		},
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: log.New(os.Stderr, "API: ", log.LstdFlags|log.Lmsgprefix),
	}
}

// LogRequests logs every request made by the client. Bodies are logged
// too when bodies is set.
func (c *Client) LogRequests(bodies bool) {
	hl := NewHTTPLogger("HTTP: ", bodies)
	if c.http.Transport != nil {
		hl.Next = c.http.Transport
	}
	c.http.Transport = hl
}

// SetAPIKey changes the key used for subsequent requests
func (c *Client) SetAPIKey(key string) {
	c.APIKey = key
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// query runs a GraphQL query or mutation and decodes the data member into out
func (c *Client) query(ctx context.Context, q string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: q, Variables: vars})
	if err != nil {
		return err
	}

	var resp graphqlResponse
	err = c.do(ctx, http.MethodPost, c.BaseURL+"/graphql", body, &resp)
	if err != nil {
		return err
	}

	if len(resp.Errors) > 0 {
		ge := &GraphQLError{}
		for _, e := range resp.Errors {
			ge.Messages = append(ge.Messages, e.Message)
		}
		return ge
	}

	if out == nil || len(resp.Data) == 0 {
		return nil
	}

	return json.Unmarshal(resp.Data, out)
}

// do sends a JSON request with basic auth, retrying network errors and
// retryable statuses. The response is decoded into out if it is not nil.
func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var lastErr error

	attempts := c.Retries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.Backoff(attempt)
			c.logger.Printf("retrying %v (attempt %v) in %v: %v", url, attempt, delay, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "runsync")
		req.SetBasicAuth("api", c.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			he := &HTTPError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				URL:        url,
				Body:       string(respBody),
			}
			if he.Retryable() {
				lastErr = he
				continue
			}
			return he
		}

		if out == nil {
			return nil
		}

		return errors.Wrapf(json.Unmarshal(respBody, out), "decoding response from %v", url)
	}

	return errors.Wrapf(lastErr, "giving up after %v attempts", attempts)
}
