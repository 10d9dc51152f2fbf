package api

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// HTTPLogger is a http.RoundTripper that logs every request to the backend.
// Request and response bodies are included when Bodies is set.
type HTTPLogger struct {
	Next   http.RoundTripper
	Bodies bool
	*log.Logger
}

// NewHTTPLogger returns a logger that wraps the default transport
func NewHTTPLogger(prefix string, bodies bool) *HTTPLogger {
	return &HTTPLogger{
		Next:   http.DefaultTransport,
		Bodies: bodies,
		Logger: log.New(os.Stderr, prefix, log.LstdFlags|log.Lmsgprefix),
	}
}

// RoundTrip sends the request and logs it along with the response status
func (l *HTTPLogger) RoundTrip(req *http.Request) (*http.Response, error) {
	var reqBody []byte

	if l.Bodies && req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		reqBody = b
		req.Body = io.NopCloser(bytes.NewReader(b))
	}

	start := time.Now()
	resp, err := l.Next.RoundTrip(req)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		l.Printf("\"%s %s\" error after %v: %v", req.Method, req.URL.Redacted(), elapsed, err)
		return nil, err
	}

	if !l.Bodies {
		l.Printf("\"%s %s\" %d %v", req.Method, req.URL.Redacted(), resp.StatusCode, elapsed)
		return resp, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	l.Printf("\"%s %s\" %d %v -> %s -> %s", req.Method, req.URL.Redacted(),
		resp.StatusCode, elapsed, reqBody, respBody)

	return resp, nil
}
