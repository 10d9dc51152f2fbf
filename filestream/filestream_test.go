package filestream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/runsync/runsync/api"
)

type fakePoster struct {
	lock  sync.Mutex
	reqs  []api.FileStreamRequest
	fails int
}

func (f *fakePoster) FileStream(_ context.Context, entity, project, run string, req api.FileStreamRequest) (*api.FileStreamResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("backend down")
	}
	f.reqs = append(f.reqs, req)
	return &api.FileStreamResponse{}, nil
}

func (f *fakePoster) requests() []api.FileStreamRequest {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]api.FileStreamRequest(nil), f.reqs...)
}

func TestJSONLPolicy(t *testing.T) {
	p := NewJSONLPolicy(10)

	c := p.Process([]string{"a", "b"})
	if c.Offset != 10 {
		t.Error("wrong offset: ", c.Offset)
	}

	c = p.Process([]string{"c"})
	if c.Offset != 12 {
		t.Error("wrong offset: ", c.Offset)
	}
}

func TestSummaryPolicy(t *testing.T) {
	c := SummaryPolicy{}.Process([]string{`{"a":1}`, `{"a":2}`})

	exp := api.FileChunk{Offset: 0, Content: []string{`{"a":2}`}}
	if diff := cmp.Diff(exp, c); diff != "" {
		t.Error("chunk mismatch (-want +got):\n", diff)
	}
}

func TestCRDedupePolicy(t *testing.T) {
	p := NewCRDedupePolicy(3)

	c := p.Process([]string{
		"2020-06-01T12:00:00.000000 10%\r50%\r100%\n",
		"ERROR 2020-06-01T12:00:01.000000 bad\n",
		"ERROR 2020-06-01T12:00:02.000000 1/3\r3/3\n",
	})

	exp := api.FileChunk{Offset: 3, Content: []string{
		"2020-06-01T12:00:00.000000 100%\n",
		"ERROR 2020-06-01T12:00:01.000000 bad\n",
		"ERROR 2020-06-01T12:00:02.000000 3/3\n",
	}}

	if diff := cmp.Diff(exp, c); diff != "" {
		t.Error("chunk mismatch (-want +got):\n", diff)
	}
}

func TestFileStreamFinish(t *testing.T) {
	poster := &fakePoster{}
	fs := New(poster, "e", "p", "r", time.Hour)
	fs.SetPolicy("wandb-summary.json", SummaryPolicy{})
	fs.Start()

	for _, l := range []string{"1", "2", "3"} {
		if err := fs.Push("wandb-history.jsonl", l); err != nil {
			t.Fatal(err)
		}
	}

	if err := fs.Push("wandb-summary.json", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Push("wandb-summary.json", "s2"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := fs.Finish(ctx, 2); err != nil {
		t.Fatal(err)
	}

	reqs := poster.requests()
	if len(reqs) != 2 {
		t.Fatal("expected 2 requests, got: ", reqs)
	}

	expFiles := map[string]api.FileChunk{
		"wandb-history.jsonl": {Offset: 0, Content: []string{"1", "2", "3"}},
		"wandb-summary.json":  {Offset: 0, Content: []string{"s2"}},
	}

	if diff := cmp.Diff(expFiles, reqs[0].Files); diff != "" {
		t.Error("files mismatch (-want +got):\n", diff)
	}

	final := reqs[1]
	if final.Complete == nil || !*final.Complete || final.ExitCode == nil || *final.ExitCode != 2 {
		t.Error("bad final request: ", final)
	}

	if err := fs.Push("wandb-history.jsonl", "late"); !errors.Is(err, ErrFinished) {
		t.Error("expected ErrFinished, got: ", err)
	}
}

func TestFileStreamRetry(t *testing.T) {
	poster := &fakePoster{fails: 1}
	fs := New(poster, "e", "p", "r", 10*time.Millisecond)
	fs.Start()

	if err := fs.Push("wandb-history.jsonl", "1"); err != nil {
		t.Fatal(err)
	}

	// wait for the failed attempt and a retry
	deadline := time.Now().Add(5 * time.Second)
	for len(poster.requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for retry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := fs.Push("wandb-history.jsonl", "2"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := fs.Finish(ctx, 0); err != nil {
		t.Fatal(err)
	}

	reqs := poster.requests()
	if reqs[0].Files["wandb-history.jsonl"].Offset != 0 {
		t.Error("first chunk should be retried with offset 0")
	}

	if reqs[1].Files["wandb-history.jsonl"].Offset != 1 {
		t.Error("second chunk should have offset 1: ", reqs[1])
	}
}
