package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/runsync/runsync/api"
	"github.com/runsync/runsync/data"
)

type fakeAPI struct {
	registered []string
	commands   [][]api.AgentCommand
	beats      int
}

func (f *fakeAPI) RegisterAgent(_ context.Context, host, entity, project, sweepID string) (string, error) {
	f.registered = []string{host, entity, project, sweepID}
	return "agent-1", nil
}

func (f *fakeAPI) AgentHeartbeat(_ context.Context, agentID string, _ map[string]bool) ([]api.AgentCommand, error) {
	if agentID != "agent-1" {
		return nil, errors.New("unknown agent")
	}
	f.beats++
	if len(f.commands) == 0 {
		return nil, nil
	}
	c := f.commands[0]
	f.commands = f.commands[1:]
	return c, nil
}

func TestParseSweepID(t *testing.T) {
	cases := map[string][3]string{
		"abc":          {"", "", "abc"},
		"proj/abc":     {"", "proj", "abc"},
		"ent/proj/abc": {"ent", "proj", "abc"},
	}

	for in, exp := range cases {
		e, p, id, err := ParseSweepID(in)
		if err != nil {
			t.Errorf("%v: %v", in, err)
		}
		if got := [3]string{e, p, id}; got != exp {
			t.Errorf("%v: expected %v, got %v", in, exp, got)
		}
	}

	for _, in := range []string{"a/b/c/d", "", "a//c"} {
		if _, _, _, err := ParseSweepID(in); !errors.Is(err, ErrBadSweepID) {
			t.Errorf("%q: expected ErrBadSweepID, got %v", in, err)
		}
	}
}

func TestLoop(t *testing.T) {
	root := t.TempDir()

	f := &fakeAPI{commands: [][]api.AgentCommand{
		nil,
		{{Type: api.AgentCommandRun, RunID: "r1", Args: map[string]any{
			"lr": map[string]any{"value": 0.1}, "act": map[string]any{"value": "relu"}}}},
		{{Type: api.AgentCommandRun, RunID: "r2", Args: map[string]any{
			"lr": map[string]any{"value": 0.2}}}},
		{{Type: api.AgentCommandExit}},
	}}

	var envs []map[string]string

	a := New(Options{
		SweepPath: "ent/proj/sw1",
		RootDir:   root,
		Host:      "host1",
		API:       f,
		IdleWait:  time.Millisecond,
		JobWait:   time.Millisecond,
		Func: func(_ context.Context, job *Job, env map[string]string) error {
			envs = append(envs, env)
			return nil
		},
	})

	if err := a.Loop(context.Background()); err != nil {
		t.Fatal("Loop error: ", err)
	}

	if diff := cmp.Diff([]string{"host1", "ent", "proj", "sw1"}, f.registered); diff != "" {
		t.Error("Register mismatch (-want +got):\n", diff)
	}

	if len(envs) != 2 {
		t.Fatal("Expected 2 jobs, got: ", len(envs))
	}

	exp := map[string]string{
		"WANDB_RUN_ID":       "r1",
		"WANDB_CONFIG_PATHS": a.ConfigFile("r1"),
		"WANDB_SWEEP_ID":     "sw1",
		"WANDB_ENTITY":       "ent",
		"WANDB_PROJECT":      "proj",
	}

	if diff := cmp.Diff(exp, envs[0]); diff != "" {
		t.Error("Env mismatch (-want +got):\n", diff)
	}

	config, err := data.LoadConfigFile(a.ConfigFile("r1"))
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(map[string]any{"lr": 0.1, "act": "relu"}, config); diff != "" {
		t.Error("Config mismatch (-want +got):\n", diff)
	}
}

func TestLoopCountAndError(t *testing.T) {
	run := api.AgentCommand{Type: api.AgentCommandRun, RunID: "r"}
	f := &fakeAPI{commands: [][]api.AgentCommand{{run}, {run}, {run}}}

	jobs := 0
	a := New(Options{
		SweepPath: "sw1",
		RootDir:   t.TempDir(),
		API:       f,
		Count:     2,
		JobWait:   time.Millisecond,
		Func: func(context.Context, *Job, map[string]string) error {
			jobs++
			return nil
		},
	})

	if err := a.Loop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if jobs != 2 {
		t.Error("Expected count to stop after 2 jobs, got: ", jobs)
	}

	f = &fakeAPI{commands: [][]api.AgentCommand{{run}, {run}}}
	a = New(Options{
		SweepPath: "sw1",
		RootDir:   t.TempDir(),
		API:       f,
		JobWait:   time.Millisecond,
		Func: func(context.Context, *Job, map[string]string) error {
			return errors.New("boom")
		},
	})

	if err := a.Loop(context.Background()); err == nil {
		t.Error("Expected job error to stop the loop")
	}
}

func TestCommandArgs(t *testing.T) {
	got := CommandArgs(map[string]any{"b": map[string]any{"value": 2}, "a": "x"})
	if diff := cmp.Diff([]string{"--a=x", "--b=2"}, got); diff != "" {
		t.Error("Args mismatch (-want +got):\n", diff)
	}
}
