// Package agent runs sweep jobs. The agent registers with the backend,
// polls for commands with heartbeats and runs one job per run command.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/runsync/runsync/api"
	"github.com/runsync/runsync/data"
	"golang.org/x/exp/maps"
)

// ErrBadSweepID is returned for sweep ids with too many parts
var ErrBadSweepID = errors.New("Expected sweep_id in form of sweep, project/sweep, or entity/project/sweep")

// API is the part of the backend used by the agent
type API interface {
	RegisterAgent(ctx context.Context, host, entity, project, sweepID string) (string, error)
	AgentHeartbeat(ctx context.Context, agentID string, runStates map[string]bool) ([]api.AgentCommand, error)
}

// Job is a command from the backend
type Job struct {
	Type    string
	RunID   string
	Program string
	Config  map[string]any
}

// Done returns true if the agent should exit
func (j *Job) Done() bool {
	return j.Type == api.AgentCommandExit
}

// JobFunc runs one sweep run. env holds the variables that tell the run
// which id, config and sweep to use.
type JobFunc func(ctx context.Context, job *Job, env map[string]string) error

// Options for an Agent
type Options struct {
	// SweepPath is "sweep", "project/sweep" or "entity/project/sweep"
	SweepPath string
	Entity    string
	Project   string
	// Count is the max number of runs, 0 for no limit
	Count int
	// RootDir is where the wandb dir is created
	RootDir string
	Host    string
	API     API
	Func    JobFunc
	// IdleWait is the time between heartbeats when there is no job
	IdleWait time.Duration
	// JobWait is the pause after each job
	JobWait time.Duration
}

// Agent runs sweep jobs
type Agent struct {
	opts    Options
	logger  *log.Logger
	sweepID string
	entity  string
	project string
	agentID string
}

// New returns an agent. Call Loop to start it.
func New(o Options) *Agent {
	if o.IdleWait == 0 {
		o.IdleWait = 20 * time.Second
	}
	if o.JobWait == 0 {
		o.JobWait = 5 * time.Second
	}
	if o.Host == "" {
		o.Host, _ = os.Hostname()
	}

	return &Agent{
		opts:   o,
		logger: log.New(os.Stderr, "Agent: ", log.LstdFlags|log.Lmsgprefix),
	}
}

// ParseSweepID splits a sweep path into entity, project and sweep id. Parts
// that are not in the path are returned empty.
func ParseSweepID(path string) (entity, project, id string, err error) {
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return "", "", "", ErrBadSweepID
		}
	}

	switch len(parts) {
	case 1:
		return "", "", parts[0], nil
	case 2:
		return "", parts[0], parts[1], nil
	case 3:
		return parts[0], parts[1], parts[2], nil
	}

	return "", "", "", ErrBadSweepID
}

// SweepID returns the sweep id once Setup has run
func (a *Agent) SweepID() string {
	return a.sweepID
}

// Setup parses the sweep path and registers the agent
func (a *Agent) Setup(ctx context.Context) error {
	entity, project, id, err := ParseSweepID(a.opts.SweepPath)
	if err != nil {
		return err
	}

	a.sweepID = id
	a.entity = firstOf(entity, a.opts.Entity)
	a.project = firstOf(project, a.opts.Project)

	return a.Register(ctx)
}

// Register creates the agent on the backend
func (a *Agent) Register(ctx context.Context) error {
	id, err := a.opts.API.RegisterAgent(ctx, a.opts.Host, a.entity, a.project, a.sweepID)
	if err != nil {
		return fmt.Errorf("Error registering agent: %w", err)
	}

	a.agentID = id
	return nil
}

// CheckQueue sends a heartbeat and returns the first queued command as a
// job, or nil when there is nothing to do
func (a *Agent) CheckQueue(ctx context.Context) (*Job, error) {
	cmds, err := a.opts.API.AgentHeartbeat(ctx, a.agentID, map[string]bool{})
	if err != nil {
		return nil, err
	}

	if len(cmds) == 0 {
		return nil, nil
	}

	c := cmds[0]
	return &Job{Type: c.Type, RunID: c.RunID, Program: c.Program, Config: c.Args}, nil
}

// ConfigFile is where the config of a sweep run is written
func (a *Agent) ConfigFile(runID string) string {
	return filepath.Join(a.opts.RootDir, "wandb", "sweep-"+a.sweepID, "config-"+runID+".yaml")
}

// RunJob writes the run config and calls the job function
func (a *Agent) RunJob(ctx context.Context, job *Job) error {
	configFile := a.ConfigFile(job.RunID)

	config := make(map[string]data.ConfigValue, len(job.Config))
	for k, v := range job.Config {
		config[k] = data.ConfigValue{Value: configValue(v)}
	}

	if err := data.SaveConfigFile(configFile, config); err != nil {
		return fmt.Errorf("Error writing sweep config: %w", err)
	}

	env := map[string]string{
		"WANDB_RUN_ID":       job.RunID,
		"WANDB_CONFIG_PATHS": configFile,
		"WANDB_SWEEP_ID":     a.sweepID,
	}
	if a.entity != "" {
		env["WANDB_ENTITY"] = a.entity
	}
	if a.project != "" {
		env["WANDB_PROJECT"] = a.project
	}

	keys := maps.Keys(config)
	sort.Strings(keys)

	lines := []string{fmt.Sprintf("Starting Run: %v with config:", job.RunID)}
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("\t%v: %v", k, config[k].Value))
	}
	a.logger.Println(strings.Join(lines, "\n"))

	return a.opts.Func(ctx, job, env)
}

// Loop sets up the agent and runs jobs until an exit command, the run count
// is reached, a job fails or ctx is done
func (a *Agent) Loop(ctx context.Context) error {
	if err := a.Setup(ctx); err != nil {
		return err
	}

	count := 0

	for {
		job, err := a.CheckQueue(ctx)
		if err != nil {
			a.logger.Println("Error checking queue: ", err)
		}

		if job == nil {
			if err := wait(ctx, a.opts.IdleWait); err != nil {
				return nil
			}
			continue
		}

		if job.Done() {
			a.logger.Println("Received exit command")
			return nil
		}

		if job.Type != api.AgentCommandRun {
			a.logger.Println("Ignoring command: ", job.Type)
			continue
		}

		count++
		if err := a.RunJob(ctx, job); err != nil {
			return fmt.Errorf("run %v: %w", job.RunID, err)
		}

		if a.opts.Count > 0 && count >= a.opts.Count {
			return nil
		}

		if err := wait(ctx, a.opts.JobWait); err != nil {
			return nil
		}
	}
}

// configValue unwraps {"value": x} as sent by the sweep controller
func configValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		if val, ok := m["value"]; ok {
			return val
		}
	}
	return v
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
