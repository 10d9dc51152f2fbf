package api

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

const registerAgentQuery = `mutation CreateAgent($host: String!, $projectName: String, $entityName: String, $sweep: String!) {
  createAgent(input: {host: $host, projectName: $projectName, entityName: $entityName, sweep: $sweep}) {
    agent { id }
  }
}`

// RegisterAgent registers a sweep agent and returns its id
func (c *Client) RegisterAgent(ctx context.Context, host, entity, project, sweepID string) (string, error) {
	var out struct {
		CreateAgent struct {
			Agent struct {
				ID string `json:"id"`
			} `json:"agent"`
		} `json:"createAgent"`
	}

	vars := map[string]any{
		"host":        host,
		"entityName":  entity,
		"projectName": project,
		"sweep":       sweepID,
	}

	if err := c.query(ctx, registerAgentQuery, vars, &out); err != nil {
		return "", errors.Wrap(err, "register agent")
	}

	if out.CreateAgent.Agent.ID == "" {
		return "", errors.New("register agent: no agent id returned")
	}

	return out.CreateAgent.Agent.ID, nil
}

// AgentCommand is sent to a sweep agent in response to a heartbeat
type AgentCommand struct {
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Program string         `json:"program"`
	Args    map[string]any `json:"args"`
}

// Agent command types
const (
	AgentCommandRun    = "run"
	AgentCommandStop   = "stop"
	AgentCommandExit   = "exit"
	AgentCommandResume = "resume"
)

const heartbeatQuery = `mutation Heartbeat($id: ID!, $metrics: JSONString, $runState: JSONString) {
  agentHeartbeat(input: {id: $id, metrics: $metrics, runState: $runState}) {
    agent { id }
    commands
  }
}`

// AgentHeartbeat reports the state of the agent's runs and returns queued
// commands
func (c *Client) AgentHeartbeat(ctx context.Context, agentID string, runStates map[string]bool) ([]AgentCommand, error) {
	rs, err := json.Marshal(runStates)
	if err != nil {
		return nil, err
	}

	var out struct {
		AgentHeartbeat struct {
			Commands string `json:"commands"`
		} `json:"agentHeartbeat"`
	}

	vars := map[string]any{"id": agentID, "metrics": "{}", "runState": string(rs)}
	if err := c.query(ctx, heartbeatQuery, vars, &out); err != nil {
		return nil, errors.Wrap(err, "agent heartbeat")
	}

	if out.AgentHeartbeat.Commands == "" {
		return nil, nil
	}

	var cmds []AgentCommand
	if err := json.Unmarshal([]byte(out.AgentHeartbeat.Commands), &cmds); err != nil {
		return nil, errors.Wrap(err, "decoding agent commands")
	}

	return cmds, nil
}

const upsertSweepQuery = `mutation UpsertSweep($id: ID, $config: String, $description: String, $entityName: String, $projectName: String) {
  upsertSweep(input: {id: $id, config: $config, description: $description, entityName: $entityName, projectName: $projectName}) {
    sweep { name }
  }
}`

// UpsertSweep creates a sweep from a YAML config, or updates the sweep with
// the given id. The sweep name is returned.
func (c *Client) UpsertSweep(ctx context.Context, id, entity, project, config string) (string, error) {
	var out struct {
		UpsertSweep struct {
			Sweep struct {
				Name string `json:"name"`
			} `json:"sweep"`
		} `json:"upsertSweep"`
	}

	vars := map[string]any{
		"config":      config,
		"entityName":  entity,
		"projectName": project,
	}
	if id != "" {
		vars["id"] = id
	}

	if err := c.query(ctx, upsertSweepQuery, vars, &out); err != nil {
		return "", errors.Wrap(err, "upsert sweep")
	}

	return out.UpsertSweep.Sweep.Name, nil
}
