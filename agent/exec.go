package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"golang.org/x/exp/maps"
)

// CommandArgs formats a run config as --key=value arguments, sorted by key
func CommandArgs(config map[string]any) []string {
	keys := maps.Keys(config)
	sort.Strings(keys)

	ret := make([]string, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, fmt.Sprintf("--%v=%v", k, configValue(config[k])))
	}
	return ret
}

// ExecJob returns a JobFunc that runs program with the run config as
// arguments. If program is empty the program sent with the job is used.
func ExecJob(program string) JobFunc {
	return func(ctx context.Context, job *Job, env map[string]string) error {
		p := program
		if p == "" {
			p = job.Program
		}
		if p == "" {
			return fmt.Errorf("no program for run %v", job.RunID)
		}

		cmd := exec.CommandContext(ctx, p, CommandArgs(job.Config)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}

		return cmd.Run()
	}
}
