package maxrss

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// setupEnv sets or modifies the environment that will be passed to `cmd`.
func (m *Monitor) setupEnv(ctx context.Context, cmd *exec.Cmd) {
	if cmd.Dir == "" {
		cmd.Dir = m.env.Dir
	}

	if len(m.env.Vars) == 0 {
		return
	}

	if cmd.Env == nil {
		// If the caller didn't explicitly set an environment on
		// `cmd`, then start with the current environment.
		cmd.Env = os.Environ()
	}

	var vars []EnvVar
	for _, fn := range m.env.Vars {
		vars = fn(ctx, vars)
	}
	varMap := make(map[string]string, len(vars))
	for _, v := range vars {
		varMap[v.Key] = v.Value
	}

	cmd.Env = copyEnvWithOverrides(cmd.Env, varMap)
}

func copyEnvWithOverrides(myEnv []string, overrides map[string]string) []string {
	vars := make([]string, 0, len(myEnv)+len(overrides))

	for _, v := range myEnv {
		eq := strings.Index(v, "=")
		if eq == -1 {
			vars = append(vars, v)
			continue
		}
		key := v[:eq]
		if _, ok := overrides[key]; ok {
			continue
		}
		vars = append(vars, v)
	}

	for key, value := range overrides {
		vars = append(vars, fmt.Sprintf("%s=%s", key, value))
	}

	return vars
}
