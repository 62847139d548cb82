package dispatch

import (
	"context"
	"fmt"
	"os"

	"github.com/inboxguard/inboxguard/logger"
)

// SubshellRunner runs the body on a goroutine with a cloned Env: a private
// temporary working directory under BaseDir (removed afterwards), a copy of
// the environment map and its own counters.
type SubshellRunner struct {
	BaseDir string
}

func (r SubshellRunner) Run(ctx context.Context, env *Env, body Body) int {
	isolated := env.clone()

	dir, err := os.MkdirTemp(r.BaseDir, fmt.Sprintf("pipeline-%s-", env.RunID))
	if err != nil {
		logger.Errorf("[DISPATCH] failed to create isolated working directory: %v", err)
		if env.Events != nil {
			env.Events.Error(fmt.Sprintf("failed to create isolated working directory: %v", err))
		}
		return StatusFailed
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warnf("[DISPATCH] failed to remove %s: %v", dir, err)
		}
	}()
	isolated.WorkDir = dir
	isolated.Environ["INBOXGUARD_WORKDIR"] = dir

	return runContained(ctx, isolated, body)
}
