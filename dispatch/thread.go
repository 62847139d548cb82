package dispatch

import "context"

// ThreadRunner runs the body on a goroutine that shares env with the caller.
type ThreadRunner struct{}

func (ThreadRunner) Run(ctx context.Context, env *Env, body Body) int {
	if env.Shared == nil {
		env.Shared = NewShared()
	}
	return runContained(ctx, env, body)
}
