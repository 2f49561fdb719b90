package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
	"github.com/5hdaniel/Mad-sub019/pkg/workspace"
)

// ShellExecutor is a thin execution collaborator that hands each task to
// an operator-supplied worker command. The command runs inside the
// task's environment directory with MARSHAL_TASK_ID and MARSHAL_SPEC_REF
// exported; the engine itself never interprets the spec body.
//
// Consumption is reported as elapsed wall-clock seconds, which keeps the
// budget units coarse but honest when no richer meter is wired in.
type ShellExecutor struct {
	Command string
	Args    []string
	Logger  logger.Logger
}

// Execute implements interfaces.Executor
func (e *ShellExecutor) Execute(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(consumed int64) error) error {
	if e.Command == "" {
		return fmt.Errorf("no worker command configured")
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = env.Dir
	cmd.Env = append(os.Environ(),
		"MARSHAL_TASK_ID="+task.ID,
		"MARSHAL_SPEC_REF="+task.SpecRef,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if e.Logger != nil {
		e.Logger.Info("Dispatching task to worker",
			logger.WithField("task", task.ID),
			logger.WithField("command", e.Command))
	}

	start := time.Now()
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	go func() { done <- cmd.Wait() }()

	// Periodic consumption reports while the worker runs; a cap breach
	// surfaces through report and kills the worker.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	reported := int64(0)
	for {
		select {
		case err := <-done:
			elapsed := int64(time.Since(start).Seconds())
			if elapsed > reported {
				if rerr := report(elapsed - reported); rerr != nil {
					return rerr
				}
			}
			return err
		case <-ticker.C:
			elapsed := int64(time.Since(start).Seconds())
			if elapsed > reported {
				if err := report(elapsed - reported); err != nil {
					_ = cmd.Process.Kill()
					<-done
					return err
				}
				reported = elapsed
			}
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-done
			return ctx.Err()
		}
	}
}
