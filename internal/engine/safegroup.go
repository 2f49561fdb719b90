package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/5hdaniel/Mad-sub019/pkg/logger"
)

// SafeGroup wraps errgroup.Group with panic recovery so one panicking
// worker never takes down the whole phase.
type SafeGroup struct {
	group  *errgroup.Group
	logger logger.Logger
}

// NewSafeGroup creates a new SafeGroup with panic recovery
func NewSafeGroup(ctx context.Context, log logger.Logger) (*SafeGroup, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &SafeGroup{group: g, logger: log}, ctx
}

// Go runs the given function in a new goroutine. Any panic is converted
// to an error and logged with its stack trace.
func (sg *SafeGroup) Go(fn func() error) {
	sg.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				if sg.logger != nil {
					sg.logger.Error("Worker panic recovered",
						logger.WithField("panic", r),
						logger.WithField("stack_trace", string(debug.Stack())))
				}
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()

		return fn()
	})
}

// SetLimit caps the number of concurrently running workers
func (sg *SafeGroup) SetLimit(n int) {
	sg.group.SetLimit(n)
}

// Wait blocks until all workers have completed and returns the first
// error encountered
func (sg *SafeGroup) Wait() error {
	return sg.group.Wait()
}
