// Package poll waits for a remote operation to reach a terminal status.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Observation is the outcome of one status read.
type Observation struct {
	Status string
	Done   bool
}

// Wait describes one bounded wait.
type Wait struct {
	Operation string
	Resource  string

	Interval time.Duration
	Timeout  time.Duration

	Logger logr.Logger
}

// Until calls observe every Interval, starting immediately, until it
// reports Done. Errors from observe are logged and the status is read
// again. When Timeout elapses first the result is a
// *deployapi.TimeoutError carrying the last observed status. Cancellation
// of ctx is returned as the context error.
func (w Wait) Until(ctx context.Context, observe func(ctx context.Context) (Observation, error)) error {
	var last string
	attempts := 0

	err := wait.PollUntilContextTimeout(ctx, w.Interval, w.Timeout, true, func(ctx context.Context) (bool, error) {
		attempts++

		o, err := observe(ctx)
		if err != nil {
			w.Logger.Info("status read failed, retrying", "operation", w.Operation, "resource", w.Resource, "attempt", attempts, "err", err.Error())
			return false, nil
		}

		if o.Status != last {
			w.Logger.V(1).Info("status", "operation", w.Operation, "resource", w.Resource, "status", o.Status, "attempt", attempts)
		}
		last = o.Status

		return o.Done, nil
	})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("waiting for %s of %s: %w", w.Operation, w.Resource, ctx.Err())
	case wait.Interrupted(err):
		return &deployapi.TimeoutError{
			Operation:  w.Operation,
			Resource:   w.Resource,
			Timeout:    w.Timeout,
			LastStatus: last,
		}
	}

	return err
}
