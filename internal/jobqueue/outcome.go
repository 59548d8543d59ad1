package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/vmerr"
)

const minPoll = 50 * time.Millisecond

// Outcome is a handle on a submitted job.
type Outcome struct {
	JobID string

	jobs    store.JobStore
	bus     Bus
	poll    time.Duration
	ceiling time.Duration
}

// Wait blocks until the job finishes and returns its result. Completion
// notices and power-state changes of the job's VM wake the wait early;
// otherwise the job is polled with a growing interval capped at the
// configured poll interval. After the wait ceiling
// the returned error is vmerr.KindPending: the job is still running, not
// failed.
func (o *Outcome) Wait(ctx context.Context) (Result, error) {
	notices, unsubscribe := o.bus.Subscribe(o.JobID)
	defer unsubscribe()

	ceiling := time.NewTimer(o.ceiling)
	defer ceiling.Stop()

	var changes <-chan struct{}
	interval := minPoll
	for {
		job, err := o.jobs.Get(ctx, o.JobID)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read job %s: %w", o.JobID, err)
		}
		if job.Status.IsTerminal() {
			return unmarshalResult(job.Result)
		}
		if changes == nil && job.VMID != "" {
			var unsubscribeVM func()
			changes, unsubscribeVM = o.bus.Subscribe(vmKey(job.VMID))
			defer unsubscribeVM()
		}

		poll := time.NewTimer(interval)
		select {
		case <-notices:
		case <-changes:
		case <-poll.C:
			interval *= 2
			if interval > o.poll {
				interval = o.poll
			}
		case <-ceiling.C:
			poll.Stop()
			return Result{}, pending(job, o.ceiling)
		case <-ctx.Done():
			poll.Stop()
			return Result{}, ctx.Err()
		}
		poll.Stop()
	}
}

// Err waits and returns the job's typed error.
func (o *Outcome) Err(ctx context.Context) error {
	r, err := o.Wait(ctx)
	if err != nil {
		return err
	}
	return r.Err()
}

func pending(job *v1alpha1.WorkJob, waited time.Duration) error {
	return vmerr.New(vmerr.KindPending, job.VMID, string(job.Cmd),
		"job %s still %s after %s", job.ID, job.Status, waited)
}
