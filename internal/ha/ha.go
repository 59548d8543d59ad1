// Package ha schedules high-availability actions for VMs that were found in
// an unexpected power state.
package ha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
)

// Manager is the HA surface used by the power-state reconciler.
type Manager interface {
	// ScheduleRestart queues a restart of a VM that stopped without a stop
	// request.
	ScheduleRestart(ctx context.Context, vm *v1alpha1.VirtualMachine, reason string) error
	// ScheduleStop queues a forced stop of a VM whose state on hostID is in
	// doubt.
	ScheduleStop(ctx context.Context, vm *v1alpha1.VirtualMachine, hostID, reason string) error
	// HasPendingWork reports whether an HA action for the VM is queued or
	// running.
	HasPendingWork(ctx context.Context, vmID string) (bool, error)
}

// Actions carries out HA decisions, normally by submitting lifecycle jobs.
type Actions interface {
	Restart(ctx context.Context, vmID string) error
	ForceStop(ctx context.Context, vmID string) error
}

// Kind is the type of an HA task.
type Kind string

const (
	KindRestart Kind = "restart"
	KindStop    Kind = "stop"
)

type task struct {
	kind      Kind
	vmID      string
	hostID    string
	reason    string
	attempts  int
	notBefore time.Time
}

// Scheduler is an in-process Manager. Tasks are retried with a growing delay
// up to MaxAttempts and then dropped.
type Scheduler struct {
	actions     Actions
	maxAttempts int
	retryDelay  time.Duration
	log         *zap.SugaredLogger
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]*task
	wake    chan struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(actions Actions, maxAttempts int, retryDelay time.Duration, log *zap.SugaredLogger) *Scheduler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	return &Scheduler{
		actions:     actions,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		log:         log,
		now:         time.Now,
		pending:     make(map[string]*task),
		wake:        make(chan struct{}, 1),
	}
}

// ScheduleRestart implements Manager.
func (s *Scheduler) ScheduleRestart(_ context.Context, vm *v1alpha1.VirtualMachine, reason string) error {
	return s.schedule(&task{kind: KindRestart, vmID: vm.UID, hostID: vm.Status.HostID, reason: reason})
}

// ScheduleStop implements Manager.
func (s *Scheduler) ScheduleStop(_ context.Context, vm *v1alpha1.VirtualMachine, hostID, reason string) error {
	return s.schedule(&task{kind: KindStop, vmID: vm.UID, hostID: hostID, reason: reason})
}

// HasPendingWork implements Manager.
func (s *Scheduler) HasPendingWork(_ context.Context, vmID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[vmID]
	return ok, nil
}

func (s *Scheduler) schedule(t *task) error {
	s.mu.Lock()
	if existing, ok := s.pending[t.vmID]; ok {
		s.mu.Unlock()
		if existing.kind != t.kind {
			return fmt.Errorf("vm %s already has a pending %s task", t.vmID, existing.kind)
		}
		return nil
	}
	t.notBefore = s.now()
	s.pending[t.vmID] = t
	s.mu.Unlock()

	s.log.Infow("HA task scheduled", "vm", t.vmID, "kind", t.kind, "host", t.hostID, "reason", t.reason)
	s.signal()
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run executes due tasks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.retryDelay / 2)
	defer ticker.Stop()

	for {
		s.RunDue(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// RunDue executes every task whose retry time has passed and returns how
// many completed.
func (s *Scheduler) RunDue(ctx context.Context) int {
	done := 0
	for _, t := range s.due() {
		var err error
		switch t.kind {
		case KindRestart:
			err = s.actions.Restart(ctx, t.vmID)
		case KindStop:
			err = s.actions.ForceStop(ctx, t.vmID)
		}
		if s.finish(t, err) {
			done++
		}
	}
	return done
}

func (s *Scheduler) due() []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*task
	for _, t := range s.pending {
		if !t.notBefore.After(now) {
			out = append(out, t)
		}
	}
	return out
}

// finish records the result of one attempt and reports whether the task is
// complete.
func (s *Scheduler) finish(t *task, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.pending, t.vmID)
		s.log.Infow("HA task completed", "vm", t.vmID, "kind", t.kind)
		return true
	}

	t.attempts++
	if t.attempts >= s.maxAttempts {
		delete(s.pending, t.vmID)
		s.log.Errorw("HA task abandoned", "vm", t.vmID, "kind", t.kind, "attempts", t.attempts, "error", err)
		return false
	}
	t.notBefore = s.now().Add(time.Duration(t.attempts) * s.retryDelay)
	s.log.Warnw("HA task failed, will retry", "vm", t.vmID, "kind", t.kind, "attempt", t.attempts, "error", err)
	return false
}
