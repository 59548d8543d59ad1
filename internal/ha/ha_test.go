package ha

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
)

type mockActions struct {
	mu        sync.Mutex
	restarts  []string
	stops     []string
	restartFn func(vmID string) error
}

func (m *mockActions) Restart(_ context.Context, vmID string) error {
	m.mu.Lock()
	m.restarts = append(m.restarts, vmID)
	m.mu.Unlock()
	if m.restartFn != nil {
		return m.restartFn(vmID)
	}
	return nil
}

func (m *mockActions) ForceStop(_ context.Context, vmID string) error {
	m.mu.Lock()
	m.stops = append(m.stops, vmID)
	m.mu.Unlock()
	return nil
}

func testVM(id string) *v1alpha1.VirtualMachine {
	vm := v1alpha1.NewVirtualMachine(id, v1alpha1.VMTypeUser)
	vm.UID = id
	vm.Status.HostID = "h1"
	return vm
}

func TestScheduler_Restart(t *testing.T) {
	actions := &mockActions{}
	s := NewScheduler(actions, 3, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()

	if err := s.ScheduleRestart(ctx, testVM("vm-1"), "powered off"); err != nil {
		t.Fatalf("ScheduleRestart() error = %v", err)
	}
	// Scheduling twice is a no-op.
	_ = s.ScheduleRestart(ctx, testVM("vm-1"), "powered off")

	if pending, _ := s.HasPendingWork(ctx, "vm-1"); !pending {
		t.Error("HasPendingWork() = false after scheduling")
	}

	if done := s.RunDue(ctx); done != 1 {
		t.Errorf("RunDue() = %d, want 1", done)
	}
	if len(actions.restarts) != 1 {
		t.Errorf("restarts = %v", actions.restarts)
	}
	if pending, _ := s.HasPendingWork(ctx, "vm-1"); pending {
		t.Error("HasPendingWork() = true after completion")
	}
}

func TestScheduler_ConflictingKinds(t *testing.T) {
	s := NewScheduler(&mockActions{}, 3, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()

	_ = s.ScheduleRestart(ctx, testVM("vm-1"), "off")
	if err := s.ScheduleStop(ctx, testVM("vm-1"), "h1", "doubt"); err == nil {
		t.Error("ScheduleStop() error = nil with a pending restart")
	}
}

func TestScheduler_RetryThenAbandon(t *testing.T) {
	actions := &mockActions{restartFn: func(string) error { return errors.New("no capacity") }}
	s := NewScheduler(actions, 2, time.Minute, zap.NewNop().Sugar())
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.ScheduleRestart(ctx, testVM("vm-1"), "off")
	s.RunDue(ctx)
	if pending, _ := s.HasPendingWork(ctx, "vm-1"); !pending {
		t.Fatal("task dropped after first failure")
	}

	// Not due yet.
	s.RunDue(ctx)
	if len(actions.restarts) != 1 {
		t.Fatalf("restarts = %d, want 1 before the retry delay", len(actions.restarts))
	}

	now = now.Add(2 * time.Minute)
	s.RunDue(ctx)
	if len(actions.restarts) != 2 {
		t.Fatalf("restarts = %d, want 2", len(actions.restarts))
	}
	if pending, _ := s.HasPendingWork(ctx, "vm-1"); pending {
		t.Error("task still pending after max attempts")
	}
}

func TestScheduler_Stop(t *testing.T) {
	actions := &mockActions{}
	s := NewScheduler(actions, 3, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()

	_ = s.ScheduleStop(ctx, testVM("vm-2"), "h1", "timeout")
	s.RunDue(ctx)
	if len(actions.stops) != 1 || actions.stops[0] != "vm-2" {
		t.Errorf("stops = %v", actions.stops)
	}
}

func TestScheduler_Run(t *testing.T) {
	actions := &mockActions{}
	s := NewScheduler(actions, 3, time.Minute, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	_ = s.ScheduleRestart(ctx, testVM("vm-1"), "off")
	deadline := time.After(2 * time.Second)
	for {
		if pending, _ := s.HasPendingWork(ctx, "vm-1"); !pending {
			break
		}
		select {
		case <-deadline:
			t.Fatal("restart not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
