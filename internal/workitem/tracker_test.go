package workitem

import (
	"context"
	"testing"
	"time"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/logger"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/vmerr"
)

func newTracker(s *store.Memory) *Tracker {
	return NewTracker(s.WorkItems(), "node-a", 10*time.Millisecond, logger.Nop())
}

func TestTracker_StartExclusive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	tr := newTracker(s)
	vm := v1alpha1.NewVirtualMachine("web-1", v1alpha1.VMTypeUser)

	wi, _, err := tr.Start(ctx, vm, v1alpha1.StateRunning, "job-1")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if wi.Step != v1alpha1.StepPrepare || wi.Node != "node-a" || wi.JobID != "job-1" {
		t.Errorf("item = %+v", wi)
	}

	_, holder, err := tr.Start(ctx, vm, v1alpha1.StateStopped, "job-2")
	if !vmerr.IsConcurrentOperation(err) {
		t.Fatalf("second Start() error = %v, want ConcurrentOperation", err)
	}
	if holder == nil || holder.ID != wi.ID {
		t.Errorf("holder = %v, want %s", holder, wi.ID)
	}

	tr.Done(ctx, wi)
	if wi.Step != v1alpha1.StepDone {
		t.Errorf("Step after Done = %s", wi.Step)
	}
	open, err := tr.Open(ctx, vm.UID)
	if err != nil || open != nil {
		t.Errorf("Open() = %v, %v; want nil, nil", open, err)
	}
}

func TestTracker_AdvanceMonotonic(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	tr := newTracker(s)
	vm := v1alpha1.NewVirtualMachine("web-1", v1alpha1.VMTypeUser)

	wi, _, err := tr.Start(ctx, vm, v1alpha1.StateRunning, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Advance(ctx, wi, v1alpha1.StepStarting); err != nil {
		t.Fatalf("Advance(Starting) error = %v", err)
	}
	if err := tr.Advance(ctx, wi, v1alpha1.StepPrepare); err == nil {
		t.Error("Advance(Prepare) after Starting should fail")
	}
	if wi.Step != v1alpha1.StepStarting {
		t.Errorf("Step = %s after rejected advance", wi.Step)
	}
}

func TestTracker_WaitWakesOnDone(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	tr := NewTracker(s.WorkItems(), "node-a", time.Hour, logger.Nop())
	vm := v1alpha1.NewVirtualMachine("web-1", v1alpha1.VMTypeUser)

	wi, _, err := tr.Start(ctx, vm, v1alpha1.StateRunning, "")
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done, _ := tr.Wait(ctx, wi.ID, 5*time.Second)
			result <- done
		}()
	}

	time.Sleep(20 * time.Millisecond)
	tr.Done(ctx, wi)

	for i := 0; i < 2; i++ {
		select {
		case done := <-result:
			if !done {
				t.Error("Wait() = false, want true")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Wait() did not wake on Done")
		}
	}
}

func TestTracker_WaitTimeout(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	tr := newTracker(s)
	vm := v1alpha1.NewVirtualMachine("web-1", v1alpha1.VMTypeUser)

	wi, _, err := tr.Start(ctx, vm, v1alpha1.StateRunning, "")
	if err != nil {
		t.Fatal(err)
	}

	done, err := tr.Wait(ctx, wi.ID, 30*time.Millisecond)
	if err != nil || done {
		t.Errorf("Wait() = %v, %v; want false, nil", done, err)
	}
}

func TestTracker_WaitSeesRemoteDone(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	tr := newTracker(s)
	vm := v1alpha1.NewVirtualMachine("web-1", v1alpha1.VMTypeUser)

	wi, _, err := tr.Start(ctx, vm, v1alpha1.StateRunning, "")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		// written by "another node": straight to the store, no local notify
		_ = s.WorkItems().UpdateStep(ctx, wi.ID, v1alpha1.StepDone)
	}()

	done, err := tr.Wait(ctx, wi.ID, 2*time.Second)
	if err != nil || !done {
		t.Errorf("Wait() = %v, %v; want true, nil", done, err)
	}
}

func TestTracker_HeartbeatStopsOnDone(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	tr := newTracker(s)
	tr.Heartbeat = time.Millisecond
	vm := v1alpha1.NewVirtualMachine("web-1", v1alpha1.VMTypeUser)

	wi, _, err := tr.Start(ctx, vm, v1alpha1.StateRunning, "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	got, _ := s.WorkItems().Get(ctx, wi.ID)
	if !got.UpdatedAt.After(got.CreatedAt.Time) {
		t.Errorf("UpdatedAt %v not after CreatedAt %v", got.UpdatedAt, got.CreatedAt)
	}

	tr.Done(ctx, wi)
	tr.mu.Lock()
	beating := len(tr.beats)
	tr.mu.Unlock()
	if beating != 0 {
		t.Errorf("%d heartbeats left after Done", beating)
	}
}
