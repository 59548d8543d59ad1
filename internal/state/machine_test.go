package state

import (
	"context"
	"testing"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/logger"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/vmerr"
)

func setup(t *testing.T, initial v1alpha1.State, host string) (*Machine, *store.Memory, *v1alpha1.VirtualMachine) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	vm := v1alpha1.NewVirtualMachine("web-1", v1alpha1.VMTypeUser)
	vm.Status.State = initial
	vm.Status.HostID = host
	if err := s.VMs().Create(ctx, vm); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return NewMachine(s.VMs(), logger.Nop()), s, vm
}

func TestTransition_Applies(t *testing.T) {
	m, s, vm := setup(t, v1alpha1.StateStopped, "")
	ctx := context.Background()

	if err := m.Transition(ctx, vm, EventStartRequested, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if vm.Status.State != v1alpha1.StateStarting || vm.Status.UpdateCount != 1 {
		t.Errorf("in-memory vm = %+v", vm.Status)
	}

	persisted, _ := s.VMs().Get(ctx, vm.UID)
	if persisted.Status.State != v1alpha1.StateStarting {
		t.Errorf("persisted state = %s", persisted.Status.State)
	}
}

func TestTransition_IllegalEvent(t *testing.T) {
	m, _, vm := setup(t, v1alpha1.StateRunning, "host-a")

	err := m.Transition(context.Background(), vm, EventStartRequested, "")
	if !vmerr.IsNoTransition(err) {
		t.Fatalf("Transition() error = %v, want NoTransition", err)
	}
	if vm.Status.State != v1alpha1.StateRunning {
		t.Errorf("state changed to %s on rejection", vm.Status.State)
	}
}

func TestTransition_LostRace(t *testing.T) {
	m, s, vm := setup(t, v1alpha1.StateStopped, "")
	ctx := context.Background()

	first, _ := s.VMs().Get(ctx, vm.UID)
	second, _ := s.VMs().Get(ctx, vm.UID)

	if err := m.Transition(ctx, first, EventStartRequested, ""); err != nil {
		t.Fatalf("first Transition() error = %v", err)
	}
	err := m.Transition(ctx, second, EventStartRequested, "")
	if !vmerr.IsNoTransition(err) {
		t.Fatalf("second Transition() error = %v, want NoTransition", err)
	}
}

func TestTransition_HostBookkeeping(t *testing.T) {
	tests := []struct {
		name         string
		state        v1alpha1.State
		host         string
		lastHost     string
		event        Event
		argHost      string
		wantHost     string
		wantLastHost string
	}{
		{
			name:  "retry binds destination",
			state: v1alpha1.StateStarting, event: EventOperationRetry, argHost: "host-d",
			wantHost: "host-d",
		},
		{
			name:  "start success keeps host",
			state: v1alpha1.StateStarting, host: "host-d", event: EventOperationSucceeded, argHost: "host-d",
			wantHost: "host-d", wantLastHost: "host-d",
		},
		{
			name:  "start failure records last host",
			state: v1alpha1.StateStarting, host: "host-d", event: EventOperationFailed,
			wantHost: "", wantLastHost: "host-d",
		},
		{
			name:  "stop request records last host and keeps host",
			state: v1alpha1.StateRunning, host: "host-a", lastHost: "host-z", event: EventStopRequested,
			wantHost: "host-a", wantLastHost: "host-a",
		},
		{
			name:  "stop completion clears host",
			state: v1alpha1.StateStopping, host: "host-a", lastHost: "host-a", event: EventOperationSucceeded,
			wantHost: "", wantLastHost: "host-a",
		},
		{
			name:  "migration keeps source and records it",
			state: v1alpha1.StateRunning, host: "host-a", event: EventMigrationRequested,
			wantHost: "host-a", wantLastHost: "host-a",
		},
		{
			name:  "migration success moves to destination",
			state: v1alpha1.StateMigrating, host: "host-a", lastHost: "host-a", event: EventOperationSucceeded, argHost: "host-b",
			wantHost: "host-b", wantLastHost: "host-a",
		},
		{
			name:  "power on report binds reporting host",
			state: v1alpha1.StateStopped, lastHost: "host-a", event: EventFollowAgentPowerOnReport, argHost: "host-c",
			wantHost: "host-c", wantLastHost: "host-a",
		},
		{
			name:  "agent stopped report clears host",
			state: v1alpha1.StateRunning, host: "host-a", event: EventAgentReportStopped,
			wantHost: "", wantLastHost: "host-a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewMemory()
			vm := v1alpha1.NewVirtualMachine("web-1", v1alpha1.VMTypeUser)
			vm.Status.State = tt.state
			vm.Status.HostID = tt.host
			vm.Status.LastHostID = tt.lastHost
			if err := s.VMs().Create(ctx, vm); err != nil {
				t.Fatal(err)
			}
			m := NewMachine(s.VMs(), logger.Nop())

			if err := m.Transition(ctx, vm, tt.event, tt.argHost); err != nil {
				t.Fatalf("Transition() error = %v", err)
			}

			persisted, _ := s.VMs().Get(ctx, vm.UID)
			if persisted.Status.HostID != tt.wantHost {
				t.Errorf("HostID = %q, want %q", persisted.Status.HostID, tt.wantHost)
			}
			if persisted.Status.LastHostID != tt.wantLastHost {
				t.Errorf("LastHostID = %q, want %q", persisted.Status.LastHostID, tt.wantLastHost)
			}
		})
	}
}
