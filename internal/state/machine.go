package state

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/metrics"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/vmerr"
)

// Machine applies state transitions to persisted VM records.
type Machine struct {
	vms store.VMStore
	log *zap.SugaredLogger
}

// NewMachine creates a Machine backed by vms.
func NewMachine(vms store.VMStore, log *zap.SugaredLogger) *Machine {
	return &Machine{vms: vms, log: log}
}

// Transition applies event to vm.
//
// The update is conditional on the record still having the state, update
// count and host id held in vm. On success vm is updated in place. An illegal
// event, or a record that changed since vm was read, yields a
// vmerr.KindNoTransition error; callers re-read and decide.
//
// hostID is the host the event binds the VM to (the chosen destination on
// OperationRetry, the host the VM came up on for OperationSucceeded, the
// reporting host for FollowAgentPowerOnReport). It is ignored when the
// destination state does not occupy a host.
func (m *Machine) Transition(ctx context.Context, vm *v1alpha1.VirtualMachine, event Event, hostID string) error {
	from := vm.Status.State
	to, ok := Next(from, event)
	if !ok {
		metrics.RecordTransition(string(event), string(from), "", false)
		return vmerr.New(vmerr.KindNoTransition, vm.UID, string(event),
			"no transition from %s on %s", from, event)
	}

	u := plan(vm, event, to, hostID)
	applied, err := m.vms.UpdateState(ctx, u)
	if err != nil {
		return vmerr.Wrap(vmerr.KindFatal, vm.UID, string(event), fmt.Errorf("failed to persist transition: %w", err))
	}
	if !applied {
		metrics.RecordTransition(string(event), string(from), string(to), false)
		return vmerr.New(vmerr.KindNoTransition, vm.UID, string(event),
			"record changed since read (state %s, update count %d)", from, vm.Status.UpdateCount)
	}

	metrics.RecordTransition(string(event), string(from), string(to), true)
	m.log.Debugw("VM state transition",
		"vm", vm.UID, "event", event, "from", from, "to", to, "host", u.HostID, "lastHost", u.LastHostID)

	vm.Status.State = to
	vm.Status.HostID = u.HostID
	vm.Status.LastHostID = u.LastHostID
	vm.Status.UpdateCount++
	vm.Status.UpdateTime = v1alpha1.Now()
	return nil
}

// plan builds the conditional update, including host bookkeeping:
//   - leaving Starting or Running for another state records the current host
//     as the last host
//   - a destination that occupies a host takes hostID when one is given and
//     otherwise keeps the current host
//   - any other destination clears the host
func plan(vm *v1alpha1.VirtualMachine, event Event, to v1alpha1.State, hostID string) store.StateUpdate {
	from := vm.Status.State
	u := store.StateUpdate{
		VMID:            vm.UID,
		FromState:       from,
		FromUpdateCount: vm.Status.UpdateCount,
		FromHostID:      vm.Status.HostID,
		ToState:         to,
		HostID:          vm.Status.HostID,
		LastHostID:      vm.Status.LastHostID,
	}

	if (from == v1alpha1.StateRunning || from == v1alpha1.StateStarting) && to != from && vm.Status.HostID != "" {
		u.LastHostID = vm.Status.HostID
	}

	switch {
	case !to.IsHostBound():
		u.HostID = ""
	case hostID != "":
		u.HostID = hostID
	}
	return u
}
