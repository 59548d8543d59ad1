package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
	"github.com/jbweber/foreman/internal/state"
	"github.com/jbweber/foreman/internal/vmerr"
)

// Stop shuts a Running VM down and releases what it holds on its host.
// Stopping a VM that is not running succeeds without doing anything. A
// forced stop of a VM whose host does not answer still releases the VM.
func (o *Orchestrator) Stop(ctx context.Context, vmID string, force bool) error {
	vm, wi, err := o.Acquire(ctx, vmID, Request{
		Op:      "stop",
		Event:   state.EventStopRequested,
		Target:  v1alpha1.StateStopped,
		Settled: notRunning,
	})
	if err != nil {
		return done("stop", err)
	}
	defer o.Tracker.Done(ctx, wi)

	return done("stop", o.stop(ctx, vm, wi, force))
}

func notRunning(vm *v1alpha1.VirtualMachine) bool {
	switch vm.Status.State {
	case v1alpha1.StateStopped, v1alpha1.StateCreated, v1alpha1.StateDestroyed:
		return true
	}
	return false
}

func (o *Orchestrator) stop(ctx context.Context, vm *v1alpha1.VirtualMachine, wi *v1alpha1.WorkItem, force bool) error {
	hostID := vm.Status.HostID
	g, err := o.Guru(vm)
	if err != nil {
		return o.Fail(ctx, vm, "stop", err)
	}

	if hostID != "" {
		_, err := o.Send(ctx, vm, "stop", hostID, g.Stop(vm, force))
		switch {
		case err == nil:
		case force && vmerr.KindOf(err) == vmerr.KindAgentUnavailable:
			o.log.Warnw("Host unreachable, releasing vm on forced stop", "vm", vm.UID, "host", hostID, "error", err)
		default:
			return o.Fail(ctx, vm, "stop", err)
		}
	}

	if err := o.Tracker.Advance(ctx, wi, v1alpha1.StepRelease); err != nil {
		o.log.Warnw("Failed to advance work item", "vm", vm.UID, "error", err)
	}
	o.ReleaseHost(ctx, vm, hostID, vm.Status.ReservationID)
	vm.Status.ReservationID = ""

	if err := o.Succeed(ctx, vm, "stop", ""); err != nil {
		return err
	}
	if h, err := o.Handlers.Get(vm.Spec.Type); err == nil {
		h.FinalizeStop(ctx, vm)
	}
	o.log.Infow("VM stopped", "vm", vm.UID, "host", hostID, "force", force)
	return nil
}

// Reboot restarts a Running VM in place. The state does not change.
func (o *Orchestrator) Reboot(ctx context.Context, vmID string) error {
	vm, wi, err := o.Acquire(ctx, vmID, Request{
		Op:     "reboot",
		Target: v1alpha1.StateRunning,
		Check:  mustBe(v1alpha1.StateRunning),
	})
	if err != nil {
		return done("reboot", err)
	}
	defer o.Tracker.Done(ctx, wi)

	_, err = o.Send(ctx, vm, "reboot", vm.Status.HostID, agent.RebootCommand{VMName: vm.Name})
	if err != nil {
		return done("reboot", err)
	}
	o.log.Infow("VM rebooted", "vm", vm.UID, "host", vm.Status.HostID)
	return nil
}

func mustBe(states ...v1alpha1.State) func(*v1alpha1.VirtualMachine) error {
	return func(vm *v1alpha1.VirtualMachine) error {
		for _, s := range states {
			if vm.Status.State == s {
				return nil
			}
		}
		return fmt.Errorf("vm is %s, want one of %v", vm.Status.State, states)
	}
}

// Destroy marks a VM destroyed, stopping it first if it runs. With expunge
// the VM is also expunged. A VM in Error goes straight to expunging.
func (o *Orchestrator) Destroy(ctx context.Context, vmID string, expunge bool) error {
	vm, err := o.load(ctx, vmID, "destroy")
	if err != nil {
		return done("destroy", err)
	}
	if vm.Status.State == v1alpha1.StateRunning {
		if err := o.Stop(ctx, vmID, false); err != nil {
			return err
		}
	}

	vm, wi, err := o.Acquire(ctx, vmID, Request{
		Op:     "destroy",
		Event:  state.EventDestroyRequested,
		Target: v1alpha1.StateDestroyed,
		Settled: func(vm *v1alpha1.VirtualMachine) bool {
			return vm.Status.State == v1alpha1.StateDestroyed || vm.Status.State == v1alpha1.StateExpunging
		},
	})
	if err != nil && !errors.Is(err, ErrSettled) {
		return done("destroy", err)
	}
	if wi != nil {
		o.Tracker.Done(ctx, wi)
		o.log.Infow("VM destroyed", "vm", vm.UID, "state", vm.Status.State)
	}

	if expunge || vm.Status.State == v1alpha1.StateExpunging {
		return o.Expunge(ctx, vmID)
	}
	return nil
}

// Expunge removes every trace of a Stopped, Destroyed or Error VM: the
// definition and volumes on its last host, its addresses, and finally the
// record itself. A failed host cleanup leaves the VM Expunging so the call
// can be repeated.
func (o *Orchestrator) Expunge(ctx context.Context, vmID string) error {
	vm, wi, err := o.Acquire(ctx, vmID, Request{
		Op:     "expunge",
		Event:  state.EventExpungeOperation,
		Target: v1alpha1.StateExpunging,
	})
	if err != nil {
		if vmerr.IsNotFound(err) {
			return nil
		}
		return done("expunge", err)
	}
	defer o.Tracker.Done(ctx, wi)

	g, err := o.Guru(vm)
	if err != nil {
		return done("expunge", o.Fail(ctx, vm, "expunge", err))
	}
	hostID := vm.Status.LastHostID
	if hostID != "" {
		if _, err := o.Send(ctx, vm, "expunge", hostID, g.Expunge(vm)...); err != nil {
			return done("expunge", o.Fail(ctx, vm, "expunge", err))
		}
	}

	if err := o.Tracker.Advance(ctx, wi, v1alpha1.StepRelease); err != nil {
		o.log.Warnw("Failed to advance work item", "vm", vm.UID, "error", err)
	}
	if err := o.Storage.Cleanup(ctx, vm); err != nil {
		return done("expunge", o.Fail(ctx, vm, "expunge", vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "expunge", err)))
	}
	if err := o.Network.Deallocate(ctx, vm); err != nil {
		o.log.Warnw("Failed to return addresses", "vm", vm.UID, "error", err)
	}
	o.ReleaseHost(ctx, vm, "", vm.Status.ReservationID)

	vm.Status.ReservationID = ""
	vm.Status.Removed = v1alpha1.Now()
	if err := o.VMs.Update(ctx, vm); err != nil {
		return done("expunge", vmerr.Wrap(vmerr.KindFatal, vm.UID, "expunge", err))
	}
	o.log.Infow("VM expunged", "vm", vm.UID, "name", vm.Name, "lastHost", hostID)
	return nil
}

// Recover restores a Destroyed VM to Stopped.
func (o *Orchestrator) Recover(ctx context.Context, vmID string) error {
	_, wi, err := o.Acquire(ctx, vmID, Request{
		Op:     "recover",
		Event:  state.EventRecoveryRequested,
		Target: v1alpha1.StateStopped,
		Settled: func(vm *v1alpha1.VirtualMachine) bool {
			return vm.Status.State == v1alpha1.StateStopped
		},
	})
	if err != nil {
		return done("recover", err)
	}
	o.Tracker.Done(ctx, wi)
	o.log.Infow("VM recovered", "vm", vmID)
	return nil
}
