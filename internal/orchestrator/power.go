package orchestrator

import (
	"context"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
	"github.com/jbweber/foreman/internal/state"
	"github.com/jbweber/foreman/internal/vmerr"
	"github.com/jbweber/foreman/internal/workitem"
)

var _ workitem.StalledHandler = (*Orchestrator)(nil)

// SyncPowerState makes the persisted state follow a power report from
// hostID. PowerOn moves the VM to Running on hostID. PowerOff and
// PowerReportMissing stop the VM: a best-effort forced stop is sent to the
// host, its resources are released and the VM moves to Stopped.
//
// It reports whether the state changed. A report that matches the
// persisted state is a no-op. SyncPowerState never waits for another
// operation; it fails with ConcurrentOperation instead.
func (o *Orchestrator) SyncPowerState(ctx context.Context, vmID string, ps v1alpha1.PowerState, hostID string) (bool, error) {
	vm, wi, err := o.Acquire(ctx, vmID, Request{
		Op:     "powersync",
		Target: targetFor(ps),
		NoWait: true,
		Settled: func(vm *v1alpha1.VirtualMachine) bool {
			return powerMatches(vm, ps, hostID)
		},
	})
	if err != nil {
		return false, done("powersync", err)
	}
	defer o.Tracker.Done(ctx, wi)

	persisted := vm.Status.State
	switch ps {
	case v1alpha1.PowerOn:
		err = o.followOn(ctx, vm, hostID)
	case v1alpha1.PowerOff, v1alpha1.PowerReportMissing:
		err = o.followOff(ctx, vm, true)
	default:
		return false, nil
	}
	if err != nil {
		return false, done("powersync", err)
	}
	o.log.Infow("VM state follows power report", "vm", vm.UID, "power", ps, "host", hostID,
		"from", persisted, "to", vm.Status.State)
	if o.Events != nil {
		o.Events.PowerChanged(ctx, vm.UID)
	}
	return true, nil
}

func targetFor(ps v1alpha1.PowerState) v1alpha1.State {
	if ps == v1alpha1.PowerOn {
		return v1alpha1.StateRunning
	}
	return v1alpha1.StateStopped
}

// powerMatches reports whether the persisted state already agrees with ps.
func powerMatches(vm *v1alpha1.VirtualMachine, ps v1alpha1.PowerState, hostID string) bool {
	switch ps {
	case v1alpha1.PowerOn:
		return vm.Status.State == v1alpha1.StateRunning && vm.Status.HostID == hostID
	case v1alpha1.PowerOff, v1alpha1.PowerReportMissing:
		return !vm.Status.State.IsHostBound()
	}
	return true
}

func (o *Orchestrator) followOn(ctx context.Context, vm *v1alpha1.VirtualMachine, hostID string) error {
	state.MarkPowerDrift(vm, v1alpha1.PowerOn, vm.Status.State, hostID)
	if err := o.VMs.Update(ctx, vm); err != nil {
		o.log.Warnw("Failed to record power drift", "vm", vm.UID, "error", err)
	}
	return o.Machine.Transition(ctx, vm, state.EventFollowAgentPowerOnReport, hostID)
}

// followOff releases what vm holds on its host and moves it to Stopped.
func (o *Orchestrator) followOff(ctx context.Context, vm *v1alpha1.VirtualMachine, stop bool) error {
	hostID := vm.Status.HostID
	if stop && hostID != "" {
		o.CompensatingStop(ctx, vm, hostID)
	}
	o.ReleaseHost(ctx, vm, hostID, vm.Status.ReservationID)
	vm.Status.ReservationID = ""
	state.MarkPowerDrift(vm, v1alpha1.PowerOff, vm.Status.State, hostID)
	if err := o.VMs.Update(ctx, vm); err != nil {
		o.log.Warnw("Failed to record power drift", "vm", vm.UID, "error", err)
	}
	return o.Machine.Transition(ctx, vm, state.EventFollowAgentPowerOffReport, "")
}

// HandleStalled settles a VM left in a transitional state by an operation
// that stopped making progress. The VM's host is asked for its power state
// and the VM follows the answer. When the host cannot tell, the operation
// is treated as failed. Expunging VMs are left for a repeated expunge.
func (o *Orchestrator) HandleStalled(ctx context.Context, wi *v1alpha1.WorkItem, vm *v1alpha1.VirtualMachine) error {
	defer o.Tracker.Done(ctx, wi)

	current, err := o.load(ctx, vm.UID, "stalled")
	if err != nil {
		if vmerr.IsNotFound(err) {
			return nil
		}
		return err
	}
	vm = current
	if !vm.Status.State.IsTransitional() {
		return nil
	}
	if vm.Status.State == v1alpha1.StateExpunging {
		return vmerr.New(vmerr.KindResourceUnavailable, vm.UID, "stalled", "expunge did not finish, expunge again")
	}

	hostID := vm.Status.HostID
	if hostID != "" {
		answers, err := o.Send(ctx, vm, "stalled", hostID, agent.CheckStateCommand{VMName: vm.Name})
		if err == nil {
			switch answers[0].PowerState {
			case v1alpha1.PowerOn:
				o.log.Infow("Stalled vm found running", "vm", vm.UID, "host", hostID, "state", vm.Status.State)
				return o.Machine.Transition(ctx, vm, state.EventFollowAgentPowerOnReport, hostID)
			case v1alpha1.PowerOff:
				o.log.Infow("Stalled vm found stopped", "vm", vm.UID, "host", hostID, "state", vm.Status.State)
				return o.followOff(ctx, vm, false)
			}
		}
		o.log.Warnw("Could not check stalled vm", "vm", vm.UID, "host", hostID, "error", err)
	}

	if vm.Status.State == v1alpha1.StateStarting {
		o.ReleaseHost(ctx, vm, hostID, vm.Status.ReservationID)
		vm.Status.ReservationID = ""
	}
	return o.Fail(ctx, vm, "stalled", vmerr.New(vmerr.KindAgentTimeout, vm.UID, "stalled",
		"operation stalled in %s at step %s", vm.Status.State, wi.Step))
}
