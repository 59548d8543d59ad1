package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/deploy"
	"github.com/jbweber/foreman/internal/guru"
	"github.com/jbweber/foreman/internal/state"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/vmerr"
)

// Allocate creates the record for vm in Created and reserves its volumes and
// addresses. Reservations are rolled back if the record cannot be created.
func (o *Orchestrator) Allocate(ctx context.Context, vm *v1alpha1.VirtualMachine) error {
	if vm.Name == "" {
		return vmerr.New(vmerr.KindInvalidParameter, vm.UID, "allocate", "name is required")
	}
	if _, err := o.Handlers.Get(vm.Spec.Type); err != nil {
		return vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "allocate", err)
	}
	if _, err := o.Guru(vm); err != nil {
		return err
	}

	off, err := o.Catalog.Offering(ctx, vm.Spec.OfferingID)
	if err != nil {
		return vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "allocate", fmt.Errorf("offering %s: %w", vm.Spec.OfferingID, err))
	}
	if _, err := o.Catalog.Template(ctx, vm.Spec.TemplateID); err != nil {
		return vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "allocate", fmt.Errorf("template %s: %w", vm.Spec.TemplateID, err))
	}
	if vm.Spec.VCPUs == 0 {
		vm.Spec.VCPUs = off.VCPUs
	}
	if vm.Spec.MemoryMiB == 0 {
		vm.Spec.MemoryMiB = off.MemoryMiB
	}
	if vm.Spec.VCPUs <= 0 || vm.Spec.MemoryMiB <= 0 {
		return vmerr.New(vmerr.KindInvalidParameter, vm.UID, "allocate", "vcpus and memory must be > 0")
	}

	if err := o.Storage.Allocate(ctx, vm); err != nil {
		return vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "allocate", err)
	}
	if err := o.Network.Allocate(ctx, vm); err != nil {
		return vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "allocate", err)
	}

	vm.Status.State = v1alpha1.StateCreated
	if err := o.VMs.Create(ctx, vm); err != nil {
		if derr := o.Network.Deallocate(context.WithoutCancel(ctx), vm); derr != nil {
			o.log.Warnw("Failed to roll back addresses", "vm", vm.UID, "error", derr)
		}
		if errors.Is(err, store.ErrConflict) {
			return vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "allocate", err)
		}
		return vmerr.Wrap(vmerr.KindFatal, vm.UID, "allocate", err)
	}

	o.log.Infow("VM allocated", "vm", vm.UID, "name", vm.Name, "type", vm.Spec.Type,
		"volumes", len(vm.Spec.Volumes), "nics", len(vm.Spec.Nics))
	return nil
}

// Start boots a Created or Stopped VM. hostID pins the destination; empty
// lets the planner choose. Starting a VM that is already Running (on hostID,
// when given) succeeds without doing anything.
func (o *Orchestrator) Start(ctx context.Context, vmID, hostID string) error {
	vm, wi, err := o.Acquire(ctx, vmID, Request{
		Op:     "start",
		Event:  state.EventStartRequested,
		Target: v1alpha1.StateRunning,
		Settled: func(vm *v1alpha1.VirtualMachine) bool {
			return vm.Status.State == v1alpha1.StateRunning && (hostID == "" || vm.Status.HostID == hostID)
		},
	})
	if err != nil {
		return done("start", err)
	}
	defer o.Tracker.Done(ctx, wi)

	return done("start", o.start(ctx, vm, wi, hostID))
}

func (o *Orchestrator) start(ctx context.Context, vm *v1alpha1.VirtualMachine, wi *v1alpha1.WorkItem, hostID string) error {
	profile, err := o.Profile(ctx, vm)
	if err != nil {
		return o.Fail(ctx, vm, "start", err)
	}
	g, err := o.Guru(vm)
	if err != nil {
		return o.Fail(ctx, vm, "start", err)
	}

	constraints := deploy.Constraints{ZoneID: vm.Spec.ZoneID, HostID: hostID}
	avoid := deploy.NewExcludeList()
	var lastErr error

	for attempt := 1; attempt <= o.cfg.StartRetries; attempt++ {
		dest, err := o.Planner.Plan(ctx, profile, constraints, avoid)
		if err != nil {
			switch {
			case !errors.Is(err, deploy.ErrNoDestination):
				lastErr = vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "start", err)
			case lastErr == nil:
				lastErr = vmerr.Wrap(vmerr.KindInsufficientCapacity, vm.UID, "start", err)
			}
			break
		}

		if err := o.Machine.Transition(ctx, vm, state.EventOperationRetry, dest.HostID); err != nil {
			o.ReleaseHost(ctx, vm, "", dest.ReservationID)
			lastErr = err
			break
		}
		if err := o.Tracker.Advance(ctx, wi, v1alpha1.StepStarting); err != nil {
			o.ReleaseHost(ctx, vm, dest.HostID, dest.ReservationID)
			lastErr = err
			break
		}

		o.log.Infow("Starting vm", "vm", vm.UID, "attempt", attempt, "destination", dest.String())
		vols, nics, issued, err := o.deploy(ctx, vm, profile, g, dest)
		if err == nil {
			return o.commitStart(ctx, vm, wi, dest, vols, nics)
		}

		if issued {
			o.compensatingStop(ctx, vm, g, dest.HostID)
		}
		o.ReleaseHost(ctx, vm, dest.HostID, dest.ReservationID)
		lastErr = err

		if vmerr.IsActiveTimeout(err) {
			// The start may still complete on the host; the compensating
			// stop above is all that can be done without a second guess.
			break
		}
		switch vmerr.KindOf(err) {
		case vmerr.KindResourceUnavailable, vmerr.KindAgentUnavailable, vmerr.KindAgentTimeout:
			avoid.AddHost(dest.HostID)
			o.log.Warnw("Start attempt failed, avoiding host", "vm", vm.UID, "host", dest.HostID, "attempt", attempt, "error", err)
			continue
		}
		break
	}

	if lastErr == nil {
		lastErr = vmerr.New(vmerr.KindInsufficientCapacity, vm.UID, "start", "no destination after %d attempts", o.cfg.StartRetries)
	}
	return o.Fail(ctx, vm, "start", lastErr)
}

// deploy prepares resources on dest and sends the start command. issued
// reports whether the command may have run on the host.
func (o *Orchestrator) deploy(ctx context.Context, vm *v1alpha1.VirtualMachine, profile *deploy.Profile, g guru.Guru,
	dest *deploy.Destination) (vols []v1alpha1.Volume, nics []v1alpha1.Nic, issued bool, err error) {
	vols, err = o.Storage.Prepare(ctx, vm, dest)
	if err != nil {
		return nil, nil, false, vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "start", err)
	}
	nics, err = o.Network.Prepare(ctx, vm, dest)
	if err != nil {
		return nil, nil, false, vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "start", err)
	}
	profile.Volumes = vols
	profile.Nics = nics

	cmd, err := g.Implement(profile)
	if err != nil {
		return nil, nil, false, vmerr.Wrap(vmerr.KindFatal, vm.UID, "start", err)
	}

	answers, err := o.Send(ctx, vm, "start", dest.HostID, cmd)
	if err != nil {
		switch vmerr.KindOf(err) {
		case vmerr.KindAgentUnavailable:
			return nil, nil, false, err
		case vmerr.KindAgentTimeout:
			return nil, nil, vmerr.IsActiveTimeout(err), err
		default:
			return nil, nil, true, err
		}
	}

	chain := answers[0].ChainInfo
	for i := range vols {
		if info, ok := chain[vols[i].ID]; ok {
			vols[i].ChainInfo = info
		}
	}
	return vols, nics, false, nil
}

func (o *Orchestrator) commitStart(ctx context.Context, vm *v1alpha1.VirtualMachine, wi *v1alpha1.WorkItem,
	dest *deploy.Destination, vols []v1alpha1.Volume, nics []v1alpha1.Nic) error {
	if err := o.Tracker.Advance(ctx, wi, v1alpha1.StepStarted); err != nil {
		o.log.Warnw("Failed to advance work item", "vm", vm.UID, "error", err)
	}

	previous := vm.Status.ReservationID
	vm.Spec.Volumes = vols
	vm.Spec.Nics = nics
	vm.Status.PodID = dest.PodID
	vm.Status.ClusterID = dest.ClusterID
	vm.Status.ReservationID = dest.ReservationID

	if err := o.Succeed(ctx, vm, "start", dest.HostID); err != nil {
		if !o.settledRunning(ctx, vm, dest.HostID) {
			return err
		}
	}
	if previous != "" && previous != dest.ReservationID {
		o.ReleaseHost(ctx, vm, "", previous)
	}

	if h, err := o.Handlers.Get(vm.Spec.Type); err == nil {
		if err := h.FinalizeStart(ctx, vm); err != nil {
			o.log.Warnw("VM type handler failed after start", "vm", vm.UID, "error", err)
		}
	}
	o.log.Infow("VM started", "vm", vm.UID, "host", dest.HostID)
	return nil
}

// settledRunning reports whether a rejected success transition lost only to
// a power report that already moved the VM to Running on hostID.
func (o *Orchestrator) settledRunning(ctx context.Context, vm *v1alpha1.VirtualMachine, hostID string) bool {
	current, err := o.VMs.Get(ctx, vm.UID)
	if err != nil {
		return false
	}
	if current.Status.State == v1alpha1.StateRunning && current.Status.HostID == hostID {
		*vm = *current
		return true
	}
	return false
}

// compensatingStop makes a best-effort forced stop of vm on hostID after a
// failed start or migration.
func (o *Orchestrator) compensatingStop(ctx context.Context, vm *v1alpha1.VirtualMachine, g guru.Guru, hostID string) {
	ctx = context.WithoutCancel(ctx)
	cmd := g.Stop(vm, true)
	if _, err := o.Send(ctx, vm, "compensate", hostID, cmd); err != nil {
		o.log.Warnw("Compensating stop failed", "vm", vm.UID, "host", hostID, "error", err)
		return
	}
	o.log.Infow("Compensating stop sent", "vm", vm.UID, "host", hostID)
}

// CompensatingStop is compensatingStop for callers outside the package.
func (o *Orchestrator) CompensatingStop(ctx context.Context, vm *v1alpha1.VirtualMachine, hostID string) {
	g, err := o.Guru(vm)
	if err != nil {
		o.log.Warnw("Compensating stop skipped", "vm", vm.UID, "error", err)
		return
	}
	o.compensatingStop(ctx, vm, g, hostID)
}
