package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
	"github.com/jbweber/foreman/internal/deploy"
	"github.com/jbweber/foreman/internal/guru"
	"github.com/jbweber/foreman/internal/vmerr"
)

// Scale changes the CPU and memory of a Running or Stopped VM. A running
// VM is resized on its host first.
func (o *Orchestrator) Scale(ctx context.Context, vmID string, vcpus, memoryMiB int) error {
	if vcpus <= 0 || memoryMiB <= 0 {
		return done("scale", vmerr.New(vmerr.KindInvalidParameter, vmID, "scale", "vcpus and memory must be > 0"))
	}
	vm, wi, err := o.Acquire(ctx, vmID, Request{
		Op:     "scale",
		Target: v1alpha1.StateRunning,
		Check:  mustBe(v1alpha1.StateRunning, v1alpha1.StateStopped, v1alpha1.StateCreated),
		Settled: func(vm *v1alpha1.VirtualMachine) bool {
			return vm.Spec.VCPUs == vcpus && vm.Spec.MemoryMiB == memoryMiB
		},
	})
	if err != nil {
		return done("scale", err)
	}
	defer o.Tracker.Done(ctx, wi)

	if vm.Status.State == v1alpha1.StateRunning {
		profile, err := o.Profile(ctx, vm)
		if err != nil {
			return done("scale", err)
		}
		if err := o.resize(ctx, vm, vcpus, memoryMiB); err != nil {
			return done("scale", err)
		}
		cmd := agent.ScaleCommand{VMName: vm.Name, VCPUs: vcpus, MemoryMiB: memoryMiB}
		if _, err := o.Send(ctx, vm, "scale", vm.Status.HostID, cmd); err != nil {
			if rerr := o.Planner.Resize(context.WithoutCancel(ctx), vm.Status.ReservationID, profile.VCPUs(), profile.MemoryMiB()); rerr != nil {
				o.log.Warnw("Failed to restore reservation after scale failure", "vm", vm.UID, "error", rerr)
			}
			return done("scale", err)
		}
	}

	vm.Spec.VCPUs = vcpus
	vm.Spec.MemoryMiB = memoryMiB
	if err := o.VMs.Update(ctx, vm); err != nil {
		return done("scale", vmerr.Wrap(vmerr.KindFatal, vm.UID, "scale", err))
	}
	o.log.Infow("VM scaled", "vm", vm.UID, "vcpus", vcpus, "memoryMiB", memoryMiB)
	return nil
}

// resize moves the host reservation of a running VM to the new size.
func (o *Orchestrator) resize(ctx context.Context, vm *v1alpha1.VirtualMachine, vcpus, memoryMiB int) error {
	err := o.Planner.Resize(ctx, vm.Status.ReservationID, vcpus, memoryMiB)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, deploy.ErrNoDestination):
		return vmerr.Wrap(vmerr.KindInsufficientCapacity, vm.UID, "scale", err)
	default:
		return vmerr.Wrap(vmerr.KindFatal, vm.UID, "scale", err)
	}
}

// AddNic attaches a new NIC on networkID. A running VM gets it hot-plugged.
func (o *Orchestrator) AddNic(ctx context.Context, vmID, networkID string) (*v1alpha1.Nic, error) {
	vm, wi, err := o.Acquire(ctx, vmID, Request{
		Op:     "addnic",
		Target: v1alpha1.StateRunning,
		Check:  mustBe(v1alpha1.StateRunning, v1alpha1.StateStopped, v1alpha1.StateCreated),
	})
	if err != nil {
		return nil, done("addnic", err)
	}
	defer o.Tracker.Done(ctx, wi)

	nic, err := o.Network.CreateNic(ctx, vm, networkID)
	if err != nil {
		return nil, done("addnic", vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "addnic", err))
	}
	nic.DeviceID = vm.NextNicDeviceID()
	nic.Default = len(vm.Spec.Nics) == 0
	vm.Spec.Nics = append(vm.Spec.Nics, nic)

	if vm.Status.State == v1alpha1.StateRunning {
		if err := o.plugNic(ctx, vm, &nic); err != nil {
			vm.Spec.Nics = vm.Spec.Nics[:len(vm.Spec.Nics)-1]
			if rerr := o.Network.RemoveNic(context.WithoutCancel(ctx), vm, nic); rerr != nil {
				o.log.Warnw("Failed to return nic address", "vm", vm.UID, "nic", nic.ID, "error", rerr)
			}
			return nil, done("addnic", err)
		}
	}

	if err := o.VMs.Update(ctx, vm); err != nil {
		return nil, done("addnic", vmerr.Wrap(vmerr.KindFatal, vm.UID, "addnic", err))
	}
	o.log.Infow("NIC added", "vm", vm.UID, "nic", nic.ID, "network", networkID, "ip", nic.IP)
	return &nic, nil
}

func (o *Orchestrator) plugNic(ctx context.Context, vm *v1alpha1.VirtualMachine, nic *v1alpha1.Nic) error {
	dest, err := o.hostDestination(ctx, vm, vm.Status.HostID)
	if err != nil {
		return err
	}
	nics, err := o.Network.Prepare(ctx, vm, dest)
	if err != nil {
		return vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "addnic", err)
	}
	for _, n := range nics {
		if n.ID == nic.ID {
			*nic = n
			vm.Spec.Nics[len(vm.Spec.Nics)-1] = n
		}
	}

	to, err := guru.NicTO(*nic)
	if err != nil {
		return vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "addnic", err)
	}
	_, err = o.Send(ctx, vm, "addnic", vm.Status.HostID, agent.PlugNicCommand{VMName: vm.Name, Nic: to})
	return err
}

// RemoveNic detaches a NIC. It reports false when the VM has no such NIC.
// The default NIC can only be removed when it is the last one.
func (o *Orchestrator) RemoveNic(ctx context.Context, vmID, nicID string) (bool, error) {
	vm, wi, err := o.Acquire(ctx, vmID, Request{
		Op:     "removenic",
		Target: v1alpha1.StateRunning,
		Check:  mustBe(v1alpha1.StateRunning, v1alpha1.StateStopped, v1alpha1.StateCreated),
	})
	if err != nil {
		return false, done("removenic", err)
	}
	defer o.Tracker.Done(ctx, wi)

	idx := -1
	for i, n := range vm.Spec.Nics {
		if n.ID == nicID {
			idx = i
		}
	}
	if idx < 0 {
		return false, nil
	}
	nic := vm.Spec.Nics[idx]
	if nic.Default && len(vm.Spec.Nics) > 1 {
		return false, done("removenic", vmerr.New(vmerr.KindInvalidParameter, vm.UID, "removenic",
			"nic %s is the default nic", nicID))
	}

	if vm.Status.State == v1alpha1.StateRunning {
		to, err := guru.NicTO(nic)
		if err != nil {
			return false, done("removenic", vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "removenic", err))
		}
		if _, err := o.Send(ctx, vm, "removenic", vm.Status.HostID, agent.UnplugNicCommand{VMName: vm.Name, Nic: to}); err != nil {
			return false, done("removenic", err)
		}
	}

	if err := o.Network.RemoveNic(ctx, vm, nic); err != nil {
		o.log.Warnw("Failed to return nic address", "vm", vm.UID, "nic", nic.ID, "error", err)
	}
	vm.Spec.Nics = append(vm.Spec.Nics[:idx], vm.Spec.Nics[idx+1:]...)
	if err := o.VMs.Update(ctx, vm); err != nil {
		return false, done("removenic", vmerr.Wrap(vmerr.KindFatal, vm.UID, "removenic", fmt.Errorf("nic unplugged but record not updated: %w", err)))
	}
	o.log.Infow("NIC removed", "vm", vm.UID, "nic", nic.ID)
	return true, nil
}
