// Package orchestrator drives VM lifecycle operations.
//
// Every operation follows the same skeleton: take the VM by opening a work
// item and applying the request event, resolve inputs from the planner and
// resource managers, drive the hypervisor agent, then either commit with the
// success event or compensate and apply the failure event. The work item is
// closed on every path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
	"github.com/jbweber/foreman/internal/deploy"
	"github.com/jbweber/foreman/internal/guru"
	"github.com/jbweber/foreman/internal/jobqueue"
	"github.com/jbweber/foreman/internal/metrics"
	"github.com/jbweber/foreman/internal/resources"
	"github.com/jbweber/foreman/internal/state"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/vmerr"
	"github.com/jbweber/foreman/internal/workitem"
)

// ErrSettled is returned by Acquire when the VM is already where the
// operation would take it.
var ErrSettled = errors.New("vm already in requested state")

// Config tunes an Orchestrator.
type Config struct {
	// StartRetries is how many destinations a start tries.
	StartRetries int
	// LockRetries is how many times an operation waits for the work item
	// holding the VM before failing with ConcurrentOperation.
	LockRetries int
	// LockWait bounds each wait for the holding work item.
	LockWait time.Duration
}

func (c *Config) setDefaults() {
	if c.StartRetries <= 0 {
		c.StartRetries = 3
	}
	if c.LockRetries <= 0 {
		c.LockRetries = 3
	}
	if c.LockWait <= 0 {
		c.LockWait = 10 * time.Second
	}
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	VMs       store.VMStore
	Machine   *state.Machine
	Tracker   *workitem.Tracker
	Planner   deploy.Planner
	Catalog   deploy.Catalog
	Storage   resources.StorageManager
	Network   resources.NetworkManager
	Gurus     *guru.Registry
	Transport agent.Transport
	Handlers  *Handlers
	// Events hears about power-state changes. It may be nil.
	Events PowerEvents
}

// PowerEvents is told when a VM's persisted state follows a power report.
type PowerEvents interface {
	PowerChanged(ctx context.Context, vmID string)
}

// Orchestrator implements the single-host lifecycle operations.
type Orchestrator struct {
	Deps
	cfg Config
	log *zap.SugaredLogger
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	cfg.setDefaults()
	if deps.Handlers == nil {
		deps.Handlers = DefaultHandlers()
	}
	return &Orchestrator{Deps: deps, cfg: cfg, log: log}
}

// Request describes how an operation takes a VM.
type Request struct {
	Op string
	// Event is applied once the work item is open. Empty holds the VM
	// without a state change.
	Event state.Event
	// HostID is passed with Event.
	HostID string
	Target v1alpha1.State
	// Settled reports that the operation has nothing to do.
	Settled func(vm *v1alpha1.VirtualMachine) bool
	// Check validates the VM once it is held.
	Check func(vm *v1alpha1.VirtualMachine) error
	// NoWait fails at once when another operation holds the VM.
	NoWait bool
}

// Acquire opens a work item for vmID and applies req.Event.
//
// When another operation holds the VM, Acquire waits for its work item to
// close, up to LockRetries waits of LockWait each, and then fails with
// vmerr.KindConcurrentOperation. After a wait the VM is re-read, so a caller
// racing an identical operation sees ErrSettled once the winner finishes.
func (o *Orchestrator) Acquire(ctx context.Context, vmID string, req Request) (*v1alpha1.VirtualMachine, *v1alpha1.WorkItem, error) {
	for attempt := 0; ; attempt++ {
		vm, err := o.load(ctx, vmID, req.Op)
		if err != nil {
			return nil, nil, err
		}
		if req.Settled != nil && req.Settled(vm) {
			return vm, nil, ErrSettled
		}

		wi, holder, err := o.Tracker.Start(ctx, vm, req.Target, jobqueue.JobID(ctx))
		if err != nil {
			if !vmerr.IsConcurrentOperation(err) {
				return nil, nil, err
			}
			if req.NoWait || attempt >= o.cfg.LockRetries {
				return nil, nil, vmerr.Wrap(vmerr.KindConcurrentOperation, vmID, req.Op, err)
			}
			if holder != nil {
				o.log.Debugw("Waiting for operation holding vm", "vm", vmID, "op", req.Op, "holder", holder.ID, "holderTarget", holder.TargetState)
				if _, werr := o.Tracker.Wait(ctx, holder.ID, o.cfg.LockWait); werr != nil {
					return nil, nil, werr
				}
			}
			continue
		}

		// Re-read under the work item.
		vm, err = o.load(ctx, vmID, req.Op)
		if err != nil {
			o.Tracker.Done(ctx, wi)
			return nil, nil, err
		}
		if req.Settled != nil && req.Settled(vm) {
			o.Tracker.Done(ctx, wi)
			return vm, nil, ErrSettled
		}
		if req.Check != nil {
			if err := req.Check(vm); err != nil {
				o.Tracker.Done(ctx, wi)
				return nil, nil, vmerr.Wrap(vmerr.KindInvalidParameter, vmID, req.Op, err)
			}
		}
		if req.Event != "" {
			if err := o.Machine.Transition(ctx, vm, req.Event, req.HostID); err != nil {
				o.Tracker.Done(ctx, wi)
				return nil, nil, err
			}
		}
		return vm, wi, nil
	}
}

func (o *Orchestrator) load(ctx context.Context, vmID, op string) (*v1alpha1.VirtualMachine, error) {
	vm, err := o.VMs.Get(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, vmerr.New(vmerr.KindNotFound, vmID, op, "no such vm")
		}
		return nil, vmerr.Wrap(vmerr.KindFatal, vmID, op, err)
	}
	if vm.IsExpunged() {
		return nil, vmerr.New(vmerr.KindNotFound, vmID, op, "vm has been expunged")
	}
	return vm, nil
}

// Profile resolves the offering and template of vm and lets the VM type
// handler finish the profile.
func (o *Orchestrator) Profile(ctx context.Context, vm *v1alpha1.VirtualMachine) (*deploy.Profile, error) {
	off, err := o.Catalog.Offering(ctx, vm.Spec.OfferingID)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "profile", fmt.Errorf("offering %s: %w", vm.Spec.OfferingID, err))
	}
	tmpl, err := o.Catalog.Template(ctx, vm.Spec.TemplateID)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "profile", fmt.Errorf("template %s: %w", vm.Spec.TemplateID, err))
	}
	p := deploy.NewProfile(vm, off, tmpl)
	p.Volumes = vm.Spec.Volumes
	p.Nics = vm.Spec.Nics

	h, err := o.Handlers.Get(vm.Spec.Type)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "profile", err)
	}
	if err := h.FinalizeProfile(ctx, p); err != nil {
		return nil, vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "profile", err)
	}
	return p, nil
}

// Guru returns the guru for vm's hypervisor type.
func (o *Orchestrator) Guru(vm *v1alpha1.VirtualMachine) (guru.Guru, error) {
	g, err := o.Gurus.Get(vm.Spec.HypervisorType)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "guru", err)
	}
	return g, nil
}

// Send delivers cmds to hostID and turns a failed answer into a
// ResourceUnavailable error.
func (o *Orchestrator) Send(ctx context.Context, vm *v1alpha1.VirtualMachine, op, hostID string, cmds ...agent.Command) ([]agent.Answer, error) {
	answers, err := o.Transport.Send(ctx, hostID, cmds...)
	if err != nil {
		return answers, vmerr.Wrap(vmerr.KindAgentUnavailable, vm.UID, op, err)
	}
	if !agent.Succeeded(cmds, answers) {
		return answers, vmerr.New(vmerr.KindResourceUnavailable, vm.UID, op,
			"host %s: %s", hostID, agent.FirstFailure(answers))
	}
	return answers, nil
}

// ReleaseHost drops the resources vm holds on hostID and the planner
// reservation. Failures are logged.
func (o *Orchestrator) ReleaseHost(ctx context.Context, vm *v1alpha1.VirtualMachine, hostID, reservationID string) {
	ctx = context.WithoutCancel(ctx)
	if hostID != "" {
		if err := o.Storage.Release(ctx, vm.UID, hostID); err != nil {
			o.log.Warnw("Failed to release storage", "vm", vm.UID, "host", hostID, "error", err)
		}
		if err := o.Network.Release(ctx, vm.UID, hostID); err != nil {
			o.log.Warnw("Failed to release network", "vm", vm.UID, "host", hostID, "error", err)
		}
	}
	if reservationID != "" {
		if err := o.Planner.Release(ctx, reservationID); err != nil {
			o.log.Warnw("Failed to release reservation", "vm", vm.UID, "reservation", reservationID, "error", err)
		}
	}
}

// Fail records err on vm and applies OperationFailed. The transition error,
// if any, is logged: err is what the caller reports.
func (o *Orchestrator) Fail(ctx context.Context, vm *v1alpha1.VirtualMachine, op string, err error) error {
	ctx = context.WithoutCancel(ctx)
	state.MarkOperationFailed(vm, op, err)
	if uerr := o.VMs.Update(ctx, vm); uerr != nil {
		o.log.Warnw("Failed to record operation failure", "vm", vm.UID, "op", op, "error", uerr)
	}
	if terr := o.Machine.Transition(ctx, vm, state.EventOperationFailed, ""); terr != nil {
		o.log.Errorw("Failed to apply failure transition", "vm", vm.UID, "op", op, "state", vm.Status.State, "error", terr)
	}
	o.log.Warnw("Operation failed", "vm", vm.UID, "op", op, "state", vm.Status.State, "error", err)
	return err
}

// Succeed persists vm's spec changes and applies OperationSucceeded.
func (o *Orchestrator) Succeed(ctx context.Context, vm *v1alpha1.VirtualMachine, op, hostID string) error {
	state.ClearOperationFailed(vm)
	if err := o.VMs.Update(ctx, vm); err != nil {
		return vmerr.Wrap(vmerr.KindFatal, vm.UID, op, fmt.Errorf("failed to persist vm: %w", err))
	}
	return o.Machine.Transition(ctx, vm, state.EventOperationSucceeded, hostID)
}

// hostDestination describes the host a VM runs on.
func (o *Orchestrator) hostDestination(ctx context.Context, vm *v1alpha1.VirtualMachine, hostID string) (*deploy.Destination, error) {
	h, err := o.Planner.Host(ctx, hostID)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "host", err)
	}
	dest := deploy.DestinationFor(h)
	for _, vol := range vm.Spec.Volumes {
		dest.Pools[vol.ID] = vol.PoolID
	}
	return dest, nil
}

// done counts a failed operation. ErrSettled is success.
func done(op string, err error) error {
	if err == nil || errors.Is(err, ErrSettled) {
		return nil
	}
	metrics.RecordOperationError(op, string(vmerr.KindOf(err)))
	return err
}
