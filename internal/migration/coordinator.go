// Package migration moves VMs between hosts and their volumes between
// storage pools.
//
// A compute migration holds resources on the source and the destination at
// the same time. The destination side is released on every failure path;
// the source side only once the VM has been verified on the destination.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
	"github.com/jbweber/foreman/internal/deploy"
	"github.com/jbweber/foreman/internal/ha"
	"github.com/jbweber/foreman/internal/metrics"
	"github.com/jbweber/foreman/internal/orchestrator"
	"github.com/jbweber/foreman/internal/state"
	"github.com/jbweber/foreman/internal/vmerr"
)

// Coordinator runs compute and storage migrations on top of an
// Orchestrator's collaborators.
type Coordinator struct {
	// HA is told about migrations whose outcome could not be determined.
	// It may be nil.
	HA ha.Manager

	o   *orchestrator.Orchestrator
	log *zap.SugaredLogger
}

// New creates a Coordinator.
func New(o *orchestrator.Orchestrator, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{o: o, log: log}
}

// Migrate moves a Running VM to destHostID. live keeps the guest running
// during the copy. pools maps volume ids to the pools they should live in on
// the destination; every named pool must be reachable from destHostID.
// Volumes not named keep their pool when the destination reaches it and are
// placed by the planner otherwise.
func (c *Coordinator) Migrate(ctx context.Context, vmID, destHostID string, live bool, pools map[string]string) error {
	if destHostID == "" {
		return done("migrate", vmerr.New(vmerr.KindInvalidParameter, vmID, "migrate", "destination host is required"))
	}
	return done("migrate", c.migrate(ctx, vmID, "migrate", deploy.Constraints{HostID: destHostID, Pools: pools}, "", live))
}

// MigrateAway moves a VM running on srcHostID to any other host the planner
// chooses. A VM that no longer runs on srcHostID is left alone.
func (c *Coordinator) MigrateAway(ctx context.Context, vmID, srcHostID string) error {
	return done("migrateaway", c.migrate(ctx, vmID, "migrateaway", deploy.Constraints{}, srcHostID, true))
}

func (c *Coordinator) migrate(ctx context.Context, vmID, op string, constraints deploy.Constraints, awayFrom string, live bool) error {
	vm, wi, err := c.o.Acquire(ctx, vmID, orchestrator.Request{
		Op:     op,
		Event:  state.EventMigrationRequested,
		Target: v1alpha1.StateRunning,
		Settled: func(vm *v1alpha1.VirtualMachine) bool {
			if awayFrom != "" {
				return vm.Status.State != v1alpha1.StateRunning || vm.Status.HostID != awayFrom
			}
			return vm.Status.State == v1alpha1.StateRunning && vm.Status.HostID == constraints.HostID
		},
		Check: func(vm *v1alpha1.VirtualMachine) error {
			if vm.Status.State != v1alpha1.StateRunning {
				return fmt.Errorf("vm is %s, want Running", vm.Status.State)
			}
			if vm.Status.HostID == "" {
				return errors.New("vm has no host")
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	defer c.o.Tracker.Done(ctx, wi)

	source := vm.Status.HostID
	constraints.ZoneID = vm.Spec.ZoneID
	avoid := deploy.NewExcludeList()
	avoid.AddHost(source)

	profile, err := c.o.Profile(ctx, vm)
	if err != nil {
		return c.o.Fail(ctx, vm, op, err)
	}
	if err := c.checkPools(ctx, vm, op, constraints); err != nil {
		return c.o.Fail(ctx, vm, op, err)
	}
	g, err := c.o.Guru(vm)
	if err != nil {
		return c.o.Fail(ctx, vm, op, err)
	}

	dest, err := c.o.Planner.Plan(ctx, profile, constraints, avoid)
	if err != nil {
		if errors.Is(err, deploy.ErrNoDestination) {
			return c.o.Fail(ctx, vm, op, vmerr.Wrap(vmerr.KindInsufficientCapacity, vm.UID, op, err))
		}
		return c.o.Fail(ctx, vm, op, vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, op, err))
	}
	moves, err := c.volumeMoves(ctx, vm, dest)
	if err != nil {
		c.o.ReleaseHost(ctx, vm, "", dest.ReservationID)
		return c.o.Fail(ctx, vm, op, err)
	}

	if err := c.o.Tracker.Advance(ctx, wi, v1alpha1.StepMigrating); err != nil {
		c.log.Warnw("Failed to advance work item", "vm", vm.UID, "error", err)
	}
	c.log.Infow("Migrating vm", "vm", vm.UID, "source", source, "destination", dest.String(), "live", live, "volumeMoves", len(moves))

	vols, nics, err := c.prepareDestination(ctx, vm, profile, dest)
	if err != nil {
		c.o.ReleaseHost(ctx, vm, dest.HostID, dest.ReservationID)
		return c.o.Fail(ctx, vm, op, err)
	}

	answers, err := c.o.Send(ctx, vm, op, source, g.Migrate(vm, dest, live, moves))
	if err != nil {
		if vmerr.IsActiveTimeout(err) {
			return c.settleTimedOut(ctx, vm, wi, op, source, dest, vols, nics, err)
		}
		c.abortDestination(ctx, vm, dest)
		return c.o.Fail(ctx, vm, op, err)
	}

	if err := c.verify(ctx, vm, dest.HostID); err != nil {
		c.abortDestination(ctx, vm, dest)
		return c.settleUnverified(ctx, vm, op, source, err)
	}

	if chain := answers[0].ChainInfo; chain != nil {
		for i := range vols {
			if info, ok := chain[vols[i].ID]; ok {
				vols[i].ChainInfo = info
			}
		}
	}
	return c.commit(ctx, vm, wi, op, source, dest, vols, nics)
}

// checkPools validates the pools a caller pinned volumes to: the volume must
// belong to vm and the pool must be reachable from the destination host.
func (c *Coordinator) checkPools(ctx context.Context, vm *v1alpha1.VirtualMachine, op string, constraints deploy.Constraints) error {
	if len(constraints.Pools) == 0 {
		return nil
	}
	host, err := c.o.Planner.Host(ctx, constraints.HostID)
	if err != nil {
		return vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, op, err)
	}
	dest := deploy.DestinationFor(host)

	volIDs := make([]string, 0, len(constraints.Pools))
	for id := range constraints.Pools {
		volIDs = append(volIDs, id)
	}
	sort.Strings(volIDs)
	for _, id := range volIDs {
		poolID := constraints.Pools[id]
		if vm.FindVolume(id) == nil {
			return vmerr.New(vmerr.KindInvalidParameter, vm.UID, op, "vm has no volume %s", id)
		}
		pool, err := c.o.Storage.Pool(ctx, poolID)
		if err != nil {
			return vmerr.New(vmerr.KindInvalidParameter, vm.UID, op, "volume %s: %v", id, err)
		}
		if !pool.Reachable(dest) {
			return vmerr.New(vmerr.KindInvalidParameter, vm.UID, op,
				"volume %s: pool %s is not reachable from host %s", id, pool.ID, host.ID)
		}
	}
	return nil
}

// volumeMoves returns the volumes whose pool changes at dest. Volumes on
// managed storage may only stay in their pool.
func (c *Coordinator) volumeMoves(ctx context.Context, vm *v1alpha1.VirtualMachine, dest *deploy.Destination) (map[string]string, error) {
	var moves map[string]string
	for _, vol := range vm.Spec.Volumes {
		target, ok := dest.Pools[vol.ID]
		if !ok || target == vol.PoolID {
			continue
		}
		if vol.PoolID != "" {
			src, err := c.o.Storage.Pool(ctx, vol.PoolID)
			if err != nil {
				return nil, vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "migrate", err)
			}
			if src.Managed {
				return nil, vmerr.New(vmerr.KindInvalidParameter, vm.UID, "migrate",
					"volume %s is on managed pool %s and cannot move to %s", vol.Name, src.ID, target)
			}
		}
		if moves == nil {
			moves = make(map[string]string)
		}
		moves[vol.ID] = target
	}
	return moves, nil
}

// prepareDestination reserves storage and NICs at dest and readies the
// destination host.
func (c *Coordinator) prepareDestination(ctx context.Context, vm *v1alpha1.VirtualMachine, profile *deploy.Profile,
	dest *deploy.Destination) ([]v1alpha1.Volume, []v1alpha1.Nic, error) {
	vols, err := c.o.Storage.Prepare(ctx, vm, dest)
	if err != nil {
		return nil, nil, vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "migrate", err)
	}
	nics, err := c.o.Network.Prepare(ctx, vm, dest)
	if err != nil {
		return nil, nil, vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "migrate", err)
	}
	profile.Volumes = vols
	profile.Nics = nics

	g, err := c.o.Guru(vm)
	if err != nil {
		return nil, nil, err
	}
	cmd, err := g.PrepareForMigration(profile)
	if err != nil {
		return nil, nil, vmerr.Wrap(vmerr.KindFatal, vm.UID, "migrate", err)
	}
	if _, err := c.o.Send(ctx, vm, "migrate", dest.HostID, cmd); err != nil {
		if vmerr.KindOf(err) == vmerr.KindAgentTimeout {
			// Nothing has moved yet; a destination that does not answer is
			// treated as unavailable.
			return nil, nil, &vmerr.Error{Kind: vmerr.KindAgentUnavailable, VMID: vm.UID, Op: "migrate",
				Err: fmt.Errorf("destination %s did not prepare: %w", dest.HostID, err)}
		}
		return nil, nil, err
	}
	return vols, nics, nil
}

// verify checks that the VM runs on hostID after the migrate command.
func (c *Coordinator) verify(ctx context.Context, vm *v1alpha1.VirtualMachine, hostID string) error {
	answers, err := c.o.Send(ctx, vm, "migrate", hostID, agent.CheckStateCommand{VMName: vm.Name})
	if err != nil {
		return err
	}
	if ps := answers[0].PowerState; ps != v1alpha1.PowerOn {
		return vmerr.New(vmerr.KindResourceUnavailable, vm.UID, "migrate", "vm is %s on destination %s", ps, hostID)
	}
	return nil
}

// settleTimedOut resolves a migrate command that timed out while it may still
// be running. Both hosts are asked where the VM runs: a VM powered on at the
// destination and not at the source is committed there, and one found on
// the source while the destination reports it off stays there. Otherwise
// nothing is stopped, the destination's reservations are dropped and HA
// investigates.
func (c *Coordinator) settleTimedOut(ctx context.Context, vm *v1alpha1.VirtualMachine, wi *v1alpha1.WorkItem, op, source string,
	dest *deploy.Destination, vols []v1alpha1.Volume, nics []v1alpha1.Nic, cause error) error {
	destOn, destKnown := c.powerOn(ctx, vm, op, dest.HostID)
	srcOn, _ := c.powerOn(ctx, vm, op, source)
	c.log.Warnw("Migrate command timed out, checking both hosts", "vm", vm.UID,
		"source", source, "sourceOn", srcOn, "destination", dest.HostID, "destinationOn", destOn)

	switch {
	case destOn && !srcOn:
		return c.commit(ctx, vm, wi, op, source, dest, vols, nics)
	case srcOn && destKnown && !destOn:
		c.abortDestination(ctx, vm, dest)
		return c.o.Fail(ctx, vm, op, cause)
	}

	c.o.ReleaseHost(ctx, vm, dest.HostID, dest.ReservationID)
	err := c.o.Fail(ctx, vm, op, cause)
	if c.HA == nil {
		return err
	}
	reason := fmt.Sprintf("migration from %s to %s timed out", source, dest.HostID)
	if herr := c.HA.ScheduleRestart(context.WithoutCancel(ctx), vm, reason); herr != nil {
		c.log.Errorw("Failed to hand timed out migration to HA", "vm", vm.UID, "error", herr)
	}
	return err
}

// powerOn asks hostID for the VM's power state. known is false when the
// host did not answer or reported neither on nor off.
func (c *Coordinator) powerOn(ctx context.Context, vm *v1alpha1.VirtualMachine, op, hostID string) (on, known bool) {
	answers, err := c.o.Send(ctx, vm, op, hostID, agent.CheckStateCommand{VMName: vm.Name})
	if err != nil {
		return false, false
	}
	switch answers[0].PowerState {
	case v1alpha1.PowerOn:
		return true, true
	case v1alpha1.PowerOff:
		return false, true
	default:
		return false, false
	}
}

// abortDestination stops whatever reached dest and releases it.
func (c *Coordinator) abortDestination(ctx context.Context, vm *v1alpha1.VirtualMachine, dest *deploy.Destination) {
	c.o.CompensatingStop(ctx, vm, dest.HostID)
	c.o.ReleaseHost(ctx, vm, dest.HostID, dest.ReservationID)
}

// settleUnverified decides where the VM ended up after a migration that
// could not be verified. If the source still runs it the VM returns to
// Running there; otherwise it is stopped and the source released.
func (c *Coordinator) settleUnverified(ctx context.Context, vm *v1alpha1.VirtualMachine, op, source string, cause error) error {
	answers, err := c.o.Send(ctx, vm, op, source, agent.CheckStateCommand{VMName: vm.Name})
	if err == nil && answers[0].PowerState == v1alpha1.PowerOn {
		return c.o.Fail(ctx, vm, op, cause)
	}

	c.log.Warnw("VM lost during migration, stopping", "vm", vm.UID, "source", source, "error", cause)
	c.o.CompensatingStop(ctx, vm, source)
	c.o.ReleaseHost(ctx, vm, source, vm.Status.ReservationID)
	vm.Status.ReservationID = ""
	state.MarkOperationFailed(vm, op, cause)
	if uerr := c.o.VMs.Update(context.WithoutCancel(ctx), vm); uerr != nil {
		c.log.Warnw("Failed to record operation failure", "vm", vm.UID, "error", uerr)
	}
	if terr := c.o.Machine.Transition(context.WithoutCancel(ctx), vm, state.EventAgentReportStopped, ""); terr != nil {
		c.log.Errorw("Failed to stop lost vm", "vm", vm.UID, "error", terr)
	}
	return cause
}

func (c *Coordinator) commit(ctx context.Context, vm *v1alpha1.VirtualMachine, wi *v1alpha1.WorkItem, op, source string,
	dest *deploy.Destination, vols []v1alpha1.Volume, nics []v1alpha1.Nic) error {
	if err := c.o.Tracker.Advance(ctx, wi, v1alpha1.StepRelease); err != nil {
		c.log.Warnw("Failed to advance work item", "vm", vm.UID, "error", err)
	}

	previous := vm.Status.ReservationID
	vm.Spec.Volumes = vols
	vm.Spec.Nics = nics
	vm.Status.PodID = dest.PodID
	vm.Status.ClusterID = dest.ClusterID
	vm.Status.ReservationID = dest.ReservationID
	if err := c.o.Succeed(ctx, vm, op, dest.HostID); err != nil {
		// The VM runs on the destination either way; keep the destination
		// and let the reconciler settle the record.
		c.log.Errorw("Migration done but record not committed", "vm", vm.UID, "destination", dest.HostID, "error", err)
		return err
	}
	c.o.ReleaseHost(ctx, vm, source, previous)

	c.log.Infow("VM migrated", "vm", vm.UID, "source", source, "destination", dest.HostID)
	return nil
}

func done(op string, err error) error {
	if err == nil || errors.Is(err, orchestrator.ErrSettled) {
		return nil
	}
	metrics.RecordOperationError(op, string(vmerr.KindOf(err)))
	return err
}
