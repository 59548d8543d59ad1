package migration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
	"github.com/jbweber/foreman/internal/deploy"
	"github.com/jbweber/foreman/internal/orchestrator"
	"github.com/jbweber/foreman/internal/state"
	"github.com/jbweber/foreman/internal/vmerr"
)

// MigrateStorage moves the volumes of a Stopped VM to new pools. pools maps
// volume id to destination pool id.
//
// The hypervisor's native copy runs on the VM's last host when the guru
// supports it; otherwise the storage manager copies the volumes. Volumes
// that moved are persisted even when others failed, in which case the call
// fails with ResourceUnavailable naming the failed volumes. The VM ends
// Stopped on every path.
func (c *Coordinator) MigrateStorage(ctx context.Context, vmID string, pools map[string]string) error {
	if len(pools) == 0 {
		return done("migratestorage", vmerr.New(vmerr.KindInvalidParameter, vmID, "migratestorage", "no volumes to move"))
	}
	vm, wi, err := c.o.Acquire(ctx, vmID, orchestrator.Request{
		Op:     "migratestorage",
		Event:  state.EventStorageMigrationRequested,
		Target: v1alpha1.StateStopped,
		Settled: func(vm *v1alpha1.VirtualMachine) bool {
			if vm.Status.State != v1alpha1.StateStopped {
				return false
			}
			for volID, poolID := range pools {
				if v := vm.FindVolume(volID); v == nil || v.PoolID != poolID {
					return false
				}
			}
			return true
		},
		Check: func(vm *v1alpha1.VirtualMachine) error {
			if vm.Status.State != v1alpha1.StateStopped {
				return fmt.Errorf("vm is %s, want Stopped", vm.Status.State)
			}
			return nil
		},
	})
	if err != nil {
		return done("migratestorage", err)
	}
	defer c.o.Tracker.Done(ctx, wi)

	moves, err := c.storageMoves(ctx, vm, pools)
	if err != nil {
		return done("migratestorage", c.stopped(ctx, vm, err))
	}
	if len(moves) == 0 {
		return done("migratestorage", c.stopped(ctx, vm, nil))
	}

	if err := c.o.Tracker.Advance(ctx, wi, v1alpha1.StepMigrating); err != nil {
		c.log.Warnw("Failed to advance work item", "vm", vm.UID, "error", err)
	}

	moved, failed, err := c.moveVolumes(ctx, vm, moves)
	if err != nil {
		return done("migratestorage", c.stopped(ctx, vm, err))
	}

	for _, res := range moved {
		if vol := vm.FindVolume(res.ID); vol != nil {
			*vol = res
		}
	}
	c.reaffine(vm, moves)
	if len(failed) > 0 {
		sort.Strings(failed)
		err = vmerr.New(vmerr.KindResourceUnavailable, vm.UID, "migratestorage",
			"volumes not moved: %s", strings.Join(failed, ", "))
	}
	c.log.Infow("Volumes migrated", "vm", vm.UID, "moved", len(moved), "failed", len(failed))
	return done("migratestorage", c.stopped(ctx, vm, err))
}

// storageMoves validates the requested pools and returns the moves that
// change a volume's pool.
func (c *Coordinator) storageMoves(ctx context.Context, vm *v1alpha1.VirtualMachine, pools map[string]string) (map[string]deploy.Pool, error) {
	moves := make(map[string]deploy.Pool)
	var hostScoped string
	for volID, poolID := range pools {
		vol := vm.FindVolume(volID)
		if vol == nil {
			return nil, vmerr.New(vmerr.KindInvalidParameter, vm.UID, "migratestorage", "vm has no volume %s", volID)
		}
		if vol.PoolID == poolID {
			continue
		}
		if vol.PoolID != "" {
			src, err := c.o.Storage.Pool(ctx, vol.PoolID)
			if err != nil {
				return nil, vmerr.Wrap(vmerr.KindResourceUnavailable, vm.UID, "migratestorage", err)
			}
			if src.Managed {
				return nil, vmerr.New(vmerr.KindInvalidParameter, vm.UID, "migratestorage",
					"volume %s is on managed pool %s", vol.Name, src.ID)
			}
		}
		pool, err := c.o.Storage.Pool(ctx, poolID)
		if err != nil {
			return nil, vmerr.Wrap(vmerr.KindInvalidParameter, vm.UID, "migratestorage", err)
		}
		if pool.Managed {
			return nil, vmerr.New(vmerr.KindInvalidParameter, vm.UID, "migratestorage",
				"pool %s is managed and only holds its own volumes", pool.ID)
		}
		if pool.ZoneID != "" && vm.Spec.ZoneID != "" && pool.ZoneID != vm.Spec.ZoneID {
			return nil, vmerr.New(vmerr.KindInvalidParameter, vm.UID, "migratestorage",
				"pool %s is in zone %s, vm is in zone %s", pool.ID, pool.ZoneID, vm.Spec.ZoneID)
		}
		if pool.Scope == deploy.ScopeHost {
			if hostScoped != "" && hostScoped != pool.HostID {
				return nil, vmerr.New(vmerr.KindInvalidParameter, vm.UID, "migratestorage",
					"host-local pools on different hosts (%s, %s)", hostScoped, pool.HostID)
			}
			hostScoped = pool.HostID
		}
		moves[volID] = pool
	}
	return moves, nil
}

// moveVolumes copies the volumes and returns the moved volumes and the
// names of those that failed.
func (c *Coordinator) moveVolumes(ctx context.Context, vm *v1alpha1.VirtualMachine, moves map[string]deploy.Pool) ([]v1alpha1.Volume, []string, error) {
	g, err := c.o.Guru(vm)
	if err != nil {
		return nil, nil, err
	}
	hostID := vm.Status.LastHostID
	if cmd, native := g.MigrateVolumes(vm, moves); native && hostID != "" {
		answers, err := c.o.Transport.Send(ctx, hostID, cmd)
		if err != nil {
			return nil, nil, vmerr.Wrap(vmerr.KindAgentUnavailable, vm.UID, "migratestorage", err)
		}
		if len(answers) == 0 {
			return nil, nil, vmerr.New(vmerr.KindResourceUnavailable, vm.UID, "migratestorage", "host %s sent no answer", hostID)
		}
		moved, failed := applyResults(vm, moves, answers[0])
		return moved, failed, nil
	}

	byID := make(map[string]string, len(moves))
	for volID, pool := range moves {
		byID[volID] = pool.ID
	}
	moved, err := c.o.Storage.MigrateVolumes(ctx, vm, byID)
	var failed []string
	if err != nil {
		c.log.Warnw("Storage manager could not move every volume", "vm", vm.UID, "error", err)
		copied := make(map[string]bool, len(moved))
		for _, v := range moved {
			copied[v.ID] = true
		}
		for volID := range moves {
			if !copied[volID] {
				failed = append(failed, volumeName(vm, volID))
			}
		}
	}
	return moved, failed, nil
}

// applyResults turns the agent's per-volume results into volumes. A volume
// missing from the answer counts as failed.
func applyResults(vm *v1alpha1.VirtualMachine, moves map[string]deploy.Pool, answer agent.Answer) (moved []v1alpha1.Volume, failed []string) {
	results := make(map[string]agent.VolumeResult, len(answer.Volumes))
	for _, r := range answer.Volumes {
		results[r.VolumeID] = r
	}

	for volID, pool := range moves {
		r, ok := results[volID]
		if !ok || !r.Success {
			failed = append(failed, volumeName(vm, volID))
			continue
		}
		vol := *vm.FindVolume(volID)
		vol.PoolID = pool.ID
		if r.PoolID != "" {
			vol.PoolID = r.PoolID
		}
		vol.Path = r.Path
		vol.ChainInfo = r.ChainInfo
		moved = append(moved, vol)
	}
	return moved, failed
}

// reaffine clears pod, cluster and last host bookkeeping when a volume moved
// to a pool outside them, so the next start places the VM freely. The last
// host is persisted by the transition back to Stopped.
func (c *Coordinator) reaffine(vm *v1alpha1.VirtualMachine, moves map[string]deploy.Pool) {
	for _, pool := range moves {
		if (pool.PodID != "" && pool.PodID != vm.Status.PodID) ||
			(pool.ClusterID != "" && pool.ClusterID != vm.Status.ClusterID) ||
			(pool.HostID != "" && pool.HostID != vm.Status.LastHostID) {
			c.log.Debugw("Volume moved outside the vm's pod, clearing affinity", "vm", vm.UID, "pool", pool.ID)
			vm.Status.PodID = ""
			vm.Status.ClusterID = ""
			vm.Status.LastHostID = ""
			return
		}
	}
}

// stopped persists vm and returns it to Stopped, recording cause when set.
func (c *Coordinator) stopped(ctx context.Context, vm *v1alpha1.VirtualMachine, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if cause != nil {
		state.MarkOperationFailed(vm, "migratestorage", cause)
	} else {
		state.ClearOperationFailed(vm)
	}
	if err := c.o.VMs.Update(ctx, vm); err != nil {
		c.log.Errorw("Failed to persist volumes", "vm", vm.UID, "error", err)
		if cause == nil {
			cause = vmerr.Wrap(vmerr.KindFatal, vm.UID, "migratestorage", err)
		}
	}
	if err := c.o.Machine.Transition(ctx, vm, state.EventAgentReportStopped, ""); err != nil {
		c.log.Errorw("Failed to return vm to Stopped", "vm", vm.UID, "error", err)
		if cause == nil {
			cause = err
		}
	}
	return cause
}

func volumeName(vm *v1alpha1.VirtualMachine, volID string) string {
	if v := vm.FindVolume(volID); v != nil && v.Name != "" {
		return v.Name
	}
	return volID
}
