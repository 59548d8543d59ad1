package resources

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/deploy"
)

// StorageLedger is an in-memory StorageManager over a fixed set of pools.
type StorageLedger struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	pools map[string]deploy.Pool
	// attached maps vm id to the hosts its volumes are attached to.
	attached map[string]map[string]struct{}
}

var _ StorageManager = (*StorageLedger)(nil)

// NewStorageLedger creates a StorageLedger.
func NewStorageLedger(pools []deploy.Pool, log *zap.SugaredLogger) *StorageLedger {
	l := &StorageLedger{
		log:      log,
		pools:    make(map[string]deploy.Pool, len(pools)),
		attached: make(map[string]map[string]struct{}),
	}
	for _, p := range pools {
		l.pools[p.ID] = p
	}
	return l
}

// Allocate implements StorageManager.
func (l *StorageLedger) Allocate(_ context.Context, vm *v1alpha1.VirtualMachine) error {
	for i := range vm.Spec.Volumes {
		vol := &vm.Spec.Volumes[i]
		if vol.ID == "" {
			vol.ID = uuid.New().String()
		}
		if vol.Name == "" {
			if vol.Type == v1alpha1.VolumeTypeRoot {
				vol.Name = "root"
			} else {
				vol.Name = fmt.Sprintf("data-%d", vol.DeviceID)
			}
		}
		if vol.SizeGB <= 0 {
			return fmt.Errorf("volume %s: size_gb must be > 0", vol.Name)
		}
		if vol.PoolID != "" {
			if _, ok := l.pool(vol.PoolID); !ok {
				return fmt.Errorf("volume %s: pool %s: %w", vol.Name, vol.PoolID, ErrUnavailable)
			}
		}
	}
	return nil
}

// Prepare implements StorageManager. A volume placed in a new pool gets a
// path in that pool; volumes staying put keep theirs.
func (l *StorageLedger) Prepare(_ context.Context, vm *v1alpha1.VirtualMachine, dest *deploy.Destination) ([]v1alpha1.Volume, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]v1alpha1.Volume, len(vm.Spec.Volumes))
	for i, vol := range vm.Spec.Volumes {
		poolID := vol.PoolID
		if p, ok := dest.Pools[vol.ID]; ok {
			poolID = p
		}
		pool, ok := l.pools[poolID]
		if !ok {
			return nil, fmt.Errorf("volume %s: pool %q: %w", vol.Name, poolID, ErrUnavailable)
		}
		if !pool.Reachable(dest) {
			return nil, fmt.Errorf("volume %s: pool %s not reachable from host %s: %w", vol.Name, poolID, dest.HostID, ErrUnavailable)
		}
		if vol.PoolID != poolID || vol.Path == "" {
			vol.PoolID = poolID
			vol.Path = filepath.Join(pool.Path, VolumeFileName(vm.Name, vol.Name))
		}
		out[i] = vol
	}

	hosts, ok := l.attached[vm.UID]
	if !ok {
		hosts = make(map[string]struct{})
		l.attached[vm.UID] = hosts
	}
	hosts[dest.HostID] = struct{}{}
	l.log.Debugw("Prepared volumes", "vm", vm.UID, "host", dest.HostID, "volumes", len(out))
	return out, nil
}

// Release implements StorageManager.
func (l *StorageLedger) Release(_ context.Context, vmID, hostID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hosts, ok := l.attached[vmID]; ok {
		delete(hosts, hostID)
		if len(hosts) == 0 {
			delete(l.attached, vmID)
		}
	}
	return nil
}

// MigrateVolumes implements StorageManager.
func (l *StorageLedger) MigrateVolumes(_ context.Context, vm *v1alpha1.VirtualMachine, moves map[string]string) ([]v1alpha1.Volume, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []v1alpha1.Volume
	for _, vol := range vm.Spec.Volumes {
		poolID, ok := moves[vol.ID]
		if !ok || poolID == vol.PoolID {
			continue
		}
		pool, ok := l.pools[poolID]
		if !ok {
			return out, fmt.Errorf("volume %s: pool %q: %w", vol.Name, poolID, ErrUnavailable)
		}
		vol.PoolID = poolID
		vol.Path = filepath.Join(pool.Path, VolumeFileName(vm.Name, vol.Name))
		vol.ChainInfo = vol.Path
		out = append(out, vol)
	}
	return out, nil
}

// Cleanup implements StorageManager.
func (l *StorageLedger) Cleanup(_ context.Context, vm *v1alpha1.VirtualMachine) error {
	l.mu.Lock()
	delete(l.attached, vm.UID)
	l.mu.Unlock()
	return nil
}

// Pool implements StorageManager.
func (l *StorageLedger) Pool(_ context.Context, id string) (deploy.Pool, error) {
	p, ok := l.pool(id)
	if !ok {
		return deploy.Pool{}, fmt.Errorf("pool %q: %w", id, ErrUnavailable)
	}
	return p, nil
}

func (l *StorageLedger) pool(id string) (deploy.Pool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pools[id]
	return p, ok
}

// AttachedHosts returns the hosts vmID's volumes are attached to.
func (l *StorageLedger) AttachedHosts(vmID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for h := range l.attached[vmID] {
		out = append(out, h)
	}
	return out
}
