// Package resources manages the storage and network resources a VM holds.
//
// The managers here keep their state in memory and are meant for standalone
// and test deployments. Reservations are keyed by VM id and host, so that a
// migration can hold resources on the source and the destination at once
// and release either side independently.
package resources

import (
	"context"
	"errors"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/deploy"
)

// ErrUnavailable is returned when a pool, network or address cannot be used.
var ErrUnavailable = errors.New("resource unavailable")

// StorageManager owns VM volumes.
type StorageManager interface {
	// Allocate assigns ids and names to volumes that do not have them yet.
	Allocate(ctx context.Context, vm *v1alpha1.VirtualMachine) error

	// Prepare makes the VM's volumes usable at dest and returns them with
	// pool and path set.
	Prepare(ctx context.Context, vm *v1alpha1.VirtualMachine, dest *deploy.Destination) ([]v1alpha1.Volume, error)

	// Release drops the VM's attachments on hostID. Unknown attachments
	// are ignored.
	Release(ctx context.Context, vmID, hostID string) error

	// MigrateVolumes copies volumes to new pools (volume id to pool id)
	// without hypervisor involvement and returns the moved volumes.
	MigrateVolumes(ctx context.Context, vm *v1alpha1.VirtualMachine, moves map[string]string) ([]v1alpha1.Volume, error)

	// Cleanup deletes every volume of the VM.
	Cleanup(ctx context.Context, vm *v1alpha1.VirtualMachine) error

	Pool(ctx context.Context, id string) (deploy.Pool, error)
}

// NetworkManager owns VM NICs.
type NetworkManager interface {
	// Allocate assigns ids, addresses and MACs to NICs that lack them.
	Allocate(ctx context.Context, vm *v1alpha1.VirtualMachine) error

	// Prepare reserves the VM's NICs on dest and returns them with bridge
	// set.
	Prepare(ctx context.Context, vm *v1alpha1.VirtualMachine, dest *deploy.Destination) ([]v1alpha1.Nic, error)

	// Release drops the VM's NIC reservations on hostID.
	Release(ctx context.Context, vmID, hostID string) error

	// CreateNic allocates a new NIC on networkID for vm.
	CreateNic(ctx context.Context, vm *v1alpha1.VirtualMachine, networkID string) (v1alpha1.Nic, error)

	// RemoveNic returns nic's address to its network.
	RemoveNic(ctx context.Context, vm *v1alpha1.VirtualMachine, nic v1alpha1.Nic) error

	// Deallocate returns every address the VM holds.
	Deallocate(ctx context.Context, vm *v1alpha1.VirtualMachine) error
}
