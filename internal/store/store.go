// Package store persists VM records, work items and work jobs.
//
// Two implementations are provided: Memory for tests and single-node runs, and
// Postgres for clustered deployments. Both enforce the same admission rules:
// a VM state update only applies if the record still matches what the caller
// read, at most one open work item exists per VM, and at most one
// non-terminal job exists per (VM, command kind).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jbweber/foreman/api/v1alpha1"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when an admission rule rejects a write: an open
	// work item already exists for the VM, or a step would move backwards.
	ErrConflict = errors.New("conflicting record")

	// ErrDuplicateJob is returned by Submit when a non-terminal job already
	// exists for the same VM and command kind.
	ErrDuplicateJob = errors.New("pending job already exists")
)

// StateUpdate is a conditional state change. It applies only if the persisted
// record still has FromState, FromUpdateCount and FromHostID.
type StateUpdate struct {
	VMID            string
	FromState       v1alpha1.State
	FromUpdateCount int64
	FromHostID      string

	ToState    v1alpha1.State
	HostID     string
	LastHostID string
}

// VMStore persists VirtualMachine records.
type VMStore interface {
	Get(ctx context.Context, id string) (*v1alpha1.VirtualMachine, error)
	GetByName(ctx context.Context, name string) (*v1alpha1.VirtualMachine, error)
	Create(ctx context.Context, vm *v1alpha1.VirtualMachine) error

	// UpdateState applies u and bumps the update count. It returns false,
	// without error, when the precondition does not hold.
	UpdateState(ctx context.Context, u StateUpdate) (bool, error)

	// UpdatePowerState records an agent power report. It never changes State.
	UpdatePowerState(ctx context.Context, id string, ps v1alpha1.PowerState, hostID string, at time.Time) error

	// Update writes spec, metadata and the non-state status fields
	// (pod, cluster, reservation, conditions, removed). State, host ids,
	// power state and update count are left untouched.
	Update(ctx context.Context, vm *v1alpha1.VirtualMachine) error

	// List returns all records that have not been expunged.
	List(ctx context.Context) ([]*v1alpha1.VirtualMachine, error)
	ListByHost(ctx context.Context, hostID string) ([]*v1alpha1.VirtualMachine, error)
}

// WorkItemStore persists work items.
type WorkItemStore interface {
	// Create inserts wi. It returns ErrConflict if the VM already has an
	// open (not Done) item.
	Create(ctx context.Context, wi *v1alpha1.WorkItem) error
	Get(ctx context.Context, id string) (*v1alpha1.WorkItem, error)

	// FindOpen returns the VM's open item or ErrNotFound.
	FindOpen(ctx context.Context, vmID string) (*v1alpha1.WorkItem, error)

	// UpdateStep advances the item and refreshes its activity time. Moving
	// to a lower-ranked step, or moving a Done item, returns ErrConflict.
	UpdateStep(ctx context.Context, id string, step v1alpha1.Step) error

	// Touch refreshes the activity time of an open item. A Done item
	// returns ErrConflict.
	Touch(ctx context.Context, id string) error

	// ListStalled returns open items not updated since before.
	ListStalled(ctx context.Context, before time.Time) ([]*v1alpha1.WorkItem, error)
}

// JobStore persists work jobs.
type JobStore interface {
	// Submit inserts a queued job, or returns ErrDuplicateJob.
	Submit(ctx context.Context, job *v1alpha1.WorkJob) error
	Get(ctx context.Context, id string) (*v1alpha1.WorkJob, error)

	// FindPending returns the non-terminal job for (vmID, cmd) or ErrNotFound.
	FindPending(ctx context.Context, vmID string, cmd v1alpha1.CommandKind) (*v1alpha1.WorkJob, error)

	// HasPending reports whether any non-terminal job exists for vmID.
	HasPending(ctx context.Context, vmID string) (bool, error)

	MarkInProgress(ctx context.Context, id, node string) error
	Complete(ctx context.Context, id string, status v1alpha1.JobStatus, result []byte) error

	// ListRecoverable returns queued jobs and jobs left in progress by node,
	// oldest first.
	ListRecoverable(ctx context.Context, node string) ([]*v1alpha1.WorkJob, error)
}

// AddressStore records which NIC holds each guest address, so that control
// plane processes sharing a store never hand out the same address twice.
type AddressStore interface {
	// Claim records nicID of vmID as the holder of ip on networkID. Claiming
	// an address the same NIC already holds succeeds; one held by another
	// NIC returns ErrConflict.
	Claim(ctx context.Context, networkID, ip, nicID, vmID string) error

	// Free drops the claim on ip if nicID holds it.
	Free(ctx context.Context, networkID, ip, nicID string) error
}

// Store bundles the record stores.
type Store interface {
	VMs() VMStore
	WorkItems() WorkItemStore
	Jobs() JobStore
	Addresses() AddressStore
	Close()
}
