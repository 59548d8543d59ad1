// Package deploy holds the placement vocabulary shared by the orchestrator
// and the migration coordinator: VM profiles, deployment destinations, the
// exclude list accumulated across retries, and the Planner that picks a
// destination.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jbweber/foreman/api/v1alpha1"
)

// ErrNoDestination is returned by a Planner when no host satisfies the
// profile and constraints.
var ErrNoDestination = errors.New("no deployment destination available")

// Host is a hypervisor host known to the planner.
type Host struct {
	ID             string
	Address        string
	ZoneID         string
	PodID          string
	ClusterID      string
	HypervisorType string

	VCPUs     int
	MemoryMiB int
}

// PoolScope is the reach of a storage pool.
type PoolScope string

const (
	ScopeHost    PoolScope = "host"
	ScopeCluster PoolScope = "cluster"
	ScopeZone    PoolScope = "zone"
)

// Pool is a storage pool.
type Pool struct {
	ID        string
	Scope     PoolScope
	ZoneID    string
	PodID     string
	ClusterID string
	// HostID is set for host-scoped pools.
	HostID string
	// Path is the directory volumes are created in.
	Path string
	Tags []string
	// Managed pools hold one volume per backing device; their volumes can
	// only "migrate" to the pool they are already in.
	Managed    bool
	CapacityGB int
}

// Reachable reports whether a host at dest can attach volumes in p.
func (p Pool) Reachable(dest *Destination) bool {
	switch p.Scope {
	case ScopeHost:
		return p.HostID == dest.HostID
	case ScopeCluster:
		return p.ClusterID == dest.ClusterID
	case ScopeZone:
		return p.ZoneID == dest.ZoneID
	default:
		return false
	}
}

// HasTags reports whether p carries every tag in tags.
func (p Pool) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range p.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Destination is a concrete placement chosen by a Planner.
type Destination struct {
	ZoneID         string
	PodID          string
	ClusterID      string
	HostID         string
	HostAddress    string
	HypervisorType string

	// Pools maps volume id to the pool the volume lives in at this
	// destination.
	Pools map[string]string

	// ReservationID identifies the capacity held for this destination.
	ReservationID string
}

// DestinationFor returns a destination on h without pools or reservation.
func DestinationFor(h Host) *Destination {
	return &Destination{
		ZoneID:         h.ZoneID,
		PodID:          h.PodID,
		ClusterID:      h.ClusterID,
		HostID:         h.ID,
		HostAddress:    h.Address,
		HypervisorType: h.HypervisorType,
		Pools:          make(map[string]string),
	}
}

func (d *Destination) String() string {
	if d == nil {
		return "<none>"
	}
	return fmt.Sprintf("zone=%s pod=%s cluster=%s host=%s", d.ZoneID, d.PodID, d.ClusterID, d.HostID)
}

// ExcludeList accumulates locations to avoid across the retries of one
// operation.
type ExcludeList struct {
	zones    map[string]struct{}
	pods     map[string]struct{}
	clusters map[string]struct{}
	hosts    map[string]struct{}
	pools    map[string]struct{}
}

// NewExcludeList creates an empty ExcludeList.
func NewExcludeList() *ExcludeList {
	return &ExcludeList{
		zones:    make(map[string]struct{}),
		pods:     make(map[string]struct{}),
		clusters: make(map[string]struct{}),
		hosts:    make(map[string]struct{}),
		pools:    make(map[string]struct{}),
	}
}

func (e *ExcludeList) AddZone(id string)    { e.zones[id] = struct{}{} }
func (e *ExcludeList) AddPod(id string)     { e.pods[id] = struct{}{} }
func (e *ExcludeList) AddCluster(id string) { e.clusters[id] = struct{}{} }
func (e *ExcludeList) AddHost(id string)    { e.hosts[id] = struct{}{} }
func (e *ExcludeList) AddPool(id string)    { e.pools[id] = struct{}{} }

// HasHost reports whether the host is excluded.
func (e *ExcludeList) HasHost(id string) bool {
	if e == nil {
		return false
	}
	_, ok := e.hosts[id]
	return ok
}

// HasPool reports whether the pool is excluded.
func (e *ExcludeList) HasPool(id string) bool {
	if e == nil {
		return false
	}
	_, ok := e.pools[id]
	return ok
}

// AvoidsHost reports whether h, or any location containing it, is excluded.
func (e *ExcludeList) AvoidsHost(h Host) bool {
	if e == nil {
		return false
	}
	if _, ok := e.zones[h.ZoneID]; ok {
		return true
	}
	if _, ok := e.pods[h.PodID]; ok {
		return true
	}
	if _, ok := e.clusters[h.ClusterID]; ok {
		return true
	}
	return e.HasHost(h.ID)
}

// Hosts returns the excluded host ids, sorted.
func (e *ExcludeList) Hosts() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.hosts))
	for id := range e.hosts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Offering is a compute offering.
type Offering struct {
	ID        string
	VCPUs     int
	MemoryMiB int
	// StorageTags restricts the pools volumes may be placed in.
	StorageTags []string
}

// Template is a boot image.
type Template struct {
	ID   string
	Name string
	// Path is the base image the root volume is cloned from.
	Path string
}

// Profile is the resolved input to placement and guru translation: the VM
// record plus its offering and template, and once resources are prepared
// for a destination, the volumes and NICs as they exist there.
type Profile struct {
	VM       *v1alpha1.VirtualMachine
	Offering Offering
	Template Template

	Volumes []v1alpha1.Volume
	Nics    []v1alpha1.Nic

	// Params carries per-type settings added by VM type handlers.
	Params map[string]string
}

// NewProfile creates a Profile.
func NewProfile(vm *v1alpha1.VirtualMachine, off Offering, tmpl Template) *Profile {
	return &Profile{VM: vm, Offering: off, Template: tmpl, Params: make(map[string]string)}
}

// VCPUs returns the VM's vCPU count, falling back to the offering.
func (p *Profile) VCPUs() int {
	if p.VM.Spec.VCPUs > 0 {
		return p.VM.Spec.VCPUs
	}
	return p.Offering.VCPUs
}

// MemoryMiB returns the VM's memory, falling back to the offering.
func (p *Profile) MemoryMiB() int {
	if p.VM.Spec.MemoryMiB > 0 {
		return p.VM.Spec.MemoryMiB
	}
	return p.Offering.MemoryMiB
}

// Constraints pins parts of the placement.
type Constraints struct {
	ZoneID    string
	PodID     string
	ClusterID string
	HostID    string
	// Pools pins volumes (by id) to pools.
	Pools map[string]string
}

// Planner chooses where a VM runs.
type Planner interface {
	// Plan returns a destination for p that honors c and avoids everything
	// in avoid, holding capacity under the returned ReservationID. It
	// returns ErrNoDestination when nothing fits.
	Plan(ctx context.Context, p *Profile, c Constraints, avoid *ExcludeList) (*Destination, error)

	// Release frees a reservation. Unknown ids are ignored.
	Release(ctx context.Context, reservationID string) error

	// Resize changes the CPU and memory held by a reservation. It returns
	// ErrNoDestination when the host cannot take the new size. Unknown ids
	// are ignored.
	Resize(ctx context.Context, reservationID string, vcpus, memoryMiB int) error

	// Host returns a known host.
	Host(ctx context.Context, id string) (Host, error)
}

// Catalog resolves offerings and templates.
type Catalog interface {
	Offering(ctx context.Context, id string) (Offering, error)
	Template(ctx context.Context, id string) (Template, error)
}
