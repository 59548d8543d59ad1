package deploy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
)

// reservation is capacity held for one VM on one host.
type reservation struct {
	vmID      string
	hostID    string
	vcpus     int
	memoryMiB int
	// volumes maps pool id to GB held there.
	volumes map[string]int
}

// StaticPlanner is a first-fit planner over a fixed inventory of hosts and
// pools. Hosts are tried in id order.
type StaticPlanner struct {
	log *zap.SugaredLogger

	mu           sync.Mutex
	hosts        []Host
	pools        []Pool
	reservations map[string]*reservation
}

var _ Planner = (*StaticPlanner)(nil)

// NewStaticPlanner creates a StaticPlanner.
func NewStaticPlanner(hosts []Host, pools []Pool, log *zap.SugaredLogger) *StaticPlanner {
	hs := append([]Host(nil), hosts...)
	sort.Slice(hs, func(i, j int) bool { return hs[i].ID < hs[j].ID })
	return &StaticPlanner{
		log:          log,
		hosts:        hs,
		pools:        append([]Pool(nil), pools...),
		reservations: make(map[string]*reservation),
	}
}

// Plan implements Planner.
//
// Steps:
//  1. Walk hosts in order, skipping excluded, pinned-away and full hosts
//  2. Place each volume: pinned pool, else its current pool if reachable,
//     else the first reachable pool with room and the offering's tags
//  3. Record a reservation for the host and pools
func (s *StaticPlanner) Plan(ctx context.Context, p *Profile, c Constraints, avoid *ExcludeList) (*Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vmID := p.VM.UID
	hvType := p.VM.Spec.HypervisorType

	for _, h := range s.hosts {
		if avoid.AvoidsHost(h) || !matches(h, c) {
			continue
		}
		if hvType != "" && h.HypervisorType != "" && h.HypervisorType != hvType {
			continue
		}
		usedCPU, usedMem := s.hostUsage(h.ID, vmID)
		if h.VCPUs > 0 && usedCPU+p.VCPUs() > h.VCPUs {
			continue
		}
		if h.MemoryMiB > 0 && usedMem+p.MemoryMiB() > h.MemoryMiB {
			continue
		}

		dest := DestinationFor(h)
		held, ok := s.placeVolumes(p, c, avoid, dest)
		if !ok {
			continue
		}

		dest.ReservationID = uuid.New().String()
		s.reservations[dest.ReservationID] = &reservation{
			vmID:      vmID,
			hostID:    h.ID,
			vcpus:     p.VCPUs(),
			memoryMiB: p.MemoryMiB(),
			volumes:   held,
		}
		s.log.Debugw("Planned deployment", "vm", vmID, "destination", dest.String(), "reservation", dest.ReservationID)
		return dest, nil
	}

	return nil, fmt.Errorf("vm %s avoiding hosts %v: %w", vmID, avoid.Hosts(), ErrNoDestination)
}

func matches(h Host, c Constraints) bool {
	if c.HostID != "" && h.ID != c.HostID {
		return false
	}
	if c.ClusterID != "" && h.ClusterID != c.ClusterID {
		return false
	}
	if c.PodID != "" && h.PodID != c.PodID {
		return false
	}
	if c.ZoneID != "" && h.ZoneID != c.ZoneID {
		return false
	}
	return true
}

func (s *StaticPlanner) placeVolumes(p *Profile, c Constraints, avoid *ExcludeList, dest *Destination) (map[string]int, bool) {
	held := make(map[string]int)
	for _, vol := range p.VM.Spec.Volumes {
		poolID, ok := s.poolFor(vol, p, c, avoid, dest, held)
		if !ok {
			return nil, false
		}
		dest.Pools[vol.ID] = poolID
		if poolID != vol.PoolID {
			held[poolID] += vol.SizeGB
		}
	}
	return held, true
}

func (s *StaticPlanner) poolFor(vol v1alpha1.Volume, p *Profile, c Constraints, avoid *ExcludeList, dest *Destination, held map[string]int) (string, bool) {
	if pinned, ok := c.Pools[vol.ID]; ok {
		pool, found := s.pool(pinned)
		return pinned, found && pool.Reachable(dest)
	}
	if vol.PoolID != "" {
		if pool, found := s.pool(vol.PoolID); found && pool.Reachable(dest) && !avoid.HasPool(pool.ID) {
			return pool.ID, true
		}
	}
	for _, pool := range s.pools {
		if avoid.HasPool(pool.ID) || pool.Managed || !pool.Reachable(dest) || !pool.HasTags(p.Offering.StorageTags) {
			continue
		}
		if pool.CapacityGB > 0 && s.poolUsage(pool.ID)+held[pool.ID]+vol.SizeGB > pool.CapacityGB {
			continue
		}
		return pool.ID, true
	}
	return "", false
}

// hostUsage sums the capacity reserved on hostID by VMs other than vmID.
func (s *StaticPlanner) hostUsage(hostID, vmID string) (cpu, mem int) {
	for _, r := range s.reservations {
		if r.hostID == hostID && r.vmID != vmID {
			cpu += r.vcpus
			mem += r.memoryMiB
		}
	}
	return cpu, mem
}

func (s *StaticPlanner) poolUsage(poolID string) int {
	gb := 0
	for _, r := range s.reservations {
		gb += r.volumes[poolID]
	}
	return gb
}

func (s *StaticPlanner) pool(id string) (Pool, bool) {
	for _, p := range s.pools {
		if p.ID == id {
			return p, true
		}
	}
	return Pool{}, false
}

// Release implements Planner.
func (s *StaticPlanner) Release(_ context.Context, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	s.mu.Lock()
	delete(s.reservations, reservationID)
	s.mu.Unlock()
	return nil
}

// Resize implements Planner.
func (s *StaticPlanner) Resize(_ context.Context, reservationID string, vcpus, memoryMiB int) error {
	if reservationID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil
	}
	for _, h := range s.hosts {
		if h.ID != r.hostID {
			continue
		}
		usedCPU, usedMem := s.hostUsage(h.ID, r.vmID)
		if (h.VCPUs > 0 && usedCPU+vcpus > h.VCPUs) || (h.MemoryMiB > 0 && usedMem+memoryMiB > h.MemoryMiB) {
			return fmt.Errorf("host %s cannot hold %d vcpus and %d MiB: %w", h.ID, vcpus, memoryMiB, ErrNoDestination)
		}
	}
	r.vcpus = vcpus
	r.memoryMiB = memoryMiB
	s.log.Debugw("Resized reservation", "vm", r.vmID, "host", r.hostID, "reservation", reservationID,
		"vcpus", vcpus, "memoryMiB", memoryMiB)
	return nil
}

// Adopt records capacity for a VM that already runs on its host, so that a
// restarted control plane does not overcommit. It returns the reservation id.
func (s *StaticPlanner) Adopt(vm *v1alpha1.VirtualMachine) string {
	if vm.Status.HostID == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := vm.Status.ReservationID
	if id == "" {
		id = uuid.New().String()
	}
	s.reservations[id] = &reservation{
		vmID:      vm.UID,
		hostID:    vm.Status.HostID,
		vcpus:     vm.Spec.VCPUs,
		memoryMiB: vm.Spec.MemoryMiB,
	}
	return id
}

// Host implements Planner.
func (s *StaticPlanner) Host(_ context.Context, id string) (Host, error) {
	for _, h := range s.hosts {
		if h.ID == id {
			return h, nil
		}
	}
	return Host{}, fmt.Errorf("host %s: not found", id)
}

// Hosts returns the inventory, sorted by id.
func (s *StaticPlanner) Hosts() []Host {
	return append([]Host(nil), s.hosts...)
}

// StaticCatalog serves offerings and templates from fixed maps.
type StaticCatalog struct {
	Offerings map[string]Offering
	Templates map[string]Template
}

var _ Catalog = (*StaticCatalog)(nil)

// Offering implements Catalog. An empty id resolves to an empty offering.
func (c *StaticCatalog) Offering(_ context.Context, id string) (Offering, error) {
	if id == "" {
		return Offering{}, nil
	}
	off, ok := c.Offerings[id]
	if !ok {
		return Offering{}, fmt.Errorf("offering %q not found", id)
	}
	return off, nil
}

// Template implements Catalog. An empty id resolves to an empty template.
func (c *StaticCatalog) Template(_ context.Context, id string) (Template, error) {
	if id == "" {
		return Template{}, nil
	}
	tmpl, ok := c.Templates[id]
	if !ok {
		return Template{}, fmt.Errorf("template %q not found", id)
	}
	return tmpl, nil
}

// Usage returns the capacity reserved on hostID.
func (s *StaticPlanner) Usage(hostID string) (vcpus, memoryMiB int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostUsage(hostID, "")
}
