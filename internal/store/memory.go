package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jbweber/foreman/api/v1alpha1"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	vms   map[string]*v1alpha1.VirtualMachine
	items map[string]*v1alpha1.WorkItem
	jobs  map[string]*v1alpha1.WorkJob
	// addrs maps network id and address to the holding NIC.
	addrs map[string]map[string]string
	now   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		vms:   make(map[string]*v1alpha1.VirtualMachine),
		items: make(map[string]*v1alpha1.WorkItem),
		jobs:  make(map[string]*v1alpha1.WorkJob),
		addrs: make(map[string]map[string]string),
		now:   time.Now,
	}
}

func (m *Memory) VMs() VMStore             { return memoryVMs{m} }
func (m *Memory) WorkItems() WorkItemStore { return memoryItems{m} }
func (m *Memory) Jobs() JobStore           { return memoryJobs{m} }
func (m *Memory) Addresses() AddressStore  { return memoryAddrs{m} }
func (m *Memory) Close()                   {}

type memoryVMs struct{ m *Memory }

func (s memoryVMs) Get(_ context.Context, id string) (*v1alpha1.VirtualMachine, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	vm, ok := s.m.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}
	return vm.DeepCopy(), nil
}

func (s memoryVMs) GetByName(_ context.Context, name string) (*v1alpha1.VirtualMachine, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, vm := range s.m.vms {
		if vm.Name == name && !vm.IsExpunged() {
			return vm.DeepCopy(), nil
		}
	}
	return nil, fmt.Errorf("vm %q: %w", name, ErrNotFound)
}

func (s memoryVMs) Create(_ context.Context, vm *v1alpha1.VirtualMachine) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.vms[vm.UID]; ok {
		return fmt.Errorf("vm %s already exists: %w", vm.UID, ErrConflict)
	}
	for _, existing := range s.m.vms {
		if existing.Name == vm.Name && !existing.IsExpunged() {
			return fmt.Errorf("vm name %q in use: %w", vm.Name, ErrConflict)
		}
	}
	s.m.vms[vm.UID] = vm.DeepCopy()
	return nil
}

func (s memoryVMs) UpdateState(_ context.Context, u StateUpdate) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	vm, ok := s.m.vms[u.VMID]
	if !ok {
		return false, fmt.Errorf("vm %s: %w", u.VMID, ErrNotFound)
	}
	if vm.Status.State != u.FromState ||
		vm.Status.UpdateCount != u.FromUpdateCount ||
		vm.Status.HostID != u.FromHostID {
		return false, nil
	}
	vm.Status.State = u.ToState
	vm.Status.HostID = u.HostID
	vm.Status.LastHostID = u.LastHostID
	vm.Status.UpdateCount++
	vm.Status.UpdateTime = v1alpha1.Time{Time: s.m.now()}
	return true, nil
}

func (s memoryVMs) UpdatePowerState(_ context.Context, id string, ps v1alpha1.PowerState, hostID string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	vm, ok := s.m.vms[id]
	if !ok {
		return fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}
	vm.Status.PowerState = ps
	vm.Status.PowerHostID = hostID
	vm.Status.PowerStateUpdateTime = v1alpha1.Time{Time: at}
	return nil
}

func (s memoryVMs) Update(_ context.Context, vm *v1alpha1.VirtualMachine) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.vms[vm.UID]
	if !ok {
		return fmt.Errorf("vm %s: %w", vm.UID, ErrNotFound)
	}
	in := vm.DeepCopy()
	in.Status.State = existing.Status.State
	in.Status.HostID = existing.Status.HostID
	in.Status.LastHostID = existing.Status.LastHostID
	in.Status.UpdateCount = existing.Status.UpdateCount
	in.Status.UpdateTime = existing.Status.UpdateTime
	in.Status.PowerState = existing.Status.PowerState
	in.Status.PowerHostID = existing.Status.PowerHostID
	in.Status.PowerStateUpdateTime = existing.Status.PowerStateUpdateTime
	s.m.vms[vm.UID] = in
	return nil
}

func (s memoryVMs) List(_ context.Context) ([]*v1alpha1.VirtualMachine, error) {
	return s.filter(func(vm *v1alpha1.VirtualMachine) bool { return !vm.IsExpunged() }), nil
}

func (s memoryVMs) ListByHost(_ context.Context, hostID string) ([]*v1alpha1.VirtualMachine, error) {
	return s.filter(func(vm *v1alpha1.VirtualMachine) bool {
		return !vm.IsExpunged() && vm.Status.HostID == hostID
	}), nil
}

func (s memoryVMs) filter(keep func(*v1alpha1.VirtualMachine) bool) []*v1alpha1.VirtualMachine {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]*v1alpha1.VirtualMachine, 0, len(s.m.vms))
	for _, vm := range s.m.vms {
		if keep(vm) {
			out = append(out, vm.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type memoryItems struct{ m *Memory }

func (s memoryItems) Create(_ context.Context, wi *v1alpha1.WorkItem) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.items {
		if existing.VMID == wi.VMID && existing.Step != v1alpha1.StepDone {
			return fmt.Errorf("vm %s held by work item %s: %w", wi.VMID, existing.ID, ErrConflict)
		}
	}
	now := v1alpha1.Time{Time: s.m.now()}
	in := wi.DeepCopy()
	in.CreatedAt = now
	in.UpdatedAt = now
	s.m.items[wi.ID] = in
	wi.CreatedAt = now
	wi.UpdatedAt = now
	return nil
}

func (s memoryItems) Get(_ context.Context, id string) (*v1alpha1.WorkItem, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	wi, ok := s.m.items[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return wi.DeepCopy(), nil
}

func (s memoryItems) FindOpen(_ context.Context, vmID string) (*v1alpha1.WorkItem, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, wi := range s.m.items {
		if wi.VMID == vmID && wi.Step != v1alpha1.StepDone {
			return wi.DeepCopy(), nil
		}
	}
	return nil, fmt.Errorf("open work item for vm %s: %w", vmID, ErrNotFound)
}

func (s memoryItems) UpdateStep(_ context.Context, id string, step v1alpha1.Step) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	wi, ok := s.m.items[id]
	if !ok {
		return fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if err := checkStep(wi.Step, step); err != nil {
		return fmt.Errorf("work item %s: %w", id, err)
	}
	wi.Step = step
	wi.UpdatedAt = v1alpha1.Time{Time: s.m.now()}
	return nil
}

func (s memoryItems) Touch(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	wi, ok := s.m.items[id]
	if !ok {
		return fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if wi.Step == v1alpha1.StepDone {
		return fmt.Errorf("work item %s is done: %w", id, ErrConflict)
	}
	wi.UpdatedAt = v1alpha1.Time{Time: s.m.now()}
	return nil
}

func (s memoryItems) ListStalled(_ context.Context, before time.Time) ([]*v1alpha1.WorkItem, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*v1alpha1.WorkItem
	for _, wi := range s.m.items {
		if wi.Step != v1alpha1.StepDone && wi.UpdatedAt.Before(before) {
			out = append(out, wi.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt.Time) })
	return out, nil
}

// checkStep enforces monotonic step advancement.
func checkStep(from, to v1alpha1.Step) error {
	if to.Rank() < 0 {
		return fmt.Errorf("unknown step %q: %w", to, ErrConflict)
	}
	if from == v1alpha1.StepDone && to != v1alpha1.StepDone {
		return fmt.Errorf("item is done: %w", ErrConflict)
	}
	if to.Rank() < from.Rank() {
		return fmt.Errorf("step %s after %s: %w", to, from, ErrConflict)
	}
	return nil
}

type memoryJobs struct{ m *Memory }

func (s memoryJobs) Submit(_ context.Context, job *v1alpha1.WorkJob) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.jobs {
		if existing.VMID == job.VMID && existing.Cmd == job.Cmd && !existing.Status.IsTerminal() {
			return fmt.Errorf("vm %s %s job %s: %w", job.VMID, job.Cmd, existing.ID, ErrDuplicateJob)
		}
	}
	now := v1alpha1.Time{Time: s.m.now()}
	job.Status = v1alpha1.JobQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	s.m.jobs[job.ID] = job.DeepCopy()
	return nil
}

func (s memoryJobs) Get(_ context.Context, id string) (*v1alpha1.WorkJob, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	job, ok := s.m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job.DeepCopy(), nil
}

func (s memoryJobs) FindPending(_ context.Context, vmID string, cmd v1alpha1.CommandKind) (*v1alpha1.WorkJob, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, job := range s.m.jobs {
		if job.VMID == vmID && job.Cmd == cmd && !job.Status.IsTerminal() {
			return job.DeepCopy(), nil
		}
	}
	return nil, fmt.Errorf("pending %s job for vm %s: %w", cmd, vmID, ErrNotFound)
}

func (s memoryJobs) HasPending(_ context.Context, vmID string) (bool, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, job := range s.m.jobs {
		if job.VMID == vmID && !job.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s memoryJobs) MarkInProgress(_ context.Context, id, node string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	job, ok := s.m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, ErrConflict)
	}
	job.Status = v1alpha1.JobInProgress
	job.Node = node
	job.UpdatedAt = v1alpha1.Time{Time: s.m.now()}
	return nil
}

func (s memoryJobs) Complete(_ context.Context, id string, status v1alpha1.JobStatus, result []byte) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	job, ok := s.m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !status.IsTerminal() {
		return fmt.Errorf("complete job %s with non-terminal status %s: %w", id, status, ErrConflict)
	}
	job.Status = status
	job.Result = append([]byte(nil), result...)
	job.UpdatedAt = v1alpha1.Time{Time: s.m.now()}
	return nil
}

func (s memoryJobs) ListRecoverable(_ context.Context, node string) ([]*v1alpha1.WorkJob, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*v1alpha1.WorkJob
	for _, job := range s.m.jobs {
		if job.Status == v1alpha1.JobQueued || (job.Status == v1alpha1.JobInProgress && job.Node == node) {
			out = append(out, job.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt.Time) })
	return out, nil
}

type memoryAddrs struct{ m *Memory }

func (s memoryAddrs) Claim(_ context.Context, networkID, ip, nicID, _ string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	held, ok := s.m.addrs[networkID]
	if !ok {
		held = make(map[string]string)
		s.m.addrs[networkID] = held
	}
	if holder, taken := held[ip]; taken && holder != nicID {
		return fmt.Errorf("address %s on network %s: %w", ip, networkID, ErrConflict)
	}
	held[ip] = nicID
	return nil
}

func (s memoryAddrs) Free(_ context.Context, networkID, ip, nicID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if held := s.m.addrs[networkID]; held[ip] == nicID {
		delete(held, ip)
	}
	return nil
}
