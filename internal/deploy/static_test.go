package deploy

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
)

func testInventory() ([]Host, []Pool) {
	hosts := []Host{
		{ID: "h2", ZoneID: "z1", PodID: "p1", ClusterID: "c1", HypervisorType: "kvm", VCPUs: 8, MemoryMiB: 8192},
		{ID: "h1", ZoneID: "z1", PodID: "p1", ClusterID: "c1", HypervisorType: "kvm", VCPUs: 4, MemoryMiB: 4096},
		{ID: "h3", ZoneID: "z1", PodID: "p2", ClusterID: "c2", HypervisorType: "kvm", VCPUs: 8, MemoryMiB: 8192},
	}
	pools := []Pool{
		{ID: "local-h1", Scope: ScopeHost, HostID: "h1", ClusterID: "c1", ZoneID: "z1"},
		{ID: "shared-c1", Scope: ScopeCluster, ClusterID: "c1", ZoneID: "z1", Tags: []string{"ssd"}},
		{ID: "shared-c2", Scope: ScopeCluster, ClusterID: "c2", ZoneID: "z1", Tags: []string{"ssd"}},
	}
	return hosts, pools
}

func testProfile(vcpus, mem int) *Profile {
	vm := v1alpha1.NewVirtualMachine("web", v1alpha1.VMTypeUser)
	vm.Spec.VCPUs = vcpus
	vm.Spec.MemoryMiB = mem
	vm.Spec.Volumes = []v1alpha1.Volume{{ID: "root", Type: v1alpha1.VolumeTypeRoot, SizeGB: 10}}
	return NewProfile(vm, Offering{StorageTags: []string{"ssd"}}, Template{})
}

func TestStaticPlannerFirstFit(t *testing.T) {
	hosts, pools := testInventory()
	p := NewStaticPlanner(hosts, pools, zap.NewNop().Sugar())
	ctx := context.Background()

	dest, err := p.Plan(ctx, testProfile(2, 1024), Constraints{}, NewExcludeList())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if dest.HostID != "h1" {
		t.Errorf("HostID = %s, want h1 (first by id)", dest.HostID)
	}
	if dest.Pools["root"] != "shared-c1" {
		t.Errorf("root pool = %s, want shared-c1 (tag match)", dest.Pools["root"])
	}
	if dest.ReservationID == "" {
		t.Error("ReservationID is empty")
	}
}

func TestStaticPlannerExcludeAndCapacity(t *testing.T) {
	hosts, pools := testInventory()
	p := NewStaticPlanner(hosts, pools, zap.NewNop().Sugar())
	ctx := context.Background()

	avoid := NewExcludeList()
	avoid.AddHost("h1")
	dest, err := p.Plan(ctx, testProfile(2, 1024), Constraints{}, avoid)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if dest.HostID != "h2" {
		t.Errorf("HostID = %s, want h2", dest.HostID)
	}

	// h1 has 4 vcpus; a 6 vcpu VM skips it.
	dest, err = p.Plan(ctx, testProfile(6, 1024), Constraints{}, NewExcludeList())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if dest.HostID != "h2" {
		t.Errorf("HostID = %s, want h2", dest.HostID)
	}

	// h2 now has 8 of 8 vcpus reserved.
	dest, err = p.Plan(ctx, testProfile(1, 512), Constraints{ClusterID: "c1"}, avoid)
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("Plan() = %v, %v, want ErrNoDestination", dest, err)
	}
}

func TestStaticPlannerRelease(t *testing.T) {
	hosts, pools := testInventory()
	p := NewStaticPlanner(hosts, pools, zap.NewNop().Sugar())
	ctx := context.Background()
	pin := Constraints{HostID: "h1"}

	dest, err := p.Plan(ctx, testProfile(4, 1024), pin, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if _, err := p.Plan(ctx, testProfile(4, 1024), pin, nil); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("second Plan() error = %v, want ErrNoDestination", err)
	}
	if cpu, mem := p.Usage("h1"); cpu != 4 || mem != 1024 {
		t.Errorf("Usage(h1) = %d, %d; want 4, 1024", cpu, mem)
	}
	if err := p.Release(ctx, dest.ReservationID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if cpu, _ := p.Usage("h1"); cpu != 0 {
		t.Errorf("Usage(h1) after release = %d, want 0", cpu)
	}
	if _, err := p.Plan(ctx, testProfile(4, 1024), pin, nil); err != nil {
		t.Fatalf("Plan() after release error = %v", err)
	}
}

func TestStaticPlannerKeepsReachablePool(t *testing.T) {
	hosts, pools := testInventory()
	p := NewStaticPlanner(hosts, pools, zap.NewNop().Sugar())

	prof := testProfile(1, 512)
	prof.VM.Spec.Volumes[0].PoolID = "local-h1"

	dest, err := p.Plan(context.Background(), prof, Constraints{HostID: "h1"}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if dest.Pools["root"] != "local-h1" {
		t.Errorf("root pool = %s, want local-h1", dest.Pools["root"])
	}

	// On h3 the host-local pool is unreachable; the volume moves to c2.
	dest, err = p.Plan(context.Background(), prof, Constraints{HostID: "h3"}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if dest.Pools["root"] != "shared-c2" {
		t.Errorf("root pool = %s, want shared-c2", dest.Pools["root"])
	}
}

func TestStaticPlannerPinnedPoolUnreachable(t *testing.T) {
	hosts, pools := testInventory()
	p := NewStaticPlanner(hosts, pools, zap.NewNop().Sugar())

	_, err := p.Plan(context.Background(), testProfile(1, 512),
		Constraints{HostID: "h3", Pools: map[string]string{"root": "shared-c1"}}, nil)
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("Plan() error = %v, want ErrNoDestination", err)
	}
}

func TestStaticCatalog(t *testing.T) {
	c := &StaticCatalog{
		Offerings: map[string]Offering{"small": {ID: "small", VCPUs: 1, MemoryMiB: 512}},
	}
	ctx := context.Background()

	off, err := c.Offering(ctx, "small")
	if err != nil || off.VCPUs != 1 {
		t.Fatalf("Offering() = %+v, %v", off, err)
	}
	if _, err := c.Offering(ctx, "large"); err == nil {
		t.Error("Offering(large) error = nil")
	}
	if _, err := c.Offering(ctx, ""); err != nil {
		t.Errorf("Offering(\"\") error = %v", err)
	}
	if _, err := c.Template(ctx, ""); err != nil {
		t.Errorf("Template(\"\") error = %v", err)
	}
}
