package resources

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/deploy"
)

func newTestStorageLedger() *StorageLedger {
	return NewStorageLedger([]deploy.Pool{
		{ID: "p1", Scope: deploy.ScopeCluster, ClusterID: "c1", Path: "/pools/p1"},
		{ID: "p2", Scope: deploy.ScopeZone, ZoneID: "z1", Path: "/pools/p2"},
	}, zap.NewNop().Sugar())
}

func TestStorageLedgerAllocate(t *testing.T) {
	l := newTestStorageLedger()
	vm := v1alpha1.NewVirtualMachine("web", "")
	vm.Spec.Volumes = []v1alpha1.Volume{
		{Type: v1alpha1.VolumeTypeRoot, SizeGB: 10},
		{Type: v1alpha1.VolumeTypeData, SizeGB: 20, DeviceID: 1},
	}
	if err := l.Allocate(context.Background(), vm); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if vm.Spec.Volumes[0].Name != "root" || vm.Spec.Volumes[1].Name != "data-1" {
		t.Errorf("names = %s, %s", vm.Spec.Volumes[0].Name, vm.Spec.Volumes[1].Name)
	}
	if vm.Spec.Volumes[0].ID == "" {
		t.Error("volume id not assigned")
	}

	bad := v1alpha1.NewVirtualMachine("bad", "")
	bad.Spec.Volumes = []v1alpha1.Volume{{SizeGB: 0}}
	if err := l.Allocate(context.Background(), bad); err == nil {
		t.Error("zero-size volume accepted")
	}
	bad.Spec.Volumes = []v1alpha1.Volume{{SizeGB: 1, PoolID: "nope"}}
	if err := l.Allocate(context.Background(), bad); !errors.Is(err, ErrUnavailable) {
		t.Errorf("unknown pool error = %v, want ErrUnavailable", err)
	}
}

func TestStorageLedgerPrepare(t *testing.T) {
	l := newTestStorageLedger()
	ctx := context.Background()
	vm := v1alpha1.NewVirtualMachine("web", "")
	vm.Spec.Volumes = []v1alpha1.Volume{{ID: "root", Name: "root", SizeGB: 10}}

	dest := &deploy.Destination{HostID: "h1", ClusterID: "c1", ZoneID: "z1", Pools: map[string]string{"root": "p1"}}
	vols, err := l.Prepare(ctx, vm, dest)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if vols[0].PoolID != "p1" || vols[0].Path != "/pools/p1/web_root.qcow2" {
		t.Errorf("volume = %+v", vols[0])
	}
	if got := l.AttachedHosts(vm.UID); len(got) != 1 || got[0] != "h1" {
		t.Errorf("AttachedHosts = %v", got)
	}

	far := &deploy.Destination{HostID: "h9", ClusterID: "c9", ZoneID: "z1", Pools: map[string]string{"root": "p1"}}
	if _, err := l.Prepare(ctx, vm, far); !errors.Is(err, ErrUnavailable) {
		t.Errorf("unreachable pool error = %v, want ErrUnavailable", err)
	}

	if err := l.Release(ctx, vm.UID, "h1"); err != nil {
		t.Fatal(err)
	}
	if got := l.AttachedHosts(vm.UID); len(got) != 0 {
		t.Errorf("AttachedHosts after Release = %v", got)
	}
}

func TestStorageLedgerMigrateVolumes(t *testing.T) {
	l := newTestStorageLedger()
	vm := v1alpha1.NewVirtualMachine("web", "")
	vm.Spec.Volumes = []v1alpha1.Volume{
		{ID: "root", Name: "root", PoolID: "p1", Path: "/pools/p1/web_root.qcow2"},
		{ID: "data", Name: "data-1", PoolID: "p1", Path: "/pools/p1/web_data-1.qcow2"},
	}

	moved, err := l.MigrateVolumes(context.Background(), vm, map[string]string{"root": "p2", "data": "p1"})
	if err != nil {
		t.Fatalf("MigrateVolumes() error = %v", err)
	}
	if len(moved) != 1 || moved[0].ID != "root" || moved[0].PoolID != "p2" || moved[0].Path != "/pools/p2/web_root.qcow2" {
		t.Errorf("moved = %+v", moved)
	}

	if _, err := l.MigrateVolumes(context.Background(), vm, map[string]string{"root": "nope"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("unknown pool error = %v", err)
	}
}
