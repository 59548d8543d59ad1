package powerstate

import (
	"context"
	"testing"
	"time"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/alert"
	"github.com/jbweber/foreman/internal/deploy"
	"github.com/jbweber/foreman/internal/guru"
	"github.com/jbweber/foreman/internal/logger"
	"github.com/jbweber/foreman/internal/orchestrator"
	"github.com/jbweber/foreman/internal/resources"
	"github.com/jbweber/foreman/internal/state"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/workitem"
)

type testEnv struct {
	r         *Reconciler
	o         *orchestrator.Orchestrator
	store     *store.Memory
	transport *mockTransport
	ha        *mockHA
	alerts    *mockSink
	storage   *resources.StorageLedger
	planner   *deploy.StaticPlanner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Nop()
	s := store.NewMemory()

	hosts := []deploy.Host{
		{ID: "host-a", ZoneID: "z1", PodID: "p1", ClusterID: "c1", HypervisorType: "kvm", VCPUs: 16, MemoryMiB: 32768},
		{ID: "host-b", ZoneID: "z1", PodID: "p1", ClusterID: "c1", HypervisorType: "kvm", VCPUs: 16, MemoryMiB: 32768},
	}
	pools := []deploy.Pool{{ID: "pool-1", Scope: deploy.ScopeZone, ZoneID: "z1", Path: "/srv/pool-1", CapacityGB: 1000}}
	network, err := resources.NewNetworkLedger([]resources.Network{
		{ID: "net-1", Bridge: "br0", CIDR: "10.0.0.0/24", Gateway: "10.0.0.1"},
	}, log)
	if err != nil {
		t.Fatalf("NewNetworkLedger() error = %v", err)
	}
	storage := resources.NewStorageLedger(pools, log)
	planner := deploy.NewStaticPlanner(hosts, pools, log)
	transport := &mockTransport{Reports: map[string]map[string]v1alpha1.PowerState{}}
	gurus := guru.NewRegistry(&guru.KVM{})
	tracker := workitem.NewTracker(s.WorkItems(), "node-a", 10*time.Millisecond, log)

	o := orchestrator.New(orchestrator.Deps{
		VMs:     s.VMs(),
		Machine: state.NewMachine(s.VMs(), log),
		Tracker: tracker,
		Planner: planner,
		Catalog: &deploy.StaticCatalog{Offerings: map[string]deploy.Offering{
			"small": {ID: "small", VCPUs: 2, MemoryMiB: 1024},
		}},
		Storage:   storage,
		Network:   network,
		Gurus:     gurus,
		Transport: transport,
	}, orchestrator.Config{LockWait: time.Second}, log)

	haMgr := &mockHA{}
	sink := &mockSink{}
	r := New(Deps{
		VMs:       s.VMs(),
		Jobs:      s.Jobs(),
		Tracker:   tracker,
		Syncer:    o,
		HA:        haMgr,
		Gurus:     gurus,
		Transport: transport,
		Alerts:    sink,
		Hosts:     []string{"host-a", "host-b"},
	}, DefaultConfig(), log)

	return &testEnv{r: r, o: o, store: s, transport: transport, ha: haMgr, alerts: sink, storage: storage, planner: planner}
}

func (e *testEnv) allocate(t *testing.T, name string, haEnabled bool) *v1alpha1.VirtualMachine {
	t.Helper()
	vm := v1alpha1.NewVirtualMachine(name, v1alpha1.VMTypeUser)
	vm.Spec.ZoneID = "z1"
	vm.Spec.OfferingID = "small"
	vm.Spec.HAEnabled = haEnabled
	vm.Spec.Volumes = []v1alpha1.Volume{{Type: v1alpha1.VolumeTypeRoot, SizeGB: 10}}
	vm.Spec.Nics = []v1alpha1.Nic{{NetworkID: "net-1", Default: true}}
	if err := e.o.Allocate(context.Background(), vm); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	return vm
}

func (e *testEnv) running(t *testing.T, name string, haEnabled bool) *v1alpha1.VirtualMachine {
	t.Helper()
	vm := e.allocate(t, name, haEnabled)
	if err := e.o.Start(context.Background(), vm.UID, "host-a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return e.get(t, vm.UID)
}

func (e *testEnv) get(t *testing.T, vmID string) *v1alpha1.VirtualMachine {
	t.Helper()
	vm, err := e.store.VMs().Get(context.Background(), vmID)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", vmID, err)
	}
	return vm
}

func (e *testEnv) ingest(t *testing.T, hostID string, states map[string]v1alpha1.PowerState) Summary {
	t.Helper()
	sum, err := e.r.Ingest(context.Background(), hostID, states)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	return sum
}

func (e *testEnv) alertsOfType(typ string) int {
	n := 0
	for _, a := range e.alerts.Alerts() {
		if a.Type == typ {
			n++
		}
	}
	return n
}

func TestIngest_PowerOffWithoutHA(t *testing.T) {
	e := newTestEnv(t)
	vm := e.running(t, "web-1", false)
	report := map[string]v1alpha1.PowerState{vm.Name: v1alpha1.PowerOff}

	sum := e.ingest(t, "host-a", report)
	if sum.Followed != 1 {
		t.Errorf("Followed = %d, want 1", sum.Followed)
	}

	got := e.get(t, vm.UID)
	if got.Status.State != v1alpha1.StateStopped {
		t.Fatalf("State = %s, want Stopped", got.Status.State)
	}
	if got.Status.HostID != "" || got.Status.ReservationID != "" {
		t.Errorf("host = %q, reservation = %q, want both cleared", got.Status.HostID, got.Status.ReservationID)
	}
	if got.Status.LastHostID != "host-a" {
		t.Errorf("LastHostID = %q, want host-a", got.Status.LastHostID)
	}
	if hosts := e.storage.AttachedHosts(vm.UID); len(hosts) != 0 {
		t.Errorf("storage still attached on %v", hosts)
	}
	if cpu, mem := e.planner.Usage("host-a"); cpu != 0 || mem != 0 {
		t.Errorf("Usage(host-a) = %d, %d, want 0, 0", cpu, mem)
	}
	if !state.IsConditionTrue(got, v1alpha1.ConditionPowerDrift) {
		t.Error("PowerDrift condition not set")
	}
	if n := e.alertsOfType(alert.TypeUnexpectedStop); n != 1 {
		t.Errorf("UnexpectedStop alerts = %d, want 1", n)
	}
	if n := e.transport.Count("host-a", "Stop"); n != 1 {
		t.Errorf("Stop sent %d times, want 1", n)
	}

	// The same report again changes nothing.
	sum = e.ingest(t, "host-a", report)
	if sum.Followed != 0 {
		t.Errorf("second Followed = %d, want 0", sum.Followed)
	}
	if n := len(e.alerts.Alerts()); n != 1 {
		t.Errorf("alerts after repeat = %d, want 1", n)
	}
	if n := e.transport.Count("host-a", "Stop"); n != 1 {
		t.Errorf("Stop sent %d times after repeat, want 1", n)
	}
}

func TestIngest_PowerOffWithHA(t *testing.T) {
	e := newTestEnv(t)
	vm := e.running(t, "db-1", true)
	report := map[string]v1alpha1.PowerState{vm.Name: v1alpha1.PowerOff}

	sum := e.ingest(t, "host-a", report)
	if sum.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", sum.Restarts)
	}
	calls := e.ha.Calls()
	if len(calls) != 1 || calls[0].Kind != "restart" || calls[0].VMID != vm.UID {
		t.Fatalf("HA calls = %+v, want one restart of %s", calls, vm.UID)
	}
	if got := e.get(t, vm.UID); got.Status.State != v1alpha1.StateRunning {
		t.Errorf("State = %s, want Running until HA acts", got.Status.State)
	}
	if n := len(e.alerts.Alerts()); n != 0 {
		t.Errorf("alerts = %d, want 0", n)
	}

	sum = e.ingest(t, "host-a", report)
	if sum.Deferred != 1 {
		t.Errorf("second Deferred = %d, want 1", sum.Deferred)
	}
	if n := len(e.ha.Calls()); n != 1 {
		t.Errorf("HA calls after repeat = %d, want 1", n)
	}
}

func TestIngest_PowerOn(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	vm := e.running(t, "web-1", false)
	if err := e.o.Stop(ctx, vm.UID, false); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	report := map[string]v1alpha1.PowerState{vm.Name: v1alpha1.PowerOn}
	sum := e.ingest(t, "host-b", report)
	if sum.Followed != 1 {
		t.Errorf("Followed = %d, want 1", sum.Followed)
	}
	got := e.get(t, vm.UID)
	if got.Status.State != v1alpha1.StateRunning || got.Status.HostID != "host-b" {
		t.Fatalf("state = %s on %q, want Running on host-b", got.Status.State, got.Status.HostID)
	}
	if got.Status.PowerState != v1alpha1.PowerOn || got.Status.PowerHostID != "host-b" {
		t.Errorf("power = %s on %q, want PowerOn on host-b", got.Status.PowerState, got.Status.PowerHostID)
	}
	if n := e.alertsOfType(alert.TypePowerDrift); n != 1 {
		t.Errorf("PowerDrift alerts = %d, want 1", n)
	}

	e.ingest(t, "host-b", report)
	if n := len(e.alerts.Alerts()); n != 1 {
		t.Errorf("alerts after repeat = %d, want 1", n)
	}
}

func TestIngest_PowerOnOutsideLifecycle(t *testing.T) {
	e := newTestEnv(t)
	vm := e.allocate(t, "web-1", false)

	sum := e.ingest(t, "host-b", map[string]v1alpha1.PowerState{vm.Name: v1alpha1.PowerOn})
	if sum.Stops != 1 {
		t.Errorf("Stops = %d, want 1", sum.Stops)
	}
	calls := e.ha.Calls()
	if len(calls) != 1 || calls[0].Kind != "stop" || calls[0].HostID != "host-b" {
		t.Fatalf("HA calls = %+v, want one stop on host-b", calls)
	}
	if got := e.get(t, vm.UID); got.Status.State != v1alpha1.StateCreated {
		t.Errorf("State = %s, want Created", got.Status.State)
	}
}

func TestIngest_DefersPendingJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	vm := e.running(t, "web-1", false)

	if err := e.store.Jobs().Submit(ctx, &v1alpha1.WorkJob{ID: "job-1", VMID: vm.UID, Cmd: v1alpha1.CmdStop}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	sum := e.ingest(t, "host-a", map[string]v1alpha1.PowerState{vm.Name: v1alpha1.PowerOff})
	if sum.Deferred != 1 || sum.Followed != 0 {
		t.Errorf("summary = %s, want one deferral", sum)
	}
	got := e.get(t, vm.UID)
	if got.Status.State != v1alpha1.StateRunning {
		t.Errorf("State = %s, want Running", got.Status.State)
	}
	if got.Status.PowerState != v1alpha1.PowerOff {
		t.Errorf("PowerState = %s, want the report recorded", got.Status.PowerState)
	}
	if n := e.transport.Count("host-a", "Stop"); n != 0 {
		t.Errorf("Stop sent %d times, want 0", n)
	}
}

func TestIngest_UnknownVM(t *testing.T) {
	e := newTestEnv(t)
	sum := e.ingest(t, "host-a", map[string]v1alpha1.PowerState{"ghost": v1alpha1.PowerOn})
	if sum.Reported != 1 || sum.Followed != 0 || sum.Stops != 0 {
		t.Errorf("summary = %s", sum)
	}
}

func TestIngest_MissingAfterGracefulPeriod(t *testing.T) {
	e := newTestEnv(t)
	vm := e.running(t, "web-1", false)

	sum := e.ingest(t, "host-a", map[string]v1alpha1.PowerState{})
	if sum.Missing != 0 {
		t.Fatalf("Missing = %d within the graceful period, want 0", sum.Missing)
	}
	if got := e.get(t, vm.UID); got.Status.State != v1alpha1.StateRunning {
		t.Fatalf("State = %s, want Running", got.Status.State)
	}

	e.r.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	sum = e.ingest(t, "host-a", map[string]v1alpha1.PowerState{})
	if sum.Missing != 1 || sum.Followed != 1 {
		t.Errorf("summary = %s, want one missing vm followed", sum)
	}
	got := e.get(t, vm.UID)
	if got.Status.State != v1alpha1.StateStopped {
		t.Errorf("State = %s, want Stopped", got.Status.State)
	}
	if got.Status.PowerState != v1alpha1.PowerReportMissing {
		t.Errorf("PowerState = %s, want PowerReportMissing", got.Status.PowerState)
	}
	if n := e.alertsOfType(alert.TypeUnexpectedStop); n != 1 {
		t.Errorf("UnexpectedStop alerts = %d, want 1", n)
	}
}

func TestPass(t *testing.T) {
	later := func() time.Time { return time.Now().Add(3 * time.Minute) }

	t.Run("reporting host", func(t *testing.T) {
		e := newTestEnv(t)
		vm := e.running(t, "web-1", false)
		e.transport.Reports["host-a"] = map[string]v1alpha1.PowerState{vm.Name: v1alpha1.PowerOn}
		e.transport.Reports["host-b"] = map[string]v1alpha1.PowerState{}
		e.r.now = later

		e.r.Pass(context.Background())
		got := e.get(t, vm.UID)
		if got.Status.State != v1alpha1.StateRunning || got.Status.PowerState != v1alpha1.PowerOn {
			t.Errorf("state = %s, power = %s, want Running and PowerOn", got.Status.State, got.Status.PowerState)
		}
	})

	t.Run("silent host", func(t *testing.T) {
		e := newTestEnv(t)
		vm := e.running(t, "web-1", false)
		e.r.now = later

		e.r.Pass(context.Background())
		if got := e.get(t, vm.UID); got.Status.State != v1alpha1.StateStopped {
			t.Errorf("State = %s, want Stopped", got.Status.State)
		}
	})

	t.Run("host seen recently", func(t *testing.T) {
		e := newTestEnv(t)
		vm := e.running(t, "web-1", false)
		e.r.now = later
		e.r.lastSeen.SetDefault("host-a", time.Now())

		e.r.Pass(context.Background())
		if got := e.get(t, vm.UID); got.Status.State != v1alpha1.StateRunning {
			t.Errorf("State = %s, want Running", got.Status.State)
		}
	})
}

func TestConfigGracefulPeriod(t *testing.T) {
	if got := DefaultConfig().GracefulPeriod(); got != 2*time.Minute {
		t.Errorf("GracefulPeriod() = %v, want 2m", got)
	}
	r := New(Deps{}, Config{}, logger.Nop())
	if got := r.cfg.GracefulPeriod(); got != 2*time.Minute {
		t.Errorf("zero config GracefulPeriod() = %v, want 2m", got)
	}
}
