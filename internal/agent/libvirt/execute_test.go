package libvirt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
)

func newTestExecutor(m *mockLibvirtClient) *executor {
	e := newExecutor(m, 200*time.Millisecond, zap.NewNop().Sugar())
	e.pollInterval = 10 * time.Millisecond
	return e
}

func TestExecutorStart(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(m *mockLibvirtClient)
		wantDefine int
		wantCreate int
		wantChain  map[string]string
	}{
		{
			name:       "defines and boots a missing domain",
			setup:      func(m *mockLibvirtClient) {},
			wantDefine: 1,
			wantCreate: 1,
		},
		{
			name: "boots a defined domain",
			setup: func(m *mockLibvirtClient) {
				m.setState("vm-1", domainStateShutoff)
			},
			wantCreate: 1,
		},
		{
			name: "running domain is left alone",
			setup: func(m *mockLibvirtClient) {
				m.setState("vm-1", domainStateRunning)
				m.xmlDesc = `<domain type="kvm"><name>vm-1</name><devices>` +
					`<disk type="file" device="disk"><source file="/pool/top.qcow2"/>` +
					`<backingStore type="file"><source file="/pool/base.qcow2"/></backingStore>` +
					`<target dev="vda" bus="virtio"/></disk></devices></domain>`
			},
			wantChain: map[string]string{"root": "/pool/top.qcow2<-/pool/base.qcow2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockClient()
			tt.setup(m)
			e := newTestExecutor(m)

			ans, err := e.run(context.Background(), agent.StartCommand{
				VMName:     "vm-1",
				Definition: `<domain type="kvm"><name>vm-1</name></domain>`,
				Volumes:    []agent.VolumeTO{{ID: "root", DeviceID: 0}},
			})
			if err != nil {
				t.Fatalf("run() error = %v", err)
			}
			if !ans.Result || ans.PowerState != v1alpha1.PowerOn {
				t.Fatalf("answer = %+v, want success with PowerOn", ans)
			}
			if ans.Command != "Start" {
				t.Errorf("Command = %q, want Start", ans.Command)
			}
			if got := m.called("DomainDefineXML"); got != tt.wantDefine {
				t.Errorf("DomainDefineXML calls = %d, want %d", got, tt.wantDefine)
			}
			if got := m.called("DomainCreate"); got != tt.wantCreate {
				t.Errorf("DomainCreate calls = %d, want %d", got, tt.wantCreate)
			}
			for k, v := range tt.wantChain {
				if ans.ChainInfo[k] != v {
					t.Errorf("ChainInfo[%s] = %q, want %q", k, ans.ChainInfo[k], v)
				}
			}
		})
	}
}

func TestExecutorStartDefineFails(t *testing.T) {
	m := newMockClient()
	m.defineXMLFunc = func(string) (libvirt.Domain, error) {
		return libvirt.Domain{}, libvirt.Error{Code: 27, Message: "XML error"}
	}
	e := newTestExecutor(m)

	ans, err := e.run(context.Background(), agent.StartCommand{VMName: "vm-1", Definition: "<bad"})
	if err != nil {
		t.Fatalf("run() error = %v, want answer failure", err)
	}
	if ans.Result {
		t.Fatal("Result = true, want false")
	}
	if !strings.Contains(ans.Details, "failed to define domain") {
		t.Errorf("Details = %q", ans.Details)
	}
}

func TestExecutorStop(t *testing.T) {
	tests := []struct {
		name         string
		cmd          agent.StopCommand
		setup        func(m *mockLibvirtClient)
		wantShutdown int
		wantDestroy  int
		wantUndefine int
	}{
		{
			name:         "graceful shutdown",
			cmd:          agent.StopCommand{VMName: "vm-1"},
			setup:        func(m *mockLibvirtClient) { m.setState("vm-1", domainStateRunning) },
			wantShutdown: 1,
		},
		{
			name: "destroys after shutdown timeout",
			cmd:  agent.StopCommand{VMName: "vm-1"},
			setup: func(m *mockLibvirtClient) {
				m.setState("vm-1", domainStateRunning)
				m.shutdownFunc = func(libvirt.Domain) error { return nil }
			},
			wantShutdown: 1,
			wantDestroy:  1,
		},
		{
			name:        "force",
			cmd:         agent.StopCommand{VMName: "vm-1", Force: true},
			setup:       func(m *mockLibvirtClient) { m.setState("vm-1", domainStateRunning) },
			wantDestroy: 1,
		},
		{
			name:         "undefine",
			cmd:          agent.StopCommand{VMName: "vm-1", Undefine: true},
			setup:        func(m *mockLibvirtClient) { m.setState("vm-1", domainStateShutoff) },
			wantUndefine: 1,
		},
		{
			name:  "missing domain is stopped",
			cmd:   agent.StopCommand{VMName: "vm-1"},
			setup: func(m *mockLibvirtClient) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockClient()
			tt.setup(m)
			e := newTestExecutor(m)

			ans, err := e.run(context.Background(), tt.cmd)
			if err != nil {
				t.Fatalf("run() error = %v", err)
			}
			if !ans.Result || ans.PowerState != v1alpha1.PowerOff {
				t.Fatalf("answer = %+v, want success with PowerOff", ans)
			}
			if got := m.called("DomainShutdown"); got != tt.wantShutdown {
				t.Errorf("DomainShutdown calls = %d, want %d", got, tt.wantShutdown)
			}
			if got := m.called("DomainDestroy"); got != tt.wantDestroy {
				t.Errorf("DomainDestroy calls = %d, want %d", got, tt.wantDestroy)
			}
			if got := m.called("DomainUndefineFlags"); got != tt.wantUndefine {
				t.Errorf("DomainUndefineFlags calls = %d, want %d", got, tt.wantUndefine)
			}
		})
	}
}

func TestExecutorCheckAndReportStates(t *testing.T) {
	m := newMockClient()
	m.setState("on", domainStateRunning)
	m.setState("paused", domainStatePaused)
	m.setState("off", domainStateShutoff)
	e := newTestExecutor(m)

	ans, err := e.run(context.Background(), agent.ReportStatesCommand{})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	want := map[string]v1alpha1.PowerState{
		"on":     v1alpha1.PowerOn,
		"paused": v1alpha1.PowerOn,
		"off":    v1alpha1.PowerOff,
	}
	if len(ans.States) != len(want) {
		t.Fatalf("States = %v, want %v", ans.States, want)
	}
	for name, ps := range want {
		if ans.States[name] != ps {
			t.Errorf("States[%s] = %s, want %s", name, ans.States[name], ps)
		}
	}

	ans, err = e.run(context.Background(), agent.CheckStateCommand{VMName: "missing"})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !ans.Result || ans.PowerState != v1alpha1.PowerOff {
		t.Errorf("missing domain answer = %+v, want PowerOff", ans)
	}
}

func TestExecutorMigrate(t *testing.T) {
	m := newMockClient()
	m.setState("vm-1", domainStateRunning)
	var gotFlags libvirt.DomainMigrateFlags
	var gotURI libvirt.OptString
	m.migrateFunc = func(_ libvirt.Domain, uri libvirt.OptString, flags libvirt.DomainMigrateFlags) error {
		gotURI, gotFlags = uri, flags
		return nil
	}
	e := newTestExecutor(m)

	ans, err := e.run(context.Background(), agent.MigrateCommand{
		VMName:         "vm-1",
		DestinationURI: "qemu+tcp://host-2/system",
		Live:           true,
		VolumePools:    map[string]string{"root": "pool-b"},
	})
	if err != nil || !ans.Result {
		t.Fatalf("run() = %+v, %v", ans, err)
	}
	if len(gotURI) != 1 || gotURI[0] != "qemu+tcp://host-2/system" {
		t.Errorf("uri = %v", gotURI)
	}
	for _, f := range []libvirt.DomainMigrateFlags{libvirt.MigrateLive, libvirt.MigratePeer2peer, libvirt.MigrateNonSharedDisk} {
		if gotFlags&f == 0 {
			t.Errorf("flags %d missing %d", gotFlags, f)
		}
	}
}

func TestExecutorMigrateVolumesPartial(t *testing.T) {
	m := newMockClient()
	m.volumes["/a/root.qcow2"] = true
	m.pools["pool-b"] = true
	e := newTestExecutor(m)

	ans, err := e.run(context.Background(), agent.MigrateVolumesCommand{
		VMName: "vm-1",
		Volumes: []agent.VolumeMove{
			{Volume: agent.VolumeTO{ID: "root", Path: "/a/root.qcow2", SizeGB: 10}, DestPoolID: "pool-b"},
			{Volume: agent.VolumeTO{ID: "data", Path: "/a/data.qcow2", SizeGB: 10}, DestPoolID: "pool-b"},
		},
	})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if ans.Result {
		t.Fatal("Result = true, want false for a partial move")
	}
	if len(ans.Volumes) != 2 {
		t.Fatalf("Volumes = %d, want 2", len(ans.Volumes))
	}
	if !ans.Volumes[0].Success || ans.Volumes[0].PoolID != "pool-b" || ans.Volumes[0].Path == "" {
		t.Errorf("root result = %+v, want success in pool-b", ans.Volumes[0])
	}
	if ans.Volumes[1].Success {
		t.Errorf("data result = %+v, want failure", ans.Volumes[1])
	}
	if m.called("StorageVolDelete") != 1 {
		t.Errorf("StorageVolDelete calls = %d, want 1", m.called("StorageVolDelete"))
	}
}

func TestExecutorMigrateVolumesLeftoverSource(t *testing.T) {
	m := newMockClient()
	m.volumes["/a/root.qcow2"] = true
	m.pools["pool-b"] = true
	m.volDeleteErr = errors.New("volume busy")
	core, logs := observer.New(zap.WarnLevel)
	e := newTestExecutor(m)
	e.log = zap.New(core).Sugar()

	ans, err := e.run(context.Background(), agent.MigrateVolumesCommand{
		VMName:  "vm-1",
		Volumes: []agent.VolumeMove{{Volume: agent.VolumeTO{ID: "root", Path: "/a/root.qcow2", SizeGB: 10}, DestPoolID: "pool-b"}},
	})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !ans.Result || !ans.Volumes[0].Success {
		t.Fatalf("answer = %+v, want success despite the leftover source", ans)
	}
	entries := logs.FilterMessage("Failed to delete source volume after copy").All()
	if len(entries) != 1 {
		t.Fatalf("warnings = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["volume"]; got != "root" {
		t.Errorf("volume field = %v, want root", got)
	}
}

func TestExecutorScaleAndNics(t *testing.T) {
	m := newMockClient()
	m.setState("vm-1", domainStateRunning)
	e := newTestExecutor(m)

	if ans, err := e.run(context.Background(), agent.ScaleCommand{VMName: "vm-1", VCPUs: 4, MemoryMiB: 2048}); err != nil || !ans.Result {
		t.Fatalf("scale = %+v, %v", ans, err)
	}
	if m.setVcpus != 4 || m.setMemory != 2048*1024 {
		t.Errorf("vcpus=%d memory=%d", m.setVcpus, m.setMemory)
	}

	nic := agent.NicTO{ID: "n1", MAC: "52:54:00:00:00:01", Bridge: "br0", TapName: "vnet-n1"}
	if ans, err := e.run(context.Background(), agent.PlugNicCommand{VMName: "vm-1", Nic: nic}); err != nil || !ans.Result {
		t.Fatalf("plug = %+v, %v", ans, err)
	}
	for _, want := range []string{"52:54:00:00:00:01", "br0", "vnet-n1"} {
		if !strings.Contains(m.attachDeviceXML, want) {
			t.Errorf("interface XML missing %q: %s", want, m.attachDeviceXML)
		}
	}
	if ans, err := e.run(context.Background(), agent.UnplugNicCommand{VMName: "vm-1", Nic: nic}); err != nil || !ans.Result {
		t.Fatalf("unplug = %+v, %v", ans, err)
	}
}

func TestExecutorCleanup(t *testing.T) {
	m := newMockClient()
	m.setState("vm-1", domainStateRunning)
	m.volumes["/a/root.qcow2"] = true
	e := newTestExecutor(m)

	ans, err := e.run(context.Background(), agent.CleanupCommand{
		VMName: "vm-1",
		Volumes: []agent.VolumeTO{
			{ID: "root", Path: "/a/root.qcow2"},
			{ID: "gone", Path: "/a/gone.qcow2"},
		},
	})
	if err != nil || !ans.Result {
		t.Fatalf("cleanup = %+v, %v", ans, err)
	}
	if m.called("DomainDestroy") != 1 || m.called("DomainUndefineFlags") != 1 {
		t.Errorf("calls = %v", m.calls)
	}
	if m.volumes["/a/root.qcow2"] {
		t.Error("root volume was not deleted")
	}
}

func TestExecutorConnectionError(t *testing.T) {
	m := newMockClient()
	m.setState("vm-1", domainStateRunning)
	m.getStateFunc = func(libvirt.Domain) (int32, error) {
		return 0, errors.New("broken pipe")
	}
	e := newTestExecutor(m)

	_, err := e.run(context.Background(), agent.CheckStateCommand{VMName: "vm-1"})
	if !errors.Is(err, errConnection) {
		t.Fatalf("run() error = %v, want errConnection", err)
	}
}

func TestPowerState(t *testing.T) {
	tests := []struct {
		state int32
		want  v1alpha1.PowerState
	}{
		{domainStateRunning, v1alpha1.PowerOn},
		{domainStateBlocked, v1alpha1.PowerOn},
		{domainStatePaused, v1alpha1.PowerOn},
		{domainStateShutdown, v1alpha1.PowerOff},
		{domainStateShutoff, v1alpha1.PowerOff},
		{0, v1alpha1.PowerUnknown},
		{7, v1alpha1.PowerUnknown},
	}
	for _, tt := range tests {
		if got := powerState(tt.state); got != tt.want {
			t.Errorf("powerState(%d) = %s, want %s", tt.state, got, tt.want)
		}
	}
}
