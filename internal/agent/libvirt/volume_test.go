package libvirt

import (
	"context"
	"strings"
	"testing"

	"github.com/jbweber/foreman/internal/agent"
)

func TestVolumeXML(t *testing.T) {
	tests := []struct {
		name        string
		backing     string
		contains    []string
		notContains []string
	}{
		{
			name:        "plain volume",
			contains:    []string{"<name>web_data.qcow2</name>", `unit="GiB"`, `type="qcow2"`},
			notContains: []string{"backingStore"},
		},
		{
			name:     "overlay of an image",
			backing:  "/images/fedora.qcow2",
			contains: []string{"<backingStore>", "<path>/images/fedora.qcow2</path>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xml, err := volumeXML("web_data.qcow2", 20, tt.backing)
			if err != nil {
				t.Fatalf("volumeXML() error = %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(xml, want) {
					t.Errorf("XML missing %q:\n%s", want, xml)
				}
			}
			for _, unwanted := range tt.notContains {
				if strings.Contains(xml, unwanted) {
					t.Errorf("XML contains %q:\n%s", unwanted, xml)
				}
			}
		})
	}
}

func TestExecutorStartCreatesMissingVolumes(t *testing.T) {
	m := newMockClient()
	m.pools["p1"] = true
	m.volumes["/pools/p1/web_data.qcow2"] = true
	e := newTestExecutor(m)

	ans, err := e.run(context.Background(), agent.StartCommand{
		VMName:     "web",
		Definition: `<domain type="kvm"><name>web</name></domain>`,
		Volumes: []agent.VolumeTO{
			{ID: "root", PoolID: "p1", Path: "/pools/p1/web_root.qcow2", SizeGB: 10, BackingPath: "/images/fedora.qcow2"},
			{ID: "data", PoolID: "p1", Path: "/pools/p1/web_data.qcow2", SizeGB: 50, DeviceID: 1},
		},
	})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !ans.Result {
		t.Fatalf("answer = %+v, want success", ans)
	}
	if got := m.called("StorageVolCreateXML"); got != 1 {
		t.Fatalf("StorageVolCreateXML calls = %d, want 1", got)
	}
	if !strings.Contains(m.createdVolXML[0], "web_root.qcow2") || !strings.Contains(m.createdVolXML[0], "/images/fedora.qcow2") {
		t.Errorf("created volume XML = %s", m.createdVolXML[0])
	}
}

func TestExecutorStartMissingPool(t *testing.T) {
	m := newMockClient()
	e := newTestExecutor(m)

	ans, err := e.run(context.Background(), agent.StartCommand{
		VMName:     "web",
		Definition: `<domain type="kvm"><name>web</name></domain>`,
		Volumes:    []agent.VolumeTO{{ID: "root", PoolID: "gone", Path: "/pools/gone/web_root.qcow2", SizeGB: 10}},
	})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if ans.Result || !strings.Contains(ans.Details, "pool gone") {
		t.Errorf("answer = %+v, want failure naming the pool", ans)
	}
	if got := m.called("DomainDefineXML"); got != 0 {
		t.Errorf("DomainDefineXML calls = %d, want 0", got)
	}
}
