package powerstate

import (
	"context"
	"sync"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
	"github.com/jbweber/foreman/internal/alert"
)

type mockTransport struct {
	mu   sync.Mutex
	sent map[string][]string

	// Reports maps host id to the states it reports. Hosts missing from
	// Reports fail ReportStates.
	Reports map[string]map[string]v1alpha1.PowerState
}

func (m *mockTransport) Send(_ context.Context, hostID string, cmds ...agent.Command) ([]agent.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = make(map[string][]string)
	}
	out := make([]agent.Answer, len(cmds))
	for i, c := range cmds {
		m.sent[hostID] = append(m.sent[hostID], c.Name())
		out[i] = agent.Answer{Command: c.Name(), Result: true}
		switch c.(type) {
		case agent.ReportStatesCommand:
			states, ok := m.Reports[hostID]
			if !ok {
				return nil, agent.Unavailable(hostID, context.DeadlineExceeded)
			}
			out[i].States = states
		case agent.StartCommand, agent.CheckStateCommand:
			out[i].PowerState = v1alpha1.PowerOn
		case agent.StopCommand:
			out[i].PowerState = v1alpha1.PowerOff
		}
	}
	return out, nil
}

func (m *mockTransport) Count(host, cmd string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.sent[host] {
		if c == cmd {
			n++
		}
	}
	return n
}

type haCall struct {
	Kind   string
	VMID   string
	HostID string
}

type mockHA struct {
	mu      sync.Mutex
	calls   []haCall
	pending map[string]bool
}

func (m *mockHA) ScheduleRestart(_ context.Context, vm *v1alpha1.VirtualMachine, _ string) error {
	return m.record(haCall{Kind: "restart", VMID: vm.UID, HostID: vm.Status.HostID})
}

func (m *mockHA) ScheduleStop(_ context.Context, vm *v1alpha1.VirtualMachine, hostID, _ string) error {
	return m.record(haCall{Kind: "stop", VMID: vm.UID, HostID: hostID})
}

func (m *mockHA) record(c haCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		m.pending = make(map[string]bool)
	}
	m.calls = append(m.calls, c)
	m.pending[c.VMID] = true
	return nil
}

func (m *mockHA) HasPendingWork(_ context.Context, vmID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[vmID], nil
}

func (m *mockHA) Calls() []haCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]haCall(nil), m.calls...)
}

type mockSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (m *mockSink) Send(_ context.Context, a alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *mockSink) Alerts() []alert.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]alert.Alert(nil), m.alerts...)
}
