package orchestrator

import (
	"context"
	"sync"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
)

type sentCommand struct {
	Host string
	Cmd  string
}

type mockTransport struct {
	mu   sync.Mutex
	sent []sentCommand

	// SendFunc overrides the default of answering every command with
	// success.
	SendFunc func(ctx context.Context, hostID string, cmds ...agent.Command) ([]agent.Answer, error)
}

func (m *mockTransport) Send(ctx context.Context, hostID string, cmds ...agent.Command) ([]agent.Answer, error) {
	m.mu.Lock()
	for _, c := range cmds {
		m.sent = append(m.sent, sentCommand{Host: hostID, Cmd: c.Name()})
	}
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, hostID, cmds...)
	}
	return okAnswers(cmds), nil
}

// Count returns how many cmd commands were sent to host. An empty host
// matches any host.
func (m *mockTransport) Count(host, cmd string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.Cmd == cmd && (host == "" || s.Host == host) {
			n++
		}
	}
	return n
}

func okAnswers(cmds []agent.Command) []agent.Answer {
	out := make([]agent.Answer, len(cmds))
	for i, c := range cmds {
		out[i] = agent.Answer{Command: c.Name(), Result: true}
		switch c.(type) {
		case agent.StartCommand, agent.CheckStateCommand:
			out[i].PowerState = v1alpha1.PowerOn
		case agent.StopCommand:
			out[i].PowerState = v1alpha1.PowerOff
		}
	}
	return out
}

func failAnswers(cmds []agent.Command, details string) []agent.Answer {
	out := okAnswers(cmds)
	out[0].Result = false
	out[0].Details = details
	return out
}

func isCommand[T agent.Command](cmds []agent.Command) bool {
	for _, c := range cmds {
		if _, ok := c.(T); ok {
			return true
		}
	}
	return false
}

type mockEvents struct {
	mu  sync.Mutex
	vms []string
}

func (m *mockEvents) PowerChanged(_ context.Context, vmID string) {
	m.mu.Lock()
	m.vms = append(m.vms, vmID)
	m.mu.Unlock()
}

func (m *mockEvents) VMs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.vms...)
}
