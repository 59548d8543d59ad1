package migration

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

// okAnswers answers every command with success. MigrateVolumes reports each
// requested volume as moved.
func okAnswers(cmds []agent.Command) []agent.Answer {
	out := make([]agent.Answer, len(cmds))
	for i, c := range cmds {
		out[i] = agent.Answer{Command: c.Name(), Result: true}
		switch cmd := c.(type) {
		case agent.StartCommand, agent.CheckStateCommand:
			out[i].PowerState = v1alpha1.PowerOn
		case agent.StopCommand:
			out[i].PowerState = v1alpha1.PowerOff
		case agent.MigrateVolumesCommand:
			for _, mv := range cmd.Volumes {
				out[i].Volumes = append(out[i].Volumes, agent.VolumeResult{
					VolumeID:  mv.Volume.ID,
					Success:   true,
					PoolID:    mv.DestPoolID,
					Path:      mv.DestPath,
					ChainInfo: mv.DestPath,
				})
			}
		}
	}
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

type mockHA struct {
	mu       sync.Mutex
	restarts []string
	stops    []string
}

func (m *mockHA) ScheduleRestart(_ context.Context, vm *v1alpha1.VirtualMachine, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts = append(m.restarts, vm.UID)
	return nil
}

func (m *mockHA) ScheduleStop(_ context.Context, vm *v1alpha1.VirtualMachine, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, vm.UID)
	return nil
}

func (m *mockHA) HasPendingWork(context.Context, string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.restarts)+len(m.stops) > 0, nil
}
