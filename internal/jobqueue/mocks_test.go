package jobqueue

import (
	"context"
	"sync"

	"github.com/jbweber/foreman/api/v1alpha1"
)

type opCall struct {
	Op    string
	VMID  string
	JobID string
}

type mockOperations struct {
	mu    sync.Mutex
	calls []opCall

	StartFunc  func(ctx context.Context, vmID, hostID string) error
	StopFunc   func(ctx context.Context, vmID string, force bool) error
	AddNicFunc func(ctx context.Context, vmID, networkID string) (*v1alpha1.Nic, error)
}

func (m *mockOperations) record(ctx context.Context, op, vmID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, opCall{Op: op, VMID: vmID, JobID: JobID(ctx)})
}

func (m *mockOperations) Calls() []opCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]opCall(nil), m.calls...)
}

func (m *mockOperations) Start(ctx context.Context, vmID, hostID string) error {
	m.record(ctx, "Start", vmID)
	if m.StartFunc != nil {
		return m.StartFunc(ctx, vmID, hostID)
	}
	return nil
}

func (m *mockOperations) Stop(ctx context.Context, vmID string, force bool) error {
	m.record(ctx, "Stop", vmID)
	if m.StopFunc != nil {
		return m.StopFunc(ctx, vmID, force)
	}
	return nil
}

func (m *mockOperations) Reboot(ctx context.Context, vmID string) error {
	m.record(ctx, "Reboot", vmID)
	return nil
}

func (m *mockOperations) Migrate(ctx context.Context, vmID, _ string, _ bool, _ map[string]string) error {
	m.record(ctx, "Migrate", vmID)
	return nil
}

func (m *mockOperations) MigrateAway(ctx context.Context, vmID, _ string) error {
	m.record(ctx, "MigrateAway", vmID)
	return nil
}

func (m *mockOperations) MigrateStorage(ctx context.Context, vmID string, _ map[string]string) error {
	m.record(ctx, "MigrateStorage", vmID)
	return nil
}

func (m *mockOperations) Scale(ctx context.Context, vmID string, _, _ int) error {
	m.record(ctx, "Scale", vmID)
	return nil
}

func (m *mockOperations) AddNic(ctx context.Context, vmID, networkID string) (*v1alpha1.Nic, error) {
	m.record(ctx, "AddNic", vmID)
	if m.AddNicFunc != nil {
		return m.AddNicFunc(ctx, vmID, networkID)
	}
	return &v1alpha1.Nic{ID: "nic-1", NetworkID: networkID}, nil
}

func (m *mockOperations) RemoveNic(ctx context.Context, vmID, _ string) (bool, error) {
	m.record(ctx, "RemoveNic", vmID)
	return true, nil
}

func (m *mockOperations) Destroy(ctx context.Context, vmID string, _ bool) error {
	m.record(ctx, "Destroy", vmID)
	return nil
}

func (m *mockOperations) Expunge(ctx context.Context, vmID string) error {
	m.record(ctx, "Expunge", vmID)
	return nil
}

func (m *mockOperations) Recover(ctx context.Context, vmID string) error {
	m.record(ctx, "Recover", vmID)
	return nil
}
