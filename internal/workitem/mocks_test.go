package workitem

import (
	"context"
	"sync"

	"github.com/jbweber/foreman/api/v1alpha1"
)

type mockStalledHandler struct {
	mu    sync.Mutex
	calls []string

	HandleStalledFunc func(ctx context.Context, wi *v1alpha1.WorkItem, vm *v1alpha1.VirtualMachine) error
}

func (m *mockStalledHandler) HandleStalled(ctx context.Context, wi *v1alpha1.WorkItem, vm *v1alpha1.VirtualMachine) error {
	m.mu.Lock()
	m.calls = append(m.calls, vm.UID)
	m.mu.Unlock()
	if m.HandleStalledFunc != nil {
		return m.HandleStalledFunc(ctx, wi, vm)
	}
	return nil
}

type mockActivity struct {
	running map[string]bool
}

func (m *mockActivity) Running(vmID string) bool {
	return m.running[vmID]
}
