package orchestrator

import (
	"context"
	"fmt"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/deploy"
)

// TypeHandler customizes the lifecycle of one VM type.
type TypeHandler interface {
	// FinalizeProfile adjusts the profile before placement.
	FinalizeProfile(ctx context.Context, p *deploy.Profile) error
	// FinalizeStart runs after the VM reached Running.
	FinalizeStart(ctx context.Context, vm *v1alpha1.VirtualMachine) error
	// FinalizeStop runs after the VM reached Stopped.
	FinalizeStop(ctx context.Context, vm *v1alpha1.VirtualMachine)
}

// Handlers maps VM types to their handlers. It is built at startup and
// handed to the Orchestrator.
type Handlers struct {
	byType map[v1alpha1.VMType]TypeHandler
}

// NewHandlers creates an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{byType: make(map[v1alpha1.VMType]TypeHandler)}
}

// DefaultHandlers registers the handlers for the built-in VM types.
func DefaultHandlers() *Handlers {
	h := NewHandlers()
	h.Register(v1alpha1.VMTypeUser, UserHandler{})
	h.Register(v1alpha1.VMTypeRouter, ApplianceHandler{Role: "router"})
	h.Register(v1alpha1.VMTypeConsoleProxy, ApplianceHandler{Role: "consoleproxy"})
	return h
}

// Register sets the handler for t.
func (h *Handlers) Register(t v1alpha1.VMType, handler TypeHandler) {
	h.byType[t] = handler
}

// Get returns the handler for t.
func (h *Handlers) Get(t v1alpha1.VMType) (TypeHandler, error) {
	handler, ok := h.byType[t]
	if !ok {
		return nil, fmt.Errorf("no handler for vm type %q", t)
	}
	return handler, nil
}

// UserHandler handles tenant VMs.
type UserHandler struct{}

func (UserHandler) FinalizeProfile(_ context.Context, p *deploy.Profile) error {
	if p.VM.RootVolume() == nil {
		return fmt.Errorf("vm %s has no root volume", p.VM.Name)
	}
	return nil
}

func (UserHandler) FinalizeStart(context.Context, *v1alpha1.VirtualMachine) error { return nil }

func (UserHandler) FinalizeStop(context.Context, *v1alpha1.VirtualMachine) {}

// ApplianceHandler handles system VMs such as virtual routers. They need a
// default NIC and always run with HA.
type ApplianceHandler struct {
	Role string
}

func (a ApplianceHandler) FinalizeProfile(_ context.Context, p *deploy.Profile) error {
	if p.VM.RootVolume() == nil {
		return fmt.Errorf("%s %s has no root volume", a.Role, p.VM.Name)
	}
	hasDefault := false
	for _, n := range p.Nics {
		hasDefault = hasDefault || n.Default
	}
	if !hasDefault {
		return fmt.Errorf("%s %s needs a default nic", a.Role, p.VM.Name)
	}
	p.Params["role"] = a.Role
	p.VM.Spec.HAEnabled = true
	return nil
}

func (ApplianceHandler) FinalizeStart(context.Context, *v1alpha1.VirtualMachine) error { return nil }

func (ApplianceHandler) FinalizeStop(context.Context, *v1alpha1.VirtualMachine) {}
