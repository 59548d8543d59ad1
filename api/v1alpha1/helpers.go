package v1alpha1

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// GroupName is the API group for foreman records.
	GroupName = "foreman.cofront.xyz"

	// Version is the API version.
	Version = "v1alpha1"

	// VirtualMachineKind is the kind string for VirtualMachine records.
	VirtualMachineKind = "VirtualMachine"
)

// NewVirtualMachine creates a VirtualMachine record in the Created state with
// a fresh UID.
func NewVirtualMachine(name string, vmType VMType) *VirtualMachine {
	if vmType == "" {
		vmType = VMTypeUser
	}
	now := Now()
	return &VirtualMachine{
		TypeMeta: TypeMeta{
			APIVersion: GroupName + "/" + Version,
			Kind:       VirtualMachineKind,
		},
		ObjectMeta: ObjectMeta{
			Name:              strings.ToLower(strings.TrimSpace(name)),
			UID:               uuid.New().String(),
			CreationTimestamp: now,
			Generation:        1,
		},
		Spec: VirtualMachineSpec{
			Type:           vmType,
			HypervisorType: "kvm",
		},
		Status: VirtualMachineStatus{
			State:      StateCreated,
			PowerState: PowerUnknown,
			UpdateTime: now,
		},
	}
}

// SetDefaultAPIVersion ensures the record has apiVersion and kind set.
func SetDefaultAPIVersion(vm *VirtualMachine) {
	if vm.APIVersion == "" {
		vm.APIVersion = GroupName + "/" + Version
	}
	if vm.Kind == "" {
		vm.Kind = VirtualMachineKind
	}
}

// ID returns the VM's stable identifier.
func (vm *VirtualMachine) ID() string {
	return vm.UID
}

// GetState returns the persisted lifecycle state.
func (vm *VirtualMachine) GetState() State {
	return vm.Status.State
}

// RootVolume returns the root volume, or nil if the VM has none.
func (vm *VirtualMachine) RootVolume() *Volume {
	for i := range vm.Spec.Volumes {
		if vm.Spec.Volumes[i].Type == VolumeTypeRoot {
			return &vm.Spec.Volumes[i]
		}
	}
	return nil
}

// FindVolume returns the volume with the given id, or nil.
func (vm *VirtualMachine) FindVolume(id string) *Volume {
	for i := range vm.Spec.Volumes {
		if vm.Spec.Volumes[i].ID == id {
			return &vm.Spec.Volumes[i]
		}
	}
	return nil
}

// FindNic returns the NIC attached to the given network, or nil.
func (vm *VirtualMachine) FindNic(networkID string) *Nic {
	for i := range vm.Spec.Nics {
		if vm.Spec.Nics[i].NetworkID == networkID {
			return &vm.Spec.Nics[i]
		}
	}
	return nil
}

// NextNicDeviceID returns the lowest unused NIC device id.
func (vm *VirtualMachine) NextNicDeviceID() int {
	used := make(map[int]bool, len(vm.Spec.Nics))
	for _, n := range vm.Spec.Nics {
		used[n.DeviceID] = true
	}
	id := 0
	for used[id] {
		id++
	}
	return id
}

// IsExpunged reports whether the record has been expunged.
func (vm *VirtualMachine) IsExpunged() bool {
	return !vm.Status.Removed.IsZero()
}
