package state

import (
	"fmt"

	"github.com/jbweber/foreman/api/v1alpha1"
)

// SetCondition adds or updates a condition in the VM status.
// LastTransitionTime only moves when the status changes.
func SetCondition(vm *v1alpha1.VirtualMachine, condType string, status v1alpha1.ConditionStatus, reason, message string) {
	now := v1alpha1.Now()

	for i := range vm.Status.Conditions {
		if vm.Status.Conditions[i].Type == condType {
			existing := &vm.Status.Conditions[i]
			if existing.Status != status {
				existing.LastTransitionTime = now
			}
			existing.Status = status
			existing.Reason = reason
			existing.Message = message
			return
		}
	}

	vm.Status.Conditions = append(vm.Status.Conditions, v1alpha1.Condition{
		Type:               condType,
		Status:             status,
		LastTransitionTime: now,
		Reason:             reason,
		Message:            message,
	})
}

// GetCondition returns a condition by type, or nil if not found.
func GetCondition(vm *v1alpha1.VirtualMachine, condType string) *v1alpha1.Condition {
	for i := range vm.Status.Conditions {
		if vm.Status.Conditions[i].Type == condType {
			return &vm.Status.Conditions[i]
		}
	}
	return nil
}

// IsConditionTrue returns true if the condition exists and has status True.
func IsConditionTrue(vm *v1alpha1.VirtualMachine, condType string) bool {
	cond := GetCondition(vm, condType)
	return cond != nil && cond.Status == v1alpha1.ConditionTrue
}

// RemoveCondition removes a condition by type.
func RemoveCondition(vm *v1alpha1.VirtualMachine, condType string) {
	filtered := make([]v1alpha1.Condition, 0, len(vm.Status.Conditions))
	for i := range vm.Status.Conditions {
		if vm.Status.Conditions[i].Type != condType {
			filtered = append(filtered, vm.Status.Conditions[i])
		}
	}
	vm.Status.Conditions = filtered
}

// MarkPowerDrift records that the agent reported a power state that
// disagreed with the persisted state.
func MarkPowerDrift(vm *v1alpha1.VirtualMachine, reported v1alpha1.PowerState, persisted v1alpha1.State, hostID string) {
	SetCondition(vm, v1alpha1.ConditionPowerDrift, v1alpha1.ConditionTrue, string(reported),
		fmt.Sprintf("host %s reported %s while state was %s", hostID, reported, persisted))
}

// ClearPowerDrift marks drift as resolved.
func ClearPowerDrift(vm *v1alpha1.VirtualMachine) {
	if GetCondition(vm, v1alpha1.ConditionPowerDrift) == nil {
		return
	}
	SetCondition(vm, v1alpha1.ConditionPowerDrift, v1alpha1.ConditionFalse, "InSync", "power state matches")
}

// MarkOperationFailed records why the last lifecycle operation failed.
func MarkOperationFailed(vm *v1alpha1.VirtualMachine, op string, err error) {
	SetCondition(vm, v1alpha1.ConditionOperationFailed, v1alpha1.ConditionTrue, op, err.Error())
}

// ClearOperationFailed removes the failure condition after a successful
// operation.
func ClearOperationFailed(vm *v1alpha1.VirtualMachine) {
	RemoveCondition(vm, v1alpha1.ConditionOperationFailed)
}
