// Package v1alpha1 contains the persisted record types for foreman.cofront.xyz/v1alpha1.
//
// The records follow Kubernetes API conventions (TypeMeta, ObjectMeta, a
// Spec/Status split, Conditions) without depending on k8s.io/apimachinery.
// Spec holds what the operator asked for; Status holds what the control plane
// observed and is only written through the state machine, the work item
// tracker and the power-state reconciler.
package v1alpha1

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// TypeMeta describes an individual object's type and API version.
type TypeMeta struct {
	Kind       string `json:"kind,omitempty" yaml:"kind,omitempty"`
	APIVersion string `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`
}

// ObjectMeta is metadata that every persisted record carries.
type ObjectMeta struct {
	// Name is the unique, human-facing name (the hypervisor domain name).
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// UID is the stable identifier. All internal references (work items,
	// jobs, reservations) use the UID, never the name.
	UID string `json:"uid,omitempty" yaml:"uid,omitempty"`

	// Labels are free-form key/value pairs.
	// +optional
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// CreationTimestamp is set when the record is allocated.
	CreationTimestamp Time `json:"creationTimestamp,omitempty" yaml:"creationTimestamp,omitempty"`

	// Generation is bumped on every spec change (scale, NIC changes).
	Generation int64 `json:"generation,omitempty" yaml:"generation,omitempty"`
}

// Time wraps time.Time for RFC3339 JSON/YAML serialization.
type Time struct {
	time.Time `json:"-" yaml:"-"`
}

// Now returns the current time as a Time.
func Now() Time {
	return Time{Time: time.Now()}
}

// MarshalJSON implements json.Marshaler. Zero values encode as null.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || string(b) == `""` {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (t Time) MarshalYAML() (interface{}, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.Time.Format(time.RFC3339), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Time) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" || node.Value == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, node.Value)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Condition records one observation about a VM, such as detected power drift
// or the reason the last operation failed.
type Condition struct {
	Type               string          `json:"type" yaml:"type"`
	Status             ConditionStatus `json:"status" yaml:"status"`
	LastTransitionTime Time            `json:"lastTransitionTime,omitempty" yaml:"lastTransitionTime,omitempty"`
	Reason             string          `json:"reason,omitempty" yaml:"reason,omitempty"`
	Message            string          `json:"message,omitempty" yaml:"message,omitempty"`
}

// ConditionStatus represents the status of a condition.
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// DeepCopy creates a deep copy of ObjectMeta.
func (in *ObjectMeta) DeepCopy() *ObjectMeta {
	if in == nil {
		return nil
	}
	out := new(ObjectMeta)
	*out = *in
	if in.Labels != nil {
		out.Labels = make(map[string]string, len(in.Labels))
		for k, v := range in.Labels {
			out.Labels[k] = v
		}
	}
	return out
}
