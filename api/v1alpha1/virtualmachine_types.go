package v1alpha1

// VirtualMachine is the authoritative record of one VM in the fleet.
//
// Status.State and Status.HostID only ever change together, through a single
// conditional update issued by the state machine. Status.PowerState is written
// independently by the power-state reconciler and never implies a State change
// on its own.
type VirtualMachine struct {
	TypeMeta   `json:",inline" yaml:",inline"`
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	Spec   VirtualMachineSpec   `json:"spec" yaml:"spec"`
	Status VirtualMachineStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// VirtualMachineSpec is the desired shape of a VM.
type VirtualMachineSpec struct {
	// Type selects the per-type handler (user VM, router, console proxy...).
	Type VMType `json:"type" yaml:"type"`

	// HypervisorType selects the guru used to translate the profile into
	// agent commands, e.g. "kvm".
	HypervisorType string `json:"hypervisorType" yaml:"hypervisorType"`

	ZoneID     string `json:"zoneID" yaml:"zoneID"`
	OfferingID string `json:"offeringID" yaml:"offeringID"`
	TemplateID string `json:"templateID" yaml:"templateID"`

	VCPUs     int `json:"vcpus" yaml:"vcpus"`
	MemoryMiB int `json:"memoryMiB" yaml:"memoryMiB"`

	// HAEnabled asks the control plane to restart the VM when it is found
	// powered off without a stop request.
	// +optional
	HAEnabled bool `json:"haEnabled,omitempty" yaml:"haEnabled,omitempty"`

	// Nics are the VM's network attachments, ordered by DeviceID.
	Nics []Nic `json:"nics,omitempty" yaml:"nics,omitempty"`

	// Volumes are the VM's disks. Location fields (PoolID, Path, ChainInfo)
	// are rewritten by storage migration.
	Volumes []Volume `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

// Nic is one network attachment.
type Nic struct {
	ID        string `json:"id" yaml:"id"`
	NetworkID string `json:"networkID" yaml:"networkID"`
	DeviceID  int    `json:"deviceID" yaml:"deviceID"`
	MAC       string `json:"mac,omitempty" yaml:"mac,omitempty"`
	IP        string `json:"ip,omitempty" yaml:"ip,omitempty"`
	// Bridge is filled in by the network manager on prepare.
	Bridge string `json:"bridge,omitempty" yaml:"bridge,omitempty"`
	// Default marks the NIC that carries the default route.
	Default bool `json:"default,omitempty" yaml:"default,omitempty"`
}

// Volume is one disk.
type Volume struct {
	ID     string     `json:"id" yaml:"id"`
	Name   string     `json:"name" yaml:"name"`
	Type   VolumeType `json:"type" yaml:"type"`
	SizeGB int        `json:"sizeGB" yaml:"sizeGB"`
	PoolID string     `json:"poolID,omitempty" yaml:"poolID,omitempty"`
	Path   string     `json:"path,omitempty" yaml:"path,omitempty"`
	// ChainInfo is the hypervisor's disk-chain description, persisted after
	// a successful start or migration.
	ChainInfo string `json:"chainInfo,omitempty" yaml:"chainInfo,omitempty"`
	// DeviceID is the bus position; the root volume is 0.
	DeviceID int `json:"deviceID" yaml:"deviceID"`
}

// VirtualMachineStatus is the observed state of a VM.
type VirtualMachineStatus struct {
	State State `json:"state" yaml:"state"`

	PowerState           PowerState `json:"powerState,omitempty" yaml:"powerState,omitempty"`
	PowerStateUpdateTime Time       `json:"powerStateUpdateTime,omitempty" yaml:"powerStateUpdateTime,omitempty"`
	// PowerHostID is the host that sent the last power report.
	PowerHostID string `json:"powerHostID,omitempty" yaml:"powerHostID,omitempty"`

	HostID     string `json:"hostID,omitempty" yaml:"hostID,omitempty"`
	LastHostID string `json:"lastHostID,omitempty" yaml:"lastHostID,omitempty"`
	PodID      string `json:"podID,omitempty" yaml:"podID,omitempty"`
	ClusterID  string `json:"clusterID,omitempty" yaml:"clusterID,omitempty"`

	// ReservationID links to the planner reservation held while starting.
	ReservationID string `json:"reservationID,omitempty" yaml:"reservationID,omitempty"`

	// UpdateCount increases on every state transition and is the version
	// checked by the conditional update.
	UpdateCount int64 `json:"updateCount" yaml:"updateCount"`
	UpdateTime  Time  `json:"updateTime,omitempty" yaml:"updateTime,omitempty"`

	// Removed is set once the VM has been expunged.
	Removed Time `json:"removed,omitempty" yaml:"removed,omitempty"`

	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// VMType identifies the kind of VM; each kind has its own handler.
type VMType string

const (
	VMTypeUser         VMType = "User"
	VMTypeRouter       VMType = "DomainRouter"
	VMTypeConsoleProxy VMType = "ConsoleProxy"
)

// VolumeType is the role of a volume.
type VolumeType string

const (
	VolumeTypeRoot VolumeType = "ROOT"
	VolumeTypeData VolumeType = "DATADISK"
)

// State is the lifecycle state of a VM.
type State string

const (
	StateCreated   State = "Created"
	StateStarting  State = "Starting"
	StateRunning   State = "Running"
	StateStopping  State = "Stopping"
	StateStopped   State = "Stopped"
	StateMigrating State = "Migrating"
	StateDestroyed State = "Destroyed"
	StateExpunging State = "Expunging"
	StateError     State = "Error"
)

// AllStates lists every state in declaration order.
var AllStates = []State{
	StateCreated, StateStarting, StateRunning, StateStopping, StateStopped,
	StateMigrating, StateDestroyed, StateExpunging, StateError,
}

// IsTransitional reports whether an operation is in flight in this state.
// Transitional states are owned by exactly one work item.
func (s State) IsTransitional() bool {
	switch s {
	case StateStarting, StateStopping, StateMigrating, StateExpunging:
		return true
	default:
		return false
	}
}

// IsHostBound reports whether a VM in this state occupies a host.
func (s State) IsHostBound() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping, StateMigrating:
		return true
	default:
		return false
	}
}

// PowerState is the power state last reported by a hypervisor agent.
type PowerState string

const (
	PowerOn            PowerState = "PowerOn"
	PowerOff           PowerState = "PowerOff"
	PowerReportMissing PowerState = "PowerReportMissing"
	PowerUnknown       PowerState = "PowerUnknown"
)

// Standard condition types for VirtualMachine records.
const (
	// ConditionPowerDrift is True when the last reconciliation found the
	// reported power state disagreeing with the persisted state.
	ConditionPowerDrift = "PowerDrift"

	// ConditionOperationFailed carries the reason the last lifecycle
	// operation failed.
	ConditionOperationFailed = "OperationFailed"
)

// DeepCopy creates a deep copy of VirtualMachine.
func (in *VirtualMachine) DeepCopy() *VirtualMachine {
	if in == nil {
		return nil
	}
	out := new(VirtualMachine)
	out.TypeMeta = in.TypeMeta
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	out.Spec = in.Spec
	if in.Spec.Nics != nil {
		out.Spec.Nics = make([]Nic, len(in.Spec.Nics))
		copy(out.Spec.Nics, in.Spec.Nics)
	}
	if in.Spec.Volumes != nil {
		out.Spec.Volumes = make([]Volume, len(in.Spec.Volumes))
		copy(out.Spec.Volumes, in.Spec.Volumes)
	}
	out.Status = in.Status
	if in.Status.Conditions != nil {
		out.Status.Conditions = make([]Condition, len(in.Status.Conditions))
		copy(out.Status.Conditions, in.Status.Conditions)
	}
	return out
}
