package v1alpha1

// WorkItem is the persisted exclusivity record for one in-flight operation on
// a VM. It is created when the operation acquires the VM, advanced through
// Steps by the holder only, and always closed with StepDone.
type WorkItem struct {
	ID     string `json:"id" yaml:"id"`
	VMID   string `json:"vmID" yaml:"vmID"`
	VMType VMType `json:"vmType" yaml:"vmType"`

	// TargetState is the state the operation is driving the VM to.
	TargetState State `json:"targetState" yaml:"targetState"`

	Step Step `json:"step" yaml:"step"`

	// Node is the control-plane node running the operation.
	Node string `json:"node" yaml:"node"`

	// JobID is the work job holding this item, empty for inline calls.
	JobID string `json:"jobID,omitempty" yaml:"jobID,omitempty"`

	CreatedAt Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt Time `json:"updatedAt" yaml:"updatedAt"`
}

// Step is a work item's progress marker.
type Step string

const (
	StepPrepare   Step = "Prepare"
	StepStarting  Step = "Starting"
	StepStarted   Step = "Started"
	StepMigrating Step = "Migrating"
	StepRelease   Step = "Release"
	StepDone      Step = "Done"
)

// Rank orders steps so that advances can be checked for monotonicity.
// Started and Migrating share a rank: an operation goes through one or the
// other.
func (s Step) Rank() int {
	switch s {
	case StepPrepare:
		return 0
	case StepStarting:
		return 1
	case StepStarted, StepMigrating:
		return 2
	case StepRelease:
		return 3
	case StepDone:
		return 4
	default:
		return -1
	}
}

// DeepCopy creates a copy of WorkItem.
func (in *WorkItem) DeepCopy() *WorkItem {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}

// WorkJob is a durable, queueable unit of orchestration work. At most one
// non-terminal job exists per (VMID, Cmd).
type WorkJob struct {
	ID   string      `json:"id" yaml:"id"`
	VMID string      `json:"vmID" yaml:"vmID"`
	Cmd  CommandKind `json:"cmd" yaml:"cmd"`

	// CmdInfo is the serialized work descriptor.
	CmdInfo []byte `json:"cmdInfo" yaml:"cmdInfo"`

	Status JobStatus `json:"status" yaml:"status"`

	// Node owns the job while it is in progress.
	Node string `json:"node,omitempty" yaml:"node,omitempty"`

	// Caller identifies who submitted the job.
	Caller string `json:"caller,omitempty" yaml:"caller,omitempty"`

	// Result is the serialized job result, set on completion.
	Result []byte `json:"result,omitempty" yaml:"result,omitempty"`

	CreatedAt Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt Time `json:"updatedAt" yaml:"updatedAt"`
}

// JobStatus is the lifecycle status of a WorkJob.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether the job has finished.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// CommandKind names the lifecycle operation a job carries.
type CommandKind string

const (
	CmdStart          CommandKind = "Start"
	CmdStop           CommandKind = "Stop"
	CmdReboot         CommandKind = "Reboot"
	CmdMigrate        CommandKind = "Migrate"
	CmdMigrateAway    CommandKind = "MigrateAway"
	CmdMigrateStorage CommandKind = "MigrateStorage"
	CmdScale          CommandKind = "Scale"
	CmdAddNic         CommandKind = "AddNic"
	CmdRemoveNic      CommandKind = "RemoveNic"
	CmdDestroy        CommandKind = "Destroy"
	CmdExpunge        CommandKind = "Expunge"
	CmdRecover        CommandKind = "Recover"
)

// DeepCopy creates a deep copy of WorkJob.
func (in *WorkJob) DeepCopy() *WorkJob {
	if in == nil {
		return nil
	}
	out := *in
	if in.CmdInfo != nil {
		out.CmdInfo = append([]byte(nil), in.CmdInfo...)
	}
	if in.Result != nil {
		out.Result = append([]byte(nil), in.Result...)
	}
	return &out
}
