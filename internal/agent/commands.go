// Package agent defines the commands the control plane sends to hypervisor
// hosts and the Transport that delivers them.
//
// Commands are plain structs. The set is closed: the Transport implementation
// switches on the concrete type. A batch is executed in order and stops at the
// first command whose answer is not successful.
package agent

import "github.com/jbweber/foreman/api/v1alpha1"

// Command is a request to a hypervisor agent.
type Command interface {
	// Name identifies the command in logs and answers.
	Name() string
}

// VolumeTO describes a volume as the agent sees it.
type VolumeTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PoolID    string `json:"poolID"`
	Path      string `json:"path"`
	DeviceID  int    `json:"deviceID"`
	SizeGB    int    `json:"sizeGB"`
	ChainInfo string `json:"chainInfo,omitempty"`
	// BackingPath is the image a missing volume is created on top of.
	BackingPath string `json:"backingPath,omitempty"`
}

// NicTO describes a NIC as the agent sees it.
type NicTO struct {
	ID       string `json:"id"`
	MAC      string `json:"mac"`
	Bridge   string `json:"bridge"`
	DeviceID int    `json:"deviceID"`
	TapName  string `json:"tapName,omitempty"`
}

// StartCommand defines and boots a VM. Definition is the hypervisor-specific
// payload produced by a guru (domain XML for KVM).
type StartCommand struct {
	VMName     string
	Definition string
	Volumes    []VolumeTO
	Nics       []NicTO
}

// StopCommand shuts a VM down. Force skips the graceful shutdown.
type StopCommand struct {
	VMName string
	Force  bool
	// Undefine removes the VM definition from the host after stopping.
	Undefine bool
}

// RebootCommand reboots a running VM in place.
type RebootCommand struct {
	VMName string
}

// CheckStateCommand asks for a single VM's power state.
type CheckStateCommand struct {
	VMName string
}

// ReportStatesCommand asks the host for the power state of every VM it runs.
type ReportStatesCommand struct{}

// PrepareForMigrationCommand readies the destination host: networks,
// storage paths and the incoming definition.
type PrepareForMigrationCommand struct {
	VMName     string
	Definition string
	Volumes    []VolumeTO
	Nics       []NicTO
}

// MigrateCommand is sent to the source host and moves the running VM to the
// destination.
type MigrateCommand struct {
	VMName string
	// DestinationURI is the agent address of the destination host.
	DestinationURI string
	Live           bool
	// VolumePools maps volume id to destination pool for migrations that
	// move storage along with compute.
	VolumePools map[string]string
}

// MigrateVolumesCommand moves the volumes of a (possibly offline) VM to new
// pools using the hypervisor's native mechanism.
type MigrateVolumesCommand struct {
	VMName  string
	Volumes []VolumeMove
}

// VolumeMove is one volume's storage migration request.
type VolumeMove struct {
	Volume     VolumeTO `json:"volume"`
	DestPoolID string   `json:"destPoolID"`
	DestPath   string   `json:"destPath"`
}

// ScaleCommand changes CPU and memory of a running VM.
type ScaleCommand struct {
	VMName    string
	VCPUs     int
	MemoryMiB int
}

// PlugNicCommand hot-plugs a NIC.
type PlugNicCommand struct {
	VMName string
	Nic    NicTO
}

// UnplugNicCommand hot-unplugs a NIC.
type UnplugNicCommand struct {
	VMName string
	Nic    NicTO
}

// CleanupCommand removes a VM definition and its volumes from a host.
type CleanupCommand struct {
	VMName  string
	Volumes []VolumeTO
}

func (StartCommand) Name() string               { return "Start" }
func (StopCommand) Name() string                { return "Stop" }
func (RebootCommand) Name() string              { return "Reboot" }
func (CheckStateCommand) Name() string          { return "CheckState" }
func (ReportStatesCommand) Name() string        { return "ReportStates" }
func (PrepareForMigrationCommand) Name() string { return "PrepareForMigration" }
func (MigrateCommand) Name() string             { return "Migrate" }
func (MigrateVolumesCommand) Name() string      { return "MigrateVolumes" }
func (ScaleCommand) Name() string               { return "Scale" }
func (PlugNicCommand) Name() string             { return "PlugNic" }
func (UnplugNicCommand) Name() string           { return "UnplugNic" }
func (CleanupCommand) Name() string             { return "Cleanup" }

// Answer is the agent's reply to one command.
type Answer struct {
	Command string
	Result  bool
	Details string

	// PowerState is set by CheckState, Start and Stop.
	PowerState v1alpha1.PowerState

	// ChainInfo maps volume id to disk-chain info after Start or Migrate.
	ChainInfo map[string]string

	// Volumes is set by MigrateVolumes, one entry per requested volume.
	Volumes []VolumeResult

	// States is set by ReportStates: VM name to power state.
	States map[string]v1alpha1.PowerState
}

// VolumeResult is the outcome of one volume move.
type VolumeResult struct {
	VolumeID  string
	Success   bool
	PoolID    string
	Path      string
	ChainInfo string
	Details   string
}

// Succeeded reports whether every answer in a batch succeeded and the batch
// was fully answered.
func Succeeded(cmds []Command, answers []Answer) bool {
	if len(answers) != len(cmds) {
		return false
	}
	for _, a := range answers {
		if !a.Result {
			return false
		}
	}
	return true
}

// FirstFailure returns the details of the first failed answer.
func FirstFailure(answers []Answer) string {
	for _, a := range answers {
		if !a.Result {
			return a.Command + ": " + a.Details
		}
	}
	return "incomplete answer batch"
}

// DiskTarget returns the guest device name for a volume's bus position: vda
// for 0, vdb for 1, vdaa after vdz.
func DiskTarget(deviceID int) string {
	if deviceID < 0 {
		deviceID = 0
	}
	name := ""
	for n := deviceID + 1; n > 0; n = (n - 1) / 26 {
		name = string(rune('a'+(n-1)%26)) + name
	}
	return "vd" + name
}
