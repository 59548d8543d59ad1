// Package guru translates VM profiles into hypervisor-specific agent
// commands. Each hypervisor type has one Guru; the Registry is built at
// startup and passed to the components that need it.
package guru

import (
	"fmt"
	"sort"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
	"github.com/jbweber/foreman/internal/deploy"
)

// Guru is a hypervisor-specific command translator.
type Guru interface {
	HypervisorType() string

	// Implement builds the start command for a profile whose volumes and
	// NICs have been prepared for the destination.
	Implement(p *deploy.Profile) (agent.StartCommand, error)

	// PrepareForMigration builds the command readying a destination host.
	PrepareForMigration(p *deploy.Profile) (agent.PrepareForMigrationCommand, error)

	// Migrate builds the command sent to the source host. pools maps
	// volume id to destination pool for volumes that move with the VM.
	Migrate(vm *v1alpha1.VirtualMachine, dest *deploy.Destination, live bool, pools map[string]string) agent.MigrateCommand

	// MigrateVolumes builds a native storage migration command. ok is
	// false when the hypervisor has no native mechanism.
	MigrateVolumes(vm *v1alpha1.VirtualMachine, moves map[string]deploy.Pool) (cmd agent.MigrateVolumesCommand, ok bool)

	// Stop builds a stop command.
	Stop(vm *v1alpha1.VirtualMachine, force bool) agent.StopCommand

	// Expunge lists the commands that remove every trace of the VM from
	// its last host.
	Expunge(vm *v1alpha1.VirtualMachine) []agent.Command

	// RestartsOnHostUp reports whether a VM found powered off can be
	// restarted by HA once its host is back.
	RestartsOnHostUp() bool
}

// Registry maps hypervisor types to gurus.
type Registry struct {
	gurus map[string]Guru
}

// NewRegistry creates a Registry holding gurus.
func NewRegistry(gurus ...Guru) *Registry {
	r := &Registry{gurus: make(map[string]Guru, len(gurus))}
	for _, g := range gurus {
		r.gurus[g.HypervisorType()] = g
	}
	return r
}

// Get returns the guru for hvType.
func (r *Registry) Get(hvType string) (Guru, error) {
	g, ok := r.gurus[hvType]
	if !ok {
		return nil, fmt.Errorf("no guru for hypervisor type %q", hvType)
	}
	return g, nil
}

// Types returns the registered hypervisor types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.gurus))
	for t := range r.gurus {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// VolumeTOs converts volumes to their agent form.
func VolumeTOs(vols []v1alpha1.Volume) []agent.VolumeTO {
	out := make([]agent.VolumeTO, 0, len(vols))
	for _, v := range vols {
		out = append(out, agent.VolumeTO{
			ID:        v.ID,
			Name:      v.Name,
			PoolID:    v.PoolID,
			Path:      v.Path,
			DeviceID:  v.DeviceID,
			SizeGB:    v.SizeGB,
			ChainInfo: v.ChainInfo,
		})
	}
	return out
}
