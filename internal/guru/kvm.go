package guru

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
	"github.com/jbweber/foreman/internal/deploy"
	"github.com/jbweber/foreman/internal/resources"
)

// KVM is the guru for libvirt/KVM hosts.
type KVM struct {
	// CPUMode is the libvirt CPU mode, "host-model" if empty.
	CPUMode string
}

var _ Guru = (*KVM)(nil)

// HypervisorType implements Guru.
func (k *KVM) HypervisorType() string { return "kvm" }

// RestartsOnHostUp implements Guru.
func (k *KVM) RestartsOnHostUp() bool { return true }

// Implement implements Guru.
func (k *KVM) Implement(p *deploy.Profile) (agent.StartCommand, error) {
	xml, err := k.DomainXML(p)
	if err != nil {
		return agent.StartCommand{}, err
	}
	nics, err := nicTOs(p.Nics)
	if err != nil {
		return agent.StartCommand{}, err
	}
	vols := VolumeTOs(p.Volumes)
	for i := range vols {
		if p.Volumes[i].Type == v1alpha1.VolumeTypeRoot {
			vols[i].BackingPath = p.Template.Path
		}
	}
	return agent.StartCommand{
		VMName:     p.VM.Name,
		Definition: xml,
		Volumes:    vols,
		Nics:       nics,
	}, nil
}

// PrepareForMigration implements Guru.
func (k *KVM) PrepareForMigration(p *deploy.Profile) (agent.PrepareForMigrationCommand, error) {
	start, err := k.Implement(p)
	if err != nil {
		return agent.PrepareForMigrationCommand{}, err
	}
	return agent.PrepareForMigrationCommand{
		VMName:     start.VMName,
		Definition: start.Definition,
		Volumes:    start.Volumes,
		Nics:       start.Nics,
	}, nil
}

// Migrate implements Guru.
func (k *KVM) Migrate(vm *v1alpha1.VirtualMachine, dest *deploy.Destination, live bool, pools map[string]string) agent.MigrateCommand {
	return agent.MigrateCommand{
		VMName:         vm.Name,
		DestinationURI: MigrationURI(dest),
		Live:           live,
		VolumePools:    pools,
	}
}

// MigrateVolumes implements Guru. libvirt copies volumes between pools
// natively.
func (k *KVM) MigrateVolumes(vm *v1alpha1.VirtualMachine, moves map[string]deploy.Pool) (agent.MigrateVolumesCommand, bool) {
	cmd := agent.MigrateVolumesCommand{VMName: vm.Name}
	for _, vol := range vm.Spec.Volumes {
		pool, ok := moves[vol.ID]
		if !ok {
			continue
		}
		cmd.Volumes = append(cmd.Volumes, agent.VolumeMove{
			Volume:     VolumeTOs([]v1alpha1.Volume{vol})[0],
			DestPoolID: pool.ID,
			DestPath:   pool.Path + "/" + resources.VolumeFileName(vm.Name, vol.Name),
		})
	}
	return cmd, true
}

// Stop implements Guru.
func (k *KVM) Stop(vm *v1alpha1.VirtualMachine, force bool) agent.StopCommand {
	return agent.StopCommand{VMName: vm.Name, Force: force}
}

// Expunge implements Guru.
func (k *KVM) Expunge(vm *v1alpha1.VirtualMachine) []agent.Command {
	return []agent.Command{
		agent.StopCommand{VMName: vm.Name, Force: true, Undefine: true},
		agent.CleanupCommand{VMName: vm.Name, Volumes: VolumeTOs(vm.Spec.Volumes)},
	}
}

// MigrationURI returns the libvirt URI of the destination host.
func MigrationURI(dest *deploy.Destination) string {
	addr := dest.HostAddress
	if addr == "" || strings.HasPrefix(addr, "/") {
		return fmt.Sprintf("qemu+tcp://%s/system", dest.HostID)
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return fmt.Sprintf("qemu+tcp://%s/system", addr)
}

func nicTOs(nics []v1alpha1.Nic) ([]agent.NicTO, error) {
	out := make([]agent.NicTO, 0, len(nics))
	for _, n := range nics {
		to, err := NicTO(n)
		if err != nil {
			return nil, err
		}
		out = append(out, to)
	}
	return out, nil
}

// NicTO converts a NIC to its agent form, deriving the tap name from the
// NIC's address.
func NicTO(n v1alpha1.Nic) (agent.NicTO, error) {
	to := agent.NicTO{ID: n.ID, MAC: n.MAC, Bridge: n.Bridge, DeviceID: n.DeviceID}
	if n.IP != "" {
		tap, err := resources.TapNameFromIP(n.IP)
		if err != nil {
			return agent.NicTO{}, fmt.Errorf("nic %s: %w", n.ID, err)
		}
		to.TapName = tap
	}
	if to.MAC == "" && n.IP != "" {
		mac, err := resources.MACFromIP(n.IP)
		if err != nil {
			return agent.NicTO{}, fmt.Errorf("nic %s: %w", n.ID, err)
		}
		to.MAC = mac
	}
	return to, nil
}

// DomainXML generates libvirt domain XML for a prepared profile.
func (k *KVM) DomainXML(p *deploy.Profile) (string, error) {
	vm := p.VM
	if p.VCPUs() <= 0 || p.MemoryMiB() <= 0 {
		return "", fmt.Errorf("vm %s: vcpus and memory must be set", vm.Name)
	}

	cpuMode := k.CPUMode
	if cpuMode == "" {
		cpuMode = "host-model"
	}

	domain := &libvirtxml.Domain{
		Type:        "kvm",
		Name:        vm.Name,
		UUID:        vm.UID,
		Description: "managed by foreman",
		Memory: &libvirtxml.DomainMemory{
			Value: uint(p.MemoryMiB()),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(p.VCPUs()),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BIOS: &libvirtxml.DomainBIOS{
				UseSerial: "yes",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
			PAE:  &libvirtxml.DomainFeature{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: cpuMode,
			Model: &libvirtxml.DomainCPUModel{
				Fallback: "allow",
			},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	vols := append([]v1alpha1.Volume(nil), p.Volumes...)
	sort.Slice(vols, func(i, j int) bool { return vols[i].DeviceID < vols[j].DeviceID })
	for _, vol := range vols {
		if vol.Path == "" {
			return "", fmt.Errorf("volume %s has no path", vol.Name)
		}
		disk := libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{
				Name:  "qemu",
				Type:  "qcow2",
				Cache: "none",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: vol.Path,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: agent.DiskTarget(vol.DeviceID),
				Bus: "virtio",
			},
			Serial: shortID(vol.ID),
		}
		if vol.Type == v1alpha1.VolumeTypeRoot {
			disk.Boot = &libvirtxml.DomainDeviceBoot{Order: 1}
		}
		domain.Devices.Disks = append(domain.Devices.Disks, disk)
	}

	nics, err := nicTOs(p.Nics)
	if err != nil {
		return "", err
	}
	sort.Slice(nics, func(i, j int) bool { return nics[i].DeviceID < nics[j].DeviceID })
	for _, nic := range nics {
		if nic.Bridge == "" {
			return "", fmt.Errorf("nic %s has no bridge", nic.ID)
		}
		iface := libvirtxml.DomainInterface{
			MAC: &libvirtxml.DomainInterfaceMAC{
				Address: nic.MAC,
			},
			Source: &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{
					Bridge: nic.Bridge,
				},
			},
			Model: &libvirtxml.DomainInterfaceModel{
				Type: "virtio",
			},
		}
		if nic.TapName != "" {
			iface.Target = &libvirtxml.DomainInterfaceTarget{Dev: nic.TapName}
		}
		domain.Devices.Interfaces = append(domain.Devices.Interfaces, iface)
	}

	port := uint(0)
	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainSerialTarget{
				Port: &port,
			},
		},
	}
	domain.Devices.Consoles = []libvirtxml.DomainConsole{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainConsoleTarget{
				Type: "serial",
				Port: &port,
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}

// shortID trims an id to the 20 characters a virtio disk serial allows.
func shortID(id string) string {
	if len(id) > 20 {
		return id[:20]
	}
	return id
}
