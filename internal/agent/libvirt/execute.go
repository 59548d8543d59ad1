package libvirt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
)

// Domain states from virDomainState.
const (
	domainStateRunning  = 1
	domainStateBlocked  = 2
	domainStatePaused   = 3
	domainStateShutdown = 4
	domainStateShutoff  = 5
)

// VIR_ERR_NO_DOMAIN and VIR_ERR_NO_STORAGE_VOL.
const (
	errNoDomain     = 42
	errNoStorageVol = 50
)

// affectLiveAndConfig applies a change to the running domain and its
// persistent definition.
const affectLiveAndConfig = uint32(libvirt.DomainAffectLive | libvirt.DomainAffectConfig)

// executor runs agent commands against one libvirt connection.
type executor struct {
	lv  libvirtClient
	log *zap.SugaredLogger

	// shutdownTimeout bounds a graceful stop before the domain is destroyed.
	shutdownTimeout time.Duration
	pollInterval    time.Duration
}

func newExecutor(lv libvirtClient, shutdownTimeout time.Duration, log *zap.SugaredLogger) *executor {
	if shutdownTimeout == 0 {
		shutdownTimeout = 60 * time.Second
	}
	return &executor{lv: lv, log: log, shutdownTimeout: shutdownTimeout, pollInterval: 500 * time.Millisecond}
}

// errConnection marks a failure of the connection rather than of a command.
var errConnection = errors.New("libvirt connection failed")

// run executes one command. A command-level failure is reported in the
// answer; the returned error is set only when the connection itself failed.
func (e *executor) run(ctx context.Context, cmd agent.Command) (agent.Answer, error) {
	var (
		ans agent.Answer
		err error
	)
	switch c := cmd.(type) {
	case agent.StartCommand:
		ans, err = e.start(c)
	case agent.StopCommand:
		ans, err = e.stop(ctx, c)
	case agent.RebootCommand:
		ans, err = e.reboot(c)
	case agent.CheckStateCommand:
		ans, err = e.checkState(c)
	case agent.ReportStatesCommand:
		ans, err = e.reportStates()
	case agent.PrepareForMigrationCommand:
		ans, err = e.prepareForMigration(c)
	case agent.MigrateCommand:
		ans, err = e.migrate(c)
	case agent.MigrateVolumesCommand:
		ans, err = e.migrateVolumes(c)
	case agent.ScaleCommand:
		ans, err = e.scale(c)
	case agent.PlugNicCommand:
		ans, err = e.plugNic(c)
	case agent.UnplugNicCommand:
		ans, err = e.unplugNic(c)
	case agent.CleanupCommand:
		ans, err = e.cleanup(c)
	default:
		return agent.Answer{Command: cmd.Name(), Details: fmt.Sprintf("unsupported command %T", cmd)}, nil
	}
	ans.Command = cmd.Name()
	if err != nil {
		if !isRemoteError(err) {
			return ans, fmt.Errorf("%w: %s: %v", errConnection, cmd.Name(), err)
		}
		ans.Result = false
		ans.Details = err.Error()
	}
	return ans, nil
}

// start defines the domain if it does not exist yet and boots it. Starting a
// domain that is already running succeeds.
//
// Steps:
//  1. Look up the domain; create its missing volumes and define it from the
//     command's XML if it does not exist
//  2. Boot it unless it is already running
//  3. Read back the live XML to report each volume's disk chain
func (e *executor) start(c agent.StartCommand) (agent.Answer, error) {
	dom, err := e.lv.DomainLookupByName(c.VMName)
	if err != nil {
		if !isNoDomain(err) {
			return agent.Answer{}, err
		}
		if err := e.ensureVolumes(c.Volumes); err != nil {
			return agent.Answer{}, err
		}
		if dom, err = e.lv.DomainDefineXML(c.Definition); err != nil {
			return agent.Answer{}, fmt.Errorf("failed to define domain: %w", err)
		}
	}

	state, _, err := e.lv.DomainGetState(dom, 0)
	if err != nil {
		return agent.Answer{}, fmt.Errorf("failed to get domain state: %w", err)
	}
	if state != domainStateRunning {
		if err := e.lv.DomainCreate(dom); err != nil {
			return agent.Answer{}, fmt.Errorf("failed to start domain: %w", err)
		}
	}

	ans := agent.Answer{Result: true, PowerState: v1alpha1.PowerOn}
	if xml, err := e.lv.DomainGetXMLDesc(dom, 0); err == nil {
		ans.ChainInfo = chainInfo(xml, c.Volumes)
	}
	return ans, nil
}

// stop shuts the domain down, gracefully unless Force is set, and optionally
// undefines it. A domain that does not exist is already stopped.
//
// The graceful path mirrors a host shutdown: request ACPI shutdown, poll the
// domain state until it is shut off or the timeout passes, then destroy.
func (e *executor) stop(ctx context.Context, c agent.StopCommand) (agent.Answer, error) {
	off := agent.Answer{Result: true, PowerState: v1alpha1.PowerOff}

	dom, err := e.lv.DomainLookupByName(c.VMName)
	if err != nil {
		if isNoDomain(err) {
			return off, nil
		}
		return agent.Answer{}, err
	}

	state, _, err := e.lv.DomainGetState(dom, 0)
	if err != nil {
		return agent.Answer{}, fmt.Errorf("failed to get domain state: %w", err)
	}

	if state != domainStateShutoff {
		if c.Force {
			if err := e.lv.DomainDestroy(dom); err != nil {
				return agent.Answer{}, fmt.Errorf("failed to destroy domain: %w", err)
			}
		} else if err := e.shutdown(ctx, dom); err != nil {
			return agent.Answer{}, err
		}
	}

	if c.Undefine {
		if err := e.lv.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil && !isNoDomain(err) {
			return agent.Answer{}, fmt.Errorf("failed to undefine domain: %w", err)
		}
	}
	return off, nil
}

func (e *executor) shutdown(ctx context.Context, dom libvirt.Domain) error {
	if err := e.lv.DomainShutdown(dom); err != nil {
		return fmt.Errorf("failed to shutdown domain: %w", err)
	}

	timer := time.NewTimer(e.shutdownTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := e.lv.DomainDestroy(dom); err != nil {
				return fmt.Errorf("failed to destroy domain after shutdown timeout: %w", err)
			}
			return nil
		case <-ticker.C:
			state, _, err := e.lv.DomainGetState(dom, 0)
			if err != nil {
				if isNoDomain(err) {
					return nil
				}
				return fmt.Errorf("failed to get domain state: %w", err)
			}
			if state == domainStateShutoff {
				return nil
			}
		}
	}
}

func (e *executor) reboot(c agent.RebootCommand) (agent.Answer, error) {
	dom, err := e.lv.DomainLookupByName(c.VMName)
	if err != nil {
		return agent.Answer{}, err
	}
	if err := e.lv.DomainReboot(dom, 0); err != nil {
		return agent.Answer{}, fmt.Errorf("failed to reboot domain: %w", err)
	}
	return agent.Answer{Result: true, PowerState: v1alpha1.PowerOn}, nil
}

func (e *executor) checkState(c agent.CheckStateCommand) (agent.Answer, error) {
	dom, err := e.lv.DomainLookupByName(c.VMName)
	if err != nil {
		if isNoDomain(err) {
			return agent.Answer{Result: true, PowerState: v1alpha1.PowerOff}, nil
		}
		return agent.Answer{}, err
	}
	state, _, err := e.lv.DomainGetState(dom, 0)
	if err != nil {
		return agent.Answer{}, fmt.Errorf("failed to get domain state: %w", err)
	}
	return agent.Answer{Result: true, PowerState: powerState(state)}, nil
}

func (e *executor) reportStates() (agent.Answer, error) {
	domains, _, err := e.lv.ConnectListAllDomains(1, 0)
	if err != nil {
		return agent.Answer{}, fmt.Errorf("failed to list domains: %w", err)
	}

	states := make(map[string]v1alpha1.PowerState, len(domains))
	for _, dom := range domains {
		state, _, err := e.lv.DomainGetState(dom, 0)
		if err != nil {
			// the domain went away between list and query
			if isNoDomain(err) {
				continue
			}
			return agent.Answer{}, fmt.Errorf("failed to get state of %s: %w", dom.Name, err)
		}
		states[dom.Name] = powerState(state)
	}
	return agent.Answer{Result: true, States: states}, nil
}

// prepareForMigration checks that every destination pool is available on
// this host. The domain itself is created by the incoming migration.
func (e *executor) prepareForMigration(c agent.PrepareForMigrationCommand) (agent.Answer, error) {
	for _, vol := range c.Volumes {
		if vol.PoolID == "" {
			continue
		}
		if _, err := e.lv.StoragePoolLookupByName(vol.PoolID); err != nil {
			return agent.Answer{}, fmt.Errorf("storage pool %s for volume %s: %w", vol.PoolID, vol.ID, err)
		}
	}
	return agent.Answer{Result: true}, nil
}

// migrate performs a peer-to-peer migration from this host to the
// destination. The definition moves with the domain.
func (e *executor) migrate(c agent.MigrateCommand) (agent.Answer, error) {
	dom, err := e.lv.DomainLookupByName(c.VMName)
	if err != nil {
		return agent.Answer{}, err
	}

	flags := libvirt.MigratePeer2peer | libvirt.MigratePersistDest | libvirt.MigrateUndefineSource
	if c.Live {
		flags |= libvirt.MigrateLive
	}
	if len(c.VolumePools) > 0 {
		flags |= libvirt.MigrateNonSharedDisk
	}

	if _, err := e.lv.DomainMigratePerform3Params(dom, libvirt.OptString{c.DestinationURI}, nil, nil, flags); err != nil {
		return agent.Answer{}, fmt.Errorf("failed to migrate domain to %s: %w", c.DestinationURI, err)
	}
	return agent.Answer{Result: true}, nil
}

// migrateVolumes copies each volume into its destination pool and deletes
// the source. Each volume is reported on its own; the answer succeeds only
// if all of them moved.
func (e *executor) migrateVolumes(c agent.MigrateVolumesCommand) (agent.Answer, error) {
	ans := agent.Answer{Result: true}
	for _, mv := range c.Volumes {
		res := e.moveVolume(mv)
		if !res.Success {
			ans.Result = false
			if ans.Details == "" {
				ans.Details = fmt.Sprintf("volume %s: %s", mv.Volume.ID, res.Details)
			}
		}
		ans.Volumes = append(ans.Volumes, res)
	}
	return ans, nil
}

func (e *executor) moveVolume(mv agent.VolumeMove) agent.VolumeResult {
	res := agent.VolumeResult{VolumeID: mv.Volume.ID}

	src, err := e.lv.StorageVolLookupByPath(mv.Volume.Path)
	if err != nil {
		res.Details = fmt.Sprintf("source volume %s: %v", mv.Volume.Path, err)
		return res
	}
	pool, err := e.lv.StoragePoolLookupByName(mv.DestPoolID)
	if err != nil {
		res.Details = fmt.Sprintf("destination pool %s: %v", mv.DestPoolID, err)
		return res
	}

	name := filepath.Base(mv.DestPath)
	if mv.DestPath == "" {
		name = filepath.Base(mv.Volume.Path)
	}
	volXML, err := volumeXML(name, mv.Volume.SizeGB, "")
	if err != nil {
		res.Details = err.Error()
		return res
	}

	dst, err := e.lv.StorageVolCreateXMLFrom(pool, volXML, src, 0)
	if err != nil {
		res.Details = fmt.Sprintf("failed to copy volume: %v", err)
		return res
	}
	path, err := e.lv.StorageVolGetPath(dst)
	if err != nil {
		res.Details = fmt.Sprintf("failed to get new volume path: %v", err)
		return res
	}

	// The copy is complete; a leftover source is garbage, not a failure.
	if err := e.lv.StorageVolDelete(src, 0); err != nil {
		e.log.Warnw("Failed to delete source volume after copy",
			"volume", mv.Volume.ID, "path", mv.Volume.Path, "error", err)
	}

	res.Success = true
	res.PoolID = mv.DestPoolID
	res.Path = path
	res.ChainInfo = path
	return res
}

func (e *executor) scale(c agent.ScaleCommand) (agent.Answer, error) {
	dom, err := e.lv.DomainLookupByName(c.VMName)
	if err != nil {
		return agent.Answer{}, err
	}
	if c.VCPUs > 0 {
		if err := e.lv.DomainSetVcpusFlags(dom, uint32(c.VCPUs), affectLiveAndConfig); err != nil {
			return agent.Answer{}, fmt.Errorf("failed to set vcpus: %w", err)
		}
	}
	if c.MemoryMiB > 0 {
		if err := e.lv.DomainSetMemoryFlags(dom, uint64(c.MemoryMiB)*1024, affectLiveAndConfig); err != nil {
			return agent.Answer{}, fmt.Errorf("failed to set memory: %w", err)
		}
	}
	return agent.Answer{Result: true, PowerState: v1alpha1.PowerOn}, nil
}

func (e *executor) plugNic(c agent.PlugNicCommand) (agent.Answer, error) {
	dom, err := e.lv.DomainLookupByName(c.VMName)
	if err != nil {
		return agent.Answer{}, err
	}
	xml, err := interfaceXML(c.Nic)
	if err != nil {
		return agent.Answer{Details: err.Error()}, nil
	}
	if err := e.lv.DomainAttachDeviceFlags(dom, xml, affectLiveAndConfig); err != nil {
		return agent.Answer{}, fmt.Errorf("failed to attach interface: %w", err)
	}
	return agent.Answer{Result: true}, nil
}

func (e *executor) unplugNic(c agent.UnplugNicCommand) (agent.Answer, error) {
	dom, err := e.lv.DomainLookupByName(c.VMName)
	if err != nil {
		return agent.Answer{}, err
	}
	xml, err := interfaceXML(c.Nic)
	if err != nil {
		return agent.Answer{Details: err.Error()}, nil
	}
	if err := e.lv.DomainDetachDeviceFlags(dom, xml, affectLiveAndConfig); err != nil {
		return agent.Answer{}, fmt.Errorf("failed to detach interface: %w", err)
	}
	return agent.Answer{Result: true}, nil
}

// cleanup removes the domain (stopping it first) and deletes its volumes.
// Missing domains and volumes are not errors.
func (e *executor) cleanup(c agent.CleanupCommand) (agent.Answer, error) {
	dom, err := e.lv.DomainLookupByName(c.VMName)
	switch {
	case err == nil:
		state, _, err := e.lv.DomainGetState(dom, 0)
		if err == nil && state != domainStateShutoff {
			if err := e.lv.DomainDestroy(dom); err != nil {
				return agent.Answer{}, fmt.Errorf("failed to destroy domain: %w", err)
			}
		}
		if err := e.lv.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil && !isNoDomain(err) {
			return agent.Answer{}, fmt.Errorf("failed to undefine domain: %w", err)
		}
	case !isNoDomain(err):
		return agent.Answer{}, err
	}

	var failed []string
	for _, vol := range c.Volumes {
		if vol.Path == "" {
			continue
		}
		sv, err := e.lv.StorageVolLookupByPath(vol.Path)
		if err != nil {
			if isNoStorageVol(err) {
				continue
			}
			failed = append(failed, fmt.Sprintf("%s: %v", vol.ID, err))
			continue
		}
		if err := e.lv.StorageVolDelete(sv, 0); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", vol.ID, err))
		}
	}
	if len(failed) > 0 {
		return agent.Answer{Details: "failed to delete volumes: " + strings.Join(failed, "; ")}, nil
	}
	return agent.Answer{Result: true, PowerState: v1alpha1.PowerOff}, nil
}

// interfaceXML renders a NIC as a libvirt interface device.
func interfaceXML(nic agent.NicTO) (string, error) {
	iface := &libvirtxml.DomainInterface{
		MAC: &libvirtxml.DomainInterfaceMAC{Address: nic.MAC},
		Source: &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: nic.Bridge},
		},
		Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
	}
	if nic.TapName != "" {
		iface.Target = &libvirtxml.DomainInterfaceTarget{Dev: nic.TapName}
	}
	xml, err := iface.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal interface XML: %w", err)
	}
	return xml, nil
}

// chainInfo maps each volume to its disk chain in the live domain XML,
// written as "top<-backing<-...". Volumes are matched by target device.
func chainInfo(xml string, volumes []agent.VolumeTO) map[string]string {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(xml); err != nil || dom.Devices == nil {
		return nil
	}

	byDev := make(map[string]string)
	for _, disk := range dom.Devices.Disks {
		if disk.Target == nil || disk.Source == nil {
			continue
		}
		var chain []string
		if disk.Source.File != nil {
			chain = append(chain, disk.Source.File.File)
		}
		for bs := disk.BackingStore; bs != nil; bs = bs.BackingStore {
			if bs.Source != nil && bs.Source.File != nil {
				chain = append(chain, bs.Source.File.File)
			}
		}
		if len(chain) > 0 {
			byDev[disk.Target.Dev] = strings.Join(chain, "<-")
		}
	}

	out := make(map[string]string, len(volumes))
	for _, vol := range volumes {
		if chain, ok := byDev[agent.DiskTarget(vol.DeviceID)]; ok {
			out[vol.ID] = chain
		}
	}
	return out
}

func powerState(state int32) v1alpha1.PowerState {
	switch state {
	case domainStateRunning, domainStateBlocked, domainStatePaused:
		return v1alpha1.PowerOn
	case domainStateShutdown, domainStateShutoff:
		return v1alpha1.PowerOff
	default:
		return v1alpha1.PowerUnknown
	}
}

// isRemoteError reports whether err was returned by the libvirt daemon, as
// opposed to a failure of the connection.
func isRemoteError(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr)
}

func isNoDomain(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == errNoDomain
}

func isNoStorageVol(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == errNoStorageVol
}
