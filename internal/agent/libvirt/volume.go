package libvirt

import (
	"fmt"
	"path/filepath"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/foreman/internal/agent"
)

// volumeXML renders a qcow2 file volume of sizeGB. A non-empty backing path
// makes the volume a copy-on-write overlay of that image.
func volumeXML(name string, sizeGB int, backing string) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Unit:  "GiB",
			Value: uint64(sizeGB),
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		},
	}
	if backing != "" {
		vol.BackingStore = &libvirtxml.StorageVolumeBackingStore{
			Path:   backing,
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		}
	}

	doc, err := vol.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal volume XML: %w", err)
	}
	return strings.TrimSpace(doc), nil
}

// ensureVolumes creates the volumes of a start command that do not exist on
// the host yet. Volumes without a placed path are skipped.
func (e *executor) ensureVolumes(vols []agent.VolumeTO) error {
	for _, vol := range vols {
		if vol.Path == "" || vol.PoolID == "" {
			continue
		}
		_, err := e.lv.StorageVolLookupByPath(vol.Path)
		if err == nil {
			continue
		}
		if !isNoStorageVol(err) {
			return fmt.Errorf("volume %s: %w", vol.ID, err)
		}

		pool, err := e.lv.StoragePoolLookupByName(vol.PoolID)
		if err != nil {
			return fmt.Errorf("volume %s: pool %s: %w", vol.ID, vol.PoolID, err)
		}
		xml, err := volumeXML(filepath.Base(vol.Path), vol.SizeGB, vol.BackingPath)
		if err != nil {
			return err
		}
		if _, err := e.lv.StorageVolCreateXML(pool, xml, 0); err != nil {
			return fmt.Errorf("failed to create volume %s: %w", vol.ID, err)
		}
	}
	return nil
}
