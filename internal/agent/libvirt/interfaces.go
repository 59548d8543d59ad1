package libvirt

import (
	"github.com/digitalocean/go-libvirt"
)

// libvirtClient defines the libvirt operations the transport executes.
// In production, this is satisfied by *libvirt.Libvirt directly.
type libvirtClient interface {
	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainCreate(dom libvirt.Domain) error
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)
	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	DomainShutdown(dom libvirt.Domain) error
	DomainDestroy(dom libvirt.Domain) error
	DomainReboot(dom libvirt.Domain, flags libvirt.DomainRebootFlagValues) error
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	DomainSetVcpusFlags(dom libvirt.Domain, nvcpus uint32, flags uint32) error
	DomainSetMemoryFlags(dom libvirt.Domain, memory uint64, flags uint32) error
	DomainAttachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error
	DomainDetachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error
	DomainMigratePerform3Params(dom libvirt.Domain, dconnuri libvirt.OptString, params []libvirt.TypedParam, cookieIn []byte, flags libvirt.DomainMigrateFlags) ([]byte, error)
	ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)

	StoragePoolLookupByName(name string) (libvirt.StoragePool, error)
	StorageVolLookupByPath(path string) (libvirt.StorageVol, error)
	StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolCreateXMLFrom(pool libvirt.StoragePool, xml string, clonevol libvirt.StorageVol, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolGetPath(vol libvirt.StorageVol) (string, error)
	StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error
}

// Ensure *libvirt.Libvirt satisfies libvirtClient at compile time.
var _ libvirtClient = (*libvirt.Libvirt)(nil)
