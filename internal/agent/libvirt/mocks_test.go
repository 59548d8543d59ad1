package libvirt

import (
	"errors"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

var errNoDomainMock = libvirt.Error{Code: errNoDomain, Message: "Domain not found"}

// mockLibvirtClient is a mock implementation of libvirtClient for testing.
type mockLibvirtClient struct {
	mu    sync.Mutex
	calls []string

	domains map[string]int32 // name -> state

	defineXMLFunc   func(xml string) (libvirt.Domain, error)
	getStateFunc    func(dom libvirt.Domain) (int32, error)
	shutdownFunc    func(dom libvirt.Domain) error
	migrateFunc     func(dom libvirt.Domain, uri libvirt.OptString, flags libvirt.DomainMigrateFlags) error
	xmlDesc         string
	volumes         map[string]bool // path -> exists
	pools           map[string]bool
	createVolFunc   func(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error)
	createdVolXML   []string
	attachDeviceXML string
	setVcpus        uint32
	setMemory       uint64
	volDeleteErr    error
}

func newMockClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		domains: make(map[string]int32),
		volumes: make(map[string]bool),
		pools:   make(map[string]bool),
	}
}

func (m *mockLibvirtClient) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockLibvirtClient) called(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (m *mockLibvirtClient) setState(name string, state int32) {
	m.mu.Lock()
	m.domains[name] = state
	m.mu.Unlock()
}

func (m *mockLibvirtClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.record("DomainLookupByName")
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[name]; !ok {
		return libvirt.Domain{}, errNoDomainMock
	}
	return libvirt.Domain{Name: name}, nil
}

func (m *mockLibvirtClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.record("DomainDefineXML")
	if m.defineXMLFunc != nil {
		return m.defineXMLFunc(xml)
	}
	name := xml
	var def libvirtxml.Domain
	if err := def.Unmarshal(xml); err == nil {
		name = def.Name
	}
	m.setState(name, domainStateShutoff)
	return libvirt.Domain{Name: name}, nil
}

func (m *mockLibvirtClient) DomainCreate(dom libvirt.Domain) error {
	m.record("DomainCreate")
	m.setState(dom.Name, domainStateRunning)
	return nil
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.record("DomainGetState")
	if m.getStateFunc != nil {
		s, err := m.getStateFunc(dom)
		return s, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.domains[dom.Name]
	if !ok {
		return 0, 0, errNoDomainMock
	}
	return s, 0, nil
}

func (m *mockLibvirtClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.record("DomainGetXMLDesc")
	if m.xmlDesc == "" {
		return "", errors.New("no xml")
	}
	return m.xmlDesc, nil
}

func (m *mockLibvirtClient) DomainShutdown(dom libvirt.Domain) error {
	m.record("DomainShutdown")
	if m.shutdownFunc != nil {
		return m.shutdownFunc(dom)
	}
	m.setState(dom.Name, domainStateShutoff)
	return nil
}

func (m *mockLibvirtClient) DomainDestroy(dom libvirt.Domain) error {
	m.record("DomainDestroy")
	m.setState(dom.Name, domainStateShutoff)
	return nil
}

func (m *mockLibvirtClient) DomainReboot(dom libvirt.Domain, flags libvirt.DomainRebootFlagValues) error {
	m.record("DomainReboot")
	return nil
}

func (m *mockLibvirtClient) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.record("DomainUndefineFlags")
	m.mu.Lock()
	delete(m.domains, dom.Name)
	m.mu.Unlock()
	return nil
}

func (m *mockLibvirtClient) DomainSetVcpusFlags(dom libvirt.Domain, nvcpus uint32, flags uint32) error {
	m.record("DomainSetVcpusFlags")
	m.setVcpus = nvcpus
	return nil
}

func (m *mockLibvirtClient) DomainSetMemoryFlags(dom libvirt.Domain, memory uint64, flags uint32) error {
	m.record("DomainSetMemoryFlags")
	m.setMemory = memory
	return nil
}

func (m *mockLibvirtClient) DomainAttachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error {
	m.record("DomainAttachDeviceFlags")
	m.attachDeviceXML = xml
	return nil
}

func (m *mockLibvirtClient) DomainDetachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error {
	m.record("DomainDetachDeviceFlags")
	return nil
}

func (m *mockLibvirtClient) DomainMigratePerform3Params(dom libvirt.Domain, dconnuri libvirt.OptString, params []libvirt.TypedParam, cookieIn []byte, flags libvirt.DomainMigrateFlags) ([]byte, error) {
	m.record("DomainMigratePerform3Params")
	if m.migrateFunc != nil {
		return nil, m.migrateFunc(dom, dconnuri, flags)
	}
	return nil, nil
}

func (m *mockLibvirtClient) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.record("ConnectListAllDomains")
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []libvirt.Domain
	for name := range m.domains {
		out = append(out, libvirt.Domain{Name: name})
	}
	return out, uint32(len(out)), nil
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	m.record("StoragePoolLookupByName")
	if !m.pools[name] {
		return libvirt.StoragePool{}, libvirt.Error{Code: 49, Message: "Storage pool not found"}
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirtClient) StorageVolLookupByPath(path string) (libvirt.StorageVol, error) {
	m.record("StorageVolLookupByPath")
	if !m.volumes[path] {
		return libvirt.StorageVol{}, libvirt.Error{Code: errNoStorageVol, Message: "Storage volume not found"}
	}
	return libvirt.StorageVol{Key: path, Name: path}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	m.record("StorageVolCreateXML")
	m.mu.Lock()
	m.createdVolXML = append(m.createdVolXML, xml)
	m.mu.Unlock()
	return libvirt.StorageVol{Pool: pool.Name}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXMLFrom(pool libvirt.StoragePool, xml string, clonevol libvirt.StorageVol, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	m.record("StorageVolCreateXMLFrom")
	if m.createVolFunc != nil {
		return m.createVolFunc(pool, xml)
	}
	return libvirt.StorageVol{Pool: pool.Name, Key: "/" + pool.Name + "/new.qcow2"}, nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	m.record("StorageVolGetPath")
	return vol.Key, nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	m.record("StorageVolDelete")
	if m.volDeleteErr != nil {
		return m.volDeleteErr
	}
	m.mu.Lock()
	delete(m.volumes, vol.Key)
	m.mu.Unlock()
	return nil
}
