package resources

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/deploy"
	"github.com/jbweber/foreman/internal/store"
)

// Network is a guest network the ledger hands out addresses on.
type Network struct {
	ID      string
	Bridge  string
	CIDR    string
	Gateway string
}

// claimedElsewhere marks an address another process holds in the shared store.
const claimedElsewhere = "-"

type network struct {
	Network
	prefix  netip.Prefix
	gateway netip.Addr
	// used maps address to the NIC holding it.
	used map[netip.Addr]string
}

// NetworkLedger is an in-memory NetworkManager. With claims set, every
// address it hands out is also claimed in the shared store.
type NetworkLedger struct {
	log    *zap.SugaredLogger
	claims store.AddressStore

	mu       sync.Mutex
	networks map[string]*network
	// reserved maps vm id to the hosts it holds NIC reservations on.
	reserved map[string]map[string]struct{}
}

var _ NetworkManager = (*NetworkLedger)(nil)

// NewNetworkLedger creates a NetworkLedger.
func NewNetworkLedger(networks []Network, log *zap.SugaredLogger) (*NetworkLedger, error) {
	l := &NetworkLedger{
		log:      log,
		networks: make(map[string]*network, len(networks)),
		reserved: make(map[string]map[string]struct{}),
	}
	for _, n := range networks {
		prefix, err := netip.ParsePrefix(n.CIDR)
		if err != nil {
			return nil, fmt.Errorf("network %s: invalid cidr %q: %w", n.ID, n.CIDR, err)
		}
		nw := &network{Network: n, prefix: prefix.Masked(), used: make(map[netip.Addr]string)}
		if n.Gateway != "" {
			gw, err := netip.ParseAddr(n.Gateway)
			if err != nil {
				return nil, fmt.Errorf("network %s: invalid gateway %q: %w", n.ID, n.Gateway, err)
			}
			nw.gateway = gw
		}
		l.networks[n.ID] = nw
	}
	return l, nil
}

// WithClaims makes the ledger claim addresses in c before handing them out.
func (l *NetworkLedger) WithClaims(c store.AddressStore) *NetworkLedger {
	l.claims = c
	return l
}

// Allocate implements NetworkManager.
func (l *NetworkLedger) Allocate(ctx context.Context, vm *v1alpha1.VirtualMachine) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var allocated []*v1alpha1.Nic
	for i := range vm.Spec.Nics {
		nic := &vm.Spec.Nics[i]
		if err := l.allocateNic(ctx, vm.UID, nic); err != nil {
			for _, n := range allocated {
				l.free(ctx, *n)
			}
			return err
		}
		allocated = append(allocated, nic)
	}
	return nil
}

func (l *NetworkLedger) allocateNic(ctx context.Context, vmID string, nic *v1alpha1.Nic) error {
	nw, ok := l.networks[nic.NetworkID]
	if !ok {
		return fmt.Errorf("network %q: %w", nic.NetworkID, ErrUnavailable)
	}
	if nic.ID == "" {
		nic.ID = uuid.New().String()
	}
	if nic.IP == "" {
		addr, err := l.claimNext(ctx, nw, vmID, nic.ID)
		if err != nil {
			return err
		}
		nic.IP = addr.String()
	} else {
		addr, err := netip.ParseAddr(nic.IP)
		if err != nil {
			return fmt.Errorf("nic %s: invalid ip %q: %w", nic.ID, nic.IP, err)
		}
		if holder, taken := nw.used[addr]; taken && holder != nic.ID && holder != claimedElsewhere {
			return fmt.Errorf("address %s on network %s is in use: %w", addr, nw.ID, ErrUnavailable)
		}
		if err := l.claim(ctx, nw, addr, vmID, nic.ID); err != nil {
			return err
		}
		nw.used[addr] = nic.ID
	}
	if nic.MAC == "" {
		mac, err := MACFromIP(nic.IP)
		if err != nil {
			return err
		}
		nic.MAC = mac
	}
	nic.Bridge = nw.Bridge
	return nil
}

// claimNext claims the lowest address free both here and in the shared store.
// Addresses another process claimed are marked used and skipped.
func (l *NetworkLedger) claimNext(ctx context.Context, nw *network, vmID, nicID string) (netip.Addr, error) {
	for {
		addr, ok := nw.next()
		if !ok {
			return netip.Addr{}, fmt.Errorf("network %s has no free addresses: %w", nw.ID, ErrUnavailable)
		}
		err := l.claim(ctx, nw, addr, vmID, nicID)
		if err == nil {
			nw.used[addr] = nicID
			return addr, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return netip.Addr{}, err
		}
		l.log.Debugw("Address claimed elsewhere", "network_id", nw.ID, "ip", addr.String())
		nw.used[addr] = claimedElsewhere
	}
}

// claim records the address in the shared store, if there is one. A
// conflict is reported as ErrUnavailable.
func (l *NetworkLedger) claim(ctx context.Context, nw *network, addr netip.Addr, vmID, nicID string) error {
	if l.claims == nil {
		return nil
	}
	err := l.claims.Claim(ctx, nw.ID, addr.String(), nicID, vmID)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("address %s on network %s is in use: %w", addr, nw.ID, ErrUnavailable)
	}
	return fmt.Errorf("failed to claim address %s on network %s: %w", addr, nw.ID, err)
}

// next returns the lowest free host address in the network.
func (nw *network) next() (netip.Addr, bool) {
	addr := nw.prefix.Addr().Next()
	for nw.prefix.Contains(addr) {
		next := addr.Next()
		// skip the broadcast address
		if !nw.prefix.Contains(next) && addr.Is4() {
			break
		}
		if _, taken := nw.used[addr]; !taken && addr != nw.gateway {
			return addr, true
		}
		addr = next
	}
	return netip.Addr{}, false
}

func (l *NetworkLedger) free(ctx context.Context, nic v1alpha1.Nic) {
	nw, ok := l.networks[nic.NetworkID]
	if !ok {
		return
	}
	addr, err := netip.ParseAddr(nic.IP)
	if err != nil {
		return
	}
	if nw.used[addr] == nic.ID {
		delete(nw.used, addr)
	}
	if l.claims != nil {
		if err := l.claims.Free(ctx, nw.ID, addr.String(), nic.ID); err != nil {
			l.log.Warnw("Failed to free address claim", "network_id", nw.ID, "ip", nic.IP, "nic_id", nic.ID, "error", err)
		}
	}
}

// Prepare implements NetworkManager.
func (l *NetworkLedger) Prepare(_ context.Context, vm *v1alpha1.VirtualMachine, dest *deploy.Destination) ([]v1alpha1.Nic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]v1alpha1.Nic, len(vm.Spec.Nics))
	for i, nic := range vm.Spec.Nics {
		nw, ok := l.networks[nic.NetworkID]
		if !ok {
			return nil, fmt.Errorf("network %q: %w", nic.NetworkID, ErrUnavailable)
		}
		nic.Bridge = nw.Bridge
		out[i] = nic
	}

	hosts, ok := l.reserved[vm.UID]
	if !ok {
		hosts = make(map[string]struct{})
		l.reserved[vm.UID] = hosts
	}
	hosts[dest.HostID] = struct{}{}
	return out, nil
}

// Release implements NetworkManager.
func (l *NetworkLedger) Release(_ context.Context, vmID, hostID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hosts, ok := l.reserved[vmID]; ok {
		delete(hosts, hostID)
		if len(hosts) == 0 {
			delete(l.reserved, vmID)
		}
	}
	return nil
}

// CreateNic implements NetworkManager.
func (l *NetworkLedger) CreateNic(ctx context.Context, vm *v1alpha1.VirtualMachine, networkID string) (v1alpha1.Nic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if vm.FindNic(networkID) != nil {
		return v1alpha1.Nic{}, fmt.Errorf("vm %s already has a nic on network %s", vm.Name, networkID)
	}
	nic := v1alpha1.Nic{NetworkID: networkID, DeviceID: vm.NextNicDeviceID()}
	if err := l.allocateNic(ctx, vm.UID, &nic); err != nil {
		return v1alpha1.Nic{}, err
	}
	return nic, nil
}

// RemoveNic implements NetworkManager.
func (l *NetworkLedger) RemoveNic(ctx context.Context, _ *v1alpha1.VirtualMachine, nic v1alpha1.Nic) error {
	l.mu.Lock()
	l.free(ctx, nic)
	l.mu.Unlock()
	return nil
}

// Deallocate implements NetworkManager.
func (l *NetworkLedger) Deallocate(ctx context.Context, vm *v1alpha1.VirtualMachine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, nic := range vm.Spec.Nics {
		l.free(ctx, nic)
	}
	delete(l.reserved, vm.UID)
	return nil
}

// Adopt marks the addresses of an existing VM as used, claiming them in the
// shared store when they predate it.
func (l *NetworkLedger) Adopt(ctx context.Context, vm *v1alpha1.VirtualMachine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, nic := range vm.Spec.Nics {
		nw, ok := l.networks[nic.NetworkID]
		if !ok {
			continue
		}
		addr, err := netip.ParseAddr(nic.IP)
		if err != nil {
			continue
		}
		nw.used[addr] = nic.ID
		if err := l.claim(ctx, nw, addr, vm.UID, nic.ID); err != nil {
			l.log.Warnw("Adopted address is claimed by another nic", "vm_id", vm.UID, "network_id", nw.ID, "ip", nic.IP, "error", err)
		}
	}
	if vm.Status.HostID != "" {
		l.reserved[vm.UID] = map[string]struct{}{vm.Status.HostID: {}}
	}
}

// ReservedHosts returns the hosts vmID holds NIC reservations on.
func (l *NetworkLedger) ReservedHosts(vmID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for h := range l.reserved[vmID] {
		out = append(out, h)
	}
	return out
}
