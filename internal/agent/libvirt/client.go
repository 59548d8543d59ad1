// Package libvirt implements agent.Transport by talking to the libvirt daemon
// on each hypervisor host.
//
// Each host is reached over its libvirt RPC socket: a local UNIX socket when
// the address is a path, the remote UNIX socket tunnelled over SSH for
// ssh:// addresses, TCP otherwise. Connections are opened lazily and dropped
// after a transport failure so the next batch reconnects.
package libvirt

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

// DefaultSocket is the local qemu:///system socket.
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// Host is a hypervisor host reachable through libvirt.
type Host struct {
	ID string
	// Address is a UNIX socket path, ssh://[user@]host[:port][/socket], or
	// host[:port] of libvirtd's TCP listener.
	Address string
	// SSH authenticates ssh:// addresses.
	SSH SSHOptions
}

// Connect opens a libvirt connection to host. If timeout is zero it
// defaults to 5 seconds.
func Connect(host Host, timeout time.Duration) (*libvirt.Libvirt, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	dialer, err := dialerFor(host, timeout)
	if err != nil {
		return nil, err
	}
	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt on host %s at %s: %w", host.ID, host.Address, err)
	}
	return l, nil
}

// dialerFor picks the socket dialer matching the form of host.Address.
func dialerFor(host Host, timeout time.Duration) (socket.Dialer, error) {
	addr := host.Address
	switch {
	case addr == "":
		return dialers.NewLocal(dialers.WithSocket(DefaultSocket), dialers.WithLocalTimeout(timeout)), nil
	case strings.HasPrefix(addr, "/"):
		return dialers.NewLocal(dialers.WithSocket(addr), dialers.WithLocalTimeout(timeout)), nil
	case strings.HasPrefix(addr, "ssh://"):
		d, err := newSSHDialer(addr, host.SSH, timeout)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", host.ID, err)
		}
		return d, nil
	default:
		hostname, port, err := net.SplitHostPort(addr)
		if err != nil {
			hostname, port = addr, "16509"
		}
		return dialers.NewRemote(hostname, dialers.UsePort(port), dialers.WithRemoteTimeout(timeout)), nil
	}
}

// ConnectWithContext is Connect with cancellation.
func ConnectWithContext(ctx context.Context, host Host, timeout time.Duration) (*libvirt.Libvirt, error) {
	type result struct {
		l   *libvirt.Libvirt
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		l, err := Connect(host, timeout)
		resultCh <- result{l: l, err: err}
	}()

	select {
	case <-ctx.Done():
		// a connection that completes later is closed by nobody; close it
		go func() {
			if res := <-resultCh; res.l != nil {
				_ = res.l.Disconnect()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.l, res.err
	}
}
