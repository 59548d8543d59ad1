package libvirt

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/digitalocean/go-libvirt/socket"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOptions authenticates SSH tunnels to remote hosts.
type SSHOptions struct {
	// User is used when the address names none. Defaults to root.
	User string
	// KeyFile is the private key offered to the host.
	KeyFile string
	// KnownHostsFile verifies host keys.
	KnownHostsFile string
}

// sshTarget is a parsed ssh:// address.
type sshTarget struct {
	user   string
	addr   string
	socket string
}

func parseSSHAddress(address, defaultUser string) (sshTarget, error) {
	u, err := url.Parse(address)
	if err != nil {
		return sshTarget{}, fmt.Errorf("invalid ssh address %q: %w", address, err)
	}
	if u.Scheme != "ssh" || u.Hostname() == "" {
		return sshTarget{}, fmt.Errorf("invalid ssh address %q", address)
	}

	t := sshTarget{user: u.User.Username(), socket: u.Path}
	if t.user == "" {
		t.user = defaultUser
	}
	if t.user == "" {
		t.user = "root"
	}
	if t.socket == "" || t.socket == "/" {
		t.socket = DefaultSocket
	}
	port := u.Port()
	if port == "" {
		port = "22"
	}
	t.addr = net.JoinHostPort(u.Hostname(), port)
	return t, nil
}

// sshDialer reaches libvirtd's UNIX socket on a remote host through an SSH
// connection.
type sshDialer struct {
	target sshTarget
	config *ssh.ClientConfig
}

var _ socket.Dialer = (*sshDialer)(nil)

func newSSHDialer(address string, opts SSHOptions, timeout time.Duration) (*sshDialer, error) {
	target, err := parseSSHAddress(address, opts.User)
	if err != nil {
		return nil, err
	}
	if opts.KeyFile == "" || opts.KnownHostsFile == "" {
		return nil, fmt.Errorf("ssh address %s needs a key file and a known hosts file", address)
	}

	key, err := os.ReadFile(opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key %s: %w", opts.KeyFile, err)
	}
	hostKeys, err := knownhosts.New(opts.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}

	return &sshDialer{
		target: target,
		config: &ssh.ClientConfig{
			User:            target.user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         timeout,
		},
	}, nil
}

// Dial opens the SSH connection and the tunnelled socket.
func (d *sshDialer) Dial() (net.Conn, error) {
	client, err := ssh.Dial("tcp", d.target.addr, d.config)
	if err != nil {
		return nil, fmt.Errorf("ssh to %s: %w", d.target.addr, err)
	}
	c, err := client.Dial("unix", d.target.socket)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open %s on %s: %w", d.target.socket, d.target.addr, err)
	}
	return &sshConn{Conn: c, client: client}, nil
}

// sshConn closes the SSH client together with the tunnelled socket.
type sshConn struct {
	net.Conn
	client *ssh.Client
}

func (c *sshConn) Close() error {
	err := c.Conn.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}
