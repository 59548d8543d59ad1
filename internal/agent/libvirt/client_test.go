package libvirt

import (
	"crypto/ed25519"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt/socket/dialers"
	"golang.org/x/crypto/ssh"
)

func writeSSHFiles(t *testing.T) SSHOptions {
	t.Helper()
	dir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	keyFile := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	knownHosts := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(knownHosts, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	return SSHOptions{KeyFile: keyFile, KnownHostsFile: knownHosts}
}

func TestDialerFor(t *testing.T) {
	opts := writeSSHFiles(t)

	tests := []struct {
		name    string
		host    Host
		check   func(t *testing.T, d any)
		wantErr bool
	}{
		{
			name: "default socket",
			host: Host{ID: "local"},
			check: func(t *testing.T, d any) {
				if _, ok := d.(*dialers.Local); !ok {
					t.Errorf("dialer = %T, want *dialers.Local", d)
				}
			},
		},
		{
			name: "socket path",
			host: Host{ID: "local", Address: "/run/libvirt/libvirt-sock"},
			check: func(t *testing.T, d any) {
				if _, ok := d.(*dialers.Local); !ok {
					t.Errorf("dialer = %T, want *dialers.Local", d)
				}
			},
		},
		{
			name: "tcp",
			host: Host{ID: "hv1", Address: "hv1.example.com:16509"},
			check: func(t *testing.T, d any) {
				if _, ok := d.(*dialers.Remote); !ok {
					t.Errorf("dialer = %T, want *dialers.Remote", d)
				}
			},
		},
		{
			name: "tcp without port",
			host: Host{ID: "hv1", Address: "hv1.example.com"},
			check: func(t *testing.T, d any) {
				if _, ok := d.(*dialers.Remote); !ok {
					t.Errorf("dialer = %T, want *dialers.Remote", d)
				}
			},
		},
		{
			name: "ssh",
			host: Host{ID: "hv2", Address: "ssh://root@hv2:2222/var/run/libvirt/libvirt-sock", SSH: opts},
			check: func(t *testing.T, d any) {
				sd, ok := d.(*sshDialer)
				if !ok {
					t.Fatalf("dialer = %T, want *sshDialer", d)
				}
				if sd.target.addr != "hv2:2222" || sd.config.User != "root" || sd.config.Timeout != 3*time.Second {
					t.Errorf("ssh dialer = %+v, config user %q timeout %v", sd.target, sd.config.User, sd.config.Timeout)
				}
			},
		},
		{
			name:    "ssh without credentials",
			host:    Host{ID: "hv3", Address: "ssh://hv3"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := dialerFor(tt.host, 3*time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("dialerFor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, d)
			}
		})
	}
}
