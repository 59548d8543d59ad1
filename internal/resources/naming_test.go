package resources

import "testing"

func TestMACFromIP(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		want    string
		wantErr bool
	}{
		{name: "basic IP", ip: "10.20.30.40", want: "be:ef:0a:14:1e:28"},
		{name: "IP with CIDR", ip: "10.250.250.10/24", want: "be:ef:0a:fa:fa:0a"},
		{name: "invalid IP", ip: "not-an-ip", wantErr: true},
		{name: "IPv6 address", ip: "2001:db8::1", wantErr: true},
		{name: "invalid CIDR", ip: "10.1.2.3/99", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MACFromIP(tt.ip)
			if (err != nil) != tt.wantErr {
				t.Errorf("MACFromIP() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("MACFromIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTapNameFromIP(t *testing.T) {
	got, err := TapNameFromIP("10.55.22.22")
	if err != nil {
		t.Fatalf("TapNameFromIP() error = %v", err)
	}
	if got != "vm0a371616" {
		t.Errorf("TapNameFromIP() = %s, want vm0a371616", got)
	}
	if len(got) > 15 {
		t.Errorf("tap name %q exceeds 15 characters", got)
	}
	if _, err := TapNameFromIP("bogus"); err == nil {
		t.Error("TapNameFromIP(bogus) error = nil")
	}
}

func TestVolumeFileName(t *testing.T) {
	if got := VolumeFileName("web", "root"); got != "web_root.qcow2" {
		t.Errorf("VolumeFileName() = %s", got)
	}
}
