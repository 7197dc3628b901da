package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadHostsSkipsWildcardsAndSorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	content := `Host *
    ServerAliveInterval 30

Host zeta
    HostName 10.0.0.9
    User ci
    Port 2222
    IdentityFile ~/.ssh/zeta

Host Alpha beta
    HostName gpu.internal

Host *.corp dev-?
    User nobody

Host bare
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write ssh config: %v", err)
	}

	hosts, err := LoadHosts(path)
	if err != nil {
		t.Fatalf("load hosts: %v", err)
	}

	aliases := make([]string, len(hosts))
	for i, h := range hosts {
		aliases[i] = h.Alias
	}
	want := []string{"Alpha", "bare", "beta", "zeta"}
	if len(aliases) != len(want) {
		t.Fatalf("expected %v, got %v", want, aliases)
	}
	for i := range want {
		if aliases[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, aliases)
		}
	}

	zeta, ok := FindHost(hosts, "zeta")
	if !ok {
		t.Fatalf("zeta not found")
	}
	if zeta.Hostname != "10.0.0.9" || zeta.User != "ci" || zeta.Port != 2222 || zeta.IdentityFile != "~/.ssh/zeta" {
		t.Fatalf("unexpected zeta: %+v", zeta)
	}

	bare, _ := FindHost(hosts, "bare")
	if bare.Hostname != "bare" || bare.Port != 22 {
		t.Fatalf("alias without HostName should resolve to itself on port 22: %+v", bare)
	}
	beta, _ := FindHost(hosts, "beta")
	if beta.Hostname != "gpu.internal" {
		t.Fatalf("multi-alias host should share HostName: %+v", beta)
	}
	if _, ok := FindHost(hosts, "missing"); ok {
		t.Fatalf("unexpected host")
	}
}

func TestLoadHostsMissingFile(t *testing.T) {
	hosts, err := LoadHosts(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if len(hosts) != 0 {
		t.Fatalf("expected no hosts, got %v", hosts)
	}
}

func TestHostDirectoryResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("Host lab\n    HostName 192.168.1.20\n    User android\n"), 0o600); err != nil {
		t.Fatalf("write ssh config: %v", err)
	}
	dir := HostDirectory{ConfigPath: path}

	lab, err := dir.Resolve("lab")
	if err != nil || lab.Hostname != "192.168.1.20" || lab.User != "android" {
		t.Fatalf("unexpected lab host %+v (%v)", lab, err)
	}
	local, err := dir.Resolve(LocalHost)
	if err != nil || local.Alias != LocalHost {
		t.Fatalf("unexpected local host %+v (%v)", local, err)
	}
	raw, err := dir.Resolve("10.1.2.3")
	if err != nil || raw.Hostname != "10.1.2.3" || raw.Port != 22 {
		t.Fatalf("unknown alias should dial directly: %+v (%v)", raw, err)
	}
	if _, err := dir.Resolve(""); err == nil {
		t.Fatalf("expected error for empty alias")
	}
}

func TestLoadHostsIgnoresMatchBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	content := `Host lab
    HostName 192.168.1.20

Match host *.corp exec "test -f /tmp/vpn"
    User corp
    ProxyJump bastion

Host gpu
    HostName gpu.internal
    User ci
Match all
    ForwardAgent yes
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write ssh config: %v", err)
	}

	hosts, err := LoadHosts(path)
	if err != nil {
		t.Fatalf("load hosts: %v", err)
	}
	if len(hosts) != 2 || hosts[0].Alias != "gpu" || hosts[1].Alias != "lab" {
		t.Fatalf("unexpected hosts %+v", hosts)
	}
	if hosts[0].User != "ci" || hosts[1].Hostname != "192.168.1.20" {
		t.Fatalf("Match block leaked into host settings: %+v", hosts)
	}

	lab, err := HostDirectory{ConfigPath: path}.Resolve("lab")
	if err != nil || lab.Hostname != "192.168.1.20" {
		t.Fatalf("resolve lab: %+v (%v)", lab, err)
	}
}
