package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	"emulatorwatch/models"
)

// LoadHosts returns the concrete host aliases from an OpenSSH client
// config, sorted case-insensitively. Wildcard and negated patterns are
// skipped, as are Match blocks. A missing file yields no hosts.
func LoadHosts(path string) ([]models.SSHHost, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.SSHHost{}, nil
		}
		return nil, fmt.Errorf("failed to open ssh config: %w", err)
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(commentOutMatchBlocks(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config %s: %w", path, err)
	}

	seen := make(map[string]bool)
	hosts := []models.SSHHost{}
	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			alias := pattern.String()
			if alias == "" || seen[alias] || strings.ContainsAny(alias, "*?!") {
				continue
			}
			seen[alias] = true

			h, err := resolveHost(cfg, alias)
			if err != nil {
				return nil, err
			}
			hosts = append(hosts, h)
		}
	}

	sort.Slice(hosts, func(i, j int) bool {
		return strings.ToLower(hosts[i].Alias) < strings.ToLower(hosts[j].Alias)
	})
	return hosts, nil
}

// commentOutMatchBlocks turns every line of a Match block into a comment.
// ssh_config cannot parse Match; line numbers in parse errors still line
// up with the file.
func commentOutMatchBlocks(data []byte) []byte {
	var out bytes.Buffer
	inMatch := false
	for _, line := range strings.SplitAfter(string(data), "\n") {
		switch configKeyword(line) {
		case "match":
			inMatch = true
		case "host":
			inMatch = false
		}
		if inMatch {
			out.WriteString("#")
		}
		out.WriteString(line)
	}
	return out.Bytes()
}

// configKeyword returns the lowercased keyword of an ssh_config line.
func configKeyword(line string) string {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '=' || r == '\r' || r == '\n'
	})
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// FindHost looks up alias in hosts
func FindHost(hosts []models.SSHHost, alias string) (models.SSHHost, bool) {
	for _, h := range hosts {
		if h.Alias == alias {
			return h, true
		}
	}
	return models.SSHHost{}, false
}

func resolveHost(cfg *ssh_config.Config, alias string) (models.SSHHost, error) {
	get := func(key string) (string, error) {
		v, err := cfg.Get(alias, key)
		if err != nil {
			return "", fmt.Errorf("ssh config %s for %s: %w", key, alias, err)
		}
		return v, nil
	}

	host := models.SSHHost{Alias: alias, Hostname: alias, Port: 22}
	if v, err := get("HostName"); err != nil {
		return host, err
	} else if v != "" {
		host.Hostname = v
	}
	if v, err := get("User"); err != nil {
		return host, err
	} else {
		host.User = v
	}
	if v, err := get("Port"); err != nil {
		return host, err
	} else if v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return host, fmt.Errorf("ssh config Port for %s: %w", alias, err)
		}
		host.Port = port
	}
	if v, err := get("IdentityFile"); err != nil {
		return host, err
	} else {
		host.IdentityFile = v
	}
	return host, nil
}

// HostDirectory resolves aliases against an ssh config file that is
// re-read on every call, so edits show up without a restart.
type HostDirectory struct {
	ConfigPath string
}

func (d HostDirectory) Hosts() ([]models.SSHHost, error) {
	return LoadHosts(d.ConfigPath)
}

// Resolve returns the host for alias. "local" maps to this machine and
// aliases missing from the config are dialed as plain hostnames.
func (d HostDirectory) Resolve(alias string) (models.SSHHost, error) {
	if alias == "" {
		return models.SSHHost{}, fmt.Errorf("empty host alias")
	}
	if alias == LocalHost {
		return models.SSHHost{Alias: LocalHost, Hostname: "localhost"}, nil
	}
	hosts, err := d.Hosts()
	if err != nil {
		return models.SSHHost{}, err
	}
	if h, ok := FindHost(hosts, alias); ok {
		return h, nil
	}
	return models.SSHHost{Alias: alias, Hostname: alias, Port: 22}, nil
}
