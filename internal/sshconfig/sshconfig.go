// Package sshconfig reads host entries from an OpenSSH client config.
package sshconfig

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// Host is one concrete alias from the config. Values are resolved the way
// ssh resolves them, so settings from matching wildcard blocks apply.
type Host struct {
	Alias        string `json:"alias"`
	Hostname     string `json:"hostname,omitempty"`
	User         string `json:"user,omitempty"`
	Port         int    `json:"port,omitempty"`
	IdentityFile string `json:"identity_file,omitempty"`
	ProxyJump    string `json:"proxy_jump,omitempty"`
}

// EffectiveHostname returns HostName, falling back to the alias.
func (h Host) EffectiveHostname() string {
	if h.Hostname != "" {
		return h.Hostname
	}
	return h.Alias
}

// EffectivePort returns Port, falling back to 22.
func (h Host) EffectivePort() int {
	if h.Port > 0 {
		return h.Port
	}
	return 22
}

// DisplayTarget returns user@hostname, or just the hostname.
func (h Host) DisplayTarget() string {
	if h.User == "" {
		return h.EffectiveHostname()
	}
	return h.User + "@" + h.EffectiveHostname()
}

// Load reads the config at path. A missing file yields no hosts.
func Load(path string) ([]Host, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	hosts, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config %s: %w", path, err)
	}
	return hosts, nil
}

// Parse decodes a config and returns its concrete aliases in file order.
// Wildcard and negated patterns are not hosts of their own.
func Parse(r io.Reader) ([]Host, error) {
	cfg, err := ssh_config.Decode(r)
	if err != nil {
		return nil, err
	}

	var hosts []Host
	seen := make(map[string]bool)
	for _, block := range cfg.Hosts {
		for _, pattern := range block.Patterns {
			alias := pattern.String()
			// Negated patterns lose their "!" in String, but never match themselves.
			if !concrete(alias) || seen[alias] || !block.Matches(alias) {
				continue
			}
			seen[alias] = true

			h, err := resolve(cfg, alias)
			if err != nil {
				return nil, err
			}
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

func concrete(pattern string) bool {
	return pattern != "" && !strings.ContainsAny(pattern, "*?!")
}

func resolve(cfg *ssh_config.Config, alias string) (Host, error) {
	get := func(key string) (string, error) {
		v, err := cfg.Get(alias, key)
		if err != nil {
			return "", fmt.Errorf("host %s: %s: %w", alias, key, err)
		}
		return strings.TrimSpace(v), nil
	}

	h := Host{Alias: alias}
	var err error
	if h.Hostname, err = get("HostName"); err != nil {
		return Host{}, err
	}
	if h.User, err = get("User"); err != nil {
		return Host{}, err
	}
	if h.ProxyJump, err = get("ProxyJump"); err != nil {
		return Host{}, err
	}

	identity, err := get("IdentityFile")
	if err != nil {
		return Host{}, err
	}
	h.IdentityFile = expandHome(identity)

	port, err := get("Port")
	if err != nil {
		return Host{}, err
	}
	if port != "" {
		if h.Port, err = strconv.Atoi(port); err != nil {
			return Host{}, fmt.Errorf("host %s: invalid port %q", alias, port)
		}
	}
	return h, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
