// Package config loads and validates the on-disk configuration for a
// relay client or server and turns it into a profile.Profile, the
// runtime value internal/relay and internal/udp actually depend on.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/profile"
)

// File is the on-disk JSON configuration shape: server, server_port,
// local_address, local_port, method, password, timeout, http_proxy. It
// round-trips to/from profile.Profile.
type File struct {
	Server       string `json:"server" yaml:"server"`
	ServerPort   uint16 `json:"server_port" yaml:"server_port"`
	LocalAddress string `json:"local_address" yaml:"local_address"`
	LocalPort    uint16 `json:"local_port" yaml:"local_port"`
	Method       string `json:"method" yaml:"method"`
	Password     string `json:"password" yaml:"password"`
	Timeout      int    `json:"timeout" yaml:"timeout"`
	HTTPProxy    bool   `json:"http_proxy" yaml:"http_proxy"`
	FastOpen     bool   `json:"fast_open" yaml:"fast_open"`
	Name         string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// ProfileList is the YAML form for batch/multi-profile files: a list of
// named profiles, used by `ssgo run --profile NAME -c profiles.yaml`
// rather than the single-profile JSON file.
type ProfileList struct {
	Profiles []File `yaml:"profiles"`
}

// varPattern matches ${VAR} and ${VAR:-default} for environment
// expansion, applied to the raw file bytes before unmarshaling so any
// string field (including password) may reference an environment
// variable instead of being committed to disk in plaintext.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

func expandEnv(raw []byte) []byte {
	return varPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		groups := varPattern.FindSubmatch(m)
		name := string(groups[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if len(groups[2]) > 0 {
			return groups[2][2:] // strip ":-"
		}
		return m
	})
}

// LoadJSON reads the documented single-profile JSON config file from
// path and returns it as a profile.Profile with defaults applied. It
// does not validate the result; callers run Profile.Validate.
func LoadJSON(path string) (profile.Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(expandEnv(raw), &f); err != nil {
		return profile.Profile{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f.toProfile().WithDefaults(), nil
}

// LoadYAMLProfiles reads a batch profile file and returns every named
// profile it contains, each with defaults applied. The profiles are not
// validated.
func LoadYAMLProfiles(path string) ([]profile.Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var list ProfileList
	if err := yaml.Unmarshal(expandEnv(raw), &list); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	profiles := make([]profile.Profile, 0, len(list.Profiles))
	for _, f := range list.Profiles {
		profiles = append(profiles, f.toProfile().WithDefaults())
	}
	return profiles, nil
}

// Validate applies defaults to f and checks it with Profile.Validate,
// wrapping the result as a "config: invalid" error. Profile.Validate
// stops at the first violation, so only that one is reported.
func (f File) Validate() error {
	p := f.toProfile().WithDefaults()
	var errs []string
	if err := p.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(errs, "; "))
}

func (f File) toProfile() profile.Profile {
	return profile.Profile{
		Name:           f.Name,
		Server:         f.Server,
		ServerPort:     f.ServerPort,
		LocalAddress:   f.LocalAddress,
		LocalPort:      f.LocalPort,
		Method:         f.Method,
		Password:       f.Password,
		TimeoutSeconds: f.Timeout,
		HTTPProxy:      f.HTTPProxy,
		FastOpen:       f.FastOpen,
	}
}

// FromProfile converts a profile.Profile back into the on-disk File
// shape, used by `ssgo genconfig` to write a config file out.
func FromProfile(p profile.Profile) File {
	return File{
		Server:       p.Server,
		ServerPort:   p.ServerPort,
		LocalAddress: p.LocalAddress,
		LocalPort:    p.LocalPort,
		Method:       p.Method,
		Password:     p.Password,
		Timeout:      p.TimeoutSeconds,
		HTTPProxy:    p.HTTPProxy,
		FastOpen:     p.FastOpen,
		Name:         p.Name,
	}
}

// WriteJSON writes f to path as indented JSON.
func WriteJSON(path string, f File) error {
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
