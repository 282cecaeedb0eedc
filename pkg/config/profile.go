package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/duskhall/worldcore/pkg/worldloop"
)

// Profile is one named tuning profile: world-loop cadence and snapshot-store
// behavior. Profiles live as profile_<name>.yaml files.
type Profile struct {
	Name  string           `yaml:"name"`
	Loop  worldloop.Config `yaml:"loop"`
	Store StoreTuning      `yaml:"store"`
}

// StoreTuning maps onto the snapshot store's lock and verification knobs.
type StoreTuning struct {
	LockAttempts    int  `yaml:"lock_attempts"`
	LockBackoffMs   int  `yaml:"lock_backoff_ms"`
	VerifyIntegrity bool `yaml:"verify_integrity"`
}

// DefaultProfile is the zero tuning profile; every consumer applies its own
// defaults to zero values.
func DefaultProfile() *Profile {
	return &Profile{Name: "default"}
}

// LoadProfile loads profile_<name>.yaml from dir.
func LoadProfile(dir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// LoadProfileFile loads a profile from an explicit path.
func LoadProfileFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile file %s: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile file %s: %w", path, err)
	}

	if profile.Name == "" {
		base := filepath.Base(path)
		profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in dir, keyed by name.
func LoadAllProfiles(dir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		profile, err := LoadProfileFile(path)
		if err != nil {
			return nil, err
		}
		profiles[profile.Name] = profile
	}
	return profiles, nil
}

// ApplyEnv overlays environment overrides onto the profile. Unparsable values
// are ignored; the profile is the fallback.
func (p *Profile) ApplyEnv() {
	if v, ok := envInt("WORLDCORE_TICK_MS"); ok {
		p.Loop.TickMs = v
	}
	if v, ok := envInt("WORLDCORE_MAX_EVENTS_PER_TICK"); ok {
		p.Loop.MaxEventsPerTick = v
	}
	if v, ok := envInt("WORLDCORE_MAX_EVENTS_PER_AGENT_PER_MIN"); ok {
		p.Loop.MaxEventsPerAgentPerMin = v
	}
	if v := os.Getenv("WORLDCORE_TOWN_CRIER"); v != "" {
		p.Loop.CrierEnabled = v == "true" || v == "1"
	}
	if v, ok := envInt("WORLDCORE_TOWN_CRIER_INTERVAL_MS"); ok {
		p.Loop.CrierIntervalMs = v
	}
	if v, ok := envInt("WORLDCORE_LOCK_ATTEMPTS"); ok {
		p.Store.LockAttempts = v
	}
	if v, ok := envInt("WORLDCORE_LOCK_BACKOFF_MS"); ok {
		p.Store.LockBackoffMs = v
	}
	if v := os.Getenv("WORLDCORE_VERIFY_INTEGRITY"); v != "" {
		p.Store.VerifyIntegrity = v == "true" || v == "1"
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
