// Package config loads and validates the nixforge configuration file.
//
// One YAML file configures every worker on a host. Defaults are applied
// before decoding so an empty file is a valid configuration; validation
// runs after so a nonsensical value fails loudly at startup rather than
// misbehaving at 3am.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses time.ParseDuration strings ("5m", "2h") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full configuration surface consumed by this core.
type Config struct {
	// Database is the path to the shared SQLite coordination store.
	Database string `yaml:"database"`

	Worker WorkerConfig `yaml:"worker"`
	Build  BuildConfig  `yaml:"build"`
}

// WorkerConfig bounds one worker's scheduling behaviour.
type WorkerConfig struct {
	// MaxConcurrentBuilds bounds this worker's in-flight builds.
	MaxConcurrentBuilds int `yaml:"max_concurrent_builds"`

	// HostMaxBuilds caps concurrently executing builds across all workers
	// sharing this host, enforced through the store's reservation counts.
	HostMaxBuilds int `yaml:"host_max_builds"`

	// PollInterval caps the idle back-off when the claimable queue is
	// empty. The claim loop is continuous; this only bounds the sleep.
	PollInterval Duration `yaml:"poll_interval"`

	// StaleAfter is the heartbeat staleness threshold. A reservation whose
	// heartbeat is older than this is reclaimable by any worker.
	StaleAfter Duration `yaml:"stale_after"`

	// MaxAttempts caps build attempts per derivation. Exceeding it goes
	// terminal until an operator resets the counter.
	MaxAttempts int `yaml:"max_attempts"`

	// RequireCache enables the binary-cache gate: system derivations wait
	// for their dependencies to be cache-signaled, not just built.
	RequireCache bool `yaml:"require_cache"`
}

// BuildConfig bounds one build's execution.
type BuildConfig struct {
	// Command is the build argv prefix; the derivation's installable name
	// is appended as the final argument.
	Command []string `yaml:"command"`

	// MemoryMaxBytes caps the build's address space. Zero disables.
	MemoryMaxBytes uint64 `yaml:"memory_max_bytes"`

	// CPUSeconds caps the build's CPU time. Zero disables.
	CPUSeconds uint64 `yaml:"cpu_seconds"`

	// Timeout caps total build duration.
	Timeout Duration `yaml:"timeout"`

	// SilenceTimeout kills a build with no output activity for this long.
	SilenceTimeout Duration `yaml:"silence_timeout"`
}

// Default returns the configuration a host gets with an empty file.
func Default() Config {
	return Config{
		Database: "nixforge.db",
		Worker: WorkerConfig{
			MaxConcurrentBuilds: 2,
			HostMaxBuilds:       4,
			PollInterval:        Duration(15 * time.Second),
			StaleAfter:          Duration(5 * time.Minute),
			MaxAttempts:         5,
			RequireCache:        false,
		},
		Build: BuildConfig{
			Command:        []string{"nix", "build", "--no-link", "--print-out-paths"},
			MemoryMaxBytes: 8 << 30, // 8 GiB
			CPUSeconds:     0,
			Timeout:        Duration(2 * time.Hour),
			SilenceTimeout: Duration(15 * time.Minute),
		},
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot schedule correctly.
func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Worker.MaxConcurrentBuilds < 1 {
		return fmt.Errorf("worker.max_concurrent_builds must be at least 1")
	}
	if c.Worker.HostMaxBuilds < c.Worker.MaxConcurrentBuilds {
		return fmt.Errorf("worker.host_max_builds (%d) must be >= worker.max_concurrent_builds (%d)",
			c.Worker.HostMaxBuilds, c.Worker.MaxConcurrentBuilds)
	}
	if c.Worker.PollInterval.Std() <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Worker.StaleAfter.Std() <= 0 {
		return fmt.Errorf("worker.stale_after must be positive")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}
	if len(c.Build.Command) == 0 {
		return fmt.Errorf("build.command is required")
	}
	return nil
}
