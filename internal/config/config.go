// Package config loads sshguardd's configuration: a YAML defaults layer
// (in the teacher's Defaults/Load/Validate shape) overlaid by the CLI
// invocation surface of §6.1, with CLI always winning. Runtime thresholds
// (abuse, pardon, stale, blacklist) and source/whitelist/pidfile lists
// are the only state that moves through this package; the CLI's -v/-h
// flags are handled in cmd/sshguardd since they short-circuit startup
// entirely.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is sshguardd's merged runtime configuration.
type Config struct {
	AbuseThreshold     int           `yaml:"abuse_threshold"`
	PardonThreshold    time.Duration `yaml:"pardon_threshold"`
	StaleThreshold     time.Duration `yaml:"stale_threshold"`
	BlacklistThreshold int           `yaml:"blacklist_threshold"`
	BlacklistFile      string        `yaml:"blacklist_file"`

	Whitelist []string `yaml:"whitelist"`
	// ServicePidfiles maps a service token (as accepted by grammar.ParseService)
	// to the pidfile path used for PID authentication (§6.1, -f).
	ServicePidfiles map[string]string `yaml:"service_pidfiles"`
	Sources         []string          `yaml:"log_sources"`

	Firewall FirewallConfig `yaml:"firewall"`
}

// FirewallConfig selects and configures a firewall backend (§4.H, §6.3).
type FirewallConfig struct {
	Backend     string `yaml:"backend"` // "command", "ebpf", or "null"
	InitCmd     string `yaml:"init_cmd"`
	FinalizeCmd string `yaml:"finalize_cmd"`
	BlockCmd    string `yaml:"block_cmd"`
	ReleaseCmd  string `yaml:"release_cmd"`
	FlushCmd    string `yaml:"flush_cmd"`
	EBPFPinPath string `yaml:"ebpf_pin_path"`
}

// Defaults returns §4.G's documented defaults plus a safe, no-op firewall
// backend selection.
func Defaults() Config {
	return Config{
		AbuseThreshold:     40,
		PardonThreshold:    420 * time.Second,
		StaleThreshold:     1200 * time.Second,
		BlacklistThreshold: 120,
		ServicePidfiles:    make(map[string]string),
		Firewall:           FirewallConfig{Backend: "null"},
	}
}

// defaultConfigPath is read if present; absence is not an error, since the
// CLI surface of §6.1 is sufficient on its own.
const defaultConfigPath = "/etc/sshguardd/sshguardd.yaml"

// Load reads the YAML defaults layer. If path is empty, defaultConfigPath
// is tried; a missing file at that default location is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = defaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces §6.1's constraints ("THRESHOLD ≥ abuse_threshold") and
// basic sanity limits shared with the offender engine and multiplexer.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.AbuseThreshold < 1 {
		errs = append(errs, fmt.Sprintf("abuse_threshold must be >= 1, got %d", cfg.AbuseThreshold))
	}
	if cfg.PardonThreshold < time.Second {
		errs = append(errs, fmt.Sprintf("pardon_threshold must be >= 1s, got %s", cfg.PardonThreshold))
	}
	if cfg.StaleThreshold < time.Second {
		errs = append(errs, fmt.Sprintf("stale_threshold must be >= 1s, got %s", cfg.StaleThreshold))
	}
	if cfg.BlacklistFile != "" && cfg.BlacklistThreshold < cfg.AbuseThreshold {
		errs = append(errs, fmt.Sprintf("blacklist_threshold (%d) must be >= abuse_threshold (%d)",
			cfg.BlacklistThreshold, cfg.AbuseThreshold))
	}
	if len(cfg.Sources) == 0 {
		errs = append(errs, "at least one log source (-l) is required")
	}
	if len(cfg.Sources) > 35 {
		errs = append(errs, fmt.Sprintf("at most 35 log sources are supported, got %d", len(cfg.Sources)))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ApplyCLI overlays the parsed CLI options of §6.1 onto cfg, CLI winning
// over any YAML value. It returns an error for malformed -b/-f arguments.
func ApplyCLI(cfg *Config, opts *CLIOptions) error {
	if opts.AbuseThreshold >= 0 {
		cfg.AbuseThreshold = opts.AbuseThreshold
	}
	if opts.PardonSeconds >= 0 {
		cfg.PardonThreshold = time.Duration(opts.PardonSeconds) * time.Second
	}
	if opts.StaleSeconds >= 0 {
		cfg.StaleThreshold = time.Duration(opts.StaleSeconds) * time.Second
	}
	if opts.Blacklist != "" {
		threshold, path, err := splitThresholdPath(opts.Blacklist)
		if err != nil {
			return fmt.Errorf("-b: %w", err)
		}
		cfg.BlacklistThreshold = threshold
		cfg.BlacklistFile = path
	}
	for _, f := range opts.ServicePidfiles {
		service, pidfile, ok := splitColonPair(f)
		if !ok {
			return fmt.Errorf("-f %q: expected SERVICE:PIDFILE", f)
		}
		cfg.ServicePidfiles[service] = pidfile
	}
	if len(opts.Whitelist) > 0 {
		cfg.Whitelist = append(cfg.Whitelist, opts.Whitelist...)
	}
	if len(opts.Sources) > 0 {
		cfg.Sources = opts.Sources
	}
	return nil
}

func splitThresholdPath(arg string) (int, string, error) {
	idx := strings.Index(arg, ":")
	if idx < 0 {
		return 0, "", fmt.Errorf("expected THRESHOLD:PATH, got %q", arg)
	}
	n, err := strconv.Atoi(arg[:idx])
	if err != nil {
		return 0, "", fmt.Errorf("threshold %q is not an integer", arg[:idx])
	}
	path := arg[idx+1:]
	if path == "" {
		return 0, "", fmt.Errorf("empty path in %q", arg)
	}
	return n, path, nil
}

func splitColonPair(arg string) (string, string, bool) {
	idx := strings.Index(arg, ":")
	if idx < 0 {
		return "", "", false
	}
	return arg[:idx], arg[idx+1:], true
}
