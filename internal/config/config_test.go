package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.AbuseThreshold != 40 {
		t.Errorf("abuse threshold = %d, want 40", cfg.AbuseThreshold)
	}
	if cfg.PardonThreshold != 420*time.Second {
		t.Errorf("pardon threshold = %v, want 420s", cfg.PardonThreshold)
	}
	if cfg.StaleThreshold != 1200*time.Second {
		t.Errorf("stale threshold = %v, want 1200s", cfg.StaleThreshold)
	}
	if cfg.BlacklistThreshold != 120 {
		t.Errorf("blacklist threshold = %d, want 120", cfg.BlacklistThreshold)
	}
}

func TestLoad_MissingDefaultFileIsNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/path/sshguardd.yaml")
	if err != nil {
		t.Fatalf("missing config file should not error, got %v", err)
	}
	if cfg.AbuseThreshold != 40 {
		t.Error("should fall back to defaults")
	}
}

func TestValidate_RequiresAtLeastOneSource(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err == nil {
		t.Error("expected error for zero sources")
	}
}

func TestValidate_BlacklistThresholdBelowAbuseRejected(t *testing.T) {
	cfg := Defaults()
	cfg.Sources = []string{"-"}
	cfg.BlacklistFile = "/tmp/bl.db"
	cfg.BlacklistThreshold = 10
	cfg.AbuseThreshold = 40
	if err := Validate(&cfg); err == nil {
		t.Error("blacklist threshold below abuse threshold should fail validation")
	}
}

func TestApplyCLI_OverridesThresholds(t *testing.T) {
	cfg := Defaults()
	opts := &CLIOptions{AbuseThreshold: 99, PardonSeconds: -1, StaleSeconds: -1}
	if err := ApplyCLI(&cfg, opts); err != nil {
		t.Fatal(err)
	}
	if cfg.AbuseThreshold != 99 {
		t.Errorf("abuse threshold = %d, want 99", cfg.AbuseThreshold)
	}
	if cfg.PardonThreshold != 420*time.Second {
		t.Error("unset CLI fields must not override YAML defaults")
	}
}

func TestApplyCLI_ParsesBlacklistArg(t *testing.T) {
	cfg := Defaults()
	opts := &CLIOptions{AbuseThreshold: -1, PardonSeconds: -1, StaleSeconds: -1, Blacklist: "150:/var/db/sshguard.bl"}
	if err := ApplyCLI(&cfg, opts); err != nil {
		t.Fatal(err)
	}
	if cfg.BlacklistThreshold != 150 || cfg.BlacklistFile != "/var/db/sshguard.bl" {
		t.Errorf("got threshold=%d path=%q", cfg.BlacklistThreshold, cfg.BlacklistFile)
	}
}

func TestApplyCLI_MalformedBlacklistArgErrors(t *testing.T) {
	cfg := Defaults()
	opts := &CLIOptions{AbuseThreshold: -1, PardonSeconds: -1, StaleSeconds: -1, Blacklist: "not-valid"}
	if err := ApplyCLI(&cfg, opts); err == nil {
		t.Error("expected error for malformed -b argument")
	}
}

func TestApplyCLI_ServicePidfile(t *testing.T) {
	cfg := Defaults()
	opts := &CLIOptions{AbuseThreshold: -1, PardonSeconds: -1, StaleSeconds: -1, ServicePidfiles: []string{"SSH:/var/run/sshd.pid"}}
	if err := ApplyCLI(&cfg, opts); err != nil {
		t.Fatal(err)
	}
	if cfg.ServicePidfiles["SSH"] != "/var/run/sshd.pid" {
		t.Errorf("service pidfiles = %v", cfg.ServicePidfiles)
	}
}
