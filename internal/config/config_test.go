package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9000
detection:
  deny_threshold: 25
scoring:
  contribution_window: 72h
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Detection.DenyThreshold != 25 {
		t.Errorf("deny threshold = %d, want 25", cfg.Detection.DenyThreshold)
	}
	if cfg.Scoring.ContributionWindow != 72*time.Hour {
		t.Errorf("contribution window = %v, want 72h", cfg.Scoring.ContributionWindow)
	}

	// Unset keys keep their defaults.
	if cfg.Detection.BruteForceRatio != 0.6 {
		t.Errorf("brute force ratio = %v, want default 0.6", cfg.Detection.BruteForceRatio)
	}
	if cfg.Server.APIKeyEnv != "THREATLENS_API_KEY" {
		t.Errorf("api key env = %q, want default", cfg.Server.APIKeyEnv)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestDefaultConfig_ScoringCapsSumToCeiling(t *testing.T) {
	s := DefaultConfig().Scoring

	// The host-side caps are chosen so a fully saturated host lands at
	// the score ceiling rather than above it.
	hostMax := s.CriticalAssetCap + s.AttackTargetCap + s.AlertAssocCap
	if hostMax != 10.0 {
		t.Errorf("host factor caps sum to %v, want 10.0", hostMax)
	}
}
