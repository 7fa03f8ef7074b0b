// Package config provides configuration management for ThreatLens.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ThreatLens configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	Detection     DetectionConfig     `yaml:"detection"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// APIKeyEnv names the env var holding the opaque caller token.
	// Empty disables the check; token validation is a collaborator
	// concern and the core only does an equality gate.
	APIKeyEnv string `yaml:"api_key_env"`
}

// RedisConfig holds Redis connection settings for the indicator cache
// and the API rate limiter.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// DetectionConfig holds detection engine settings.
type DetectionConfig struct {
	// DefaultLookback is used when a run does not specify hours_back.
	DefaultLookback time.Duration `yaml:"default_lookback"`
	// DenyThreshold is the repeated-DENY count from one src_ip that
	// flags attack traffic within a window.
	DenyThreshold int `yaml:"deny_threshold"`
	// IndicatorMinLevel is the threat level at or above which an IP
	// indicator match flags attack traffic.
	IndicatorMinLevel float64 `yaml:"indicator_min_level"`
	// BruteForceRatio and BruteForceMinAttempts gate the auth
	// brute-force rule.
	BruteForceRatio       float64 `yaml:"brute_force_ratio"`
	BruteForceMinAttempts int     `yaml:"brute_force_min_attempts"`
	// CriticalAssetMin is the minimum asset criticality for the
	// critical-asset exposure rule.
	CriticalAssetMin int `yaml:"critical_asset_min"`
	// ScheduleInterval enables periodic detection plus recalculation
	// when non-zero.
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
}

// ScoringConfig holds the fixed per-factor scoring constants. The
// numeric weights are an implementation choice; they live here so every
// deployment agrees on one documented set.
type ScoringConfig struct {
	// ContributionWindow bounds how far back alerts still contribute
	// to an entity's score.
	ContributionWindow time.Duration `yaml:"contribution_window"`

	CriticalAssetWeight float64 `yaml:"critical_asset_weight"`
	CriticalAssetCap    float64 `yaml:"critical_asset_cap"`
	ThreatActorWeight   float64 `yaml:"threat_actor_weight"`
	ThreatActorCap      float64 `yaml:"threat_actor_cap"`
	DetectedAttackBase  float64 `yaml:"detected_attack_base"`
	DetectedAttackStep  float64 `yaml:"detected_attack_step"`
	DetectedAttackCap   float64 `yaml:"detected_attack_cap"`
	AttackTargetBase    float64 `yaml:"attack_target_base"`
	AttackTargetStep    float64 `yaml:"attack_target_step"`
	AttackTargetCap     float64 `yaml:"attack_target_cap"`
	SuspiciousAuthScale float64 `yaml:"suspicious_auth_scale"`
	SuspiciousAuthCap   float64 `yaml:"suspicious_auth_cap"`
	AlertAssocStep      float64 `yaml:"alert_assoc_step"`
	AlertAssocCap       float64 `yaml:"alert_assoc_cap"`
}

// ObservabilityConfig holds logging, metrics, and tracing settings.
type ObservabilityConfig struct {
	ServiceName    string  `yaml:"service_name"`
	LogLevel       string  `yaml:"log_level"`  // debug, info, warn, error
	LogFormat      string  `yaml:"log_format"` // json, console
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			APIKeyEnv:       "THREATLENS_API_KEY",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 1 * time.Hour,
		},
		Detection: DetectionConfig{
			DefaultLookback:       24 * time.Hour,
			DenyThreshold:         10,
			IndicatorMinLevel:     8,
			BruteForceRatio:       0.6,
			BruteForceMinAttempts: 5,
			CriticalAssetMin:      4,
			ScheduleInterval:      0,
		},
		Scoring: ScoringConfig{
			ContributionWindow:  7 * 24 * time.Hour,
			CriticalAssetWeight: 0.5,
			CriticalAssetCap:    2.5,
			ThreatActorWeight:   0.5,
			ThreatActorCap:      5.0,
			DetectedAttackBase:  1.0,
			DetectedAttackStep:  0.5,
			DetectedAttackCap:   4.0,
			AttackTargetBase:    1.0,
			AttackTargetStep:    0.7,
			AttackTargetCap:     4.0,
			SuspiciousAuthScale: 5.0,
			SuspiciousAuthCap:   4.0,
			AlertAssocStep:      0.7,
			AlertAssocCap:       3.5,
		},
		Observability: ObservabilityConfig{
			ServiceName:    "threatlens",
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
			TracingEnabled: false,
			SamplingRate:   0.1,
		},
	}
}
