// Package config holds per-concern configuration structs with built-in
// defaults and env-based loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level configuration assembled at startup and passed down
// explicitly; nothing reads the environment after Load returns.
type Config struct {
	Servers *ServerConfig
	Bus     *BusConfig
	Signing *SigningConfig
	Mission *MissionConfig
	Command *CommandConfig
	Breaker *BreakerConfig
}

// ServerConfig carries the listen ports for the four HTTP surfaces and the
// shutdown grace budget.
type ServerConfig struct {
	InferencePort  string
	MissionPort    string
	CommandPort    string
	GovernancePort string

	// ShutdownGrace bounds how long in-flight work may drain on SIGTERM.
	ShutdownGrace time.Duration
}

// DefaultServerConfig returns the built-in port assignments.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		InferencePort:  "8081",
		MissionPort:    "8082",
		CommandPort:    "8083",
		GovernancePort: "8084",
		ShutdownGrace:  10 * time.Second,
	}
}

// BusConfig configures the MQTT connection. An empty URL selects the
// in-process bus (single-binary deployments and tests).
type BusConfig struct {
	MQTTURL   string
	ClientID  string
	KernelURL string
}

// SigningConfig configures envelope signing and verification.
type SigningConfig struct {
	Mode          string // "off" | "ed25519"
	Kid           string
	PrivateKeyB64 string
}

// MissionConfig controls the mission store's leases, retries, and reaper.
type MissionConfig struct {
	// DefaultLeaseSeconds is used when a claim request does not specify one.
	DefaultLeaseSeconds float64

	// MaxAttempts bounds retryable failures before a mission goes FAILED.
	MaxAttempts int

	// BaseBackoff seeds the exponential retry delay (doubled per attempt,
	// jittered ±25%).
	BaseBackoff time.Duration

	// ReaperInterval is how often expired leases are swept back to RETRY.
	ReaperInterval time.Duration
}

// DefaultMissionConfig returns the built-in mission store defaults.
func DefaultMissionConfig() *MissionConfig {
	return &MissionConfig{
		DefaultLeaseSeconds: 60,
		MaxAttempts:         5,
		BaseBackoff:         1 * time.Second,
		ReaperInterval:      5 * time.Second,
	}
}

// CommandConfig controls the command service's approval flow.
type CommandConfig struct {
	// DefaultApprovalTimeout applies when a proposal does not set its own.
	DefaultApprovalTimeout time.Duration

	// SweepInterval is how often stale PENDING_APPROVAL proposals are
	// transitioned to TIMEOUT.
	SweepInterval time.Duration

	// RecentCommandsLimit bounds the rate-gate snapshot of prior commands.
	RecentCommandsLimit int
}

// DefaultCommandConfig returns the built-in command service defaults.
func DefaultCommandConfig() *CommandConfig {
	return &CommandConfig{
		DefaultApprovalTimeout: 300 * time.Second,
		SweepInterval:          10 * time.Second,
		RecentCommandsLimit:    50,
	}
}

// BreakerConfig controls the circuit breaker loop.
type BreakerConfig struct {
	// CheckInterval is how often enabled rules are evaluated.
	CheckInterval time.Duration

	// DefaultWindow applies to rules persisted without a window.
	DefaultWindow time.Duration

	// ReadinessWindow is the long window used for autonomy readiness metrics.
	ReadinessWindow time.Duration
}

// DefaultBreakerConfig returns the built-in breaker defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		CheckInterval:   60 * time.Second,
		DefaultWindow:   5 * time.Minute,
		ReadinessWindow: 30 * 24 * time.Hour,
	}
}

// Load assembles the full configuration from the environment, applying
// defaults for anything unset.
func Load() (*Config, error) {
	servers := DefaultServerConfig()
	servers.InferencePort = getEnv("EVENT_INFERENCE_PORT", servers.InferencePort)
	servers.MissionPort = getEnv("MISSION_PORT", servers.MissionPort)
	servers.CommandPort = getEnv("COMMAND_PORT", servers.CommandPort)
	servers.GovernancePort = getEnv("GOVERNANCE_PORT", servers.GovernancePort)
	if grace, err := envSeconds("SHUTDOWN_GRACE_SECONDS"); err != nil {
		return nil, err
	} else if grace > 0 {
		servers.ShutdownGrace = grace
	}

	mission := DefaultMissionConfig()
	if v, err := envFloat("MISSION_LEASE_SECONDS"); err != nil {
		return nil, err
	} else if v > 0 {
		mission.DefaultLeaseSeconds = v
	}
	if v, err := envInt("MISSION_MAX_ATTEMPTS"); err != nil {
		return nil, err
	} else if v > 0 {
		mission.MaxAttempts = v
	}
	if v, err := envInt("MISSION_BASE_BACKOFF_MS"); err != nil {
		return nil, err
	} else if v > 0 {
		mission.BaseBackoff = time.Duration(v) * time.Millisecond
	}

	command := DefaultCommandConfig()
	if v, err := envSeconds("COMMAND_APPROVAL_TIMEOUT_SECONDS"); err != nil {
		return nil, err
	} else if v > 0 {
		command.DefaultApprovalTimeout = v
	}

	breaker := DefaultBreakerConfig()
	if v, err := envInt("BREAKER_CHECK_INTERVAL_MS"); err != nil {
		return nil, err
	} else if v > 0 {
		breaker.CheckInterval = time.Duration(v) * time.Millisecond
	}

	return &Config{
		Servers: servers,
		Bus: &BusConfig{
			MQTTURL:   os.Getenv("MQTT_URL"),
			ClientID:  getEnv("MQTT_CLIENT_ID", "roastd"),
			KernelURL: os.Getenv("KERNEL_URL"),
		},
		Signing: &SigningConfig{
			Mode:          getEnv("SIGNING_MODE", "off"),
			Kid:           os.Getenv("SIGNING_KID"),
			PrivateKeyB64: os.Getenv("SIGNING_PRIVATE_KEY_B64"),
		},
		Mission: mission,
		Command: command,
		Breaker: breaker,
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envSeconds(key string) (time.Duration, error) {
	f, err := envFloat(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}
