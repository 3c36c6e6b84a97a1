// Package config loads the engine configuration from environment variables.
// Every variable has a default except the secret key; validation failures are
// fatal at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/linepulse/linepulse/engine/andon"
)

// Config is the complete engine configuration.
type Config struct {
	// MongoURL enables durable persistence when set. Empty runs in-memory.
	MongoURL      string
	MongoDatabase string
	// RedisURL enables the Pulse broker mirror when set.
	RedisURL string
	// SecretKey signs and verifies websocket access tokens. Required.
	SecretKey []byte
	// ListenAddr is the websocket listen address.
	ListenAddr string
	// PollInterval is the per-line tick period.
	PollInterval time.Duration
	// OEEWindow is the rolling OEE calculation window.
	OEEWindow time.Duration
	// FaultCatalogPath points at the YAML fault catalog. Empty selects the
	// built-in catalog.
	FaultCatalogPath string
	// DriverTimeout bounds each device read.
	DriverTimeout time.Duration
	// DriverFailureLimit is the consecutive-failure count that synthesizes
	// a PLC fault.
	DriverFailureLimit int
	// AckTimeouts and ResolveTimeouts are the per-priority andon escalation
	// timer durations.
	AckTimeouts     map[andon.Priority]time.Duration
	ResolveTimeouts map[andon.Priority]time.Duration
	// SendQueue bounds each websocket connection's outbound queue.
	SendQueue int
	// Heartbeat is the websocket ping interval.
	Heartbeat time.Duration
	// Lines is the production line topology to poll.
	Lines []Line
}

// Line names one production line and the equipment codes it polls.
type Line struct {
	ID        string
	Equipment []string
}

// ErrInvalidConfig wraps every configuration parse or validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const envPrefix = "LINEPULSE_"

// Load reads and validates the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		MongoURL:      os.Getenv(envPrefix + "MONGO_URL"),
		MongoDatabase: getEnv("MONGO_DB", "linepulse"),
		RedisURL:      os.Getenv(envPrefix + "REDIS_URL"),
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
	}

	secret := os.Getenv(envPrefix + "SECRET_KEY")
	if secret == "" {
		return Config{}, fmt.Errorf("%w: %sSECRET_KEY is required", ErrInvalidConfig, envPrefix)
	}
	cfg.SecretKey = []byte(secret)

	var err error
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.OEEWindow, err = getDuration("OEE_WINDOW", time.Hour); err != nil {
		return Config{}, err
	}
	cfg.FaultCatalogPath = os.Getenv(envPrefix + "FAULT_CATALOG")
	if cfg.DriverTimeout, err = getDuration("DRIVER_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DriverFailureLimit, err = getInt("DRIVER_FAILURE_LIMIT", 3); err != nil {
		return Config{}, err
	}
	if cfg.SendQueue, err = getInt("SEND_QUEUE", 1000); err != nil {
		return Config{}, err
	}
	if cfg.Heartbeat, err = getDuration("HEARTBEAT", 30*time.Second); err != nil {
		return Config{}, err
	}

	defaults := andon.DefaultTimeouts()
	cfg.AckTimeouts = make(map[andon.Priority]time.Duration, len(defaults.Acknowledge))
	cfg.ResolveTimeouts = make(map[andon.Priority]time.Duration, len(defaults.Resolve))
	for p, d := range defaults.Acknowledge {
		if cfg.AckTimeouts[p], err = getDuration("ACK_TIMEOUT_"+priorityKey(p), d); err != nil {
			return Config{}, err
		}
	}
	for p, d := range defaults.Resolve {
		if cfg.ResolveTimeouts[p], err = getDuration("RESOLVE_TIMEOUT_"+priorityKey(p), d); err != nil {
			return Config{}, err
		}
	}

	if cfg.Lines, err = getLines("LINES", "line-1:PKG-01,PKG-02"); err != nil {
		return Config{}, err
	}

	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if cfg.OEEWindow <= 0 {
		return Config{}, fmt.Errorf("%w: OEE window must be positive", ErrInvalidConfig)
	}
	if cfg.DriverFailureLimit <= 0 {
		return Config{}, fmt.Errorf("%w: driver failure limit must be positive", ErrInvalidConfig)
	}
	return cfg, nil
}

// Timeouts assembles the andon timer configuration.
func (c Config) Timeouts() andon.Timeouts {
	return andon.Timeouts{Acknowledge: c.AckTimeouts, Resolve: c.ResolveTimeouts}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are treated as seconds, matching how operators
		// typically write polling intervals.
		if secs, serr := strconv.ParseFloat(v, 64); serr == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return 0, fmt.Errorf("%w: %s%s=%q: %s", ErrInvalidConfig, envPrefix, key, v, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s%s=%q: %s", ErrInvalidConfig, envPrefix, key, v, err)
	}
	return n, nil
}

// getLines parses a topology of the form
// "line-1:PKG-01,PKG-02;line-2:ASM-01".
func getLines(key, fallback string) ([]Line, error) {
	v := getEnv(key, fallback)
	var lines []Line
	for _, part := range strings.Split(v, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, codes, ok := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" || strings.TrimSpace(codes) == "" {
			return nil, fmt.Errorf("%w: %s%s: %q is not line:code[,code...]", ErrInvalidConfig, envPrefix, key, part)
		}
		line := Line{ID: id}
		for _, code := range strings.Split(codes, ",") {
			if code = strings.TrimSpace(code); code != "" {
				line.Equipment = append(line.Equipment, code)
			}
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %s%s: at least one line is required", ErrInvalidConfig, envPrefix, key)
	}
	return lines, nil
}

func priorityKey(p andon.Priority) string {
	return strings.ToUpper(string(p))
}
