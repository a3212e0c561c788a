// Package config loads orchestrator/worker configuration from a shared
// .env overlaid by a component-specific .env, following the three-layer
// priority (defaults, then environment) of core/config.go.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds settings common to the orchestrator and worker processes
// (spec §6 "Environment").
type Config struct {
	UpstreamBaseURL string `env:"WAITLIST_UPSTREAM_BASE_URL"`
	HMACSecret      string `env:"WAITLIST_HMAC_SECRET"`

	MaxConcurrentAgentJobs int           `env:"WAITLIST_MAX_CONCURRENT_AGENT_JOBS" default:"2"`
	ActionPriceSats        int64         `env:"WAITLIST_ACTION_PRICE_SATS" default:"3000"`
	OTPTimeout             time.Duration `env:"WAITLIST_OTP_TIMEOUT_SECONDS" default:"900s"`
	PaymentExpiry          time.Duration `env:"WAITLIST_PAYMENT_EXPIRY_SECONDS" default:"86400s"`
	OutreachInterval       time.Duration `env:"WAITLIST_OUTREACH_INTERVAL_SECONDS" default:"172800s"`
	LastChanceLeadTime     time.Duration `env:"WAITLIST_LAST_CHANCE_LEAD_SECONDS" default:"259200s"`

	MessagingRelays []string `env:"WAITLIST_MESSAGING_RELAYS"`
	IdentityKey     string   `env:"WAITLIST_IDENTITY_KEY"`
	OperatorNpub    string   `env:"WAITLIST_OPERATOR_NPUB"`
	// CoordinatorNpub identifies the upstream coordinator's sending key on
	// the messaging transport (spec §6 "Upstream push"): inbound DMs from
	// this npub are advisory pushes, not user replies.
	CoordinatorNpub string `env:"WAITLIST_COORDINATOR_NPUB"`

	StorePath     string `env:"WAITLIST_STORE_PATH" default:"./waitlist.db"`
	ServiceCatalogPath string `env:"WAITLIST_SERVICE_CATALOG_PATH" default:"./service_catalog.yaml"`

	RedisURL string `env:"WAITLIST_REDIS_URL" default:"redis://localhost:6379"`

	WorkerHost string `env:"WAITLIST_WORKER_HOST" default:"0.0.0.0"`
	WorkerPort int    `env:"WAITLIST_WORKER_PORT" default:"8090"`
	OrchestratorHost string `env:"WAITLIST_ORCHESTRATOR_HOST" default:"0.0.0.0"`
	OrchestratorPort int    `env:"WAITLIST_ORCHESTRATOR_PORT" default:"8080"`
}

// Default returns a Config populated with the defaults named in each field's
// `default` struct tag above.
func Default() *Config {
	return &Config{
		MaxConcurrentAgentJobs: 2,
		ActionPriceSats:        3000,
		OTPTimeout:             15 * time.Minute,
		PaymentExpiry:          24 * time.Hour,
		OutreachInterval:       48 * time.Hour,
		LastChanceLeadTime:     72 * time.Hour,
		StorePath:              "./waitlist.db",
		ServiceCatalogPath:     "./service_catalog.yaml",
		RedisURL:               "redis://localhost:6379",
		WorkerHost:             "0.0.0.0",
		WorkerPort:             8090,
		OrchestratorHost:       "0.0.0.0",
		OrchestratorPort:       8080,
	}
}

// Load reads the component .env file, then the shared .env. Since a file
// never overrides a key that is already set, the component file takes
// priority over the shared one on key conflicts, and variables already set
// in the process win over both — matching spec §6's overlay order. Missing
// files are not an error; this mirrors deployments where all configuration
// arrives via the process environment instead.
func Load(sharedEnvPath, componentEnvPath string) (*Config, error) {
	if err := applyEnvFile(componentEnvPath); err != nil {
		return nil, err
	}
	if err := applyEnvFile(sharedEnvPath); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.loadFromEnv()
	return cfg, nil
}

// applyEnvFile parses a simple KEY=VALUE .env file and sets each key in the
// process environment if not already set, so that a real environment
// variable always wins over the file. No third-party dotenv library exists
// anywhere in the retrieval pack (see DESIGN.md entry ambient-config), so
// this is a small stdlib bufio.Scanner reader.
func applyEnvFile(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, already := os.LookupEnv(key); !already {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("WAITLIST_UPSTREAM_BASE_URL"); v != "" {
		c.UpstreamBaseURL = v
	}
	if v := os.Getenv("WAITLIST_HMAC_SECRET"); v != "" {
		c.HMACSecret = v
	}
	if v := os.Getenv("WAITLIST_MAX_CONCURRENT_AGENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentAgentJobs = n
		}
	}
	if v := os.Getenv("WAITLIST_ACTION_PRICE_SATS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.ActionPriceSats = n
		}
	}
	if v := os.Getenv("WAITLIST_OTP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OTPTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WAITLIST_PAYMENT_EXPIRY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PaymentExpiry = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WAITLIST_OUTREACH_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OutreachInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WAITLIST_LAST_CHANCE_LEAD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LastChanceLeadTime = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WAITLIST_MESSAGING_RELAYS"); v != "" {
		c.MessagingRelays = strings.Split(v, ",")
	}
	if v := os.Getenv("WAITLIST_IDENTITY_KEY"); v != "" {
		c.IdentityKey = v
	}
	if v := os.Getenv("WAITLIST_OPERATOR_NPUB"); v != "" {
		c.OperatorNpub = v
	}
	if v := os.Getenv("WAITLIST_COORDINATOR_NPUB"); v != "" {
		c.CoordinatorNpub = v
	}
	if v := os.Getenv("WAITLIST_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("WAITLIST_SERVICE_CATALOG_PATH"); v != "" {
		c.ServiceCatalogPath = v
	}
	if v := os.Getenv("WAITLIST_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("WAITLIST_WORKER_HOST"); v != "" {
		c.WorkerHost = v
	}
	if v := os.Getenv("WAITLIST_WORKER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerPort = n
		}
	}
	if v := os.Getenv("WAITLIST_ORCHESTRATOR_HOST"); v != "" {
		c.OrchestratorHost = v
	}
	if v := os.Getenv("WAITLIST_ORCHESTRATOR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OrchestratorPort = n
		}
	}
}

// Validate checks the fields required before the orchestrator or worker
// can start.
func (c *Config) Validate() error {
	if c.HMACSecret == "" {
		return fmt.Errorf("config: WAITLIST_HMAC_SECRET is required")
	}
	if c.MaxConcurrentAgentJobs < 1 {
		return fmt.Errorf("config: WAITLIST_MAX_CONCURRENT_AGENT_JOBS must be >= 1")
	}
	return nil
}
