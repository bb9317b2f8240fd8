package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            8787,
			MaxMessageChars: 8000,
			RateLimitRPM:    0,
			SessionIdleMin:  30,
		},
		Database: DatabaseConfig{
			Mode:       "postgres",
			SQLitePath: "~/.chatrouter/local.db",
		},
		LLM: LLMConfig{
			Providers:       map[string]ProviderConfig{},
			HistoryLimit:    20,
			RequestTimeoutS: 30,
		},
		Routing: RoutingConfig{
			WelcomeMessage:       "Hi! How can I help you today?",
			ClosingPhrases:       []string{"bye", "goodbye", "thanks", "thank you"},
			HumanRequestKeywords: []string{"agent", "human", "support", "representative"},
			HumanRequestVerbs:    []string{"talk", "speak", "connect", "want", "need"},
			LLMUnavailableReply:  "I'm having trouble reaching our AI assistant right now. A human agent will follow up shortly.",
		},
		Export: ExportConfig{
			MaxSessions:        50,
			MaxMessages:        100000,
			RateLimitWindowSec: 60,
			RateLimitMax:       5,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "chatrouter-gateway",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values and are the ONLY source for secrets.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CHATROUTER_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATROUTER_MASTER_KEY", &c.Crypto.MasterKeyBase64)
	envStr("CHATROUTER_ADMIN_SECRET", &c.Auth.AdminSharedSecret)
	envStr("CHATROUTER_AUTH_SIGNING_KEY", &c.Auth.SigningKeyBase64)
	envStr("CHATROUTER_HOST", &c.Gateway.Host)
	envStr("CHATROUTER_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)

	if v := os.Getenv("CHATROUTER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("CHATROUTER_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	// Per-provider API keys: CHATROUTER_LLM_<UPPER_NAME>_API_KEY
	for name, p := range c.LLM.Providers {
		key := "CHATROUTER_LLM_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			p.APIKey = v
			c.LLM.Providers[name] = p
		}
	}
}

// Save writes the config to a JSON file. Secrets (fields tagged json:"-")
// are never written: env vars remain the sole source for them.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency /
// change detection by the hot-reload watcher.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
