package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the chat-support gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Crypto    CryptoConfig    `json:"crypto,omitempty"`
	LLM       LLMConfig       `json:"llm"`
	Routing   RoutingConfig   `json:"routing"`
	Export    ExportConfig    `json:"export,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the socket/HTTP listener.
type GatewayConfig struct {
	Host            string              `json:"host"`
	Port            int                 `json:"port"`
	AllowedOrigins  FlexibleStringSlice `json:"allowed_origins,omitempty"`
	RateLimitRPM    int                 `json:"rate_limit_rpm,omitempty"`
	MaxMessageChars int                 `json:"max_message_chars,omitempty"`
	SessionIdleMin  int                 `json:"session_idle_minutes,omitempty"` // per-session worker retirement (default 30)
}

// DatabaseConfig selects and configures the persistence backend.
// PostgresDSN is NEVER read from the config file (secret) — env only.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "postgres" (default) or "sqlite"
	PostgresDSN string `json:"-"`              // from env CHATROUTER_POSTGRES_DSN only
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsPostgres reports whether the gateway should use the Postgres-backed store.
func (d DatabaseConfig) IsPostgres() bool {
	return d.Mode != "sqlite" && d.PostgresDSN != ""
}

// CryptoConfig configures at-rest encryption of message text/metadata.
type CryptoConfig struct {
	MasterKeyBase64 string `json:"-"` // from env CHATROUTER_MASTER_KEY only, base64(32 bytes)
	RedactPII       bool   `json:"redact_pii,omitempty"`
}

// ProviderConfig describes one LLM provider + model + failover candidates.
type ProviderConfig struct {
	Name           string   `json:"name"`
	APIKey         string   `json:"-"` // from env only, e.g. CHATROUTER_LLM_<NAME>_API_KEY
	APIBase        string   `json:"api_base,omitempty"`
	DefaultModel   string   `json:"default_model"`
	FallbackModels []string `json:"fallback_models,omitempty"`
}

// LLMConfig configures the LLM gateway: the fleet of providers and the
// single active configuration selected from it.
type LLMConfig struct {
	Providers           map[string]ProviderConfig `json:"providers"`
	ActiveProvider      string                    `json:"active_provider"`
	HistoryLimit        int                       `json:"history_limit,omitempty"` // context message window (default 20)
	SystemPrompt        string                    `json:"system_prompt,omitempty"`
	ImageAnalysisPrompt string                    `json:"image_analysis_prompt,omitempty"` // prepended when a turn carries an attachment
	RequestTimeoutS     int                       `json:"request_timeout_seconds,omitempty"` // wall-clock budget (default 30)
}

// RoutingConfig configures the non-LLM routing decisions.
type RoutingConfig struct {
	WelcomeMessage       string              `json:"welcome_message,omitempty"`
	ClosingPhrases       FlexibleStringSlice `json:"closing_phrases,omitempty"`
	HumanRequestKeywords FlexibleStringSlice `json:"human_request_keywords,omitempty"`
	HumanRequestVerbs    FlexibleStringSlice `json:"human_request_verbs,omitempty"`
	LLMUnavailableReply  string              `json:"llm_unavailable_reply,omitempty"`
}

// ExportConfig bounds the admin bulk-export surface.
type ExportConfig struct {
	MaxSessions        int `json:"max_sessions,omitempty"`              // default 50
	MaxMessages        int `json:"max_messages,omitempty"`              // default 100000
	RateLimitWindowSec int `json:"rate_limit_window_seconds,omitempty"` // default 60
	RateLimitMax       int `json:"rate_limit_max,omitempty"`            // default 5
}

// TelemetryConfig configures OpenTelemetry tracing export over OTLP-HTTP.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	AdminSharedSecret string `json:"-"` // from env CHATROUTER_ADMIN_SECRET only, dev bypass token
	SigningKeyBase64  string `json:"-"` // from env CHATROUTER_AUTH_SIGNING_KEY only
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the hot-reload watcher to swap in a freshly parsed config.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Crypto = src.Crypto
	c.LLM = src.LLM
	c.Routing = src.Routing
	c.Export = src.Export
	c.Telemetry = src.Telemetry
	c.Auth = src.Auth
}

// Snapshot returns a copy of the config safe to read without holding the
// lock. Fields are copied one by one so the mutex itself is never copied.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Gateway:   c.Gateway,
		Database:  c.Database,
		Crypto:    c.Crypto,
		LLM:       c.LLM,
		Routing:   c.Routing,
		Export:    c.Export,
		Telemetry: c.Telemetry,
		Auth:      c.Auth,
	}
}

// ActiveProviderConfig returns the currently active provider configuration,
// or false if none is configured under that name.
func (c *Config) ActiveProviderConfig() (ProviderConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.LLM.Providers[c.LLM.ActiveProvider]
	return p, ok
}
