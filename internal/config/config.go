// Package config provides the configuration schema, loader, agent registry
// and hot-reload watcher for the Voxline server.
package config

import (
	"time"

	"github.com/voxline-ai/voxline/internal/agent"
)

// LogLevel controls log verbosity for the Voxline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Voxline. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader]; secrets left
// empty in YAML are resolved from the environment by the loader.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Store     StoreConfig     `yaml:"store"`
	Filler    FillerConfig    `yaml:"filler"`
	Cache     CacheConfig     `yaml:"cache"`
	Alerts    AlertsConfig    `yaml:"alerts"`

	// Agents are the dialable agent definitions. Edits picked up by the
	// watcher affect new calls only.
	Agents []agent.Config `yaml:"agents"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the externally reachable base URL handed to the
	// carrier as the webhook root (e.g. "https://voice.example.com").
	// Media stream URLs derive their ws/wss scheme from it.
	PublicBaseURL string `yaml:"public_base_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ModelConfig selects the upstream speech model.
type ModelConfig struct {
	// APIKey authenticates against the upstream API. Empty falls back to
	// $VOXLINE_API_KEY, then $GEMINI_API_KEY.
	APIKey string `yaml:"api_key"`

	// ID is the model identifier. Empty means the default Flash-class
	// audio dialog model.
	ID string `yaml:"id"`

	// Voice is the default prebuilt voice for agents that set none.
	Voice string `yaml:"voice"`

	// BaseURL overrides the upstream WebSocket endpoint. Used in tests.
	BaseURL string `yaml:"base_url"`
}

// TelephonyConfig configures outbound call placement.
type TelephonyConfig struct {
	// DialBaseURL is the carrier's REST API root. Empty disables /dial.
	DialBaseURL string `yaml:"dial_base_url"`

	// DID is the originating number for outbound calls.
	DID string `yaml:"did"`

	// Token is a static bearer token. Empty falls back to $CARRIER_TOKEN;
	// when a TokenURL is set the client-credentials grant wins.
	Token        string `yaml:"token"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// DialRate caps outbound dials per second. Zero keeps the default.
	DialRate float64 `yaml:"dial_rate"`
}

// StoreConfig configures transcript persistence.
type StoreConfig struct {
	// PostgresDSN connects the call store. Empty falls back to
	// $VOXLINE_POSTGRES_DSN; still empty means the in-memory store.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// FillerConfig configures latency-masking playback.
type FillerConfig struct {
	// Dir holds the clip WAVs and manifest.yaml. Empty disables filler.
	Dir string `yaml:"dir"`
}

// CacheConfig configures upstream context caching.
type CacheConfig struct {
	// Disabled turns off cached-content handles; every call inlines the
	// full system instruction.
	Disabled bool `yaml:"disabled"`

	// TTL is the requested cache lifetime. Zero means one hour.
	TTL time.Duration `yaml:"ttl"`
}

// AlertsConfig configures operational alerting.
type AlertsConfig struct {
	// QualityWebhook receives a POST when a call dies on a fatal upstream
	// error. Empty falls back to $VOXLINE_ALERT_WEBHOOK; still empty
	// disables alerts.
	QualityWebhook string `yaml:"quality_webhook"`
}

// DefaultModelID is the upstream model used when none is configured.
const DefaultModelID = "gemini-2.0-flash-live-001"
