package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, resolves environment
// fallbacks and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// fallbacks, normalises the agents and validates the result. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	for i := range cfg.Agents {
		cfg.Agents[i] = cfg.Agents[i].Normalize()
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv resolves secrets left empty in the YAML from the environment.
func applyEnv(cfg *Config) {
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = os.Getenv("VOXLINE_API_KEY")
	}
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Telephony.Token == "" {
		cfg.Telephony.Token = os.Getenv("CARRIER_TOKEN")
	}
	if cfg.Telephony.ClientSecret == "" {
		cfg.Telephony.ClientSecret = os.Getenv("CARRIER_CLIENT_SECRET")
	}
	if cfg.Store.PostgresDSN == "" {
		cfg.Store.PostgresDSN = os.Getenv("VOXLINE_POSTGRES_DSN")
	}
	if cfg.Alerts.QualityWebhook == "" {
		cfg.Alerts.QualityWebhook = os.Getenv("VOXLINE_ALERT_WEBHOOK")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Model.ID == "" {
		cfg.Model.ID = DefaultModelID
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Model.APIKey == "" {
		errs = append(errs, errors.New("model.api_key is required (or set VOXLINE_API_KEY / GEMINI_API_KEY)"))
	}

	if cfg.Telephony.TokenURL != "" && cfg.Telephony.ClientID == "" {
		errs = append(errs, errors.New("telephony.client_id is required when telephony.token_url is set"))
	}

	seen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if prev, ok := seen[a.ID]; ok && a.ID != "" {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, a.ID, prev))
		}
		seen[a.ID] = i
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}
