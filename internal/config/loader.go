package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names the registry knows out of the
// box. [Validate] warns about unrecognised names rather than rejecting them,
// so operators can register their own providers.
var ValidProviderNames = []string{"anthropic", "anyllm", "placeholder"}

// validBackendNames lists the upstream backends the anyllm provider accepts.
var validBackendNames = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg in place from the environment. Environment values
// win over the YAML file. Unparseable numeric values are logged and ignored.
//
// Recognised variables: PORT, LOG_LEVEL, MODEL_PROVIDER, MAX_EVENT_BYTES,
// MAX_TURNS, SESSION_RATE_LIMIT_PER_MIN, ANTHROPIC_API_KEY, MODEL_API_KEY,
// MODEL_ID, MODEL_MAX_TOKENS, PARTIAL_DELAY_MS, POSTGRES_DSN.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		cfg.Server.ListenAddr = ":" + v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := os.LookupEnv("MODEL_PROVIDER"); ok && v != "" {
		cfg.Provider.Name = v
	}
	envInt("MAX_EVENT_BYTES", &cfg.Server.MaxEventBytes)
	envInt("MAX_TURNS", &cfg.Session.MaxTurns)
	envInt("SESSION_RATE_LIMIT_PER_MIN", &cfg.Session.RateLimitPerMin)

	// ANTHROPIC_API_KEY is honoured for compatibility with the provider's
	// own tooling; MODEL_API_KEY wins when both are set.
	if v, ok := os.LookupEnv("ANTHROPIC_API_KEY"); ok && v != "" {
		cfg.Provider.APIKey = v
	}
	if v, ok := os.LookupEnv("MODEL_API_KEY"); ok && v != "" {
		cfg.Provider.APIKey = v
	}
	if v, ok := os.LookupEnv("MODEL_ID"); ok && v != "" {
		cfg.Provider.Model = v
	}
	envInt("MODEL_MAX_TOKENS", &cfg.Provider.MaxTokens)
	envInt("PARTIAL_DELAY_MS", &cfg.Provider.PartialDelayMs)

	if v, ok := os.LookupEnv("POSTGRES_DSN"); ok && v != "" {
		cfg.Store.PostgresDSN = v
	}
}

// envInt overrides *dst from the named environment variable when it parses as
// an integer.
func envInt(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-numeric environment override", "name", name, "value", v)
		return
	}
	*dst = n
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxEventBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_event_bytes %d must be positive", cfg.Server.MaxEventBytes))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name — may be a typo or a custom registration",
			"name", cfg.Provider.Name, "known", ValidProviderNames)
	}
	switch cfg.Provider.Name {
	case "anthropic":
		if cfg.Provider.APIKey == "" {
			errs = append(errs, errors.New("provider.api_key is required for the anthropic provider"))
		}
	case "anyllm":
		if cfg.Provider.Backend == "" {
			errs = append(errs, errors.New("provider.backend is required for the anyllm provider"))
		} else if !slices.Contains(validBackendNames, cfg.Provider.Backend) {
			errs = append(errs, fmt.Errorf("provider.backend %q is invalid; valid values: %v", cfg.Provider.Backend, validBackendNames))
		}
		if cfg.Provider.Model == "" {
			errs = append(errs, errors.New("provider.model is required for the anyllm provider"))
		}
	}
	if cfg.Provider.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("provider.max_tokens %d must not be negative", cfg.Provider.MaxTokens))
	}
	if cfg.Provider.PartialDelayMs < 0 {
		errs = append(errs, fmt.Errorf("provider.partial_delay_ms %d must not be negative", cfg.Provider.PartialDelayMs))
	}

	if cfg.Session.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("session.max_turns %d must be positive", cfg.Session.MaxTurns))
	}
	if cfg.Session.RateLimitPerMin <= 0 {
		errs = append(errs, fmt.Errorf("session.rate_limit_per_min %d must be positive", cfg.Session.RateLimitPerMin))
	}
	if cfg.Session.PendingTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.pending_ttl_seconds %d must not be negative", cfg.Session.PendingTTLSeconds))
	}
	if cfg.Session.SweepIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval_seconds %d must not be negative", cfg.Session.SweepIntervalSeconds))
	}

	return errors.Join(errs...)
}
