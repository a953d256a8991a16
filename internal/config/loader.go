package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider implementations per kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[Kind][]string{
	KindText:       {"openai", "any-llm"},
	KindTTS:        {"elevenlabs", "openai"},
	KindSTT:        {"deepgram"},
	KindRealtime:   {"openai-realtime"},
	KindEmbeddings: {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: json, text", cfg.Server.LogFormat))
	}
	if cfg.Server.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("server.max_connections %d must not be negative", cfg.Server.MaxConnections))
	}
	if cfg.Server.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("server.queue_capacity %d must not be negative", cfg.Server.QueueCapacity))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Auth
	if cfg.Auth.Secret == "" && cfg.Auth.JWKSURL == "" && !cfg.Auth.DevMode {
		errs = append(errs, errors.New("auth requires one of secret, jwks_url, or dev_mode"))
	}
	if cfg.Auth.DevMode {
		slog.Warn("auth.dev_mode is enabled; token signatures are NOT verified")
	}

	// Providers: per-kind name uniqueness and implementation sanity.
	instanceNames := make(map[Kind]map[string]struct{})
	for kind, entry := range cfg.Providers.All {
		prefix := fmt.Sprintf("providers.%s[%q]", kind, entry.Name)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s: every entry needs a name", kind))
			continue
		}
		if entry.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		} else {
			validateProviderName(kind, entry.Provider)
		}
		seen := instanceNames[kind]
		if seen == nil {
			seen = make(map[string]struct{})
			instanceNames[kind] = seen
		}
		if _, dup := seen[entry.Name]; dup {
			errs = append(errs, fmt.Errorf("%s is declared twice", prefix))
		}
		seen[entry.Name] = struct{}{}
	}

	// Models: alias uniqueness, provider references, fallback coherence.
	aliasKind := make(map[string]Kind, len(cfg.Models))
	defaults := make(map[Kind]string)
	for i, m := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		kind := m.Kind
		if kind == "" {
			kind = KindText
		}
		if !kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: text, tts, stt, realtime, embeddings", prefix, m.Kind))
			continue
		}
		if m.Alias == "" {
			errs = append(errs, fmt.Errorf("%s.alias is required", prefix))
			continue
		}
		if _, dup := aliasKind[m.Alias]; dup {
			errs = append(errs, fmt.Errorf("%s.alias %q collides with an earlier model entry", prefix, m.Alias))
			continue
		}
		aliasKind[m.Alias] = kind
		if m.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		} else if _, ok := instanceNames[kind][m.Provider]; !ok {
			errs = append(errs, fmt.Errorf("%s.provider %q is not a configured %s provider instance", prefix, m.Provider, kind))
		}
		if m.Default {
			if prev, ok := defaults[kind]; ok {
				errs = append(errs, fmt.Errorf("%s: alias %q and %q are both marked default for kind %s", prefix, m.Alias, prev, kind))
			}
			defaults[kind] = m.Alias
		}
	}
	for i, m := range cfg.Models {
		kind := m.Kind
		if kind == "" {
			kind = KindText
		}
		for _, fb := range m.Fallbacks {
			if fb == m.Alias {
				errs = append(errs, fmt.Errorf("models[%d]: alias %q lists itself as a fallback", i, m.Alias))
				continue
			}
			fbKind, ok := aliasKind[fb]
			if !ok {
				errs = append(errs, fmt.Errorf("models[%d]: fallback %q is not a declared alias", i, fb))
			} else if fbKind != kind {
				errs = append(errs, fmt.Errorf("models[%d]: fallback %q has kind %s, want %s", i, fb, fbKind, kind))
			}
		}
	}

	// Storage availability warnings.
	if cfg.Storage.DatabaseURL == "" {
		slog.Warn("storage.database_url is empty; chat history will not be persisted")
	}

	// Recall cross-validation.
	if cfg.Recall.Enabled {
		if cfg.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("recall.enabled requires storage.database_url"))
		}
		if len(cfg.Providers.Embeddings) == 0 {
			errs = append(errs, errors.New("recall.enabled requires at least one providers.embeddings entry"))
		}
		if cfg.Recall.IndexDimensions <= 0 {
			slog.Warn("recall.index_dimensions is not set; defaulting to 1536")
		}
	}

	// Tool servers.
	for i, srv := range cfg.Tools {
		prefix := fmt.Sprintf("tools[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not found in the
// [ValidProviderNames] list for the given kind.
func validateProviderName(kind Kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider implementation — may be a typo or third-party provider",
		"kind", kind,
		"provider", name,
		"known", known,
	)
}
