package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ApplyEnv overlays process environment variables onto cfg. Environment
// values win over file values so deployments can keep secrets out of YAML.
//
// Recognised variables:
//
//	LISTEN_ADDR               server.listen_addr
//	LOG_LEVEL                 server.log_level
//	AUTH_SECRET               auth.secret
//	DATABASE_URL              storage.database_url
//	BLOB_BUCKET               storage.blob_bucket
//	MAX_CONNECTIONS           server.max_connections
//	QUEUE_CAPACITY            server.queue_capacity
//	PROVIDER_<NAME>_API_KEY   api_key of the provider instance <NAME>
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("BLOB_BUCKET"); v != "" {
		cfg.Storage.BlobBucket = v
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxConnections = n
		} else {
			slog.Warn("MAX_CONNECTIONS is not an integer; ignoring", "value", v)
		}
	}
	if v := os.Getenv("QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.QueueCapacity = n
		} else {
			slog.Warn("QUEUE_CAPACITY is not an integer; ignoring", "value", v)
		}
	}

	for _, entry := range allEntryPointers(&cfg.Providers) {
		if key := os.Getenv("PROVIDER_" + envName(entry.Name) + "_API_KEY"); key != "" {
			entry.APIKey = key
		}
	}
}

// allEntryPointers flattens every provider entry across all kinds.
func allEntryPointers(p *ProvidersConfig) []*ProviderEntry {
	var out []*ProviderEntry
	for _, entry := range p.All {
		out = append(out, entry)
	}
	return out
}

// envName normalises a provider instance name into the spelling used inside
// environment variables: uppercased with every non-alphanumeric run collapsed
// to a single underscore, so "main-openai" becomes "MAIN_OPENAI".
func envName(name string) string {
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToUpper(name) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(sb.String(), "_")
}
