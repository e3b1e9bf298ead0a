// Package config loads engine settings from (in increasing priority)
// built-in defaults, an optional YAML file, an environment overlay
// under the PY_LOAD_EUDRAVIGILANCE_ prefix with "__" as the nested-key
// delimiter, and explicit CLI flags bound through viper.BindPFlag.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "PY_LOAD_EUDRAVIGILANCE"

// SchemaType is the target representation: a flat relational schema
// ("normalized") or a single provenance-preserving JSON table ("audit").
type SchemaType string

const (
	SchemaNormalized SchemaType = "normalized"
	SchemaAudit      SchemaType = "audit"
)

// LoadMode selects delta (skip completed hashes) or full (truncate and
// reload everything) ingestion.
type LoadMode string

const (
	ModeDelta LoadMode = "delta"
	ModeFull  LoadMode = "full"
)

// Database holds the target connection string. The scheme of DSN picks
// the loader backend (see internal/loader.Registry).
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Log carries the ambient logging knobs (internal/logging.New).
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Settings is the fully resolved configuration for one engine run.
type Settings struct {
	Database      Database   `mapstructure:"database"`
	SourceURI     string     `mapstructure:"source_uri"`
	SchemaType    SchemaType `mapstructure:"schema_type"`
	QuarantineURI string     `mapstructure:"quarantine_uri"`
	XSDSchemaPath string     `mapstructure:"xsd_schema_path"`
	Workers       int        `mapstructure:"workers"`
	FileTimeout   int        `mapstructure:"file_timeout_seconds"`
	Log           Log        `mapstructure:"log"`
	RedisAddr     string     `mapstructure:"redis_addr"`
	RedisCacheTTL int        `mapstructure:"redis_cache_ttl_seconds"`
}

// Load reads configFile (if non-empty and present), overlays environment
// variables under the PY_LOAD_EUDRAVIGILANCE_ prefix (nested keys joined
// with "__", e.g. PY_LOAD_EUDRAVIGILANCE_DATABASE__DSN), binds flags (so
// an explicit flag always wins), and validates the result.
func Load(configFile string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()

	v.SetDefault("schema_type", string(SchemaNormalized))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("workers", 0) // 0 => runtime.NumCPU() at orchestrator construction
	v.SetDefault("file_timeout_seconds", 0)
	v.SetDefault("redis_cache_ttl_seconds", 300)

	// viper's AutomaticEnv only resolves a key that it already knows
	// about from a default, a config-file entry, or a bound flag;
	// AllKeys() (which Unmarshal builds its map from) otherwise never
	// sees an env-only key. These string settings have no sensible
	// built-in default and no CLI flag of their own, but they must still
	// be reachable purely through the environment overlay, so they get
	// an empty-string default solely to register the key.
	v.SetDefault("database.dsn", "")
	v.SetDefault("source_uri", "")
	v.SetDefault("quarantine_uri", "")
	v.SetDefault("xsd_schema_path", "")
	v.SetDefault("redis_addr", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if !isFileNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

// Validate checks the configuration surface before any work is
// attempted: a target DSN must be set, and schema_type must name a
// representation the extractor actually knows how to produce.
func (s *Settings) Validate() error {
	if s.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required (set via the config file or %s_DATABASE__DSN)", envPrefix)
	}
	switch s.SchemaType {
	case SchemaNormalized, SchemaAudit:
	default:
		return fmt.Errorf("config: schema_type must be %q or %q, got %q", SchemaNormalized, SchemaAudit, s.SchemaType)
	}
	return nil
}

func isFileNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}
