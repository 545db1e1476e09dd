// Package config loads the Hashi configuration.
//
// Settings come from three layers, later ones winning: built-in defaults, an
// optional YAML file validated against an embedded JSON Schema, and
// environment variables. Every variable has a canonical HASHI_* name; the
// short names older deployments export (APPID, SECRET, KEY, MODEL,
// MAX_TOKEN, MONGODB_URI, FLOWISE_API_URL, FLOWISE_API_KEY, PORT) are
// accepted as fallbacks.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hashi/common/environment"
	"github.com/bdobrica/Hashi/internal/hashi/upstream"
)

// Provider names.
const (
	ProviderOpenAI  = "openai"
	ProviderFlowise = "flowise"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Config is the complete runtime configuration.
type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Log          LogConfig          `yaml:"log"`
	Lark         LarkConfig         `yaml:"lark"`
	Teams        TeamsConfig        `yaml:"teams"`
	Matrix       MatrixConfig       `yaml:"matrix"`
	AI           AIConfig           `yaml:"ai"`
	Conversation ConversationConfig `yaml:"conversation"`
	Storage      StorageConfig      `yaml:"storage"`
	Dedup        DedupConfig        `yaml:"dedup"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LarkConfig struct {
	Enabled           bool   `yaml:"enabled"`
	AppID             string `yaml:"app_id"`
	AppSecret         string `yaml:"app_secret"`
	VerificationToken string `yaml:"verification_token"`
	EncryptKey        string `yaml:"encrypt_key"`
	BaseURL           string `yaml:"base_url"`
}

type TeamsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MatrixConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"access_token"`
	Rooms       []string `yaml:"rooms"`
}

type AIConfig struct {
	Provider        string        `yaml:"provider"`
	Timeout         time.Duration `yaml:"timeout"`
	SystemPrompt    string        `yaml:"system_prompt"`
	FallbackMessage string        `yaml:"fallback_message"`
	OpenAI          OpenAIConfig  `yaml:"openai"`
	Flowise         FlowiseConfig `yaml:"flowise"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type FlowiseConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	SessionMode string `yaml:"session_mode"`
}

type ConversationConfig struct {
	// Budget is the retained history size per session, in characters.
	Budget     int           `yaml:"budget"`
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

type StorageConfig struct {
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlite_path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

type DedupConfig struct {
	// TTL and MaxEntries bound the in-memory deduplicator; zero is unbounded.
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`

	// Retention is how long SQLite keeps processed event IDs. Zero keeps
	// them forever.
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		HTTP:  HTTPConfig{Addr: ":3000"},
		Log:   LogConfig{Level: "info", Format: "text"},
		Lark:  LarkConfig{Enabled: true},
		Teams: TeamsConfig{Enabled: true},
		AI: AIConfig{
			Provider: ProviderOpenAI,
			Timeout:  upstream.DefaultTimeout,
			OpenAI:   OpenAIConfig{Model: upstream.DefaultModel},
			Flowise:  FlowiseConfig{SessionMode: string(upstream.SessionOverride)},
		},
		Conversation: ConversationConfig{
			Budget:     1024,
			RateLimit:  20,
			RateWindow: time.Minute,
		},
		Storage: StorageConfig{
			Backend:    BackendMemory,
			SQLitePath: "./hashi.db",
		},
		Dedup: DedupConfig{
			TTL:           24 * time.Hour,
			MaxEntries:    100_000,
			Retention:     7 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
	}
}

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("hashi-config.schema.json", schemaJSON)

// Load builds the configuration: defaults, then the YAML file at path (when
// path is non-empty), then environment overrides, then Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.ApplyYAML(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyYAML validates data against the schema and merges it into c. Keys
// absent from data keep their current values.
func (c *Config) ApplyYAML(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := validateSchema(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// validateSchema round-trips doc through JSON so numbers and maps have the
// shapes the validator expects.
func validateSchema(doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// ApplyEnv overrides c from environment variables. Malformed numbers and
// durations are reported together.
func (c *Config) ApplyEnv() error {
	var errs []error
	intVar := func(dst *int, names ...string) {
		v, err := environment.IntOr(*dst, names...)
		errs = append(errs, err)
		*dst = v
	}
	durVar := func(dst *time.Duration, names ...string) {
		v, err := environment.DurationOr(*dst, names...)
		errs = append(errs, err)
		*dst = v
	}
	boolVar := func(dst *bool, names ...string) {
		v, err := environment.BoolOr(*dst, names...)
		errs = append(errs, err)
		*dst = v
	}
	strVar := func(dst *string, names ...string) {
		*dst = environment.StringOr(*dst, names...)
	}

	strVar(&c.HTTP.Addr, "HASHI_HTTP_ADDR")
	if port, _, ok := environment.Lookup("PORT"); ok && !isSet("HASHI_HTTP_ADDR") {
		c.HTTP.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	strVar(&c.Log.Level, "HASHI_LOG_LEVEL")
	strVar(&c.Log.Format, "HASHI_LOG_FORMAT")

	boolVar(&c.Lark.Enabled, "HASHI_LARK_ENABLED")
	strVar(&c.Lark.AppID, "HASHI_LARK_APP_ID", "APPID")
	strVar(&c.Lark.AppSecret, "HASHI_LARK_APP_SECRET", "SECRET")
	strVar(&c.Lark.VerificationToken, "HASHI_LARK_VERIFICATION_TOKEN")
	strVar(&c.Lark.EncryptKey, "HASHI_LARK_ENCRYPT_KEY")
	strVar(&c.Lark.BaseURL, "HASHI_LARK_BASE_URL")
	boolVar(&c.Teams.Enabled, "HASHI_TEAMS_ENABLED")

	boolVar(&c.Matrix.Enabled, "HASHI_MATRIX_ENABLED")
	strVar(&c.Matrix.Homeserver, "HASHI_MATRIX_HOMESERVER", "MATRIX_HOMESERVER")
	strVar(&c.Matrix.UserID, "HASHI_MATRIX_USER_ID", "MATRIX_USER_ID")
	strVar(&c.Matrix.AccessToken, "HASHI_MATRIX_ACCESS_TOKEN", "MATRIX_ACCESS_TOKEN")
	c.Matrix.Rooms = environment.StringSliceOr(c.Matrix.Rooms, "HASHI_MATRIX_ROOMS", "MATRIX_ROOMS")

	// A Flowise URL without an explicit provider selects Flowise, matching
	// deployments that only ever exported FLOWISE_API_URL.
	strVar(&c.AI.Flowise.URL, "HASHI_FLOWISE_URL", "FLOWISE_API_URL")
	strVar(&c.AI.Flowise.APIKey, "HASHI_FLOWISE_API_KEY", "FLOWISE_API_KEY")
	strVar(&c.AI.Flowise.SessionMode, "HASHI_FLOWISE_SESSION_MODE")
	if isSet("HASHI_FLOWISE_URL", "FLOWISE_API_URL") && !isSet("HASHI_AI_PROVIDER") {
		c.AI.Provider = ProviderFlowise
	}
	strVar(&c.AI.Provider, "HASHI_AI_PROVIDER")
	durVar(&c.AI.Timeout, "HASHI_AI_TIMEOUT")
	strVar(&c.AI.SystemPrompt, "HASHI_AI_SYSTEM_PROMPT")
	strVar(&c.AI.FallbackMessage, "HASHI_AI_FALLBACK_MESSAGE")
	strVar(&c.AI.OpenAI.APIKey, "HASHI_OPENAI_API_KEY", "KEY")
	strVar(&c.AI.OpenAI.BaseURL, "HASHI_OPENAI_BASE_URL")
	strVar(&c.AI.OpenAI.Model, "HASHI_OPENAI_MODEL", "MODEL")

	intVar(&c.Conversation.Budget, "HASHI_BUDGET", "MAX_TOKEN")
	intVar(&c.Conversation.RateLimit, "HASHI_RATE_LIMIT")
	durVar(&c.Conversation.RateWindow, "HASHI_RATE_WINDOW")

	// Likewise a Mongo URI selects the Mongo backend.
	strVar(&c.Storage.MongoURI, "HASHI_MONGODB_URI", "MONGODB_URI")
	strVar(&c.Storage.MongoDatabase, "HASHI_MONGODB_DATABASE")
	if isSet("HASHI_MONGODB_URI", "MONGODB_URI") && !isSet("HASHI_STORAGE_BACKEND") {
		c.Storage.Backend = BackendMongo
	}
	strVar(&c.Storage.Backend, "HASHI_STORAGE_BACKEND")
	strVar(&c.Storage.SQLitePath, "HASHI_SQLITE_PATH", "DATABASE_PATH")

	durVar(&c.Dedup.TTL, "HASHI_DEDUP_TTL")
	intVar(&c.Dedup.MaxEntries, "HASHI_DEDUP_MAX_ENTRIES")
	durVar(&c.Dedup.Retention, "HASHI_DEDUP_RETENTION")
	durVar(&c.Dedup.PruneInterval, "HASHI_DEDUP_PRUNE_INTERVAL")

	return errors.Join(errs...)
}

func isSet(names ...string) bool {
	_, _, ok := environment.Lookup(names...)
	return ok
}

// Validate checks cross-field constraints the schema cannot express. All
// problems are reported together.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.HTTP.Addr == "" {
		add("http.addr must not be empty")
	}
	switch c.AI.Provider {
	case ProviderOpenAI:
		if c.AI.OpenAI.APIKey == "" {
			add("ai.openai.api_key is required for the openai provider (HASHI_OPENAI_API_KEY or KEY)")
		}
	case ProviderFlowise:
		if c.AI.Flowise.URL == "" {
			add("ai.flowise.url is required for the flowise provider (HASHI_FLOWISE_URL or FLOWISE_API_URL)")
		}
		if _, err := upstream.ParseSessionMode(c.AI.Flowise.SessionMode); err != nil {
			add("ai.flowise.session_mode: %v", err)
		}
	default:
		add("ai.provider must be %q or %q, got %q", ProviderOpenAI, ProviderFlowise, c.AI.Provider)
	}
	if c.AI.Timeout <= 0 {
		add("ai.timeout must be positive")
	}
	if c.Conversation.Budget <= 0 {
		add("conversation.budget must be positive, got %d", c.Conversation.Budget)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendMongo:
		if c.Storage.MongoURI == "" {
			add("storage.mongo_uri is required for the mongo backend (HASHI_MONGODB_URI or MONGODB_URI)")
		}
	default:
		add("storage.backend must be memory, sqlite or mongo, got %q", c.Storage.Backend)
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			add("matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled")
		}
	}
	if !c.Lark.Enabled && !c.Teams.Enabled && !c.Matrix.Enabled {
		add("at least one of lark, teams or matrix must be enabled")
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// ValidationError lists every configuration problem found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config: invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Warnings reports settings that are legal but probably unintended.
func (c *Config) Warnings() []string {
	var w []string
	if c.Lark.Enabled && (c.Lark.AppID == "" || c.Lark.AppSecret == "") {
		w = append(w, "lark app id or secret not set: answers are computed but not sent back to Lark")
	}
	if c.Storage.Backend == BackendMemory {
		w = append(w, "memory storage: conversations and processed events are lost on restart")
	}
	return w
}

// Redacted returns a copy of c with secrets masked, for printing.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	mask(&c.Lark.AppSecret)
	mask(&c.Lark.VerificationToken)
	mask(&c.Lark.EncryptKey)
	mask(&c.Matrix.AccessToken)
	mask(&c.AI.OpenAI.APIKey)
	mask(&c.AI.Flowise.APIKey)
	mask(&c.Storage.MongoURI)
	c.Matrix.Rooms = append([]string(nil), c.Matrix.Rooms...)
	return c
}

// Secrets returns the configured secret values, for common/redact.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{
		c.Lark.AppSecret, c.Lark.VerificationToken, c.Lark.EncryptKey,
		c.Matrix.AccessToken, c.AI.OpenAI.APIKey, c.AI.Flowise.APIKey, c.Storage.MongoURI,
	} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
