package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Scope names accepted in bucket configuration.
const (
	ScopeGlobal  = "global"
	ScopeChannel = "channel"
	ScopeUser    = "user"
	ScopeGuild   = "guild"
)

// Store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// BucketConf describes one named rate-limit bucket.
type BucketConf struct {
	// Capacity is the number of invocations allowed per window.
	Capacity int `json:"capacity"`

	// WindowSeconds is the window length.
	WindowSeconds float64 `json:"window_seconds"`

	// Scope is one of global, channel, user, guild. Empty means global.
	Scope string `json:"scope,omitempty"`

	// QueueDepth is how many callers may wait for the next window instead of
	// being rejected. 0 rejects immediately.
	QueueDepth int `json:"queue_depth,omitempty"`

	// PostDelaySeconds holds the reply back after the handler completes.
	PostDelaySeconds float64 `json:"post_delay_seconds,omitempty"`
}

// Config holds application configuration.
type Config struct {
	// Prefix marks a message as a command, e.g. "~roll 3d6".
	Prefix string `json:"prefix" env:"GRIMBOT_PREFIX"`

	// BotName and Version are reported by the about and help commands.
	BotName string `json:"bot_name" env:"GRIMBOT_NAME"`
	Version string `json:"version" env:"GRIMBOT_VERSION"`

	// BotID enables "<@id> roll 3d6" mention addressing when non-zero.
	BotID uint64 `json:"bot_id,omitempty" env:"GRIMBOT_BOT_ID"`

	// MaxDice bounds the dice count of a single roll.
	MaxDice int `json:"max_dice" env:"GRIMBOT_MAX_DICE"`

	// Delimiters split arguments in addition to whitespace.
	Delimiters []string `json:"delimiters,omitempty"`

	// DataDir holds the entity store files. Relative paths resolve against the base dir.
	DataDir string `json:"data_dir,omitempty" env:"GRIMBOT_DATA_DIR"`

	// ExportDir is the only directory entity exports are written to and
	// imported from. Relative paths resolve against the base dir.
	ExportDir string `json:"export_dir,omitempty" env:"GRIMBOT_EXPORT_DIR"`

	// StoreBackend is "file" (one JSON file per entity kind) or "sqlite".
	StoreBackend string `json:"store_backend,omitempty" env:"GRIMBOT_STORE_BACKEND"`

	// DBMaxOpenConns limits open SQLite connections when StoreBackend is sqlite.
	// 0 means use sql.DB default.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty" env:"GRIMBOT_DB_MAX_OPEN_CONNS"`

	// DBMaxIdleConns limits idle SQLite connections. 0 means use sql.DB default.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty" env:"GRIMBOT_DB_MAX_IDLE_CONNS"`

	// NotifyNotFound replies to unknown commands instead of only logging them.
	NotifyNotFound bool `json:"notify_not_found,omitempty" env:"GRIMBOT_NOTIFY_NOT_FOUND"`

	LogLevel  string `json:"log_level,omitempty" env:"GRIMBOT_LOG_LEVEL"`
	LogFormat string `json:"log_format,omitempty" env:"GRIMBOT_LOG_FORMAT"`

	// Buckets maps bucket IDs to their limits.
	Buckets map[string]BucketConf `json:"buckets,omitempty"`

	// CommandBuckets assigns a bucket to a command name. An empty value
	// removes the assignment.
	CommandBuckets map[string]string `json:"command_buckets,omitempty"`

	// DisabledCommands are left out of the registry.
	DisabledCommands []string `json:"disabled_commands,omitempty" env:"GRIMBOT_DISABLED_COMMANDS"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty" env:"GRIMBOT_DISABLED_TOOLS"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Prefix:       "~",
		BotName:      "Grimbot",
		Version:      "dev",
		MaxDice:      100,
		Delimiters:   []string{", ", ","},
		DataDir:      "data",
		ExportDir:    "exports",
		StoreBackend: BackendFile,
		LogLevel:     "info",
		LogFormat:    "text",
		Buckets: map[string]BucketConf{
			// Can't be used more than once per 5 seconds.
			"emoji": {Capacity: 1, WindowSeconds: 5, Scope: ScopeGlobal},
			// Twice per 30 seconds per channel; one extra caller waits.
			"complicated": {Capacity: 2, WindowSeconds: 30, Scope: ScopeChannel, QueueDepth: 1, PostDelaySeconds: 5},
			"dice":        {Capacity: 5, WindowSeconds: 10, Scope: ScopeUser, QueueDepth: 2},
			"entity":      {Capacity: 3, WindowSeconds: 30, Scope: ScopeUser},
		},
		CommandBuckets: map[string]string{
			"roll":      "dice",
			"character": "entity",
			"group":     "entity",
			"about":     "emoji",
			"help":      "complicated",
		},
	}
}

// Load loads configuration from baseDir/config.json and then applies
// environment overrides (including an optional baseDir/.env file).
// Returns default config if neither source sets anything.
func Load(baseDir string) (*Config, error) {
	fileCfg, err := loadFileRaw(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	envCfg, err := LoadEnv(filepath.Join(baseDir, ".env"))
	if err != nil {
		return nil, err
	}

	cfg := Merge(Merge(DefaultConfig(), fileCfg), envCfg)
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(baseDir, cfg.DataDir)
	}
	if !filepath.IsAbs(cfg.ExportDir) {
		cfg.ExportDir = filepath.Join(baseDir, cfg.ExportDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv reads GRIMBOT_* variables into a zero-valued Config. The dotenv
// file is loaded first if it exists; variables already set win over it.
func LoadEnv(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	return cfg, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and
// deduplicated; maps are merged key by key.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.Prefix = pickString(overlay.Prefix, base.Prefix)
	result.BotName = pickString(overlay.BotName, base.BotName)
	result.Version = pickString(overlay.Version, base.Version)
	result.DataDir = pickString(overlay.DataDir, base.DataDir)
	result.ExportDir = pickString(overlay.ExportDir, base.ExportDir)
	result.StoreBackend = pickString(overlay.StoreBackend, base.StoreBackend)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)
	result.LogFormat = pickString(overlay.LogFormat, base.LogFormat)

	result.BotID = overlay.BotID
	if result.BotID == 0 {
		result.BotID = base.BotID
	}

	result.MaxDice = overlay.MaxDice
	if result.MaxDice == 0 {
		result.MaxDice = base.MaxDice
	}

	result.DBMaxOpenConns = overlay.DBMaxOpenConns
	if result.DBMaxOpenConns == 0 {
		result.DBMaxOpenConns = base.DBMaxOpenConns
	}

	result.DBMaxIdleConns = overlay.DBMaxIdleConns
	if result.DBMaxIdleConns == 0 {
		result.DBMaxIdleConns = base.DBMaxIdleConns
	}

	// Delimiters replace rather than merge: order matters when splitting.
	result.Delimiters = base.Delimiters
	if len(overlay.Delimiters) > 0 {
		result.Delimiters = overlay.Delimiters
	}

	// Booleans: overlay wins if true, else base
	result.NotifyNotFound = base.NotifyNotFound || overlay.NotifyNotFound

	result.DisabledCommands = mergeStringSlice(base.DisabledCommands, overlay.DisabledCommands)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	if len(base.Buckets)+len(overlay.Buckets) > 0 {
		result.Buckets = make(map[string]BucketConf, len(base.Buckets)+len(overlay.Buckets))
		for id, b := range base.Buckets {
			result.Buckets[id] = b
		}
		for id, b := range overlay.Buckets {
			result.Buckets[id] = b
		}
	}

	if len(base.CommandBuckets)+len(overlay.CommandBuckets) > 0 {
		result.CommandBuckets = make(map[string]string, len(base.CommandBuckets)+len(overlay.CommandBuckets))
		for cmd, id := range base.CommandBuckets {
			result.CommandBuckets[cmd] = id
		}
		for cmd, id := range overlay.CommandBuckets {
			result.CommandBuckets[cmd] = id
		}
	}

	return result
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Prefix) == "" && c.BotID == 0 {
		return errors.New("config: prefix must not be empty unless bot_id is set")
	}
	if c.MaxDice < 1 {
		return fmt.Errorf("config: max_dice must be positive, got %d", c.MaxDice)
	}
	switch c.StoreBackend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("config: unknown store_backend %q", c.StoreBackend)
	}
	for id, b := range c.Buckets {
		if b.Capacity < 1 {
			return fmt.Errorf("config: bucket %q: capacity must be positive", id)
		}
		if b.WindowSeconds <= 0 {
			return fmt.Errorf("config: bucket %q: window_seconds must be positive", id)
		}
		if b.QueueDepth < 0 {
			return fmt.Errorf("config: bucket %q: queue_depth must not be negative", id)
		}
		if b.PostDelaySeconds < 0 {
			return fmt.Errorf("config: bucket %q: post_delay_seconds must not be negative", id)
		}
		switch b.Scope {
		case "", ScopeGlobal, ScopeChannel, ScopeUser, ScopeGuild:
		default:
			return fmt.Errorf("config: bucket %q: unknown scope %q", id, b.Scope)
		}
	}
	for cmd, id := range c.CommandBuckets {
		if id == "" {
			continue
		}
		if _, ok := c.Buckets[id]; !ok {
			return fmt.Errorf("config: command %q uses undefined bucket %q", cmd, id)
		}
	}
	return nil
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
