// Package config loads tasksync settings and builds the components they
// describe.
//
// Settings come from, in increasing precedence: built-in defaults, the
// config file ($HOME/.tasksync/config.{yaml,toml} or an explicit path),
// and TASKSYNC_* environment variables. A .env file in the working
// directory is loaded into the environment first.
//
// Keys:
//
//	store.backend                      sqlite | mongo | remote | memory
//	store.sqlite.path                  database file
//	store.mongo.uri / database / collection
//	store.remote.url                   ws://host:port/ws
//	store.breaker.enabled              wrap mongo/remote in a circuit breaker
//	store.breaker.consecutive_failures
//	store.breaker.timeout
//	store.breaker.max_requests
//	sync.mode                          keyed | legacy
//	sync.preserve_completion_on_edit
//	sync.filter                        all | incomplete
//	session.file                       signed-in user
//	log.file                           rotating log file (empty: stderr with --verbose)
//	log.max_size_mb / max_backups / max_age_days / compress
//	server.port                        document server port
//
// Environment variables replace dots with underscores, e.g.
// TASKSYNC_STORE_BACKEND=remote.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/steveyegge/tasksync/internal/task"
	"github.com/steveyegge/tasksync/internal/tasksync"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "TASKSYNC"

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
	BackendRemote = "remote"
	BackendMemory = "memory"
)

// Config is the full set of settings.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Backend string        `mapstructure:"backend"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type RemoteConfig struct {
	URL string `mapstructure:"url"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRequests         uint32        `mapstructure:"max_requests"`
}

// SyncConfig configures the synchronization core.
type SyncConfig struct {
	Mode                     string `mapstructure:"mode"`
	PreserveCompletionOnEdit bool   `mapstructure:"preserve_completion_on_edit"`
	Filter                   string `mapstructure:"filter"`
}

type SessionConfig struct {
	File string `mapstructure:"file"`
}

// LogConfig configures log output.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Dir returns the per-user settings directory, $HOME/.tasksync.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasksync"
	}
	return filepath.Join(home, ".tasksync")
}

// SetDefaults registers every key with its default.
func SetDefaults(v *viper.Viper) {
	dir := Dir()

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.sqlite.path", filepath.Join(dir, "tasks.db"))
	v.SetDefault("store.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo.database", "tasksync")
	v.SetDefault("store.mongo.collection", "documents")
	v.SetDefault("store.remote.url", "ws://localhost:8080/ws")
	v.SetDefault("store.breaker.enabled", true)
	v.SetDefault("store.breaker.consecutive_failures", 3)
	v.SetDefault("store.breaker.timeout", 5*time.Second)
	v.SetDefault("store.breaker.max_requests", 1)

	v.SetDefault("sync.mode", tasksync.ModeKeyed.String())
	v.SetDefault("sync.preserve_completion_on_edit", false)
	v.SetDefault("sync.filter", task.FilterAll.String())

	v.SetDefault("session.file", filepath.Join(dir, "session.yaml"))

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("server.port", 8080)
}

// Load reads settings into v and returns them. If path is empty the default
// config file is used when present; an explicit path must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendMongo, BackendRemote, BackendMemory:
	default:
		return fmt.Errorf("invalid store.backend %q (want sqlite, mongo, remote or memory)", c.Store.Backend)
	}
	if _, err := tasksync.ParseMode(c.Sync.Mode); err != nil {
		return fmt.Errorf("invalid sync.mode: %w", err)
	}
	if _, err := task.ParseFilterMode(c.Sync.Filter); err != nil {
		return fmt.Errorf("invalid sync.filter: %w", err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// CoreConfig returns the synchronization core settings.
func (c *Config) CoreConfig(logging *Logging) (*tasksync.Config, error) {
	mode, err := tasksync.ParseMode(c.Sync.Mode)
	if err != nil {
		return nil, err
	}
	filter, err := task.ParseFilterMode(c.Sync.Filter)
	if err != nil {
		return nil, err
	}

	out := tasksync.DefaultConfig()
	out.Mode = mode
	out.Filter = filter
	out.PreserveCompletionOnEdit = c.Sync.PreserveCompletionOnEdit
	out.Logger = logging.Logger("tasksync")
	return out, nil
}
