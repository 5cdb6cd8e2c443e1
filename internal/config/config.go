// Package config implements ekaci's layered configuration: compiled
// defaults, overridden by a TOML file, overridden by EKA_CI_-prefixed
// environment variables, overridden last by CLI flags (applied by the
// caller after Load returns). Each layer only overrides the keys it
// actually sets; a zero value never clobbers an earlier layer.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	ekerrors "github.com/nwimmer/ekaci/internal/errors"
	"github.com/nwimmer/ekaci/internal/retry"
)

// EnvPrefix is prepended to every recognized environment variable name.
const EnvPrefix = "EKA_CI_"

// Web holds the HTTP API listener's configuration.
type Web struct {
	Address    string `toml:"address"`
	Port       int    `toml:"port"`
	BundlePath string `toml:"bundle_path"`
}

// Unix holds the control socket's configuration.
type Unix struct {
	SocketPath string `toml:"socket_path"`
}

// Log holds the logging handler's configuration.
type Log struct {
	Level  string `toml:"level"`  // debug|info|warn|error
	Format string `toml:"format"` // text|json
}

// Build holds per-build-attempt policy.
type Build struct {
	Timeout                 time.Duration `toml:"timeout"`
	MaxRetries              int           `toml:"max_retries"`
	RetryableInterruptions  []string      `toml:"retryable_interruptions"`
}

// Eval holds the evaluator subprocess's invocation.
type Eval struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// NixStore holds the reference-query subprocess's invocation.
type NixStore struct {
	Command string `toml:"command"`
}

// Events holds the optional NATS event bus's configuration.
type Events struct {
	NatsURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

// Metrics holds the /metrics exposition's configuration.
type Metrics struct {
	Enabled bool `toml:"enabled"`
}

// Config is the fully merged, validated configuration.
type Config struct {
	Web      Web      `toml:"web"`
	Unix     Unix     `toml:"unix"`
	DBPath   string   `toml:"db_path"`
	Log      Log      `toml:"log"`
	Build    Build    `toml:"build"`
	Eval     Eval     `toml:"eval"`
	NixStore NixStore `toml:"nix_store"`
	Events   Events   `toml:"events"`
	Metrics  Metrics  `toml:"metrics"`

	// ConfigFile records which file, if any, was actually loaded, so a
	// Watcher (see NewWatcher) knows what to watch. The serve command does
	// not start one.
	ConfigFile string `toml:"-"`
}

// Defaults returns the compiled-in baseline every other layer overrides.
func Defaults() Config {
	return Config{
		Web:      Web{Address: "127.0.0.1", Port: 3030},
		Unix:     Unix{SocketPath: defaultSocketPath()},
		DBPath:   defaultDBPath(),
		Log:      Log{Level: "info", Format: "text"},
		Build: Build{
			Timeout:                30 * time.Minute,
			MaxRetries:             3,
			RetryableInterruptions: []string{string(retry.ReasonOutOfMemory), string(retry.ReasonSchedulerDeath)},
		},
		Eval:     Eval{Command: "nix-eval-jobs"},
		NixStore: NixStore{Command: "nix-store"},
		Metrics:  Metrics{Enabled: true},
	}
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/ekaci/ekaci.socket"
	}
	return "/tmp/ekaci/ekaci.socket"
}

func defaultDBPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir + "/ekaci/sqlite.db"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./ekaci/sqlite.db"
	}
	return home + "/.local/share/ekaci/sqlite.db"
}

// Load builds the merged configuration: defaults, then (if path exists) the
// TOML file at path, then recognized EKA_CI_-prefixed environment
// variables. It does not apply CLI flags; callers overlay those themselves
// after Load returns, matching kong's "highest-precedence layer applied
// last" convention (§6).
//
// .env/.env.local are loaded into the process environment first (without
// overriding variables the operator already exported), mirroring the
// reference stack's env-file loader.
func Load(path string) (Config, error) {
	loadDotEnv()

	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, ekerrors.Wrap(ekerrors.KindConfig, "decode toml config file "+path, err)
			}
			cfg.ConfigFile = path
		}
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv() {
	for _, candidate := range []string{".env", ".env.local"} {
		if _, err := os.Stat(candidate); err == nil {
			_ = godotenv.Load(candidate) // godotenv.Load never overrides an already-set variable
		}
	}
}

// applyEnvOverrides overlays recognized EKA_CI_-prefixed variables. Nested
// fields use a double-underscore separator, e.g. EKA_CI_WEB__PORT.
func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookupEnv(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookupEnv(key); ok && v != "" {
			*dst = strings.Split(v, ",")
		}
	}

	str("WEB__ADDRESS", &cfg.Web.Address)
	integer("WEB__PORT", &cfg.Web.Port)
	str("WEB__BUNDLE_PATH", &cfg.Web.BundlePath)
	str("UNIX__SOCKET_PATH", &cfg.Unix.SocketPath)
	str("DB_PATH", &cfg.DBPath)
	str("LOG__LEVEL", &cfg.Log.Level)
	str("LOG__FORMAT", &cfg.Log.Format)
	duration("BUILD__TIMEOUT", &cfg.Build.Timeout)
	integer("BUILD__MAX_RETRIES", &cfg.Build.MaxRetries)
	list("BUILD__RETRYABLE_INTERRUPTIONS", &cfg.Build.RetryableInterruptions)
	str("EVAL__COMMAND", &cfg.Eval.Command)
	list("EVAL__ARGS", &cfg.Eval.Args)
	str("NIX_STORE__COMMAND", &cfg.NixStore.Command)
	str("EVENTS__NATS_URL", &cfg.Events.NatsURL)
	str("EVENTS__SUBJECT", &cfg.Events.Subject)
	boolean("METRICS__ENABLED", &cfg.Metrics.Enabled)
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(EnvPrefix + key)
}

// Validate rejects a configuration that cannot safely start the server.
func Validate(cfg Config) error {
	if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
		return ekerrors.New(ekerrors.KindConfig, "web.port must be in 1..65535").WithContext("port", strconv.Itoa(cfg.Web.Port))
	}
	if cfg.Unix.SocketPath == "" {
		return ekerrors.New(ekerrors.KindConfig, "unix.socket_path must not be empty")
	}
	if cfg.DBPath == "" {
		return ekerrors.New(ekerrors.KindConfig, "db_path must not be empty")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return ekerrors.New(ekerrors.KindConfig, "log.level must be one of debug|info|warn|error").WithContext("level", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return ekerrors.New(ekerrors.KindConfig, "log.format must be one of text|json").WithContext("format", cfg.Log.Format)
	}
	if cfg.Eval.Command == "" {
		return ekerrors.New(ekerrors.KindConfig, "eval.command must not be empty")
	}
	if cfg.NixStore.Command == "" {
		return ekerrors.New(ekerrors.KindConfig, "nix_store.command must not be empty")
	}
	return nil
}

// RestartRequiredFields names the fields a live reload (internal/config's
// Watcher, which checks them through RequiresRestart) must refuse to apply in place, since
// changing them requires rebinding a listener the running process already
// holds open.
var RestartRequiredFields = []string{"web.address", "web.port", "unix.socket_path", "db_path"}

// RequiresRestart reports whether reloading from old to new would need to
// rebind a listener or reopen the database, rather than being safe to swap
// in place.
func RequiresRestart(oldCfg, newCfg Config) bool {
	return oldCfg.Web.Address != newCfg.Web.Address ||
		oldCfg.Web.Port != newCfg.Web.Port ||
		oldCfg.Unix.SocketPath != newCfg.Unix.SocketPath ||
		oldCfg.DBPath != newCfg.DBPath
}
