package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "GATEWAY"

type Config struct {
	ListenAddr     string         `mapstructure:"listen_addr" yaml:"listen_addr"`
	GRPCHealthAddr string         `mapstructure:"grpc_health_addr" yaml:"grpc_health_addr"`
	Log            LogConfig      `mapstructure:"log" yaml:"log"`
	Backend        BackendConfig  `mapstructure:"backend" yaml:"backend"`
	Upstream       UpstreamConfig `mapstructure:"upstream" yaml:"upstream"`
	Cache          CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Limits         LimitsConfig   `mapstructure:"limits" yaml:"limits"`
	Shutdown       ShutdownConfig `mapstructure:"shutdown" yaml:"shutdown"`
}

type LogConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"`
	AccessLog bool   `mapstructure:"access_log" yaml:"access_log"`
}

// BackendConfig describes how the supervised backend executable is launched.
// Executable is resolved relative to WorkDir when it is not absolute.
type BackendConfig struct {
	Executable      string            `mapstructure:"executable" yaml:"executable"`
	Args            []string          `mapstructure:"args" yaml:"args"`
	WorkDir         string            `mapstructure:"work_dir" yaml:"work_dir"`
	Env             map[string]string `mapstructure:"env" yaml:"env"`
	HealthPath      string            `mapstructure:"health_path" yaml:"health_path"`
	SettleDelay     time.Duration     `mapstructure:"settle_delay" yaml:"settle_delay"`
	ReadyTimeout    time.Duration     `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	ShutdownGrace   time.Duration     `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	LockFile        string            `mapstructure:"lock_file" yaml:"lock_file"`
	WatchExecutable bool              `mapstructure:"watch_executable" yaml:"watch_executable"`
	WatchDebounce   time.Duration     `mapstructure:"watch_debounce" yaml:"watch_debounce"`
}

type UpstreamConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Path        string        `mapstructure:"path" yaml:"path"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ResultField string        `mapstructure:"result_field" yaml:"result_field"`
}

type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxEntries    int           `mapstructure:"max_entries" yaml:"max_entries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	Fingerprint   string        `mapstructure:"fingerprint" yaml:"fingerprint"`
}

type LimitsConfig struct {
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes" yaml:"max_header_bytes"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type ShutdownConfig struct {
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
}

// SetDefaults registers every key with viper so that env overrides resolve
// even when no config file is present.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:5001")
	v.SetDefault("grpc_health_addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.access_log", true)

	v.SetDefault("backend.executable", "./target/release/backend")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.work_dir", ".")
	v.SetDefault("backend.env", map[string]string{})
	v.SetDefault("backend.health_path", "/")
	v.SetDefault("backend.settle_delay", 2*time.Second)
	v.SetDefault("backend.ready_timeout", 10*time.Second)
	v.SetDefault("backend.shutdown_grace", 5*time.Second)
	v.SetDefault("backend.lock_file", "")
	v.SetDefault("backend.watch_executable", false)
	v.SetDefault("backend.watch_debounce", 500*time.Millisecond)

	v.SetDefault("upstream.addr", "127.0.0.1:8080")
	v.SetDefault("upstream.path", "/api/double")
	v.SetDefault("upstream.timeout", 5*time.Second)
	v.SetDefault("upstream.dial_timeout", time.Second)
	v.SetDefault("upstream.result_field", "result")

	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.max_entries", 1024)
	v.SetDefault("cache.sweep_interval", time.Minute)
	v.SetDefault("cache.fingerprint", "raw")

	v.SetDefault("limits.max_body_bytes", 1<<20)
	v.SetDefault("limits.max_header_bytes", 64*1024)
	v.SetDefault("limits.read_header_timeout", 2*time.Second)
	v.SetDefault("limits.read_timeout", time.Duration(0))
	v.SetDefault("limits.write_timeout", time.Duration(0))
	v.SetDefault("limits.idle_timeout", 30*time.Second)

	v.SetDefault("shutdown.graceful_timeout", 10*time.Second)
}

// NewViper returns a viper instance wired for GATEWAY_* environment overrides,
// e.g. GATEWAY_UPSTREAM_TIMEOUT=2s.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		return nil, errors.New("viper instance is nil")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Backend.Env = upperKeys(cfg.Backend.Env)
	return &cfg, nil
}

// upperKeys restores environment variable names, which viper lowercases.
func upperKeys(env map[string]string) map[string]string {
	if len(env) == 0 {
		return env
	}
	out := make(map[string]string, len(env))
	for key, value := range env {
		out[strings.ToUpper(key)] = value
	}
	return out
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg, err := Load(NewViper(), "")
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

func (c *Config) HealthURL() string {
	if c == nil || c.Backend.HealthPath == "" {
		return ""
	}
	return "http://" + c.Upstream.Addr + c.Backend.HealthPath
}
