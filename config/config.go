package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "IMS"

// Deployment environments.
const (
	EnvLocal   = "local"
	EnvCluster = "cluster"
)

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

type Config struct {
	// Environment is "local" (in-process bars) or "cluster" (bars over the
	// bus, stream directory in valkey).
	Environment string `mapstructure:"environment"`
	Server      struct {
		Host            string    `mapstructure:"host"`
		Port            int       `mapstructure:"port"`
		TLS             TLSConfig `mapstructure:"tls"`
		ShutdownTimeout int       `mapstructure:"shutdown_timeout"` // seconds
	} `mapstructure:"server"`
	PubSub struct {
		Provider string    `mapstructure:"provider"`
		URL      string    `mapstructure:"url"`
		Stream   string    `mapstructure:"stream"`
		TLS      TLSConfig `mapstructure:"tls"`
	} `mapstructure:"pubsub"`
	RedisProtoCache struct {
		Addr         []string `mapstructure:"addr"`
		DisableCache bool     `mapstructure:"disable_cache"`
	} `mapstructure:"redisProtoCache"`
	Health struct {
		Enabled       bool   `mapstructure:"enabled"`
		Port          int    `mapstructure:"port"`
		ReadinessPath string `mapstructure:"readiness_path"`
		LivenessPath  string `mapstructure:"liveness_path"`
	} `mapstructure:"health"`
	Processor struct {
		NodeID             string `mapstructure:"node_id"`
		StartTimeoutMs     int    `mapstructure:"start_timeout_ms"`
		StopTimeoutMs      int    `mapstructure:"stop_timeout_ms"`
		DrainTimeoutMs     int    `mapstructure:"drain_timeout_ms"`
		FanoutWorkers      int    `mapstructure:"fanout_workers"`
		FanoutQueueSize    int    `mapstructure:"fanout_queue_size"`
		DirectoryRecheckMs int    `mapstructure:"directory_recheck_ms"`
	} `mapstructure:"processor"`
	Integration struct {
		Kind       string   `mapstructure:"kind"`
		Symbols    []string `mapstructure:"symbols"`
		IntervalMs int      `mapstructure:"interval_ms"`
		Seed       uint64   `mapstructure:"seed"`
	} `mapstructure:"integration"`
}

func (c *Config) IsCluster() bool {
	return strings.EqualFold(c.Environment, EnvCluster)
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (c *Config) StartTimeout() time.Duration { return millis(c.Processor.StartTimeoutMs) }
func (c *Config) StopTimeout() time.Duration  { return millis(c.Processor.StopTimeoutMs) }
func (c *Config) DrainTimeout() time.Duration { return millis(c.Processor.DrainTimeoutMs) }
func (c *Config) BarInterval() time.Duration  { return millis(c.Integration.IntervalMs) }

func (c *Config) DirectoryRecheck() time.Duration { return millis(c.Processor.DirectoryRecheckMs) }

func (c *Config) validate() error {
	switch strings.ToLower(c.Environment) {
	case EnvLocal, EnvCluster:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.IsCluster() {
		if c.PubSub.URL == "" {
			return errors.New("cluster environment needs pubsub.url")
		}
		if len(c.RedisProtoCache.Addr) == 0 {
			return errors.New("cluster environment needs redisProtoCache.addr")
		}
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return errors.New("server.tls needs cert_file and key_file")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvLocal)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("pubsub.provider", "nats")
	v.SetDefault("pubsub.url", "")
	v.SetDefault("pubsub.stream", "ims-data")
	v.SetDefault("pubsub.tls.enabled", false)
	v.SetDefault("redisProtoCache.addr", []string{})
	v.SetDefault("redisProtoCache.disable_cache", false)
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.port", 8081)
	v.SetDefault("health.readiness_path", "/health/ready")
	v.SetDefault("health.liveness_path", "/health/live")
	v.SetDefault("processor.node_id", "")
	v.SetDefault("processor.start_timeout_ms", 5000)
	v.SetDefault("processor.stop_timeout_ms", 5000)
	v.SetDefault("processor.drain_timeout_ms", 10000)
	v.SetDefault("processor.fanout_workers", 16)
	v.SetDefault("processor.fanout_queue_size", 1024)
	v.SetDefault("processor.directory_recheck_ms", 2000)
	v.SetDefault("integration.kind", "replay")
	v.SetDefault("integration.symbols", []string{})
	v.SetDefault("integration.interval_ms", 1000)
	v.SetDefault("integration.seed", 1)
}

// Load reads cfgFile, or config.yaml from . or ./config when cfgFile is
// empty, then merges config.<env>.yaml from the same directory and finally
// applies IMS_* environment overrides. A missing default config file is not
// an error; a missing cfgFile is.
func Load(cfgFile, env string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if env != "" && v.ConfigFileUsed() != "" {
		envFile := filepath.Join(filepath.Dir(v.ConfigFileUsed()), fmt.Sprintf("config.%s.yaml", env))
		v.SetConfigFile(envFile)
		// optional
		_ = v.MergeInConfig()
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
