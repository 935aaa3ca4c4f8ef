package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Profiler ProfilerConfig `mapstructure:"profiler"`
	Explain  ExplainConfig  `mapstructure:"explain"`
	Database DatabaseConfig `mapstructure:"database"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ProfilerConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	Capacity       int  `mapstructure:"capacity"`
	CollectQueries bool `mapstructure:"collect_queries"`
	CollectLogs    bool `mapstructure:"collect_logs"`
	CollectMongo   bool `mapstructure:"collect_mongo"`
	CollectMySQL   bool `mapstructure:"collect_mysql"`
	CollectCache   bool `mapstructure:"collect_cache"`
}

type ExplainConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Analyze      bool    `mapstructure:"analyze"` // EXPLAIN ANALYZE instead of plain EXPLAIN
	ThresholdMs  int64   `mapstructure:"threshold_ms"`
	MaxPerSecond float64 `mapstructure:"max_per_second"`
}

type DatabaseConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MySQLDSN    string `mapstructure:"mysql_dsn"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Storage switches profile history persistence from memory to Redis.
	Storage bool   `mapstructure:"storage"`
	ListKey string `mapstructure:"list_key"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. REQLENS_PROFILER_ENABLED
	viper.SetEnvPrefix("reqlens")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("profiler.enabled", true)
	viper.SetDefault("profiler.capacity", 100)
	viper.SetDefault("profiler.collect_queries", true)
	viper.SetDefault("profiler.collect_logs", true)
	viper.SetDefault("profiler.collect_mongo", true)
	viper.SetDefault("profiler.collect_mysql", true)
	viper.SetDefault("profiler.collect_cache", true)
	viper.SetDefault("explain.enabled", false)
	viper.SetDefault("explain.analyze", false)
	viper.SetDefault("explain.threshold_ms", 0)
	viper.SetDefault("explain.max_per_second", 5)
	viper.SetDefault("redis.list_key", "reqlens:profiles")
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
