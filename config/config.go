package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/threatwire/clusterd/models"
)

// Config holds all configuration for the clustering engine.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Clustering ClusteringConfig `mapstructure:"clustering"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ClusteringConfig carries the run parameters described in the data model.
// These are re-read per invocation; changing them does not require a rebuild.
type ClusteringConfig struct {
	SimilarityThreshold   float64       `mapstructure:"similarity_threshold"`
	MinClusterSize        int           `mapstructure:"min_cluster_size"`
	MaxClusterSize        int           `mapstructure:"max_cluster_size"`
	TimeWindow            time.Duration `mapstructure:"time_window"`
	CoherenceThreshold    float64       `mapstructure:"coherence_threshold"`
	BatchSize             int           `mapstructure:"batch_size"`
	FallbackMinRatio      float64       `mapstructure:"fallback_min_ratio"`
	ActiveClusterLookback time.Duration `mapstructure:"active_cluster_lookback"`
	MinEntityWeight       int           `mapstructure:"min_entity_weight"`
	MaxNameLength         int           `mapstructure:"max_name_length"`
}

// RunConfig converts the section into the per-run parameter set.
func (c ClusteringConfig) RunConfig() models.RunConfig {
	return models.RunConfig{
		SimilarityThreshold:   c.SimilarityThreshold,
		MinClusterSize:        c.MinClusterSize,
		MaxClusterSize:        c.MaxClusterSize,
		TimeWindow:            c.TimeWindow,
		CoherenceThreshold:    c.CoherenceThreshold,
		BatchSize:             c.BatchSize,
		FallbackMinRatio:      c.FallbackMinRatio,
		ActiveClusterLookback: c.ActiveClusterLookback,
		MinEntityWeight:       c.MinEntityWeight,
		MaxNameLength:         c.MaxNameLength,
	}
}

func (c ClusteringConfig) Validate() error {
	return c.RunConfig().Validate()
}

// EmbeddingConfig contains the embedding backend settings.
type EmbeddingConfig struct {
	Provider    string        `mapstructure:"provider"` // openai
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Dimensions  int           `mapstructure:"dimensions"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

func (e EmbeddingConfig) Validate() error {
	if strings.TrimSpace(e.Provider) == "" {
		return fmt.Errorf("embedding.provider required")
	}
	if e.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0")
	}
	if e.Concurrency <= 0 {
		return fmt.Errorf("embedding.concurrency must be > 0")
	}
	return nil
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds the connection string from the individual fields when URL is unset.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings for the run lock.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// SchedulerConfig controls periodic clustering runs in serve mode.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	CronSpec     string        `mapstructure:"cron_spec"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// TelemetryConfig contains the ops HTTP server settings.
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && strings.TrimSpace(t.Address) == "" {
		return fmt.Errorf("telemetry.address required when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file. Defaults mirror the shipped config.json.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("clustering.similarity_threshold", 0.75)
	viper.SetDefault("clustering.min_cluster_size", 2)
	viper.SetDefault("clustering.max_cluster_size", 12)
	viper.SetDefault("clustering.time_window", "72h")
	viper.SetDefault("clustering.coherence_threshold", 0.65)
	viper.SetDefault("clustering.batch_size", 50)
	viper.SetDefault("clustering.fallback_min_ratio", 0.1)
	viper.SetDefault("clustering.active_cluster_lookback", "336h")
	viper.SetDefault("clustering.min_entity_weight", 70)
	viper.SetDefault("clustering.max_name_length", 200)
	viper.SetDefault("embedding.provider", "openai")
	viper.SetDefault("embedding.model", "text-embedding-3-large")
	viper.SetDefault("embedding.dimensions", 1536)
	viper.SetDefault("embedding.timeout", "30s")
	viper.SetDefault("embedding.concurrency", 4)
	viper.SetDefault("storage.redis.lock_ttl", "15m")
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.cron_spec", "@hourly")
	viper.SetDefault("scheduler.tick_interval", "1m")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.address", ":10020")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("CLUSTERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Clustering.Validate(); err != nil {
		panic(err)
	}
	if err := config.Embedding.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
