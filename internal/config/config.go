package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the engine/runtime configuration, distinct from the
// declarative AnalyzeSettings document a job runs from.
type Config struct {
	ControlAPI ControlAPIConfig `yaml:"control_api"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Engine     EngineConfig     `yaml:"engine"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ControlAPIConfig configures the local HTTP/websocket control façade.
type ControlAPIConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// DatabaseConfig names the per-job DuckDB result database file.
type DatabaseConfig struct {
	Directory string `yaml:"directory"` // not used by Path, which puts results.duckdb directly in the job output dir
}

// Path returns the on-disk path of the result database for a given job
// output directory.
func (d DatabaseConfig) Path(jobOutputDir string) string {
	return fmt.Sprintf("%s/results.duckdb", jobOutputDir)
}

// NATSConfig configures the optional job-lifecycle/progress publisher.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// MinIOConfig configures the optional post-job archive mirror.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Enabled   bool   `yaml:"enabled"`
}

// EngineConfig holds engine-wide tunables not specific to one job.
type EngineConfig struct {
	ModelsDir      string `yaml:"models_dir"`
	OutputDir      string `yaml:"output_dir"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
	InterOpThreads int    `yaml:"inter_op_threads"`
}

// LoggingConfig configures internal/observability.SetupLogger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable
// overrides, the way the teacher's config.Load does.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.ControlAPI.Port == 0 {
		cfg.ControlAPI.Port = 8090
	}
	if cfg.Database.Directory == "" {
		cfg.Database.Directory = "./imagec-out"
	}
	if cfg.Engine.ModelsDir == "" {
		cfg.Engine.ModelsDir = "./models"
	}
	if cfg.Engine.OutputDir == "" {
		cfg.Engine.OutputDir = "./imagec-out"
	}
	if cfg.Engine.IntraOpThreads == 0 {
		cfg.Engine.IntraOpThreads = 1
	}
	if cfg.Engine.InterOpThreads == 0 {
		cfg.Engine.InterOpThreads = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "imagec-results"
	}
}

// envPrefix mirrors the teacher's FD_ prefix, renamed to the new domain.
const envPrefix = "IMAGEC_"

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "CONTROL_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ControlAPI.Port = port
		}
	}
	if v := os.Getenv(envPrefix + "API_KEY"); v != "" {
		cfg.ControlAPI.APIKey = v
	}
	if v := os.Getenv(envPrefix + "DB_DIR"); v != "" {
		cfg.Database.Directory = v
	}
	if v := os.Getenv(envPrefix + "NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv(envPrefix + "MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv(envPrefix + "MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv(envPrefix + "MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv(envPrefix + "MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv(envPrefix + "MODELS_DIR"); v != "" {
		cfg.Engine.ModelsDir = v
	}
	if v := os.Getenv(envPrefix + "OUTPUT_DIR"); v != "" {
		cfg.Engine.OutputDir = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
