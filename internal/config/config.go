package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Stream    StreamConfig    `yaml:"stream"`
	Detection DetectionConfig `yaml:"detection"`
	Inference InferenceConfig `yaml:"inference"`
	Remote    RemoteConfig    `yaml:"remote"`
	Push      PushConfig      `yaml:"push"`
	Training  TrainingConfig  `yaml:"training"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig contains SQLite configuration
type DatabaseConfig struct {
	Path string `yaml:"path" env:"DATABASE_PATH"`
}

// StorageConfig contains local filesystem layout configuration
type StorageConfig struct {
	DataDir       string `yaml:"data_dir" env:"DATA_DIR"`
	DetectionsDir string `yaml:"detections_dir" env:"DETECTIONS_DIR"`
	TrainingDir   string `yaml:"training_dir" env:"TRAINING_DIR"`
}

// StreamConfig contains frame stream buffer configuration
type StreamConfig struct {
	MaxReadFails   int           `yaml:"max_read_fails" env:"STREAM_MAX_READ_FAILS"`
	MaxRestarts    int           `yaml:"max_restarts" env:"STREAM_MAX_RESTARTS"`
	RetryDelay     time.Duration `yaml:"retry_delay" env:"STREAM_RETRY_DELAY"`
	RestartDelay   time.Duration `yaml:"restart_delay" env:"STREAM_RESTART_DELAY"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"STREAM_CONNECT_TIMEOUT"`
}

// DetectionConfig contains the detection session configuration
type DetectionConfig struct {
	ConfidenceFloor float64       `yaml:"confidence_floor" env:"DETECTION_CONFIDENCE_FLOOR"`
	Cooldown        time.Duration `yaml:"cooldown" env:"DETECTION_COOLDOWN"`
	CycleDelay      time.Duration `yaml:"cycle_delay" env:"DETECTION_CYCLE_DELAY"`
	WaitTimeout     time.Duration `yaml:"wait_timeout" env:"CAMERA_WAIT_TIMEOUT"`
}

// InferenceConfig contains the inference service configuration
type InferenceConfig struct {
	ServiceURL string        `yaml:"service_url" env:"INFERENCE_SERVICE_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"INFERENCE_TIMEOUT"`
}

// RemoteConfig contains remote artifact storage configuration
type RemoteConfig struct {
	Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
	UseSSL    bool   `yaml:"use_ssl" env:"MINIO_USE_SSL"`
}

// PushConfig contains push notification configuration
type PushConfig struct {
	Enabled         bool   `yaml:"enabled" env:"PUSH_ENABLED"`
	ProjectID       string `yaml:"project_id" env:"FCM_PROJECT_ID"`
	CredentialsPath string `yaml:"credentials_path" env:"FCM_CREDENTIALS_PATH"`
}

// TrainingConfig contains training orchestration configuration
type TrainingConfig struct {
	TriggerURL    string        `yaml:"trigger_url" env:"TRAINING_TRIGGER_URL"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"TRAINING_POLL_INTERVAL"`
	JobTTL        time.Duration `yaml:"job_ttl" env:"TRAINING_JOB_TTL"`
	ValSplitRatio float64       `yaml:"val_split_ratio" env:"TRAINING_VAL_SPLIT_RATIO"`
}

// Load reads the configuration file, applies environment overrides and defaults
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file: %w", err)
		}
	}

	// Environment variables take precedence over the file
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Storage.DataDir, "db", "babyguard.db")
	}
	if c.Storage.DetectionsDir == "" {
		c.Storage.DetectionsDir = filepath.Join(c.Storage.DataDir, "detections")
	}
	if c.Storage.TrainingDir == "" {
		c.Storage.TrainingDir = filepath.Join(c.Storage.DataDir, "training_data")
	}
	if c.Stream.MaxReadFails == 0 {
		c.Stream.MaxReadFails = 10
	}
	if c.Stream.MaxRestarts == 0 {
		c.Stream.MaxRestarts = 3
	}
	if c.Stream.RetryDelay == 0 {
		c.Stream.RetryDelay = 500 * time.Millisecond
	}
	if c.Stream.RestartDelay == 0 {
		c.Stream.RestartDelay = time.Second
	}
	if c.Stream.ConnectTimeout == 0 {
		c.Stream.ConnectTimeout = 5 * time.Second
	}
	if c.Detection.ConfidenceFloor == 0 {
		c.Detection.ConfidenceFloor = 0.1
	}
	if c.Detection.Cooldown == 0 {
		c.Detection.Cooldown = 5 * time.Second
	}
	if c.Detection.CycleDelay == 0 {
		c.Detection.CycleDelay = 500 * time.Millisecond
	}
	if c.Detection.WaitTimeout == 0 {
		c.Detection.WaitTimeout = 60 * time.Second
	}
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = 30 * time.Second
	}
	if c.Remote.Bucket == "" {
		c.Remote.Bucket = "babyguard-models"
	}
	if c.Training.PollInterval == 0 {
		c.Training.PollInterval = 10 * time.Second
	}
	if c.Training.JobTTL == 0 {
		c.Training.JobTTL = 24 * time.Hour
	}
	if c.Training.ValSplitRatio == 0 {
		c.Training.ValSplitRatio = 0.2
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Detection.ConfidenceFloor < 0 || c.Detection.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence floor must be within [0,1], got %f", c.Detection.ConfidenceFloor)
	}
	if c.Training.ValSplitRatio <= 0 || c.Training.ValSplitRatio >= 1 {
		return fmt.Errorf("validation split ratio must be within (0,1), got %f", c.Training.ValSplitRatio)
	}
	if c.Stream.MaxReadFails < 1 || c.Stream.MaxRestarts < 1 {
		return fmt.Errorf("stream failure limits must be positive")
	}
	return nil
}
