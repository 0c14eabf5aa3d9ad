// Package config provides configuration loading from environment variables
// and an optional YAML file.
package config

import (
	"cloudproc/internal/apperrors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Executor kinds for the localhost worker pool.
const (
	ExecutorThread  = "thread"
	ExecutorProcess = "process"
)

// Config holds the engine configuration shared by every binary.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Compute   ComputeConfig   `yaml:"compute"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Localhost LocalhostConfig `yaml:"localhost"`
	Minio     MinioConfig     `yaml:"minio"`
	S3        S3Config        `yaml:"s3"`
	Redis     RedisConfig     `yaml:"redis"`
	Docker    DockerConfig    `yaml:"docker"`
	Service   ServiceConfig   `yaml:"service"`
	LogLevel  string          `yaml:"log_level"`
}

// StorageConfig selects the object store.
type StorageConfig struct {
	Backend       string `yaml:"backend"`
	Bucket        string `yaml:"bucket"`
	MetaCacheSize int    `yaml:"meta_cache_size"`
	MetaCacheDir  string `yaml:"meta_cache_dir"` // Optional on-disk runtime metadata cache
}

// ComputeConfig selects the compute backend and its worker pool.
type ComputeConfig struct {
	Backend       string `yaml:"backend"`
	Runtime       string `yaml:"runtime"`
	RuntimeMemory int    `yaml:"runtime_memory"` // MB
	Workers       int    `yaml:"workers"`
	Executor      string `yaml:"executor"`    // "thread" or "process"
	RunnerPath    string `yaml:"runner_path"` // cloudproc-runner binary for the process executor
	Verbose       bool   `yaml:"verbose"`     // Forward child stdout/stderr
}

// ExecutorConfig controls client-side call submission and polling.
type ExecutorConfig struct {
	CallTimeout       time.Duration `yaml:"call_timeout"`
	PollInitial       time.Duration `yaml:"poll_initial"`
	PollMax           time.Duration `yaml:"poll_max"`
	AutoCreateRuntime bool          `yaml:"auto_create_runtime"`
	CallbackURL       string        `yaml:"callback_url"`
}

// LocalhostConfig configures the filesystem object store.
type LocalhostConfig struct {
	Root string `yaml:"root"`
}

// MinioConfig configures the MinIO object store.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// S3Config configures the S3 object store.
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"` // Custom endpoint for S3-compatible services
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// RedisConfig configures the redis queue compute backend.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	QueuePrefix string        `yaml:"queue_prefix"`
	PopTimeout  time.Duration `yaml:"pop_timeout"`
}

// DockerConfig configures the container compute backend.
type DockerConfig struct {
	Network       string        `yaml:"network"`
	RunnerCommand string        `yaml:"runner_command"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
	PullTimeout   time.Duration `yaml:"pull_timeout"`
}

// ServiceConfig holds configuration for the HTTP service.
type ServiceConfig struct {
	Port              string        `yaml:"port"`
	MetricsPort       string        `yaml:"metrics_port"`
	APIKey            string        `yaml:"-"`
	ShutdownDrainWait time.Duration `yaml:"shutdown_drain_wait"` // Time to wait for load balancer to drain (0 to skip)
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:       "localhost",
			Bucket:        "cloudproc",
			MetaCacheSize: 1024,
		},
		Compute: ComputeConfig{
			Backend:       "localhost",
			Runtime:       "default",
			RuntimeMemory: 256,
			Workers:       4,
			Executor:      ExecutorThread,
			RunnerPath:    "cloudproc-runner",
		},
		Executor: ExecutorConfig{
			CallTimeout:       10 * time.Minute,
			PollInitial:       50 * time.Millisecond,
			PollMax:           2 * time.Second,
			AutoCreateRuntime: true,
		},
		Localhost: LocalhostConfig{Root: os.TempDir() + "/cloudproc"},
		Minio:     MinioConfig{Endpoint: "localhost:9000", Region: "us-east-1"},
		S3:        S3Config{Region: "us-east-1"},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			QueuePrefix: "cloudproc:queue:",
			PopTimeout:  5 * time.Second,
		},
		Docker: DockerConfig{
			RunnerCommand: "cloudproc-runner",
			ReapInterval:  30 * time.Second,
			PullTimeout:   5 * time.Minute,
		},
		Service: ServiceConfig{
			Port:              "8080",
			MetricsPort:       "9090",
			ShutdownDrainWait: 5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CLOUDPROC_CONFIG_FILE (if any), and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()
	if path := GetEnv("CLOUDPROC_CONFIG_FILE", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return apperrors.Validation("config", fmt.Sprintf("invalid config file %s: %v", path, err))
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Storage.Backend = GetEnv("CLOUDPROC_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Bucket = GetEnv("CLOUDPROC_STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.MetaCacheSize = GetIntEnv("CLOUDPROC_META_CACHE_SIZE", c.Storage.MetaCacheSize)
	c.Storage.MetaCacheDir = GetEnv("CLOUDPROC_META_CACHE_DIR", c.Storage.MetaCacheDir)

	c.Compute.Backend = GetEnv("CLOUDPROC_COMPUTE_BACKEND", c.Compute.Backend)
	c.Compute.Runtime = GetEnv("CLOUDPROC_RUNTIME", c.Compute.Runtime)
	c.Compute.RuntimeMemory = GetIntEnv("CLOUDPROC_RUNTIME_MEMORY", c.Compute.RuntimeMemory)
	c.Compute.Workers = GetIntEnv("CLOUDPROC_WORKERS", c.Compute.Workers)
	c.Compute.Executor = GetEnv("CLOUDPROC_EXECUTOR", c.Compute.Executor)
	c.Compute.RunnerPath = GetEnv("CLOUDPROC_RUNNER_PATH", c.Compute.RunnerPath)
	c.Compute.Verbose = GetBoolEnv("CLOUDPROC_VERBOSE", c.Compute.Verbose)

	c.Executor.CallTimeout = GetDurationEnv("CLOUDPROC_CALL_TIMEOUT", c.Executor.CallTimeout)
	c.Executor.PollInitial = GetDurationEnv("CLOUDPROC_POLL_INITIAL", c.Executor.PollInitial)
	c.Executor.PollMax = GetDurationEnv("CLOUDPROC_POLL_MAX", c.Executor.PollMax)
	c.Executor.AutoCreateRuntime = GetBoolEnv("CLOUDPROC_AUTO_CREATE_RUNTIME", c.Executor.AutoCreateRuntime)
	c.Executor.CallbackURL = GetEnv("CLOUDPROC_CALLBACK_URL", c.Executor.CallbackURL)

	c.Localhost.Root = GetEnv("CLOUDPROC_LOCALHOST_ROOT", c.Localhost.Root)

	c.Minio.Endpoint = GetEnv("MINIO_ENDPOINT", c.Minio.Endpoint)
	c.Minio.AccessKey = secretOr("MINIO_ACCESS_KEY_FILE", "MINIO_ACCESS_KEY", c.Minio.AccessKey)
	c.Minio.SecretKey = secretOr("MINIO_SECRET_KEY_FILE", "MINIO_SECRET_KEY", c.Minio.SecretKey)
	c.Minio.UseSSL = GetBoolEnv("MINIO_USE_SSL", c.Minio.UseSSL)
	c.Minio.Region = GetEnv("MINIO_REGION", c.Minio.Region)

	c.S3.Region = GetEnv("AWS_REGION", c.S3.Region)
	c.S3.Endpoint = GetEnv("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = secretOr("S3_ACCESS_KEY_FILE", "S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = secretOr("S3_SECRET_KEY_FILE", "S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.UsePathStyle = GetBoolEnv("S3_USE_PATH_STYLE", c.S3.UsePathStyle)

	c.Redis.Addr = GetEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = secretOr("REDIS_PASSWORD_FILE", "REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = GetIntEnv("REDIS_DB", c.Redis.DB)
	c.Redis.QueuePrefix = GetEnv("REDIS_QUEUE_PREFIX", c.Redis.QueuePrefix)
	c.Redis.PopTimeout = GetDurationEnv("REDIS_POP_TIMEOUT", c.Redis.PopTimeout)

	c.Docker.Network = GetEnv("DOCKER_NETWORK", c.Docker.Network)
	c.Docker.RunnerCommand = GetEnv("DOCKER_RUNNER_COMMAND", c.Docker.RunnerCommand)
	c.Docker.ReapInterval = GetDurationEnv("DOCKER_REAP_INTERVAL", c.Docker.ReapInterval)
	c.Docker.PullTimeout = GetDurationEnv("DOCKER_PULL_TIMEOUT", c.Docker.PullTimeout)

	c.Service.Port = GetEnv("PORT", c.Service.Port)
	c.Service.MetricsPort = GetEnv("METRICS_PORT", c.Service.MetricsPort)
	c.Service.APIKey = GetSecretFile(GetEnv("API_KEY_FILE", ""))
	c.Service.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", c.Service.ShutdownDrainWait)

	c.LogLevel = GetEnv("CLOUDPROC_LOG_LEVEL", c.LogLevel)
}

// Validate checks the settings every component depends on.
func (c *Config) Validate() error {
	if c.Storage.Backend == "" {
		return apperrors.Validation("storage.backend", "storage backend is required")
	}
	if c.Storage.Bucket == "" {
		return apperrors.Validation("storage.bucket", "storage bucket is required")
	}
	if c.Compute.Backend == "" {
		return apperrors.Validation("compute.backend", "compute backend is required")
	}
	if c.Compute.Workers < 1 {
		return apperrors.Validation("compute.workers", "worker count must be at least 1")
	}
	switch c.Compute.Executor {
	case ExecutorThread, ExecutorProcess:
	default:
		return apperrors.Validation("compute.executor",
			fmt.Sprintf("executor must be %q or %q", ExecutorThread, ExecutorProcess))
	}
	if c.Executor.PollInitial <= 0 || c.Executor.PollMax < c.Executor.PollInitial {
		return apperrors.Validation("executor.poll", "poll intervals must be positive and max >= initial")
	}
	return nil
}

// SlogLevel parses LogLevel, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
