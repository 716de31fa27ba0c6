package domain

import "time"

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Resolver     ResolverConfig     `mapstructure:"resolver"`
	Download     DownloadConfig     `mapstructure:"download"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host      string `mapstructure:"host" validate:"required"`
	Port      int    `mapstructure:"port" validate:"min=1,max=65535"`
	PublicURL string `mapstructure:"public_url"` // base URL used for locally signed media links
}

// DatabaseConfig selects the persistence backend
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	Path   string `mapstructure:"path"` // sqlite file
	DSN    string `mapstructure:"dsn"`  // postgres connection string
}

// ResolverConfig configures the external parsing service
type ResolverConfig struct {
	Endpoint string        `mapstructure:"endpoint" validate:"required,url"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// DownloadConfig contains client-side batch download configuration
type DownloadConfig struct {
	Concurrency      int           `mapstructure:"concurrency" validate:"min=1"`
	GroupDelay       time.Duration `mapstructure:"group_delay" validate:"gte=0"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	OutputDir        string        `mapstructure:"output_dir"` // preferred save folder, empty means none chosen
	FallbackDir      string        `mapstructure:"fallback_dir" validate:"required"`
	UserAgent        string        `mapstructure:"user_agent"`
	ResolveLimit     int           `mapstructure:"resolve_limit" validate:"min=1"`
	MaxBatchLinks    int           `mapstructure:"max_batch_links" validate:"min=1"`
	SessionRetention time.Duration `mapstructure:"session_retention" validate:"gte=0"` // how long settled batch sessions stay listed, 0 keeps them
}

// QueueConfig contains work queue configuration
type QueueConfig struct {
	Backend            string        `mapstructure:"backend" validate:"oneof=database asynq"`
	Name               string        `mapstructure:"name" validate:"required"`
	Workers            int           `mapstructure:"workers" validate:"min=1"`
	MaxAttempts        int           `mapstructure:"max_attempts" validate:"min=1"`
	BackoffBase        time.Duration `mapstructure:"backoff_base" validate:"gte=0"`
	RemoveOnComplete   bool          `mapstructure:"remove_on_complete"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	StallInterval      time.Duration `mapstructure:"stall_interval" validate:"gt=0"`
	MaxStalledCount    int           `mapstructure:"max_stalled_count" validate:"gte=0"`
	RemoteFetchTimeout time.Duration `mapstructure:"remote_fetch_timeout" validate:"gt=0"`
	StoreTimeout       time.Duration `mapstructure:"store_timeout" validate:"gt=0"`
	AutoStartWorkers   bool          `mapstructure:"auto_start_workers"`
}

// RetryPolicy extracts the per-job retry settings
func (q QueueConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      q.MaxAttempts,
		BackoffBase:      q.BackoffBase,
		RemoveOnComplete: q.RemoveOnComplete,
		MaxStalledCount:  q.MaxStalledCount,
	}
}

// RedisConfig is used by the asynq backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig configures object storage for fetched media
type StorageConfig struct {
	Backend         string        `mapstructure:"backend" validate:"oneof=local s3"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	SignedURLExpiry time.Duration `mapstructure:"signed_url_expiry" validate:"gt=0"`
	Local           LocalStorage  `mapstructure:"local"`
	S3              S3Storage     `mapstructure:"s3"`
}

// LocalStorage keeps objects on the local filesystem
type LocalStorage struct {
	BaseDir       string `mapstructure:"base_dir"`
	SigningSecret string `mapstructure:"signing_secret"`
}

// S3Storage targets any S3-compatible service (AWS, R2, OSS, MinIO)
type S3Storage struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Method  string `mapstructure:"method"` // osascript, notify-send
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
	LogsDir    string `mapstructure:"logs_dir"`    // category log files, empty disables them
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "localhost",
			Port:      8080,
			PublicURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "$HOME/.video-downloader/data.db",
		},
		Resolver: ResolverConfig{
			Endpoint: "https://proxy.layzz.cn/lyz/platAnalyse/",
			Token:    "",
			Timeout:  30 * time.Second,
		},
		Download: DownloadConfig{
			Concurrency:      3,
			GroupDelay:       1 * time.Second,
			FetchTimeout:     30 * time.Second,
			OutputDir:        "",
			FallbackDir:      "$HOME/Downloads",
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			ResolveLimit:     8,
			MaxBatchLinks:    200,
			SessionRetention: 1 * time.Hour,
		},
		Queue: QueueConfig{
			Backend:            "database",
			Name:               "video",
			Workers:            5,
			MaxAttempts:        5,
			BackoffBase:        1 * time.Second,
			RemoveOnComplete:   true,
			CompletedRetention: 24 * time.Hour,
			PollInterval:       1 * time.Second,
			HeartbeatInterval:  5 * time.Second,
			StallInterval:      30 * time.Second,
			MaxStalledCount:    1,
			RemoteFetchTimeout: 60 * time.Second,
			StoreTimeout:       60 * time.Second,
			AutoStartWorkers:   true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Storage: StorageConfig{
			Backend:         "local",
			KeyPrefix:       "videos",
			SignedURLExpiry: 1 * time.Hour,
			Local: LocalStorage{
				BaseDir: "$HOME/.video-downloader/objects",
			},
			S3: S3Storage{
				Region: "auto",
			},
		},
		Notification: NotificationConfig{
			Enabled: false,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
			LogsDir:    "",
		},
	}
}
