package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/langliu/video-downloader/internal/domain"
	"github.com/spf13/viper"
)

// envPrefix is prepended to every environment override, e.g. VDL_SERVER_PORT
const envPrefix = "VDL"

// secretKeys may also be supplied through <ENV>_FILE pointing at a file
var secretKeys = []string{
	"database.dsn",
	"resolver.token",
	"redis.password",
	"storage.local.signing_secret",
	"storage.s3.access_key_id",
	"storage.s3.secret_access_key",
}

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*domain.Config, error) {
	config := domain.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.video-downloader")
		v.AddConfigPath("/etc/video-downloader")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, "", reflect.TypeOf(*config))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applySecretFiles(v); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnvKeys registers every mapstructure key so AutomaticEnv overrides
// reach Unmarshal even when the key is absent from the config file.
func bindEnvKeys(v *viper.Viper, prefix string, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct && field.Type.PkgPath() != "time" {
			bindEnvKeys(v, key, field.Type)
			continue
		}
		v.BindEnv(key)
	}
}

// applySecretFiles reads VDL_<KEY>_FILE for secret keys
func applySecretFiles(v *viper.Viper) error {
	replacer := strings.NewReplacer(".", "_")
	for _, key := range secretKeys {
		envName := envPrefix + "_" + strings.ToUpper(replacer.Replace(key)) + "_FILE"
		path := os.Getenv(envName)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(expandPath(path))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", envName, err)
		}
		v.Set(key, strings.TrimSpace(string(data)))
	}
	return nil
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) *domain.Config {
	config.Database.Path = expandPath(config.Database.Path)
	config.Download.OutputDir = expandPath(config.Download.OutputDir)
	config.Download.FallbackDir = expandPath(config.Download.FallbackDir)
	config.Storage.Local.BaseDir = expandPath(config.Storage.Local.BaseDir)
	config.Logging.LogsDir = expandPath(config.Logging.LogsDir)

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}

	return config
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	if strings.Contains(path, "$HOME") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.ReplaceAll(path, "$HOME", home)
		}
	}

	return os.ExpandEnv(path)
}

// validateConfig checks struct tags, then rules spanning several fields
func validateConfig(config *domain.Config) error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}

	if config.Database.Driver == "postgres" && config.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for the postgres driver")
	}
	if config.Database.Driver == "sqlite" && config.Database.Path == "" {
		return fmt.Errorf("database path is required for the sqlite driver")
	}

	if config.Storage.Backend == "s3" && config.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
	}
	if config.Storage.Backend == "local" && config.Storage.Local.BaseDir == "" {
		return fmt.Errorf("storage.local.base_dir is required for the local backend")
	}

	if config.Queue.Backend == "asynq" && config.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the asynq queue backend")
	}

	if config.Queue.HeartbeatInterval >= config.Queue.StallInterval {
		return fmt.Errorf("queue.heartbeat_interval must be shorter than queue.stall_interval")
	}

	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range structToMap(reflect.ValueOf(*config)) {
		v.Set(key, value)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// structToMap keys a config struct by its mapstructure tags so the written
// file round-trips through LoadConfig.
func structToMap(value reflect.Value) map[string]interface{} {
	out := make(map[string]interface{}, value.NumField())
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		field := value.Field(i)
		switch {
		case field.Type() == reflect.TypeOf(time.Duration(0)):
			out[tag] = field.Interface().(time.Duration).String()
		case field.Kind() == reflect.Struct:
			out[tag] = structToMap(field)
		default:
			out[tag] = field.Interface()
		}
	}
	return out
}
