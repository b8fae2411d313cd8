package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/raaihank/text2vec/internal/embeddings"
)

const envPrefix = "TEXT2VEC"

var (
	mu     sync.Mutex
	active *viper.Viper
)

// Load loads configuration from file and environment variables. Every key
// can be overridden with TEXT2VEC_<SECTION>_<KEY>, e.g. TEXT2VEC_SERVER_PORT.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, "", reflect.ValueOf(*GetDefaults()))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/text2vec/")
	v.AddConfigPath("$HOME/.text2vec/")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	active = v
	mu.Unlock()
	return config, nil
}

func decode(v *viper.Viper) (*Config, error) {
	config := GetDefaults()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setDefaults registers every field of def under its mapstructure key so
// environment overrides apply even to keys absent from the config file.
func setDefaults(v *viper.Viper, prefix string, def reflect.Value) {
	t := def.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if field.Type.Kind() == reflect.Struct {
			setDefaults(v, key, def.Field(i))
			continue
		}
		v.SetDefault(key, def.Field(i).Interface())
	}
}

// Validate validates the loaded configuration
func Validate(config *Config) error {
	if strings.TrimSpace(config.Model.Name) == "" {
		return fmt.Errorf("model name must not be empty")
	}
	if !embeddings.Pooling(config.Model.Pooling).Valid() {
		return fmt.Errorf("invalid pooling: %s (must be mean or masked_mean)", config.Model.Pooling)
	}
	if config.Model.MaxBatchSize < 0 {
		return fmt.Errorf("invalid max batch size: %d", config.Model.MaxBatchSize)
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if rl := config.Server.RateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst <= 0) {
		return fmt.Errorf("rate limit needs positive requests_per_second and burst")
	}
	if config.Server.MaxBatchTexts < 0 {
		return fmt.Errorf("invalid max batch texts: %d", config.Server.MaxBatchTexts)
	}

	if config.ETL.BatchSize <= 0 {
		return fmt.Errorf("invalid etl batch size: %d", config.ETL.BatchSize)
	}
	if config.Cache.DefaultTTL < 0 || config.Cache.LocalTTL < 0 {
		return fmt.Errorf("cache TTLs must not be negative")
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}
	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}
	return nil
}

// Watch reloads the file used by the last Load whenever it changes and hands
// each valid configuration to callback. Invalid reloads go to onError.
func Watch(callback func(*Config), onError func(error)) error {
	mu.Lock()
	v := active
	mu.Unlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		config, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		callback(config)
	})
	v.WatchConfig()
	return nil
}
