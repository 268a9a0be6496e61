package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RECSYNC_SYNC_INTERVAL.
const EnvPrefix = "RECSYNC"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	used       string
}

// NewLoader creates a config loader. An empty path searches the default locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  EnvPrefix,
	}
}

// Load reads configuration from defaults, file and environment, in that order.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	for key, value := range flatten(reflect.ValueOf(defaults).Elem(), "") {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		v.SetConfigName("recsync")
		for _, dir := range l.defaultDirs() {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}
	l.used = v.ConfigFileUsed()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Paths derived from data_dir follow it unless set explicitly.
	if cfg.Storage.DataDir != defaults.Storage.DataDir {
		if cfg.Auth.TokenFile == defaults.Auth.TokenFile {
			cfg.Auth.TokenFile = filepath.Join(cfg.Storage.DataDir, "token.json")
		}
		if cfg.Server.DBPath == defaults.Server.DBPath {
			cfg.Server.DBPath = filepath.Join(cfg.Storage.DataDir, "server.db")
		}
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFileUsed returns the file the last Load read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.used
}

// defaultDirs returns directories searched for recsync.{json,yaml,toml}.
func (l *Loader) defaultDirs() []string {
	dirs := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(homeDir, ".config", "recsync"),
			filepath.Join(homeDir, ".recsync"),
		)
	}

	return dirs
}

var durationType = reflect.TypeOf(time.Duration(0))

// flatten walks a config struct and returns dotted mapstructure keys for every leaf.
func flatten(v reflect.Value, prefix string) map[string]interface{} {
	out := make(map[string]interface{})
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := v.Field(i)
		if field.Type.Kind() == reflect.Struct && field.Type != durationType {
			for k, val := range flatten(fv, key) {
				out[k] = val
			}
			continue
		}
		out[key] = fv.Interface()
	}

	return out
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
