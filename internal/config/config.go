// Package config loads the service configuration from a YAML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads file into config, which must be a pointer to a struct. The current values of config are the
// defaults. Every key can be overridden by an environment variable named after its path, e.g.
// REDIS_PREFIX for Redis.Prefix. A .env file next to the config file is loaded first when present; it
// never overrides variables that are already set.
func Load(file string, config any) error {
	if err := loadDotEnv(filepath.Join(filepath.Dir(file), ".env")); err != nil {
		return err
	}

	v := viper.New()
	leaves := make(map[string]any)
	if err := flatten(config, leaves); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	// Every leaf is registered so that AutomaticEnv also reaches keys the file leaves out.
	for k, val := range leaves {
		if val != nil {
			v.SetDefault(k, val)
		}
		if err := v.BindEnv(k); err != nil {
			return fmt.Errorf("bind env %s: %v", k, err)
		}
	}

	v.SetConfigFile(file)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config from file %s: %v", file, err)
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(config, viper.DecodeHook(hook)); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}

// flatten decodes in into dotted leaf paths, e.g. match.questioncount.
func flatten(in any, out map[string]any) error {
	m := make(map[string]any)
	if err := mapstructure.Decode(in, &m); err != nil {
		return err
	}

	walk("", m, out)
	return nil
}

func walk(prefix string, m map[string]any, out map[string]any) {
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}

		if sub, ok := val.(map[string]any); ok {
			walk(key, sub, out)
			continue
		}
		out[key] = val
	}
}

func loadDotEnv(file string) error {
	err := godotenv.Load(file)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("load %s: %v", file, err)
}
