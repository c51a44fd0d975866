package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load config from file into the config struct, config must be a pointer to the config struct.
// Values already set in config are kept as defaults, and every key can be overridden by an env
// variable named after its path, e.g. HTTP_PORT for http.port.
func Load(file string, config any) error {
	v := viper.New()

	if err := setDefaults(v, "", config); err != nil {
		return err
	}

	v.SetConfigFile(file)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config from file %s: %v", file, err)
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}

// setDefaults registers every leaf of the struct as a viper default, so nested keys are known to
// AutomaticEnv.
func setDefaults(v *viper.Viper, prefix string, config any) error {
	m := make(map[string]any)
	if err := mapstructure.Decode(config, &m); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		switch reflect.Indirect(reflect.ValueOf(val)).Kind() {
		case reflect.Struct, reflect.Map:
			if err := setDefaults(v, key, val); err != nil {
				return err
			}
		default:
			v.SetDefault(key, val)
		}
	}

	return nil
}
