// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config layers YAML files and environment variables over a
// default configuration struct.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validator can be implemented by a configuration struct to run
// cross-field checks after loading.
type Validator interface {
	IsValid() error
}

// Load merges the YAML file (when the path is non-empty) and the
// environment into cfg, then validates cfg if it implements Validator.
func Load[T any](cfg *T, yamlPath string, envMappings map[string]EnvMapping[T]) error {
	if yamlPath != "" {
		f, err := os.Open(yamlPath)
		if err != nil {
			return fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		if err := MergeYAML(cfg, f); err != nil {
			return err
		}
	}

	if err := MergeEnv(cfg, envMappings); err != nil {
		return err
	}

	if v, ok := any(cfg).(Validator); ok {
		if err := v.IsValid(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	return nil
}

// MergeYAML merges YAML from src into cfg. `${VAR}` references expand to
// the value of the environment variable VAR and `${VAR:-default}` falls
// back to the default when VAR is unset. A reference without a default to
// an unset variable is an error.
func MergeYAML[T any](cfg *T, src io.Reader) error {
	raw, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("failed to read the YAML source: %w", err)
	}

	var missing []string
	expanded := os.Expand(string(raw), func(key string) string {
		if i := strings.Index(key, ":-"); i != -1 {
			name, fallback := key[:i], key[i+2:]
			if val, isSet := os.LookupEnv(name); isSet {
				return val
			}
			return fallback
		}
		val, isSet := os.LookupEnv(key)
		if !isSet {
			missing = append(missing, key)
		}
		return val
	})
	if len(missing) > 0 {
		return fmt.Errorf("YAML source expects the following environment variables to be set: %v", missing)
	}

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to unmarshal YAML to config: %w", err)
	}
	return nil
}

// EnvMapping applies one environment variable to the configuration. A
// Required mapping errors when the variable is unset.
type EnvMapping[T any] struct {
	Required bool
	Func     func(cfg *T, val string) error
}

// MergeEnv applies the mappings, collecting as many errors as possible
// instead of stopping at the first.
func MergeEnv[T any](cfg *T, mappings map[string]EnvMapping[T]) error {
	var errs error
	for key, mapping := range mappings {
		val, isSet := os.LookupEnv(key)
		if !isSet {
			if mapping.Required {
				errs = errors.Join(errs, fmt.Errorf("missing required env variable %s", key))
			}
			continue
		}
		if err := mapping.Func(cfg, val); err != nil {
			errs = errors.Join(errs, fmt.Errorf("error for env variable %s: %w", key, err))
		}
	}
	return errs
}

// MapEnvInt maps an environment variable to an int field.
func MapEnvInt(tgt *int, val string) error {
	i, err := strconv.Atoi(val)
	if err != nil {
		return err
	}
	*tgt = i
	return nil
}

// MapEnvUint maps an environment variable to a uint field.
func MapEnvUint(tgt *uint, val string) error {
	u, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return err
	}
	*tgt = uint(u)
	return nil
}

// MapEnvBool maps an environment variable to a bool field.
func MapEnvBool(tgt *bool, val string) error {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return err
	}
	*tgt = b
	return nil
}
