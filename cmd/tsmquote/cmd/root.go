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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openpcc/configfs-tsm/config"
)

var version = "dev"

// Config are the tsmquote defaults, overridable via YAML file and
// TSMQUOTE_* environment variables, with flags taking final precedence.
type Config struct {
	// PrivLevel is the privilege level to request. Negative skips
	// privilege negotiation.
	PrivLevel int `yaml:"priv_level"`
	// AcceptedProviders restricts which attestation backends may serve
	// the request. Empty accepts any.
	AcceptedProviders []string `yaml:"accepted_providers"`
	// MaxAttempts bounds re-submissions after generation races.
	MaxAttempts int `yaml:"max_attempts"`
	// GetAuxBlob also fetches the provider's certificate material.
	GetAuxBlob bool `yaml:"get_auxblob"`
}

func defaultConfig() *Config {
	return &Config{PrivLevel: -1}
}

var (
	cfgFile string
	cfg     = defaultConfig()
)

var rootCmd = &cobra.Command{
	Use:          "tsmquote",
	Short:        "Generate attestation quotes via configfs-tsm",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

func loadConfig() error {
	mappings := map[string]config.EnvMapping[Config]{
		"TSMQUOTE_PRIVLEVEL": {
			Func: func(cfg *Config, val string) error {
				return config.MapEnvInt(&cfg.PrivLevel, val)
			},
		},
		"TSMQUOTE_MAX_ATTEMPTS": {
			Func: func(cfg *Config, val string) error {
				return config.MapEnvInt(&cfg.MaxAttempts, val)
			},
		},
		"TSMQUOTE_AUXBLOB": {
			Func: func(cfg *Config, val string) error {
				return config.MapEnvBool(&cfg.GetAuxBlob, val)
			},
		},
	}
	if err := config.Load(cfg, cfgFile, mappings); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
