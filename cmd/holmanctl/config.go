package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mcuadros/go-defaults"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srg/holman/taptimer"
)

// cliConfig is the optional on-disk configuration.
type cliConfig struct {
	Adapter string           `yaml:"adapter" default:"hci0"`
	Session *taptimer.Config `yaml:"session"`
}

// defaultConfigPath returns ~/.config/holmanctl.yaml, or "" when the
// home directory cannot be determined.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "holmanctl.yaml")
}

// loadConfig reads the config file and applies defaults. A missing
// default-path file is not an error; an explicitly given path must
// exist. The --adapter flag takes precedence over the file.
func loadConfig(cmd *cobra.Command) (*cliConfig, error) {
	cfg := &cliConfig{Session: taptimer.DefaultConfig()}
	defaults.SetDefaults(cfg)

	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// No config file is fine; run on defaults.
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if cfg.Session == nil {
		cfg.Session = taptimer.DefaultConfig()
	}
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if adapter, _ := cmd.Flags().GetString("adapter"); adapter != "" {
		cfg.Adapter = adapter
	}
	return cfg, nil
}
