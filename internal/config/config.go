// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package config loads snapbootctl settings from file and environment.
package config

import (
	"github.com/spf13/viper"
)

const defaultConfigDir = "/etc/snapboot"

// Config holds the settings of snapbootctl. Keys are named after the
// mapstructure tags, in the config file and as SNAPBOOT_* variables.
type Config struct {
	ESPPath               string `mapstructure:"esp_path"`
	Root                  string `mapstructure:"root"`
	SnapshotsDir          string `mapstructure:"snapshots_dir"`
	SubvolPrefix          string `mapstructure:"subvol_prefix"`
	EntryToken            string `mapstructure:"entry_token"`
	Arch                  string `mapstructure:"arch"`
	CmdlineFile           string `mapstructure:"cmdline_file"`
	LoaderDir             string `mapstructure:"loader_dir"`
	ShimDir               string `mapstructure:"shim_dir"`
	Vendor                string `mapstructure:"vendor"`
	RequireReadOnlyParent bool   `mapstructure:"require_readonly_parent"`
	LogLevel              string `mapstructure:"log_level"`
	LogFormat             string `mapstructure:"log_format"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		ESPPath:      "/boot/efi",
		Root:         "/",
		SnapshotsDir: "/.snapshots",
		SubvolPrefix: "@",
		CmdlineFile:  "/etc/kernel/cmdline",
		LoaderDir:    "/usr/lib/systemd/boot/efi",
		ShimDir:      "/usr/share/efi",
		Vendor:       "opensuse",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Load reads cfgFile, or snapboot.yaml from the default locations when
// cfgFile is empty. A missing default config file is not an error.
func Load(cfgFile string) (*Config, error) {
	return load(viper.New(), cfgFile)
}

func load(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("snapboot")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigDir)
	}

	v.SetEnvPrefix("SNAPBOOT")
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range []string{
		"esp_path", "root", "snapshots_dir", "subvol_prefix", "entry_token", "arch",
		"cmdline_file", "loader_dir", "shim_dir", "vendor", "require_readonly_parent",
		"log_level", "log_format",
	} {
		v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
