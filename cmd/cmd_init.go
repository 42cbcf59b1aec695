package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dosco/mongoqb/core"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

var nonWordRe = regexp.MustCompile(`[^a-z0-9_]+`)

// devConfig is the layout of a generated config file
type devConfig struct {
	AppName        string `yaml:"app_name"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MongoHost      string `yaml:"mongo_host"`
	MongoPort      int    `yaml:"mongo_port"`
	MongoDB        string `yaml:"mongo_db"`
	ConnectTimeout string `yaml:"connect_timeout"`
	ConnectRetries int    `yaml:"connect_retries"`
}

// prodConfig only overrides what differs from dev
type prodConfig struct {
	Inherits   string `yaml:"inherits"`
	Production bool   `yaml:"production"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

func initCmd() *cobra.Command {
	var name string
	var force bool

	c := &cobra.Command{
		Use:   "init",
		Short: "Create the dev and prod config files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := filepath.Abs(cpath)
			if err != nil {
				return err
			}
			if name == "" {
				if name, err = dirName(); err != nil {
					return err
				}
			}

			files := []struct {
				name string
				conf any
			}{
				{"dev", newDevConfig(name)},
				{"prod", prodConfig{Inherits: "dev", Production: true, LogLevel: "warn", LogFormat: "json"}},
			}

			for _, f := range files {
				fn, err := writeConfig(cp, f.name, f.conf, force)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), fn)
			}
			return nil
		},
	}

	c.Flags().StringVar(&name, "name", "", "app name (defaults to the current directory name)")
	c.Flags().BoolVar(&force, "force", false, "overwrite existing config files")
	return c
}

// writeDefaultConfig writes a dev style config named cn into cp
func writeDefaultConfig(cp, cn string, force bool) (string, error) {
	name, err := dirName()
	if err != nil {
		return "", err
	}
	return writeConfig(cp, cn, newDevConfig(name), force)
}

func writeConfig(cp, cn string, conf any, force bool) (string, error) {
	configFile := filepath.Join(cp, cn+".yml")

	if !force {
		ok, err := afero.Exists(appFs, configFile)
		if err != nil {
			return "", err
		}
		if ok {
			return "", fmt.Errorf("config file already exists: %s", configFile)
		}
	}

	v, err := yaml.Marshal(conf)
	if err != nil {
		return "", fmt.Errorf("failed to generate config: %w", err)
	}
	if err := appFs.MkdirAll(cp, os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := afero.WriteFile(appFs, configFile, v, 0o600); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return configFile, nil
}

// newDevConfig titles the app name and derives the database name from it
func newDevConfig(name string) devConfig {
	slug := strings.ToLower(strings.TrimSpace(name))
	db := strings.Trim(nonWordRe.ReplaceAllString(slug, "_"), "_")
	if db == "" {
		db = "app"
	}

	en := cases.Title(language.English)

	return devConfig{
		AppName:        en.String(slug),
		LogLevel:       "debug",
		LogFormat:      "auto",
		MongoHost:      core.DefaultHost,
		MongoPort:      core.DefaultPort,
		MongoDB:        db + "_development",
		ConnectTimeout: "10s",
		ConnectRetries: 5,
	}
}

func dirName() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Base(cwd), nil
}
