// Package config loads vmherd's YAML configuration and merges vSphere
// credentials from secrets.env or the environment so they never have to
// live in the YAML file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full on-disk configuration.
type Config struct {
	VSphere  VSphere  `yaml:"vsphere"`
	Defaults Defaults `yaml:"defaults"`
	Guest    Guest    `yaml:"guest"`
	Report   Report   `yaml:"report"`
}

// VSphere holds endpoint and credentials.
type VSphere struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Insecure bool   `yaml:"insecure"`
}

// Defaults apply when an instance or flag leaves a knob unset.
type Defaults struct {
	Placement    string        `yaml:"placement"`
	TickInterval time.Duration `yaml:"tick_interval"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	ToolsTimeout time.Duration `yaml:"tools_timeout"`
}

// Guest configures SSH access into freshly cloned VMs.
type Guest struct {
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
	Port    int    `yaml:"port"`
}

// Report configures the run journal.
type Report struct {
	Path string `yaml:"path"`
}

// Load reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/vmherd/config.yaml or ~/.config/vmherd/config.yaml; a
// missing default file is fine, credentials can come entirely from the
// environment or flags.
func Load(path string) (Config, error) {
	var cfg Config
	defaulted := path == ""
	if defaulted {
		path = filepath.Join(configDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		if !(defaulted && os.IsNotExist(err)) {
			return cfg, fmt.Errorf("open config: %w", err)
		}
	} else {
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Merge credentials from secrets.env if present to avoid storing them in YAML
	secrets, _ := LoadSecretsEnv("")
	for _, key := range []string{"VI_URL", "VI_USERNAME", "VI_PASSWORD"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if v, ok := secrets["VI_URL"]; ok && v != "" {
		cfg.VSphere.URL = v
	}
	if v, ok := secrets["VI_USERNAME"]; ok && v != "" {
		cfg.VSphere.Username = v
	}
	if v, ok := secrets["VI_PASSWORD"]; ok && v != "" {
		cfg.VSphere.Password = v
	}

	if cfg.Report.Path == "" {
		cfg.Report.Path = filepath.Join(configDir(), "runs.db")
	}
	return cfg, nil
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "vmherd")
}
