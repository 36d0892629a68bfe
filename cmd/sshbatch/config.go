package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultsFile is the optional YAML file supplying defaults for flags the
// operator didn't pass explicitly. Flags always win over the file; the
// file always wins over the hardcoded defaults below.
type defaultsFile struct {
	VaultDir          string `yaml:"vault_dir"`
	Username          string `yaml:"username"`
	Port              int    `yaml:"port"`
	MaxConcurrent     int    `yaml:"max_concurrent"`
	RetryFailedHosts  bool   `yaml:"retry_failed_hosts"`
	RetryIntervalSecs int    `yaml:"retry_interval_secs"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_secs"`
	KnownHostsPath    string `yaml:"known_hosts_path"`
	LogLevel          string `yaml:"log_level"`
}

func defaultDefaultsFile() defaultsFile {
	return defaultsFile{
		VaultDir:          "/var/lib/sshbatch/vault",
		Username:          "root",
		Port:              22,
		MaxConcurrent:     50,
		RetryIntervalSecs: 30,
		ReconnectAttempts: 0,
		ConnectTimeoutSec: 30,
		LogLevel:          "INFO",
	}
}

// loadDefaults reads path, if non-empty, layering it over the hardcoded
// defaults. A missing path is not an error — an operator running without
// a defaults file still gets sane built-ins.
func loadDefaults(path string) (defaultsFile, error) {
	cfg := defaultDefaultsFile()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read defaults file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse defaults file: %w", err)
	}

	if v := os.Getenv("SSHBATCH_VAULT_DIR"); v != "" {
		cfg.VaultDir = v
	}
	if v := os.Getenv("SSHBATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 50
	}
	if cfg.ConnectTimeoutSec <= 0 {
		cfg.ConnectTimeoutSec = 30
	}

	return cfg, nil
}

func (c defaultsFile) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}
