// Package config loads vmconsoled settings from YAML over built-in defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backend names.
const (
	StoreCookie = "cookie"
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

// Config holds daemon listener, storage and provider settings.
type Config struct {
	ConfigPath            string
	Listen                string
	MetricsListen         string
	Store                 string
	DataDir               string
	DBPath                string
	BadgerDir             string
	CookieName            string
	SessionCookieName     string
	CookieSecure          bool
	CookieKeyPath         string
	RetentionHours        int
	BootSeconds           int
	StopSeconds           int
	DefaultRegion         string
	DefaultInstanceType   string
	DefaultWindowsVersion string
	AWSEnabled            bool
	NATSURL               string
	NATSSubject           string
	CreateRateQPS         float64
	CreateRateBurst       int
}

// FileConfig represents supported YAML config overrides. Pointer fields
// distinguish an explicit false or zero from an absent key.
type FileConfig struct {
	Listen                string   `yaml:"listen"`
	MetricsListen         string   `yaml:"metrics_listen"`
	Store                 string   `yaml:"store"`
	DataDir               string   `yaml:"data_dir"`
	DBPath                string   `yaml:"db_path"`
	BadgerDir             string   `yaml:"badger_dir"`
	CookieName            string   `yaml:"cookie_name"`
	SessionCookieName     string   `yaml:"session_cookie_name"`
	CookieSecure          *bool    `yaml:"cookie_secure"`
	CookieKeyPath         string   `yaml:"cookie_key_path"`
	RetentionHours        int      `yaml:"retention_hours"`
	BootSeconds           *int     `yaml:"boot_seconds"`
	StopSeconds           *int     `yaml:"stop_seconds"`
	DefaultRegion         string   `yaml:"default_region"`
	DefaultInstanceType   string   `yaml:"default_instance_type"`
	DefaultWindowsVersion string   `yaml:"default_windows_version"`
	AWSEnabled            *bool    `yaml:"aws_enabled"`
	NATSURL               string   `yaml:"nats_url"`
	NATSSubject           string   `yaml:"nats_subject"`
	CreateRateQPS         *float64 `yaml:"create_rate_qps"`
	CreateRateBurst       *int     `yaml:"create_rate_burst"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/vmconsole"
	return Config{
		ConfigPath:            "/etc/vmconsole/config.yaml",
		Listen:                "127.0.0.1:8080",
		Store:                 StoreCookie,
		DataDir:               dataDir,
		DBPath:                filepath.Join(dataDir, "vmconsole.db"),
		BadgerDir:             filepath.Join(dataDir, "badger"),
		CookieName:            "demo-vms",
		SessionCookieName:     "vmconsole-session",
		CookieSecure:          true,
		RetentionHours:        72,
		BootSeconds:           5,
		StopSeconds:           0,
		DefaultRegion:         "us-east-1",
		DefaultInstanceType:   "t3.large",
		DefaultWindowsVersion: "Windows_Server-2022-English-Full-Base",
		AWSEnabled:            true,
		NATSSubject:           "vmconsole.events",
		CreateRateQPS:         1,
		CreateRateBurst:       10,
	}
}

// Load reads the YAML config file and applies overrides to defaults. The
// returned error wraps the underlying os error, so callers can tolerate a
// missing file with errors.Is(err, os.ErrNotExist).
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "vmconsole.db")
	}
	if fileCfg.DataDir != "" && fileCfg.BadgerDir == "" {
		cfg.BadgerDir = filepath.Join(cfg.DataDir, "badger")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.Listen != "" {
		cfg.Listen = fileCfg.Listen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.Store != "" {
		cfg.Store = strings.ToLower(strings.TrimSpace(fileCfg.Store))
	}
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.BadgerDir != "" {
		cfg.BadgerDir = fileCfg.BadgerDir
	}
	if fileCfg.CookieName != "" {
		cfg.CookieName = fileCfg.CookieName
	}
	if fileCfg.SessionCookieName != "" {
		cfg.SessionCookieName = fileCfg.SessionCookieName
	}
	if fileCfg.CookieSecure != nil {
		cfg.CookieSecure = *fileCfg.CookieSecure
	}
	if fileCfg.CookieKeyPath != "" {
		cfg.CookieKeyPath = fileCfg.CookieKeyPath
	}
	if fileCfg.RetentionHours > 0 {
		cfg.RetentionHours = fileCfg.RetentionHours
	}
	if fileCfg.BootSeconds != nil {
		cfg.BootSeconds = *fileCfg.BootSeconds
	}
	if fileCfg.StopSeconds != nil {
		cfg.StopSeconds = *fileCfg.StopSeconds
	}
	if fileCfg.DefaultRegion != "" {
		cfg.DefaultRegion = fileCfg.DefaultRegion
	}
	if fileCfg.DefaultInstanceType != "" {
		cfg.DefaultInstanceType = fileCfg.DefaultInstanceType
	}
	if fileCfg.DefaultWindowsVersion != "" {
		cfg.DefaultWindowsVersion = fileCfg.DefaultWindowsVersion
	}
	if fileCfg.AWSEnabled != nil {
		cfg.AWSEnabled = *fileCfg.AWSEnabled
	}
	if fileCfg.NATSURL != "" {
		cfg.NATSURL = fileCfg.NATSURL
	}
	if fileCfg.NATSSubject != "" {
		cfg.NATSSubject = fileCfg.NATSSubject
	}
	if fileCfg.CreateRateQPS != nil {
		cfg.CreateRateQPS = *fileCfg.CreateRateQPS
	}
	if fileCfg.CreateRateBurst != nil {
		cfg.CreateRateBurst = *fileCfg.CreateRateBurst
	}
}

// Retention is how long an idle collection is kept.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// BootAfter is the simulated boot delay.
func (c Config) BootAfter() time.Duration {
	return time.Duration(c.BootSeconds) * time.Second
}

// StopAfter is the simulated stop delay; zero disables the stopped stage.
func (c Config) StopAfter() time.Duration {
	return time.Duration(c.StopSeconds) * time.Second
}

// Validate checks the settings that would otherwise fail at first request.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	switch c.Store {
	case StoreCookie:
		if strings.TrimSpace(c.CookieName) == "" {
			return fmt.Errorf("cookie_name is required for the cookie store")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.DBPath) == "" {
			return fmt.Errorf("db_path is required for the sqlite store")
		}
	case StoreBadger:
		if strings.TrimSpace(c.BadgerDir) == "" {
			return fmt.Errorf("badger_dir is required for the badger store")
		}
	default:
		return fmt.Errorf("store must be one of cookie, sqlite, badger (got %q)", c.Store)
	}
	if c.Store != StoreCookie && strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session_cookie_name is required for the %s store", c.Store)
	}
	if c.RetentionHours <= 0 {
		return fmt.Errorf("retention_hours must be positive")
	}
	if c.BootSeconds < 0 {
		return fmt.Errorf("boot_seconds must not be negative")
	}
	if c.StopSeconds < 0 {
		return fmt.Errorf("stop_seconds must not be negative")
	}
	if c.StopSeconds > 0 && c.StopSeconds <= c.BootSeconds {
		return fmt.Errorf("stop_seconds must be greater than boot_seconds")
	}
	if strings.TrimSpace(c.DefaultRegion) == "" {
		return fmt.Errorf("default_region is required")
	}
	if strings.TrimSpace(c.DefaultInstanceType) == "" {
		return fmt.Errorf("default_instance_type is required")
	}
	if strings.TrimSpace(c.DefaultWindowsVersion) == "" {
		return fmt.Errorf("default_windows_version is required")
	}
	if c.CreateRateQPS < 0 || c.CreateRateBurst < 0 {
		return fmt.Errorf("create_rate_qps and create_rate_burst must not be negative")
	}
	if strings.TrimSpace(c.NATSURL) != "" && strings.TrimSpace(c.NATSSubject) == "" {
		return fmt.Errorf("nats_subject is required when nats_url is set")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
