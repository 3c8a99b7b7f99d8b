package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/hublink/hublink-go/pkg/sastoken"
)

// Config holds the device configuration. Values come from the YAML file
// named by --config, then from flags that were set explicitly.
type Config struct {
	IDScope          string        `yaml:"id_scope"`
	RegistrationID   string        `yaml:"registration_id"`
	SharedAccessKey  string        `yaml:"shared_access_key"`
	ProvisioningHost string        `yaml:"provisioning_host"`
	ProductInfo      string        `yaml:"product_info"`
	TokenTTL         time.Duration `yaml:"token_ttl"`

	CachePath string `yaml:"cache_path"`
	SealCache bool   `yaml:"seal_cache"`
	Force     bool   `yaml:"-"`

	TelemetryInterval time.Duration `yaml:"telemetry_interval"`

	LogLevel    string `yaml:"log_level"`
	CapturePath string `yaml:"capture_path"`
	Interactive bool   `yaml:"-"`

	Simulator SimulatorConfig `yaml:"simulator"`
}

// SimulatorConfig configures the in-process service peers.
type SimulatorConfig struct {
	AssignedHub    string        `yaml:"assigned_hub"`
	Throttle       int           `yaml:"throttle"`
	AssigningPolls int           `yaml:"assigning_polls"`
	Latency        time.Duration `yaml:"latency"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		RegistrationID:    "hublink-device-1",
		IDScope:           "0ne00000001",
		SharedAccessKey:   "aHVibGluay1zaW11bGF0b3Ita2V5",
		CachePath:         "hublink-registration.json",
		TelemetryInterval: 10 * time.Second,
		LogLevel:          "info",
		Simulator: SimulatorConfig{
			AssignedHub:    "hublink-sim.azure-devices.net",
			AssigningPolls: 1,
			Latency:        50 * time.Millisecond,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RegistrationID) == "" {
		return errors.New("registration id is required")
	}
	if strings.TrimSpace(c.IDScope) == "" {
		return errors.New("id scope is required")
	}
	if c.SharedAccessKey == "" {
		return errors.New("shared access key is required")
	}
	if c.TokenTTL < 0 || (c.TokenTTL > 0 && c.TokenTTL <= sastoken.DefaultRenewalMargin) {
		return fmt.Errorf("token ttl must exceed the %v renewal margin: %v", sastoken.DefaultRenewalMargin, c.TokenTTL)
	}
	if c.TelemetryInterval <= 0 {
		return fmt.Errorf("telemetry interval must be positive: %v", c.TelemetryInterval)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// loadConfig parses args. A config file is read first and flags the user
// set explicitly override it.
func loadConfig(args []string) (Config, error) {
	cfg := DefaultConfig()

	var configPath string
	fs := pflag.NewFlagSet("hublink-device", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.IDScope, "id-scope", cfg.IDScope, "Provisioning ID scope")
	fs.StringVar(&cfg.RegistrationID, "registration-id", cfg.RegistrationID, "Registration ID")
	fs.StringVar(&cfg.SharedAccessKey, "key", cfg.SharedAccessKey, "Base64 shared access key")
	fs.StringVar(&cfg.ProvisioningHost, "provisioning-host", cfg.ProvisioningHost, "Provisioning endpoint (default global endpoint)")
	fs.StringVar(&cfg.ProductInfo, "product-info", cfg.ProductInfo, "Product info appended to the client version")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "SAS token lifetime (default 1h)")
	fs.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "Registration cache file")
	fs.BoolVar(&cfg.SealCache, "seal-cache", cfg.SealCache, "Encrypt the registration cache with the device key")
	fs.BoolVarP(&cfg.Force, "force", "f", false, "Register even if a cached assignment exists")
	fs.DurationVar(&cfg.TelemetryInterval, "interval", cfg.TelemetryInterval, "Telemetry interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.CapturePath, "capture", cfg.CapturePath, "Write a protocol capture to this file")
	fs.BoolVarP(&cfg.Interactive, "interactive", "i", false, "Start the interactive shell")
	fs.IntVar(&cfg.Simulator.Throttle, "sim-throttle", cfg.Simulator.Throttle, "Register requests the simulator throttles")
	fs.IntVar(&cfg.Simulator.AssigningPolls, "sim-assigning-polls", cfg.Simulator.AssigningPolls, "Status polls answered 'assigning'")
	fs.DurationVar(&cfg.Simulator.Latency, "sim-latency", cfg.Simulator.Latency, "Simulator reply latency")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if configPath != "" {
		fileCfg := DefaultConfig()
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", configPath, err)
		}
		fileCfg.Force = cfg.Force
		fileCfg.Interactive = cfg.Interactive
		// Re-apply explicitly set flags on top of the file.
		flagCfg := cfg
		cfg = fileCfg
		fs.Visit(func(f *pflag.Flag) {
			overrideFromFlag(&cfg, &flagCfg, f.Name)
		})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overrideFromFlag(dst, src *Config, name string) {
	switch name {
	case "id-scope":
		dst.IDScope = src.IDScope
	case "registration-id":
		dst.RegistrationID = src.RegistrationID
	case "key":
		dst.SharedAccessKey = src.SharedAccessKey
	case "provisioning-host":
		dst.ProvisioningHost = src.ProvisioningHost
	case "product-info":
		dst.ProductInfo = src.ProductInfo
	case "token-ttl":
		dst.TokenTTL = src.TokenTTL
	case "cache":
		dst.CachePath = src.CachePath
	case "seal-cache":
		dst.SealCache = src.SealCache
	case "interval":
		dst.TelemetryInterval = src.TelemetryInterval
	case "log-level":
		dst.LogLevel = src.LogLevel
	case "capture":
		dst.CapturePath = src.CapturePath
	case "sim-throttle":
		dst.Simulator.Throttle = src.Simulator.Throttle
	case "sim-assigning-polls":
		dst.Simulator.AssigningPolls = src.Simulator.AssigningPolls
	case "sim-latency":
		dst.Simulator.Latency = src.Simulator.Latency
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", s)
}
