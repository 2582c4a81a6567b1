package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Storage       StorageConfig   `yaml:"storage"`
	Runtime       RuntimeConfig   `yaml:"runtime"`
	Lifecycle     LifecycleConfig `yaml:"lifecycle"`
	Giveaway      GiveawayConfig  `yaml:"giveaway"`
	Observability ObsConfig       `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	Version             string `yaml:"version"`
	PublicHost          string `yaml:"public_host"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	HealthPublic        bool   `yaml:"health_public"`
	MetricsPublic       bool   `yaml:"metrics_public"`
}

type AuthConfig struct {
	BearerToken  string   `yaml:"bearer_token"`
	AdminTenants []string `yaml:"admin_tenants"`
}

type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled"`
	GlobalRPS      float64 `yaml:"global_rps"`
	GlobalBurst    int     `yaml:"global_burst"`
	PerClientRPS   float64 `yaml:"per_client_rps"`
	PerClientBurst int     `yaml:"per_client_burst"`
}

type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`
	LedgerFile    string `yaml:"ledger_file"`
	RegistryFile  string `yaml:"registry_file"`
	GiveawayFile  string `yaml:"giveaway_file"`
	RenewModeFile string `yaml:"renew_mode_file"`
	EventsFile    string `yaml:"events_file"`
}

type RuntimeConfig struct {
	Image                string `yaml:"image"`
	HostPortMin          int    `yaml:"host_port_min"`
	HostPortMax          int    `yaml:"host_port_max"`
	SettleDelaySeconds   int    `yaml:"settle_delay_seconds"`
	ReadyTimeoutSeconds  int    `yaml:"ready_timeout_seconds"`
	ExecTimeoutSeconds   int    `yaml:"exec_timeout_seconds"`
	StopTimeoutSeconds   int    `yaml:"stop_timeout_seconds"`
	DriverTimeoutSeconds int    `yaml:"driver_timeout_seconds"`
}

type LifecycleConfig struct {
	LifetimeDays       int `yaml:"lifetime_days"`
	DefaultRAMGB       int `yaml:"default_ram_gb"`
	DefaultCPU         int `yaml:"default_cpu"`
	DefaultDiskGB      int `yaml:"default_disk_gb"`
	PointsPerDeploy    int `yaml:"points_per_deploy"`
	PointsRenew15      int `yaml:"points_renew_15"`
	PointsRenew30      int `yaml:"points_renew_30"`
	ExpirySweepMinutes int `yaml:"expiry_sweep_minutes"`
	HostCapacityRAMGB  int `yaml:"host_capacity_ram_gb"`
	HostCapacityCPU    int `yaml:"host_capacity_cpu"`
	HostCapacityDiskGB int `yaml:"host_capacity_disk_gb"`
	MaxUnits           int `yaml:"max_units"`
}

type GiveawayConfig struct {
	SweepMinutes int `yaml:"sweep_minutes"`
}

type ObsConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          ":9100",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 60,
			IdleTimeoutSeconds:  60,
			HealthPublic:        true,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			GlobalRPS:      50,
			GlobalBurst:    100,
			PerClientRPS:   10,
			PerClientBurst: 20,
		},
		Storage: StorageConfig{
			DataDir:       "data",
			LedgerFile:    "users.json",
			RegistryFile:  "vps_db.json",
			GiveawayFile:  "giveaways.json",
			RenewModeFile: "renew_mode.json",
			EventsFile:    "vps_logs.json",
		},
		Runtime: RuntimeConfig{
			Image:                "jrei/systemd-ubuntu:22.04",
			HostPortMin:          3000,
			HostPortMax:          3999,
			SettleDelaySeconds:   10,
			ReadyTimeoutSeconds:  60,
			ExecTimeoutSeconds:   120,
			StopTimeoutSeconds:   10,
			DriverTimeoutSeconds: 30,
		},
		Lifecycle: LifecycleConfig{
			LifetimeDays:       15,
			DefaultRAMGB:       32,
			DefaultCPU:         6,
			DefaultDiskGB:      100,
			PointsPerDeploy:    6,
			PointsRenew15:      4,
			PointsRenew30:      8,
			ExpirySweepMinutes: 10,
			HostCapacityRAMGB:  3200,
			HostCapacityCPU:    300,
			HostCapacityDiskGB: 20000,
			MaxUnits:           50,
		},
		Giveaway:      GiveawayConfig{SweepMinutes: 5},
		Observability: ObsConfig{LogLevel: "info", MetricsPath: "/metrics"},
	}
}

func Load() (Config, error) {
	cfg := Default()

	configFile := os.Getenv("VPSD_CONFIG_FILE")
	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "VPSD_LISTEN_ADDR")
	setString(&cfg.Server.Version, "VPSD_VERSION")
	setString(&cfg.Server.PublicHost, "VPSD_PUBLIC_HOST")
	setInt(&cfg.Server.ReadTimeoutSeconds, "VPSD_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "VPSD_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "VPSD_IDLE_TIMEOUT_SECONDS")
	setBool(&cfg.Server.HealthPublic, "VPSD_HEALTH_PUBLIC")
	setBool(&cfg.Server.MetricsPublic, "VPSD_METRICS_PUBLIC")

	setString(&cfg.Auth.BearerToken, "VPSD_TOKEN")
	setCSV(&cfg.Auth.AdminTenants, "VPSD_ADMIN_TENANTS")

	setBool(&cfg.RateLimit.Enabled, "VPSD_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.GlobalRPS, "VPSD_RATE_LIMIT_GLOBAL_RPS")
	setInt(&cfg.RateLimit.GlobalBurst, "VPSD_RATE_LIMIT_GLOBAL_BURST")
	setFloat64(&cfg.RateLimit.PerClientRPS, "VPSD_RATE_LIMIT_PER_CLIENT_RPS")
	setInt(&cfg.RateLimit.PerClientBurst, "VPSD_RATE_LIMIT_PER_CLIENT_BURST")

	setString(&cfg.Storage.DataDir, "VPSD_DATA_DIR")

	setString(&cfg.Runtime.Image, "VPSD_IMAGE")
	setInt(&cfg.Runtime.HostPortMin, "VPSD_HOST_PORT_MIN")
	setInt(&cfg.Runtime.HostPortMax, "VPSD_HOST_PORT_MAX")
	setInt(&cfg.Runtime.SettleDelaySeconds, "VPSD_SETTLE_DELAY_SECONDS")
	setInt(&cfg.Runtime.ReadyTimeoutSeconds, "VPSD_READY_TIMEOUT_SECONDS")
	setInt(&cfg.Runtime.ExecTimeoutSeconds, "VPSD_EXEC_TIMEOUT_SECONDS")
	setInt(&cfg.Runtime.StopTimeoutSeconds, "VPSD_STOP_TIMEOUT_SECONDS")
	setInt(&cfg.Runtime.DriverTimeoutSeconds, "VPSD_DRIVER_TIMEOUT_SECONDS")

	setInt(&cfg.Lifecycle.LifetimeDays, "VPSD_LIFETIME_DAYS")
	setInt(&cfg.Lifecycle.DefaultRAMGB, "VPSD_DEFAULT_RAM_GB")
	setInt(&cfg.Lifecycle.DefaultCPU, "VPSD_DEFAULT_CPU")
	setInt(&cfg.Lifecycle.DefaultDiskGB, "VPSD_DEFAULT_DISK_GB")
	setInt(&cfg.Lifecycle.PointsPerDeploy, "VPSD_POINTS_PER_DEPLOY")
	setInt(&cfg.Lifecycle.PointsRenew15, "VPSD_POINTS_RENEW_15")
	setInt(&cfg.Lifecycle.PointsRenew30, "VPSD_POINTS_RENEW_30")
	setInt(&cfg.Lifecycle.ExpirySweepMinutes, "VPSD_EXPIRY_SWEEP_MINUTES")
	setInt(&cfg.Lifecycle.HostCapacityRAMGB, "VPSD_HOST_CAPACITY_RAM_GB")
	setInt(&cfg.Lifecycle.HostCapacityCPU, "VPSD_HOST_CAPACITY_CPU")
	setInt(&cfg.Lifecycle.HostCapacityDiskGB, "VPSD_HOST_CAPACITY_DISK_GB")
	setInt(&cfg.Lifecycle.MaxUnits, "VPSD_MAX_UNITS")

	setInt(&cfg.Giveaway.SweepMinutes, "VPSD_GIVEAWAY_SWEEP_MINUTES")

	setString(&cfg.Observability.LogLevel, "VPSD_LOG_LEVEL")
	setString(&cfg.Observability.MetricsPath, "VPSD_METRICS_PATH")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Auth.BearerToken == "" {
		return errors.New("VPSD_TOKEN is required")
	}
	if cfg.Lifecycle.LifetimeDays <= 0 {
		return errors.New("lifetime days must be > 0")
	}
	if cfg.Lifecycle.DefaultRAMGB <= 0 || cfg.Lifecycle.DefaultCPU <= 0 || cfg.Lifecycle.DefaultDiskGB <= 0 {
		return errors.New("default resource grant values must be > 0")
	}
	if cfg.Lifecycle.PointsPerDeploy < 0 || cfg.Lifecycle.PointsRenew15 < 0 || cfg.Lifecycle.PointsRenew30 < 0 {
		return errors.New("point credits cannot be negative")
	}
	if cfg.Lifecycle.ExpirySweepMinutes <= 0 || cfg.Giveaway.SweepMinutes <= 0 {
		return errors.New("sweep intervals must be > 0")
	}
	if cfg.Lifecycle.MaxUnits <= 0 {
		return errors.New("max units must be > 0")
	}
	if cfg.Runtime.Image == "" {
		return errors.New("runtime image is required")
	}
	if cfg.Runtime.HostPortMin <= 0 || cfg.Runtime.HostPortMax < cfg.Runtime.HostPortMin {
		return errors.New("invalid host port range")
	}
	if cfg.Runtime.DriverTimeoutSeconds <= 0 || cfg.Runtime.ExecTimeoutSeconds <= 0 {
		return errors.New("runtime timeouts must be > 0")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.GlobalRPS <= 0 || cfg.RateLimit.GlobalBurst <= 0 {
			return errors.New("global rate limit values must be > 0")
		}
		if cfg.RateLimit.PerClientRPS <= 0 || cfg.RateLimit.PerClientBurst <= 0 {
			return errors.New("per-client rate limit values must be > 0")
		}
	}
	return nil
}

// StorePath resolves a store file name against the data dir.
func (c StorageConfig) StorePath(name string) string {
	return filepath.Join(c.DataDir, name)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setCSV(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}
