// Package config loads the gateway's configuration from environment
// variables, adapted from the teacher's internal/config/config.go
// pattern (os.Getenv + strconv, validated ints, a struct of defaults).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the gateway daemon, per
// SPEC_FULL §6.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	KVStorePath     string
	LogLevel        string

	MinTwinSyncPeriod       time.Duration
	IdentityRefreshInterval time.Duration
	IdentityRefreshDelay    time.Duration
	LockStripes             int
	ReportedSyncInterval    time.Duration

	CloudBrokerURL      string
	IdentityServiceURL  string
	SelfIdentityID      string
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultKVStorePath     = "data/edgetwin.db"
	defaultLogLevel        = "info"

	defaultMinTwinSyncPeriod       = 2 * time.Minute
	defaultIdentityRefreshInterval = time.Hour
	defaultIdentityRefreshDelay    = 5 * time.Minute
	defaultLockStripes             = 10
	defaultReportedSyncInterval    = 5 * time.Second

	defaultCloudBrokerURL     = "tcp://localhost:8883"
	defaultIdentityServiceURL = "http://localhost:9443"
)

// Load derives configuration values from environment variables,
// falling back to defaults. SelfIdentityID is required — it is this
// gateway's own identity id, the mandatory auth-chain root (spec
// §4.8).
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:                defaultHTTPPort,
		MQTTBindAddress:         defaultMQTTBindAddress,
		KVStorePath:             defaultKVStorePath,
		LogLevel:                defaultLogLevel,
		MinTwinSyncPeriod:       defaultMinTwinSyncPeriod,
		IdentityRefreshInterval: defaultIdentityRefreshInterval,
		IdentityRefreshDelay:    defaultIdentityRefreshDelay,
		LockStripes:             defaultLockStripes,
		ReportedSyncInterval:    defaultReportedSyncInterval,
		CloudBrokerURL:          defaultCloudBrokerURL,
		IdentityServiceURL:      defaultIdentityServiceURL,
	}

	if v := os.Getenv("EDGETWIN_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid EDGETWIN_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("EDGETWIN_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("EDGETWIN_KV_PATH"); v != "" {
		cfg.KVStorePath = v
	}

	if v := os.Getenv("EDGETWIN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("EDGETWIN_MIN_TWIN_SYNC_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid EDGETWIN_MIN_TWIN_SYNC_PERIOD: %w", err)
		}
		cfg.MinTwinSyncPeriod = d
	}

	if v := os.Getenv("EDGETWIN_IDENTITY_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid EDGETWIN_IDENTITY_REFRESH_INTERVAL: %w", err)
		}
		cfg.IdentityRefreshInterval = d
	}

	if v := os.Getenv("EDGETWIN_IDENTITY_REFRESH_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid EDGETWIN_IDENTITY_REFRESH_DELAY: %w", err)
		}
		cfg.IdentityRefreshDelay = d
	}

	if v := os.Getenv("EDGETWIN_LOCK_STRIPES"); v != "" {
		stripes, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid EDGETWIN_LOCK_STRIPES: %w", err)
		}
		cfg.LockStripes = stripes
	}

	if v := os.Getenv("EDGETWIN_REPORTED_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid EDGETWIN_REPORTED_SYNC_INTERVAL: %w", err)
		}
		cfg.ReportedSyncInterval = d
	}

	if v := os.Getenv("EDGETWIN_CLOUD_BROKER_URL"); v != "" {
		cfg.CloudBrokerURL = v
	}

	if v := os.Getenv("EDGETWIN_IDENTITY_SERVICE_URL"); v != "" {
		cfg.IdentityServiceURL = v
	}

	cfg.SelfIdentityID = os.Getenv("EDGETWIN_SELF_ID")
	if cfg.SelfIdentityID == "" {
		return Config{}, fmt.Errorf("EDGETWIN_SELF_ID is required")
	}

	return cfg, nil
}
