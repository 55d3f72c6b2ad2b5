// Package config loads daemon configuration from the environment
// (CHALK_ prefix) and an optional YAML file. Environment values override
// the file; defaults fill whatever is left.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Admin   AdminConfig   `koanf:"admin"`
	Service ServiceConfig `koanf:"service"`
	Socket  SocketConfig  `koanf:"socket"`
	Bridge  BridgeConfig  `koanf:"bridge"`
	History HistoryConfig `koanf:"history"`
}

type AdminConfig struct {
	Port int `koanf:"port"`
}

// ServiceConfig locates the remote collaboration service.
type ServiceConfig struct {
	BaseURL          string `koanf:"base_url"`
	TranscriptionURL string `koanf:"transcription_url"`
	CookieName       string `koanf:"cookie_name"`
	TimeoutSeconds   int    `koanf:"timeout_seconds"`
}

// SocketConfig holds the transport session target and retry policy.
type SocketConfig struct {
	URL            string `koanf:"url"`
	DialSeconds    int    `koanf:"dial_seconds"`
	RedialAttempts int    `koanf:"redial_attempts"`
	RedialMillis   int    `koanf:"redial_millis"`
}

// BridgeConfig governs the page/worker relay.
type BridgeConfig struct {
	Origin        string `koanf:"origin"`
	CallTimeoutMS int    `koanf:"call_timeout_ms"` // 0 waits indefinitely
}

type HistoryConfig struct {
	DSN string `koanf:"dsn"`
}

// Load reads configuration. path may be empty to skip the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Environment overrides the file: CHALK_ADMIN_PORT → admin.port.
	if err := k.Load(env.Provider("CHALK_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CHALK_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	defaults := map[string]any{
		"admin.port":               8080,
		"service.base_url":         "http://localhost:3000",
		"service.cookie_name":      "connect.sid",
		"service.timeout_seconds":  30,
		"socket.url":               "ws://localhost:3000/socket",
		"socket.dial_seconds":      10,
		"socket.redial_attempts":   5,
		"socket.redial_millis":     500,
		"bridge.origin":            "http://localhost:3000",
		"bridge.call_timeout_ms":   0,
		"history.dsn":              "chalkd.db",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
	if !k.Exists("service.transcription_url") {
		k.Set("service.transcription_url", k.String("service.base_url"))
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
