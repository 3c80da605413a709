package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envBridgeURL         = "ZAPDESK_BRIDGE_URL"
	envPort              = "PORT"
)

const (
	DriverBridge   = "bridge"
	DriverTelegram = "telegram"

	defaultAuthDir              = "auth_info"
	defaultStorePath            = "data/zapdesk.db"
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 5
	defaultMaxHistory           = 200
	defaultRouterWorkers        = 4
	defaultResponderProvider    = "openai"
	defaultResponderModel       = "openai/gpt-4"
	defaultTemperature          = 0.7
	defaultGatewayHost          = "0.0.0.0"
	defaultGatewayPort          = 3000
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Transport  TransportConfig  `json:"transport"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Store      StoreConfig      `json:"store"`
	Router     RouterConfig     `json:"router"`
	Responder  ResponderConfig  `json:"responder"`
	Menu       MenuConfig       `json:"menu,omitempty"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// TransportConfig selects the message transport driver and where its credentials live.
type TransportConfig struct {
	Driver      string         `json:"driver"`
	AuthDir     string         `json:"auth_dir"`
	AutoConnect bool           `json:"auto_connect"`
	Bridge      BridgeConfig   `json:"bridge"`
	Telegram    TelegramConfig `json:"telegram"`
}

// BridgeConfig points at the external transport sidecar.
type BridgeConfig struct {
	URL                string `json:"url"`
	DialTimeoutSeconds int    `json:"dial_timeout_seconds"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// SupervisorConfig bounds automatic reconnection.
type SupervisorConfig struct {
	MaxReconnectAttempts  int `json:"max_reconnect_attempts"`
	ReconnectDelaySeconds int `json:"reconnect_delay_seconds"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `json:"path"`
}

// RouterConfig controls conversation memory and dispatch parallelism.
type RouterConfig struct {
	MaxHistory         int `json:"max_history"`
	IdleTimeoutMinutes int `json:"idle_timeout_minutes"`
	Workers            int `json:"workers"`
}

// ResponderConfig describes the AI completion backend.
type ResponderConfig struct {
	Provider    string                 `json:"provider"`
	Model       string                 `json:"model"`
	Temperature float64                `json:"temperature"`
	MaxTokens   int                    `json:"max_tokens"`
	OpenAI      OpenAIProviderConfig   `json:"openai"`
	OpenCode    OpenCodeProviderConfig `json:"opencode"`
}

// OpenCodeProviderConfig configures the OpenCode provider client.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	APIKeyEnv             string `json:"api_key_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// MenuConfig points at an optional YAML menu seed file.
type MenuConfig struct {
	SeedPath string `json:"seed_path,omitempty"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills unset values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}

	if strings.TrimSpace(c.Transport.Driver) == "" {
		c.Transport.Driver = DriverBridge
	}
	if strings.TrimSpace(c.Transport.AuthDir) == "" {
		c.Transport.AuthDir = defaultAuthDir
	}
	if c.Supervisor.MaxReconnectAttempts <= 0 {
		c.Supervisor.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.Supervisor.ReconnectDelaySeconds <= 0 {
		c.Supervisor.ReconnectDelaySeconds = defaultReconnectDelay
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = defaultStorePath
	}
	if c.Router.MaxHistory <= 0 {
		c.Router.MaxHistory = defaultMaxHistory
	}
	if c.Router.Workers <= 0 {
		c.Router.Workers = defaultRouterWorkers
	}
	if strings.TrimSpace(c.Responder.Provider) == "" {
		c.Responder.Provider = defaultResponderProvider
	}
	if strings.TrimSpace(c.Responder.Model) == "" {
		c.Responder.Model = defaultResponderModel
	}
	if c.Responder.Temperature <= 0 {
		c.Responder.Temperature = defaultTemperature
	}
	if strings.TrimSpace(c.Gateway.Host) == "" {
		c.Gateway.Host = defaultGatewayHost
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = defaultGatewayPort
	}
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Transport.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Transport.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if bridgeURL := strings.TrimSpace(os.Getenv(envBridgeURL)); bridgeURL != "" {
		cfg.Transport.Bridge.URL = bridgeURL
	}

	if rawPort := strings.TrimSpace(os.Getenv(envPort)); rawPort != "" {
		if port, err := strconv.Atoi(rawPort); err == nil && port > 0 {
			cfg.Gateway.Port = port
		}
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is ZAPDESK_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("ZAPDESK_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("ZAPDESK_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
