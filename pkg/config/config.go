package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Topics   TopicsConfig   `yaml:"topics"`
	Sync     SyncConfig     `yaml:"sync"`
	Database DatabaseConfig `yaml:"database"`
	Web      WebConfig      `yaml:"web"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QoS            byte          `yaml:"qos"`
}

type TopicsConfig struct {
	Root string `yaml:"root"`
}

type SyncConfig struct {
	AckToken         string            `yaml:"ack_token"`
	AckTimeout       time.Duration     `yaml:"ack_timeout"`
	AckScripts       map[string]string `yaml:"ack_scripts"`
	AckScriptTimeout time.Duration     `yaml:"ack_script_timeout"`
}

type DatabaseConfig struct {
	Type       string `yaml:"type"`
	Connection string `yaml:"connection"`
}

type WebConfig struct {
	Port int    `yaml:"port"`
	Bind string `yaml:"bind"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func Load(configPath string) (*Config, error) {
	// Set default config path if not provided
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) setDefaults() {
	// MQTT defaults
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "device-sync"
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30 * time.Second
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}

	if c.Topics.Root == "" {
		c.Topics.Root = "device"
	}

	if c.Sync.AckToken == "" {
		c.Sync.AckToken = "true"
	}
	if c.Sync.AckScriptTimeout == 0 {
		c.Sync.AckScriptTimeout = 100 * time.Millisecond
	}

	// Database defaults
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Connection == "" {
		// Use test database if running in test mode
		if isTestMode() {
			c.Database.Connection = "./test.db"
		} else {
			c.Database.Connection = "./device-sync.db"
		}
	}

	// Web defaults
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.Bind == "" {
		c.Web.Bind = "0.0.0.0"
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid MQTT QoS: %d", c.MQTT.QoS)
	}

	if c.MQTT.KeepAlive < time.Second {
		return fmt.Errorf("MQTT keep alive must be at least 1s, got %s", c.MQTT.KeepAlive)
	}

	if strings.ContainsAny(c.Topics.Root, "+#") {
		return fmt.Errorf("topic root must not contain wildcards: %s", c.Topics.Root)
	}

	if c.Sync.AckTimeout < 0 {
		return fmt.Errorf("ack timeout must not be negative: %s", c.Sync.AckTimeout)
	}

	if c.Sync.AckScriptTimeout < 0 {
		return fmt.Errorf("ack script timeout must not be negative: %s", c.Sync.AckScriptTimeout)
	}

	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid web port: %d", c.Web.Port)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Web.Bind, c.Web.Port)
}

// isTestMode detects if we're running in test mode
func isTestMode() bool {
	// Check if the executable name contains ".test" (indicates test binary)
	if exe, err := os.Executable(); err == nil && strings.Contains(exe, ".test") {
		return true
	}

	for _, arg := range os.Args {
		if strings.HasSuffix(arg, ".test") || strings.HasPrefix(arg, "-test.") {
			return true
		}
	}

	return os.Getenv("TEST") == "1"
}
