// Package config loads client and server settings from a YAML file, LYRA_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "LYRA"

	DefaultEndpoint       = "ws://localhost:5252/api/v1/ws/chat"
	DefaultAddress        = ":5252"
	DefaultReconnectDelay = 5 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultGreeting       = "Hello! I'm Lyra, your AI assistant. How can I help you today?"
	DefaultModel          = "gemma3:4b-it-q4_K_M"
	DefaultLLMURL         = "http://localhost:11434/v1/"
)

type Config struct {
	Client ClientConfig `mapstructure:"client"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

type ClientConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	ReplyTimeout    time.Duration `mapstructure:"reply_timeout"` // 0 disables
	Greeting        string        `mapstructure:"greeting"`
	EndReplyOnError bool          `mapstructure:"end_reply_on_error"`
}

type ServerConfig struct {
	Address    string        `mapstructure:"address"`
	Responder  string        `mapstructure:"responder"`   // "echo" or "llm"
	ChunkDelay time.Duration `mapstructure:"chunk_delay"` // pause between echoed words

	// Used by the llm responder.
	Model         string `mapstructure:"model"`
	LLMURL        string `mapstructure:"llm_url"`
	LLMAPIKey     string `mapstructure:"llm_api_key"`
	LLMMaxRetries int    `mapstructure:"llm_max_retries"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // zerolog level name
	Format string `mapstructure:"format"` // "console" or "json"
}

// Read prepares a viper instance with defaults, environment overrides and,
// when found, the config file. An empty configPath searches for
// lyra.yaml in the working directory and $HOME/.config/lyra.
func Read(configPath string) (*viper.Viper, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/lyra")
		v.SetConfigName("lyra")
		v.SetConfigType("yaml")
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("client.endpoint", DefaultEndpoint)
	v.SetDefault("client.dial_timeout", DefaultDialTimeout)
	v.SetDefault("client.reconnect_delay", DefaultReconnectDelay)
	v.SetDefault("client.reply_timeout", time.Duration(0))
	v.SetDefault("client.greeting", DefaultGreeting)
	v.SetDefault("client.end_reply_on_error", false)

	v.SetDefault("server.address", DefaultAddress)
	v.SetDefault("server.responder", "echo")
	v.SetDefault("server.chunk_delay", 50*time.Millisecond)
	v.SetDefault("server.model", DefaultModel)
	v.SetDefault("server.llm_url", DefaultLLMURL)
	v.SetDefault("server.llm_api_key", "ollama")
	v.SetDefault("server.llm_max_retries", 2)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Decode unmarshals v and validates the result.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and decodes configuration in one step.
func Load(configPath string) (*Config, error) {
	v, err := Read(configPath)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Client.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid client.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid client.endpoint %q: scheme must be ws or wss", c.Client.Endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid client.endpoint %q: missing host", c.Client.Endpoint)
	}

	for name, d := range map[string]time.Duration{
		"client.dial_timeout":    c.Client.DialTimeout,
		"client.reconnect_delay": c.Client.ReconnectDelay,
		"client.reply_timeout":   c.Client.ReplyTimeout,
		"server.chunk_delay":     c.Server.ChunkDelay,
	} {
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", name)
		}
	}

	switch c.Server.Responder {
	case "echo":
	case "llm":
		if c.Server.Model == "" {
			return errors.New("invalid server.model: required by the llm responder")
		}
		if c.Server.LLMMaxRetries < 0 {
			return errors.New("invalid server.llm_max_retries: must not be negative")
		}
	default:
		return fmt.Errorf("invalid server.responder %q: want echo or llm", c.Server.Responder)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format %q: want console or json", c.Log.Format)
	}
	return nil
}

// Watch calls onChange with the re-decoded configuration whenever the
// config file read by v changes. Invalid edits are passed to onError and
// otherwise ignored. It reports false when v has no config file.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) bool {
	if v.ConfigFileUsed() == "" {
		return false
	}
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return true
}
