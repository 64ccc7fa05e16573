package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// LLAMADRAMA_TEMPERATURE or LLAMADRAMA_BATCH_SIZE.
const EnvPrefix = "LLAMADRAMA"

// Settings are the runtime options of the command line tool.
type Settings struct {
	Model        string  `mapstructure:"model"`
	Prompt       string  `mapstructure:"prompt"`
	SystemPrompt string  `mapstructure:"system-prompt"`
	Interactive  bool    `mapstructure:"interactive"`
	Temperature  float64 `mapstructure:"temperature"`
	TopP         float64 `mapstructure:"top-p"`
	Seed         uint64  `mapstructure:"seed"`
	MaxTokens    int     `mapstructure:"max-tokens"`
	Stream       bool    `mapstructure:"stream"`
	Echo         bool    `mapstructure:"echo"`

	BatchSize     int `mapstructure:"batch-size"`
	ContextLength int `mapstructure:"context-length"`
	Threads       int `mapstructure:"threads"`

	LogLevel    string `mapstructure:"log-level"`
	LogFormat   string `mapstructure:"log-format"`
	MetricsAddr string `mapstructure:"metrics-addr"`
	TracePath   string `mapstructure:"trace"`
}

// SetDefaults registers the documented defaults on v.
func SetDefaults(v *viper.Viper) {
	// Keys without a default still need registering so that Unmarshal
	// sees their environment overrides.
	for _, k := range []string{"model", "prompt", "system-prompt", "metrics-addr", "trace"} {
		v.SetDefault(k, "")
	}
	v.SetDefault("interactive", false)
	v.SetDefault("temperature", 0.1)
	v.SetDefault("top-p", 0.95)
	v.SetDefault("seed", uint64(time.Now().UnixNano()))
	v.SetDefault("max-tokens", 512)
	v.SetDefault("stream", true)
	v.SetDefault("echo", false)
	v.SetDefault("batch-size", 16)
	v.SetDefault("context-length", 0)
	v.SetDefault("threads", 0)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "console")
}

// NewViper returns a viper instance wired to defaults, an optional
// llamadrama.yaml config file, the .env file and LLAMADRAMA_* variables.
func NewViper(configFile string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("llamadrama")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/llamadrama")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// LoadSettings decodes v into Settings and validates the result.
func LoadSettings(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("failed to decode settings: %w", err)
	}
	return s, s.Validate()
}

func (s *Settings) Validate() error {
	if s.Model == "" {
		return errors.New("missing model: set --model or LLAMADRAMA_MODEL")
	}
	if s.MaxTokens <= 0 {
		return fmt.Errorf("invalid max-tokens: %d (must be positive)", s.MaxTokens)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("invalid batch-size: %d (must be positive)", s.BatchSize)
	}
	if s.ContextLength < 0 {
		return fmt.Errorf("invalid context-length: %d (must be non-negative)", s.ContextLength)
	}
	if s.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", s.Threads)
	}
	return nil
}
