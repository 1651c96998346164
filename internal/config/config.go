// Package config loads and validates the application configuration from a
// YAML file and KAREN_-prefixed environment variables via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Supported LLM providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config is the full application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig controls the HTTP ingress.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig controls conversation persistence. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// LLMModelConfig describes one model endpoint.
type LLMModelConfig struct {
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
}

// LLMConfig configures the AI gateway: one provider, two capability tiers.
type LLMConfig struct {
	Provider          string         `mapstructure:"provider" yaml:"provider"`
	Fast              LLMModelConfig `mapstructure:"fast" yaml:"fast"`
	Powerful          LLMModelConfig `mapstructure:"powerful" yaml:"powerful"`
	RequestsPerMinute int            `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// BrowserConfig controls the chromedp-backed automation layer.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ScreenshotDir     string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ElementTimeout    time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
}

// AutomationConfig tunes the conversation-driven automation flow.
type AutomationConfig struct {
	// MaxSteps is the AUTOMATING step count after which the flow completes.
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
	// ServiceURLs overrides or extends the built-in service -> URL table.
	ServiceURLs map[string]string `mapstructure:"service_urls" yaml:"service_urls"`
	// FollowUpContext is how many trailing messages a follow-up answer sees.
	FollowUpContext int `mapstructure:"follow_up_context" yaml:"follow_up_context"`
}

// Load reads the configuration from cfgFile (or the default search path) and
// the environment, then applies defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home + "/.karen")
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("KAREN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "karen")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("llm.provider", ProviderGemini)
	v.SetDefault("llm.fast.model", "gemini-2.0-flash")
	v.SetDefault("llm.fast.api_timeout", 60*time.Second)
	v.SetDefault("llm.fast.temperature", 0.2)
	v.SetDefault("llm.fast.max_tokens", 1024)
	v.SetDefault("llm.powerful.model", "gemini-2.5-pro")
	v.SetDefault("llm.powerful.api_timeout", 120*time.Second)
	v.SetDefault("llm.powerful.temperature", 0.7)
	v.SetDefault("llm.powerful.max_tokens", 2048)
	v.SetDefault("llm.requests_per_minute", 100)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.screenshot_dir", "data/screenshots")
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.element_timeout", 10*time.Second)

	v.SetDefault("automation.max_steps", 3)
	v.SetDefault("automation.follow_up_context", 5)
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown LLM provider '%s'. Supported: [%s, %s]",
			c.LLM.Provider, ProviderGemini, ProviderOpenAI)
	}
	if c.Automation.MaxSteps <= 0 {
		return fmt.Errorf("automation.max_steps must be positive, got %d", c.Automation.MaxSteps)
	}
	if c.Automation.FollowUpContext <= 0 {
		return fmt.Errorf("automation.follow_up_context must be positive, got %d", c.Automation.FollowUpContext)
	}
	return nil
}
