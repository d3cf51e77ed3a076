package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/chriskillpack/visionbatch/internal/batch"
)

const (
	DefaultPrompt = "Descreva apenas a vestimenta presente na imagem"
	envPrefix     = "VISIONBATCH"
)

type Config struct {
	Folder    string `mapstructure:"folder"`
	Prompt    string `mapstructure:"prompt"`
	Output    string `mapstructure:"output_file"`
	BatchSize int    `mapstructure:"batch_size"`
	Workers   int    `mapstructure:"workers"`

	Backend BackendConfig `mapstructure:"backend"`
	Log     LogConfig     `mapstructure:"log"`

	DBPath string `mapstructure:"db"`
	Ask    string `mapstructure:"ask"`
}

type BackendConfig struct {
	Name          string `mapstructure:"name"`
	Model         string `mapstructure:"model"`
	APIKey        string `mapstructure:"api_key"`
	BaseURL       string `mapstructure:"base_url"`
	LlamaServer   string `mapstructure:"llama_server"`
	LlamaSeed     int    `mapstructure:"llama_seed"`
	MaxTokens     int    `mapstructure:"max_tokens"`
	MaxRetries    int    `mapstructure:"max_retries"`
	RatePerMinute int    `mapstructure:"rate_per_minute"`
	TimeoutSecs   int    `mapstructure:"timeout_secs"` // 0 keeps the http.Client default
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Flags returns the command line flags. Each flag overrides the config key
// it is bound to in Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("visionbatch", pflag.ContinueOnError)
	fs.String("config", "", "Path to a YAML config file")
	fs.String("folder", "images/", "Path to the folder of images")
	fs.String("prompt", DefaultPrompt, "Prompt sent with every image")
	fs.String("output-file", "resultado.json", "Name of the JSON output file")
	fs.Int("batch-size", 1000, "Maximum number of images to process")
	fs.Int("workers", 1, "Number of concurrent requests")
	fs.String("backend", "openai", "Backend to use: openai, llama or compat")
	fs.String("model", "", "Model identifier, defaults to gpt-4o-mini for openai")
	fs.String("base-url", "", "API base URL, required for compat, e.g. http://localhost:11434/v1")
	fs.String("llama", "", "Address of running llama server, typically http://localhost:8080")
	fs.Int("seed", 385480504, "Random seed to llama")
	fs.Int("max-tokens", 0, "Maximum reply tokens, 0 for the backend default")
	fs.Int("rate", 0, "Maximum requests per minute, 0 for unlimited")
	fs.String("db", "", "Path to a SQLite database recording run history")
	fs.String("log-file", "log.txt", "Log file, empty to log to stderr only")
	fs.String("log-level", "info", "Log level: debug, info, warn or error")
	fs.String("ask", "", "Send a single text prompt and print the reply")
	return fs
}

// Flag name to config key.
var flagKeys = map[string]string{
	"folder":      "folder",
	"prompt":      "prompt",
	"output-file": "output_file",
	"batch-size":  "batch_size",
	"workers":     "workers",
	"backend":     "backend.name",
	"model":       "backend.model",
	"base-url":    "backend.base_url",
	"llama":       "backend.llama_server",
	"seed":        "backend.llama_seed",
	"max-tokens":  "backend.max_tokens",
	"rate":        "backend.rate_per_minute",
	"db":          "db",
	"log-file":    "log.file",
	"log-level":   "log.level",
	"ask":         "ask",
}

// Load builds the configuration from, lowest priority first, flag defaults,
// the config file, the environment (VISIONBATCH_ prefix, .env included) and
// flags set on the command line. fs must already be parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend.max_retries", 0)
	v.SetDefault("backend.timeout_secs", 0)
	v.SetDefault("backend.api_key", "")

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", flag, err)
		}
	}

	// The OpenAI SDK's own variable also works for the key
	if err := v.BindEnv("backend.api_key", envPrefix+"_BACKEND_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("binding api key env: %w", err)
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate reports every invalid setting at once. The returned error wraps
// batch.ErrConfiguration.
func (c *Config) Validate() error {
	var errs *multierror.Error

	// Ask mode does not touch images
	if c.Ask == "" {
		if !batch.HasJSONSuffix(c.Output) {
			errs = multierror.Append(errs, fmt.Errorf("output file %q must be a .json file", c.Output))
		}
		if c.BatchSize <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
		}
		if c.Workers <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
		}
	}

	switch c.Backend.Name {
	case "openai":
	case "llama":
		if c.Backend.LlamaServer == "" {
			errs = multierror.Append(errs, errors.New("llama backend needs --llama"))
		}
	case "compat":
		if c.Backend.BaseURL == "" {
			errs = multierror.Append(errs, errors.New("compat backend needs --base-url"))
		}
		if c.Backend.Model == "" {
			errs = multierror.Append(errs, errors.New("compat backend needs --model"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown backend %q", c.Backend.Name))
	}
	if c.Backend.TimeoutSecs < 0 {
		errs = multierror.Append(errs, fmt.Errorf("timeout must not be negative, got %d", c.Backend.TimeoutSecs))
	}
	if c.Backend.RatePerMinute < 0 {
		errs = multierror.Append(errs, fmt.Errorf("rate must not be negative, got %d", c.Backend.RatePerMinute))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", batch.ErrConfiguration, err)
	}
	return nil
}
