package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	LLM    LLMConfig    `mapstructure:"llm"`
	Corpus CorpusConfig `mapstructure:"corpus"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
	Trace  TraceConfig  `mapstructure:"trace"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LLMConfig struct {
	Provider        string        `mapstructure:"provider"`
	EmbedModel      string        `mapstructure:"embed_model"`
	GenModel        string        `mapstructure:"gen_model"`
	Temperature     float64       `mapstructure:"temperature"`
	TopK            int           `mapstructure:"top_k"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	OpenAI          OpenAIConfig  `mapstructure:"openai"`
	Gemini          GeminiConfig  `mapstructure:"gemini"`
}

type OpenAIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

type GeminiConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type CorpusConfig struct {
	Path      string `mapstructure:"path"`
	BatchSize int    `mapstructure:"batch_size"`
}

type StoreConfig struct {
	SQLitePath      string        `mapstructure:"sqlite_path"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CacheMaxEntries int           `mapstructure:"cache_max_entries"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TraceConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	Environment  string  `mapstructure:"environment"`
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAI.APIKey == "" && c.LLM.OpenAI.BaseURL == "" {
			warnings = append(warnings, "LLM provider 'openai' is configured but openai.api_key is empty")
		}
	case "gemini":
		if c.LLM.Gemini.APIKey == "" {
			warnings = append(warnings, "LLM provider 'gemini' is configured but gemini.api_key is empty")
		}
	case "":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown LLM provider '%s' (expected openai or gemini)", c.LLM.Provider))
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2.0 {
		warnings = append(warnings, fmt.Sprintf("LLM temperature %.2f is outside recommended range [0.0, 2.0]", c.LLM.Temperature))
	}
	if c.LLM.TopK < 0 {
		warnings = append(warnings, fmt.Sprintf("LLM top_k %d is negative", c.LLM.TopK))
	}
	if c.LLM.MaxOutputTokens < 0 {
		warnings = append(warnings, fmt.Sprintf("LLM max_output_tokens %d is negative", c.LLM.MaxOutputTokens))
	}
	if c.Corpus.BatchSize < 1 {
		warnings = append(warnings, fmt.Sprintf("corpus batch_size %d is below 1, batching will fall back to the default", c.Corpus.BatchSize))
	}

	return warnings
}

// Load reads configuration from file and environment. With an empty path
// it searches ./askdoc.yaml and ~/.askdoc/askdoc.yaml and treats a
// missing file as "environment only". Environment variables use the
// ASKDOC_ prefix with dots replaced by underscores, e.g.
// ASKDOC_LLM_OPENAI_API_KEY.
func Load(path string) (*Config, error) {
	// .env is a developer convenience, absence is fine
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ASKDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		v.SetConfigName("askdoc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			v.AddConfigPath(filepath.Join(home, ".askdoc"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it during
// Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.embed_model", "text-embedding-3-small")
	v.SetDefault("llm.gen_model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.top_k", 1)
	v.SetDefault("llm.max_output_tokens", 1024)
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.openai.base_url", "")
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.min_interval", time.Duration(0))
	v.SetDefault("llm.gemini.base_url", "")
	v.SetDefault("llm.gemini.api_key", "")

	v.SetDefault("corpus.path", "")
	v.SetDefault("corpus.batch_size", 8)

	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.cache_ttl", 15*time.Minute)
	v.SetDefault("store.cache_max_entries", 2048)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("trace.otlp_endpoint", "")
	v.SetDefault("trace.sample_rate", 1.0)
	v.SetDefault("trace.environment", "development")
}
