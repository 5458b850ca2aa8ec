package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	ResponderURL          string        `mapstructure:"RESPONDER_URL"`
	ResponderTimeout      time.Duration `mapstructure:"RESPONDER_TIMEOUT"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultMaxSafeDosage  int           `mapstructure:"DEFAULT_MAX_SAFE_DOSAGE"`
	EmergencyKeywords     []string      `mapstructure:"EMERGENCY_KEYWORDS"`
	RestrictedDrugs       []string      `mapstructure:"RESTRICTED_DRUGS"`
	CatalogFile           string        `mapstructure:"CATALOG_FILE"`
	CatalogTTL            time.Duration `mapstructure:"CATALOG_TTL"`
	SpeechProvider        string        `mapstructure:"SPEECH_PROVIDER"`
	STTURL                string        `mapstructure:"STT_URL"`
	TTSURL                string        `mapstructure:"TTS_URL"`
	TTSVoice              string        `mapstructure:"TTS_VOICE"`
	OpenAIAPIKey          string        `mapstructure:"OPENAI_API_KEY"`
	PrescriptionMaxBytes  int64         `mapstructure:"PRESCRIPTION_MAX_BYTES"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	SessionRateLimitRPS   float64       `mapstructure:"RATE_LIMIT_SESSION_RPS"`
	SessionRateLimitBurst int           `mapstructure:"RATE_LIMIT_SESSION_BURST"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	WebhookURLs           []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret         string        `mapstructure:"WEBHOOK_SECRET"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"RESPONDER_URL",
	"RESPONDER_TIMEOUT",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"DEFAULT_MAX_SAFE_DOSAGE",
	"EMERGENCY_KEYWORDS",
	"RESTRICTED_DRUGS",
	"CATALOG_FILE",
	"CATALOG_TTL",
	"SPEECH_PROVIDER",
	"STT_URL",
	"TTS_URL",
	"TTS_VOICE",
	"OPENAI_API_KEY",
	"PRESCRIPTION_MAX_BYTES",
	"CORS_ORIGINS",
	"REQUEST_TIMEOUT",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"RATE_LIMIT_SESSION_RPS",
	"RATE_LIMIT_SESSION_BURST",
	"BODY_LIMIT",
	"LOG_LEVEL",
	"WEBHOOK_URLS",
	"WEBHOOK_SECRET",
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("RESPONDER_URL", "http://localhost:8000")
	v.SetDefault("RESPONDER_TIMEOUT", "30s")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_MAX_SAFE_DOSAGE", 10)
	v.SetDefault("CATALOG_TTL", "5m")
	v.SetDefault("SPEECH_PROVIDER", "none")
	v.SetDefault("TTS_VOICE", "alloy")
	v.SetDefault("PRESCRIPTION_MAX_BYTES", 10*1024*1024)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("REQUEST_TIMEOUT", "90s")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("RATE_LIMIT_SESSION_RPS", 1)
	v.SetDefault("RATE_LIMIT_SESSION_BURST", 10)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("LOG_LEVEL", "info")

	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated env values do not decode into slices on their own.
	cfg.EmergencyKeywords = splitList(v.GetString("EMERGENCY_KEYWORDS"))
	cfg.RestrictedDrugs = splitList(v.GetString("RESTRICTED_DRUGS"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))

	if cfg.IsDev() && cfg.DatabaseURL == "" {
		log.Println("WARNING: DATABASE_URL not set; sessions are kept in memory only")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PersistenceEnabled reports whether session snapshots go to Postgres.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run. The responder URL is
// always required; speech providers must carry the settings they need.
func (c *Config) Validate() error {
	if c.ResponderURL == "" {
		return fmt.Errorf("RESPONDER_URL is required")
	}
	if !strings.HasPrefix(c.ResponderURL, "http://") && !strings.HasPrefix(c.ResponderURL, "https://") {
		return fmt.Errorf("RESPONDER_URL must be an http(s) URL, got %q", c.ResponderURL)
	}
	if c.ResponderTimeout <= 0 {
		return fmt.Errorf("RESPONDER_TIMEOUT must be positive, got %s", c.ResponderTimeout)
	}
	if c.DefaultMaxSafeDosage <= 0 {
		return fmt.Errorf("DEFAULT_MAX_SAFE_DOSAGE must be positive, got %d", c.DefaultMaxSafeDosage)
	}
	if c.PrescriptionMaxBytes <= 0 {
		return fmt.Errorf("PRESCRIPTION_MAX_BYTES must be positive, got %d", c.PrescriptionMaxBytes)
	}

	if c.RequestTimeout > 0 && c.RequestTimeout < c.ResponderTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must not be shorter than RESPONDER_TIMEOUT (%s)", c.RequestTimeout, c.ResponderTimeout)
	}

	switch c.SpeechProvider {
	case "none", "":
	case "whisper":
		if c.STTURL == "" || c.TTSURL == "" {
			return fmt.Errorf("STT_URL and TTS_URL are required when SPEECH_PROVIDER is \"whisper\"")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when SPEECH_PROVIDER is \"openai\"")
		}
	default:
		return fmt.Errorf("SPEECH_PROVIDER must be \"none\", \"whisper\", or \"openai\", got %q", c.SpeechProvider)
	}

	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_SECRET is required in production when WEBHOOK_URLS is set")
	}

	if c.IsProduction() && len(c.CORSOrigins) == 0 {
		return fmt.Errorf("CORS_ORIGINS is required in production")
	}

	return nil
}
