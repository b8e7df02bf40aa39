package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env            string        `mapstructure:"ENV"`
	Port           string        `mapstructure:"PORT"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	AdminKey       string        `mapstructure:"ADMIN_KEY"`
	CORSAllowed    string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`

	AIURL              string        `mapstructure:"AI_URL"`
	AILLMURL           string        `mapstructure:"AI_LLM_URL"`
	AILLMModel         string        `mapstructure:"AI_LLM_MODEL"`
	AILLMKey           string        `mapstructure:"AI_LLM_KEY"`
	AITimeout          time.Duration `mapstructure:"AI_TIMEOUT"`
	ClassifierCacheTTL time.Duration `mapstructure:"CLASSIFIER_CACHE_TTL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	AlertStream   string `mapstructure:"ALERT_STREAM"`

	AlertTrendSampleEvery int    `mapstructure:"ALERT_TREND_SAMPLE_EVERY"`
	AlertRulesFile        string `mapstructure:"ALERT_RULES_FILE"`
	AnomalyWindowDays     int    `mapstructure:"ANOMALY_WINDOW_DAYS"`
	TrendWindowDays       int    `mapstructure:"TREND_WINDOW_DAYS"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("AI_TIMEOUT", "8s")
	v.SetDefault("CLASSIFIER_CACHE_TTL", "10m")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ALERT_STREAM", "safeshift:alerts")
	v.SetDefault("ALERT_TREND_SAMPLE_EVERY", 3)
	v.SetDefault("ANOMALY_WINDOW_DAYS", 14)
	v.SetDefault("TREND_WINDOW_DAYS", 30)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, k := range []string{"DATABASE_URL", "ADMIN_KEY", "AI_URL", "AI_LLM_URL", "AI_LLM_MODEL", "AI_LLM_KEY", "REDIS_ADDR", "REDIS_PASSWORD", "ALERT_RULES_FILE"} {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c Config) AnomalyWindow() time.Duration {
	return time.Duration(c.AnomalyWindowDays) * 24 * time.Hour
}

func (c Config) TrendWindow() time.Duration {
	return time.Duration(c.TrendWindowDays) * 24 * time.Hour
}
