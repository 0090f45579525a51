package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	CORS       CORSConfig
	Log        LogConfig
	Actor      ActorConfig
	Escalation EscalationConfig
	Letters    LettersConfig
	Sweep      SweepConfig
	Scores     ScoresConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// ActorConfig governs bearer-token parsing for audit attribution.
type ActorConfig struct {
	JWTSecret string
}

// TierSpec is one escalation tier parsed from configuration.
type TierSpec struct {
	Level     int
	Threshold int
	Label     string
}

// EscalationConfig carries the ordered warning-letter tier table.
type EscalationConfig struct {
	Tiers []TierSpec
}

// LettersConfig controls warning-letter rendering and delivery.
type LettersConfig struct {
	StorageDir        string
	SignedURLSecret   string
	SignedURLTTL      time.Duration
	WorkerConcurrency int
	WorkerRetries     int
	SchoolName        string
}

// SweepConfig controls the periodic recompute+evaluate pass.
type SweepConfig struct {
	Enabled  bool
	Interval time.Duration
}

// ScoresConfig tunes the read-side score cache.
type ScoresConfig struct {
	CacheTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Actor = ActorConfig{JWTSecret: v.GetString("ACTOR_JWT_SECRET")}

	tiers, err := ParseTiers(v.GetString("ESCALATION_TIERS"))
	if err != nil {
		return nil, fmt.Errorf("parse ESCALATION_TIERS: %w", err)
	}
	cfg.Escalation = EscalationConfig{Tiers: tiers}

	cfg.Letters = LettersConfig{
		StorageDir:        v.GetString("LETTERS_STORAGE_DIR"),
		SignedURLSecret:   v.GetString("LETTERS_SIGNED_URL_SECRET"),
		SignedURLTTL:      parseDuration(v.GetString("LETTERS_SIGNED_URL_TTL"), 24*time.Hour),
		WorkerConcurrency: v.GetInt("LETTERS_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("LETTERS_WORKER_RETRIES"),
		SchoolName:        v.GetString("LETTERS_SCHOOL_NAME"),
	}

	cfg.Sweep = SweepConfig{
		Enabled:  v.GetBool("ENABLE_SWEEP"),
		Interval: parseDuration(v.GetString("SWEEP_INTERVAL"), time.Hour),
	}

	cfg.Scores = ScoresConfig{
		CacheTTL: parseDuration(v.GetString("SCORES_CACHE_TTL"), 5*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "conduct_sma")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ACTOR_JWT_SECRET", "dev_secret")

	v.SetDefault("ESCALATION_TIERS", "-25:Surat Peringatan 1,-50:Surat Peringatan 2,-75:Surat Peringatan 3")

	v.SetDefault("LETTERS_STORAGE_DIR", "./letters")
	v.SetDefault("LETTERS_SIGNED_URL_SECRET", "dev_letters_secret")
	v.SetDefault("LETTERS_SIGNED_URL_TTL", "24h")
	v.SetDefault("LETTERS_WORKER_CONCURRENCY", 1)
	v.SetDefault("LETTERS_WORKER_RETRIES", 3)
	v.SetDefault("LETTERS_SCHOOL_NAME", "SMA")

	v.SetDefault("ENABLE_SWEEP", false)
	v.SetDefault("SWEEP_INTERVAL", "1h")

	v.SetDefault("SCORES_CACHE_TTL", "5m")
}

// ParseTiers parses the tier table from its "threshold:label,..." form. Tier
// levels are assigned in ascending severity after sorting by threshold
// descending (a lower threshold is a worse score and a more severe tier).
func ParseTiers(raw string) ([]TierSpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("at least one tier required")
	}

	parts := strings.Split(raw, ",")
	tiers := make([]TierSpec, 0, len(parts))
	seen := map[int]bool{}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("tier %q: want threshold:label", part)
		}
		threshold, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("tier %q: invalid threshold: %w", part, err)
		}
		if threshold >= 0 {
			return nil, fmt.Errorf("tier %q: threshold must be negative", part)
		}
		if seen[threshold] {
			return nil, fmt.Errorf("tier %q: duplicate threshold", part)
		}
		seen[threshold] = true
		label := strings.TrimSpace(fields[1])
		if label == "" {
			return nil, fmt.Errorf("tier %q: empty label", part)
		}
		tiers = append(tiers, TierSpec{Threshold: threshold, Label: label})
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one tier required")
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Threshold > tiers[j].Threshold })
	for i := range tiers {
		tiers[i].Level = i + 1
	}
	return tiers, nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
