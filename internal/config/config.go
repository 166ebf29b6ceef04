package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/crechebooks/rollout/internal/models"
)

type Config struct {
	Addr        string
	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string

	S3Bucket string
	S3Prefix string

	AuthSecret      string
	AllowDebugToken bool
	DebugToken      string

	Criteria models.PromotionCriteria
}

const (
	defaultAddr       = ":8072"
	defaultKafkaTopic = "rollout.decisions"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:            getEnv("ROLLOUT_ADDR", defaultAddr),
		DatabaseURL:     firstNonEmpty(os.Getenv("ROLLOUT_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		KafkaTopic:      getEnv("ROLLOUT_KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:        os.Getenv("ROLLOUT_S3_BUCKET"),
		S3Prefix:        os.Getenv("ROLLOUT_S3_PREFIX"),
		AuthSecret:      os.Getenv("ROLLOUT_AUTH_SECRET"),
		AllowDebugToken: getBool("ROLLOUT_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("ROLLOUT_DEBUG_TOKEN"),
		Criteria:        criteriaFromEnv(),
	}
	if brokers := os.Getenv("ROLLOUT_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or ROLLOUT_DATABASE_URL required")
	}
	if cfg.AuthSecret == "" && !cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("ROLLOUT_AUTH_SECRET required unless ROLLOUT_ALLOW_DEBUG_TOKEN=true")
	}
	return cfg, nil
}

func criteriaFromEnv() models.PromotionCriteria {
	c := models.DefaultPromotionCriteria()
	c.MinMatchRate = getFloat("ROLLOUT_MIN_MATCH_RATE", c.MinMatchRate)
	c.MaxLatencyMultiplier = getFloat("ROLLOUT_MAX_LATENCY_MULTIPLIER", c.MaxLatencyMultiplier)
	c.MinObservations = getInt("ROLLOUT_MIN_OBSERVATIONS", c.MinObservations)
	c.MaxVariantErrorRate = getFloat("ROLLOUT_MAX_VARIANT_ERROR_RATE", c.MaxVariantErrorRate)
	c.MinWindowDays = getInt("ROLLOUT_MIN_WINDOW_DAYS", c.MinWindowDays)
	return c
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
