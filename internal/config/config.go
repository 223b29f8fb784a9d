// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// App is the full configuration of the API process.
type App struct {
	// Addr is the listen address of the HTTP server.
	Addr string
	// DatabaseURL selects the Postgres store. Empty means the in-memory
	// store, which is only suitable for development.
	DatabaseURL string

	// RedisAddr enables the event token cache when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// QRSecret signs event QR payloads. Required.
	QRSecret string
	// AuthSecret verifies bearer tokens on the HTTP surface. Required.
	AuthSecret string

	// RatePerSecond and RateBurst bound per-client request rates.
	RatePerSecond float64
	RateBurst     int
	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64

	ShutdownGrace time.Duration

	Version string
	Commit  string
}

// Load reads the environment. Missing required values are reported
// together so an operator fixes them in one pass.
func Load() (App, error) {
	app := App{
		Addr:          getEnv("CAMPUSGATE_ADDR", ":8080"),
		DatabaseURL:   getEnv("CAMPUSGATE_DATABASE_URL", ""),
		RedisAddr:     getEnv("CAMPUSGATE_REDIS_ADDR", ""),
		RedisPassword: getEnv("CAMPUSGATE_REDIS_PASSWORD", ""),
		RedisDB:       intEnv("CAMPUSGATE_REDIS_DB", 0),
		QRSecret:      getEnv("CAMPUSGATE_QR_SECRET", ""),
		AuthSecret:    getEnv("CAMPUSGATE_AUTH_SECRET", ""),
		RatePerSecond: floatEnv("CAMPUSGATE_RATE_PER_SECOND", 20),
		RateBurst:     intEnv("CAMPUSGATE_RATE_BURST", 40),
		MaxBodyBytes:  int64(intEnv("CAMPUSGATE_MAX_BODY_BYTES", 1<<20)),
		ShutdownGrace: durationEnv("CAMPUSGATE_SHUTDOWN_GRACE", 10*time.Second),
		Version:       getEnv("CAMPUSGATE_VERSION", "dev"),
		Commit:        getEnv("CAMPUSGATE_COMMIT", "unknown"),
	}

	var missing []string
	if app.QRSecret == "" {
		missing = append(missing, "CAMPUSGATE_QR_SECRET")
	}
	if app.AuthSecret == "" {
		missing = append(missing, "CAMPUSGATE_AUTH_SECRET")
	}
	if len(missing) > 0 {
		return App{}, fmt.Errorf("config: missing required environment: %s", strings.Join(missing, ", "))
	}
	return app, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}
