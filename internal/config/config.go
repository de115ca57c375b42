// Package config loads and validates this service's environment variables
// at startup, failing fast with every problem found rather than one at a
// time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every environment-derived setting the service needs.
type Config struct {
	Port         string
	JWTKey       string
	GoEnv        string
	AssetDir     string
	WSPath       string
	AllowedOrigins []string

	RateLimitRoomCreate string
	RateLimitRoomJoin   string

	CleanupGracePeriodSeconds int
}

// Development reports whether GoEnv indicates a local development run.
func (c *Config) Development() bool {
	return c.GoEnv == "" || c.GoEnv == "development" || c.GoEnv == "dev"
}

// Load reads the process environment into a Config and validates it,
// collecting every problem before returning rather than stopping at the
// first.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                      getEnvOrDefault("PORT", "8080"),
		JWTKey:                    os.Getenv("JWT_KEY"),
		GoEnv:                     getEnvOrDefault("GO_ENV", "development"),
		AssetDir:                  getEnvOrDefault("ASSET_DIR", "./web"),
		WSPath:                    getEnvOrDefault("WS_PATH", "ws"),
		AllowedOrigins:            getAllowedOrigins(),
		RateLimitRoomCreate:       getEnvOrDefault("RATE_LIMIT_ROOM_CREATE", "5-M"),
		RateLimitRoomJoin:         getEnvOrDefault("RATE_LIMIT_ROOM_JOIN", "20-M"),
		CleanupGracePeriodSeconds: 30,
	}

	if v := os.Getenv("CLEANUP_GRACE_PERIOD_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			cfg.CleanupGracePeriodSeconds = n
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string

	if c.JWTKey == "" {
		problems = append(problems, "JWT_KEY must be set")
	} else if len(c.JWTKey) < 16 {
		problems = append(problems, "JWT_KEY must be at least 16 characters")
	}

	if !isValidPort(c.Port) {
		problems = append(problems, fmt.Sprintf("PORT %q is not a valid port", c.Port))
	}

	if strings.TrimSpace(c.WSPath) == "" {
		problems = append(problems, "WS_PATH must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid environment: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getAllowedOrigins() []string {
	raw := os.Getenv("ALLOWED_ORIGINS")
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func isValidPort(p string) bool {
	n, err := strconv.Atoi(p)
	return err == nil && n > 0 && n <= 65535
}
