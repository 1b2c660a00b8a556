package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the aggregation service
type Config struct {
	Router     RouterConfig
	Recording  RecordingConfig
	Health     HealthConfig
	Ports      PortRangeConfig
	API        APIConfig
	Transcoder TranscoderConfig
}

// RouterConfig holds media router connection settings
type RouterConfig struct {
	URL  string // websocket RPC endpoint (required)
	Host string // peer IP for plain-RTP transport connect
}

// RecordingConfig holds HLS recording settings
type RecordingConfig struct {
	Root          string
	RetentionDays int
}

// HealthConfig holds stream health monitor settings
type HealthConfig struct {
	CheckInterval     time.Duration
	StaleThreshold    int
	RestartCooldown   time.Duration
	MaxAttempts       int
	RestartsPerMinute float64 // pacing for health-initiated restarts
}

// PortRangeConfig holds the UDP port pool for transcoder sessions
type PortRangeConfig struct {
	Start int
	End   int
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Addr string
}

// TranscoderConfig holds encoder subprocess settings
type TranscoderConfig struct {
	BinaryPath string
}

// Load reads configuration from the environment. If envPath is non-empty
// and the file exists, its key=value lines seed any variables not already
// set in the process environment.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := loadEnvFile(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{
		Router: RouterConfig{
			URL:  os.Getenv("ROUTER_URL"),
			Host: envOr("ROUTER_HOST", "127.0.0.1"),
		},
		Recording: RecordingConfig{
			Root:          envOr("RECORDINGS_ROOT", "/recordings/hot"),
			RetentionDays: envOrInt("RETENTION_DAYS", 7),
		},
		Health: HealthConfig{
			CheckInterval:     time.Duration(envOrInt("HEALTH_CHECK_INTERVAL_S", 10)) * time.Second,
			StaleThreshold:    envOrInt("HEALTH_STALE_THRESHOLD", 3),
			RestartCooldown:   time.Duration(envOrInt("HEALTH_RESTART_COOLDOWN_S", 30)) * time.Second,
			MaxAttempts:       envOrInt("HEALTH_MAX_ATTEMPTS", 3),
			RestartsPerMinute: envOrFloat("RESTARTS_PER_MINUTE", 6.0),
		},
		Ports: PortRangeConfig{
			Start: envOrInt("PORT_RANGE_START", 40000),
			End:   envOrInt("PORT_RANGE_END", 49999),
		},
		API: APIConfig{
			Addr: envOr("API_ADDR", ":8080"),
		},
		Transcoder: TranscoderConfig{
			BinaryPath: envOr("FFMPEG_PATH", "ffmpeg"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required fields are present and ranges are sane
func (c *Config) Validate() error {
	if c.Router.URL == "" {
		return fmt.Errorf("missing ROUTER_URL")
	}
	if c.Recording.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be >= 1")
	}
	if c.Ports.Start < 1024 || c.Ports.End > 65535 || c.Ports.End <= c.Ports.Start {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Start, c.Ports.End)
	}
	if c.Health.StaleThreshold < 1 {
		return fmt.Errorf("HEALTH_STALE_THRESHOLD must be >= 1")
	}
	if c.Health.MaxAttempts < 1 {
		return fmt.Errorf("HEALTH_MAX_ATTEMPTS must be >= 1")
	}
	return nil
}

// loadEnvFile reads key=value lines into the process environment without
// overriding variables that are already set.
func loadEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}

	return scanner.Err()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
