// Package config loads server configuration from a .env file (if present)
// and environment variables. Environment variables take precedence over
// .env values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// Addr is the HTTP/WebSocket listen address.
	Addr string
	// StaticDir serves the viewer page when non-empty.
	StaticDir string
	// TLS enables HTTPS with a generated self-signed certificate.
	TLS bool
	// MDNSInstance advertises the server over mDNS when non-empty.
	MDNSInstance string

	// DeviceSerial selects the adb device; empty uses the default.
	DeviceSerial string
	// ServerJar is the local path of scrcpy-server.jar.
	ServerJar string
	// TunnelPort is the host port for the adb reverse tunnel.
	TunnelPort int

	MaxSize      int
	MaxFPS       int
	VideoBitRate int
}

// Load reads configuration, applying defaults for everything optional.
// GLIMPSE_SERVER_JAR is the only required setting.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	jar := os.Getenv("GLIMPSE_SERVER_JAR")
	if jar == "" {
		return nil, fmt.Errorf("GLIMPSE_SERVER_JAR environment variable is required")
	}

	cfg := &Config{
		Addr:         envOr("GLIMPSE_ADDR", ":8080"),
		StaticDir:    os.Getenv("GLIMPSE_STATIC_DIR"),
		TLS:          os.Getenv("GLIMPSE_TLS") != "",
		MDNSInstance: os.Getenv("GLIMPSE_MDNS_INSTANCE"),
		DeviceSerial: os.Getenv("GLIMPSE_DEVICE_SERIAL"),
		ServerJar:    jar,
	}

	var err error
	if cfg.TunnelPort, err = envInt("GLIMPSE_TUNNEL_PORT", 27183); err != nil {
		return nil, err
	}
	if cfg.MaxSize, err = envInt("GLIMPSE_MAX_SIZE", 1920); err != nil {
		return nil, err
	}
	if cfg.MaxFPS, err = envInt("GLIMPSE_MAX_FPS", 0); err != nil {
		return nil, err
	}
	if cfg.VideoBitRate, err = envInt("GLIMPSE_VIDEO_BIT_RATE", 8_000_000); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
