package config

import "testing"

func TestLoadRequiresServerJar(t *testing.T) {
	t.Setenv("GLIMPSE_SERVER_JAR", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without GLIMPSE_SERVER_JAR")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GLIMPSE_SERVER_JAR", "scrcpy-server.jar")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.TunnelPort != 27183 {
		t.Errorf("tunnelPort = %d", cfg.TunnelPort)
	}
	if cfg.MaxSize != 1920 || cfg.VideoBitRate != 8_000_000 {
		t.Errorf("video defaults = %+v", cfg)
	}
	if cfg.TLS {
		t.Error("TLS should default off")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GLIMPSE_SERVER_JAR", "scrcpy-server.jar")
	t.Setenv("GLIMPSE_ADDR", ":9000")
	t.Setenv("GLIMPSE_TLS", "1")
	t.Setenv("GLIMPSE_MAX_FPS", "60")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" || !cfg.TLS || cfg.MaxFPS != 60 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoadBadInt(t *testing.T) {
	t.Setenv("GLIMPSE_SERVER_JAR", "scrcpy-server.jar")
	t.Setenv("GLIMPSE_TUNNEL_PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed integer")
	}
}
