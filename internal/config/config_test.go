package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `
[server]
host = "127.0.0.1"
port = 9090

[[rate_zones]]
name = "datafiles"
capacity = 20
refill_rate = 10.0

[[pools]]
name = "cdn"

  [[pools.servers]]
  address = "https://cdn-a.example.net"
  weight = 3

  [[pools.servers]]
  address = "https://cdn-b.example.net"
  backup = true

[[header_policies]]
name = "public"
allowed_origins = ["*"]
allowed_methods = ["GET", "OPTIONS"]

[[routes]]
name = "datafiles"
prefix = "/datafiles/"
pool = "cdn"
rate_zone = "datafiles"
header_policy = "public"

  [routes.cache]
  enabled = true

    [[routes.cache.valid]]
    statuses = [200]
    ttl_seconds = 600
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(&CLI{Config: writeConfig(t, validConfig)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Server.Addr(); got != "127.0.0.1:9090" {
		t.Errorf("Addr = %q, want 127.0.0.1:9090", got)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Prefix != "/datafiles/" {
		t.Errorf("Routes = %+v, want one /datafiles/ route", cfg.Routes)
	}
	if len(cfg.Pools[0].Servers) != 2 {
		t.Fatalf("Servers = %d, want 2", len(cfg.Pools[0].Servers))
	}
	if !cfg.Pools[0].Servers[1].Backup {
		t.Error("second server should be backup tier")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(&CLI{Config: writeConfig(t, validConfig)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Proxy.RetryLimit != 3 {
		t.Errorf("RetryLimit = %d, want default 3", cfg.Proxy.RetryLimit)
	}
	if cfg.Cache.MaxBytes != 64*1024*1024 {
		t.Errorf("Cache.MaxBytes = %d, want default 64MB", cfg.Cache.MaxBytes)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json defaults", cfg.Log)
	}
	if cfg.RateZones[0].IdleSeconds != 300 {
		t.Errorf("IdleSeconds = %d, want default 300", cfg.RateZones[0].IdleSeconds)
	}
	if s := cfg.Pools[0].Servers[1]; s.Weight != 1 || s.MaxFails != 3 || s.FailTimeoutSeconds != 10 {
		t.Errorf("server defaults = %+v, want weight 1, max_fails 3, fail_timeout 10", s)
	}
	if cfg.Routes[0].Cache.MaxObjectBytes != 1024*1024 {
		t.Errorf("MaxObjectBytes = %d, want default 1MB", cfg.Routes[0].Cache.MaxObjectBytes)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	cli := &CLI{Config: writeConfig(t, validConfig), Host: "0.0.0.0", Port: 8000, LogLevel: "debug"}
	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Server.Addr(); got != "0.0.0.0:8000" {
		t.Errorf("Addr = %q, want CLI override 0.0.0.0:8000", got)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			"route references unknown pool",
			func(s string) string { return strings.Replace(s, `pool = "cdn"`, `pool = "nope"`, 1) },
			"unknown pool",
		},
		{
			"route references unknown zone",
			func(s string) string { return strings.Replace(s, `rate_zone = "datafiles"`, `rate_zone = "nope"`, 1) },
			"unknown rate zone",
		},
		{
			"prefix must start with slash",
			func(s string) string { return strings.Replace(s, `prefix = "/datafiles/"`, `prefix = "datafiles"`, 1) },
			"must start with '/'",
		},
		{
			"zone capacity must be positive",
			func(s string) string { return strings.Replace(s, "capacity = 20", "capacity = 0", 1) },
			"capacity must be > 0",
		},
		{
			"server address must be http(s)",
			func(s string) string {
				return strings.Replace(s, `address = "https://cdn-a.example.net"`, `address = "ftp://x"`, 1)
			},
			"must be http or https",
		},
		{
			"port out of range",
			func(s string) string { return strings.Replace(s, "port = 9090", "port = 70000", 1) },
			"server.port",
		},
		{
			"bad log level",
			func(s string) string { return s + "\n[log]\nlevel = \"loud\"\n" },
			"log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(&CLI{Config: writeConfig(t, tt.mutate(validConfig))})
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(&CLI{Config: filepath.Join(t.TempDir(), "absent.toml")}); err == nil {
		t.Fatal("Load succeeded, want error for missing file")
	}
}

func TestFindConfigInPaths(t *testing.T) {
	existing := writeConfig(t, validConfig)

	if got := findConfigInPaths([]string{"/does/not/exist.toml", existing}); got != existing {
		t.Errorf("findConfigInPaths = %q, want %q", got, existing)
	}
	if got := findConfigInPaths([]string{"/does/not/exist.toml"}); got != "" {
		t.Errorf("findConfigInPaths = %q, want empty", got)
	}
}
