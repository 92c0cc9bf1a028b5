package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  http_port: 9000\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, want 9000", cfg.Server.HTTPPort)
	}
	if cfg.Dispatch.AllowedGetPattern != `^\w+\.get` {
		t.Errorf("AllowedGetPattern = %q", cfg.Dispatch.AllowedGetPattern)
	}
	if cfg.Cache.DefaultTTL != time.Minute {
		t.Errorf("DefaultTTL = %v", cfg.Cache.DefaultTTL)
	}
	if !cfg.Audit.Log {
		t.Error("audit log should default to true when no other sink is enabled")
	}
	if cfg.Storage.Postgres.Port != 5432 || cfg.Storage.Postgres.SSLMode != "disable" {
		t.Errorf("postgres defaults not applied: %+v", cfg.Storage.Postgres)
	}
}

func TestParseRejectsInvalidPattern(t *testing.T) {
	if _, err := Parse([]byte("dispatch:\n  allowed_get_pattern: \"(\"\n")); err == nil {
		t.Fatal("expected error for invalid regexp")
	}
}

func TestParseRejectsAuthWithoutKey(t *testing.T) {
	t.Setenv("COURIER_AUTH_JWT_SECRET", "")
	if _, err := Parse([]byte("auth:\n  enabled: true\n")); err == nil {
		t.Fatal("expected error when auth has no key material")
	}
}

func TestSecretFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COURIER_AUTH_JWT_SECRET", "from-env")
	t.Setenv("COURIER_AUTH_JWT_SECRET_FILE", path)

	cfg, err := Parse([]byte("auth:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-file" {
		t.Errorf("JWTSecret = %q, want from-file", cfg.Auth.JWTSecret)
	}
}

func TestPostgresDSN(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=d sslmode=disable"
	if got := c.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}
