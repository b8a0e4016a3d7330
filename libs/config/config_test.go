package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPort(t *testing.T) {
	t.Setenv("TEST_PORT", "8085")
	p, err := Port("TEST_PORT", "1")
	if err != nil || p != "8085" {
		t.Fatalf("expected 8085, got %q (%v)", p, err)
	}

	t.Setenv("TEST_PORT", "99999")
	if _, err := Port("TEST_PORT", "1"); err == nil {
		t.Fatal("expected error for out of range port")
	}
}

func TestProcess(t *testing.T) {
	var cfg struct {
		Buffer time.Duration `envconfig:"CFGTEST_BUFFER" default:"15m"`
		Name   string        `envconfig:"CFGTEST_NAME" required:"true"`
	}
	if err := Process("", &cfg); err == nil {
		t.Fatal("expected missing required variable error")
	}

	t.Setenv("CFGTEST_NAME", "booking")
	if err := Process("", &cfg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if cfg.Buffer != 15*time.Minute || cfg.Name != "booking" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CFGTEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CFGTEST_DOTENV", "")
	os.Unsetenv("CFGTEST_DOTENV")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("CFGTEST_DOTENV"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
}
