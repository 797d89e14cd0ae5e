package server

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.PageSize != 10 {
		t.Fatalf("expected default page size 10, got %d", cfg.PageSize)
	}
	if cfg.SendDelay != 800*time.Millisecond {
		t.Fatalf("expected default send delay 800ms, got %s", cfg.SendDelay)
	}
	if cfg.ReinitDelay != 10*time.Second {
		t.Fatalf("expected default reinit delay 10s, got %s", cfg.ReinitDelay)
	}
	if cfg.CountryPrefix != "256" {
		t.Fatalf("expected default country prefix 256, got %q", cfg.CountryPrefix)
	}
	if !cfg.RestartOnAuthFail {
		t.Fatal("expected restart-on-auth-fail to default on")
	}
	if cfg.DispatchStrict {
		t.Fatal("expected strict dispatch to default off")
	}
	if cfg.StoreDSN != "" {
		t.Fatalf("expected store DSN to default empty, got %q", cfg.StoreDSN)
	}
}

func TestParseConfigEnvOverride(t *testing.T) {
	t.Setenv("WAORDER_PORT", "9090")
	t.Setenv("WAORDER_DISPATCH_STRICT", "true")

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected env port 9090, got %d", cfg.Port)
	}
	if !cfg.DispatchStrict {
		t.Fatal("expected strict dispatch enabled via env")
	}
}

func TestParseConfigFlagBeatsEnv(t *testing.T) {
	t.Setenv("WAORDER_PORT", "9090")

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-port", "9091", "-operator-phone", "0700123456"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9091 {
		t.Fatalf("expected flag port 9091, got %d", cfg.Port)
	}
	if cfg.OperatorPhone != "0700123456" {
		t.Fatalf("expected operator phone from flag, got %q", cfg.OperatorPhone)
	}
}
