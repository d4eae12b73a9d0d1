package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"captionai/internal/chat"
	"captionai/internal/config"
	"captionai/internal/media"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLocatorCommandsWithFileBackend(t *testing.T) {
	cfgPath := writeConfig(t, `{"basic_config": {"locator_backend": "file", "locator_file": "backend.json", "log_level": "error"}}`)

	if _, err := runCLI(t, "--config", cfgPath, "locator", "get"); err == nil {
		t.Fatalf("expected an error before the url is set")
	}

	out, err := runCLI(t, "--config", cfgPath, "locator", "set", "http://gpu-box:8000")
	if err != nil {
		t.Fatalf("locator set: %v", err)
	}
	if strings.TrimSpace(out) != "http://gpu-box:8000" {
		t.Fatalf("unexpected set output %q", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "locator", "get")
	if err != nil {
		t.Fatalf("locator get: %v", err)
	}
	if strings.TrimSpace(out) != "http://gpu-box:8000" {
		t.Fatalf("unexpected get output %q", out)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), "backend.json")); err != nil {
		t.Fatalf("locator file should sit next to the config: %v", err)
	}
}

func TestLocatorSetRejectsMemoryBackend(t *testing.T) {
	cfgPath := writeConfig(t, `{"basic_config": {"log_level": "error"}}`)
	if _, err := runCLI(t, "--config", cfgPath, "locator", "set", "http://host"); err == nil {
		t.Fatalf("expected memory backend to be rejected")
	}
}

func TestOpenDepsSQL(t *testing.T) {
	cfg := config.Default()
	cfg.BasicConfig.LocatorBackend = "sql"
	cfg.BasicConfig.Database = "sqlite3"
	cfg.Databases["sqlite3"] = config.DatabaseConfig{DSN: ":memory:"}

	d, err := openDeps(cfg)
	if err != nil {
		t.Fatalf("open deps: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	if err := d.locator.Set(ctx, "http://host"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := d.locator.Lookup(ctx)
	if err != nil || !ok || got != "http://host" {
		t.Fatalf("lookup = %q, %v, %v", got, ok, err)
	}

	s, err := newSessions(cfg, d).Get(ctx, "wired")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if turns, _ := s.Turns(media.KindVideo); len(turns) != 1 {
		t.Fatalf("expected the greeting turn, got %d", len(turns))
	}
}

func TestNewRelayWithoutKey(t *testing.T) {
	cfg := config.Default()
	relay := newRelay(context.Background(), cfg)
	_, err := relay.Ask(context.Background(), chat.Request{Prompt: "hi", Mode: media.KindImage})
	if !errors.Is(err, chat.ErrAPIKeyUnset) {
		t.Fatalf("expected ErrAPIKeyUnset, got %v", err)
	}
}
