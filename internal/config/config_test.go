package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate runs the test in an empty directory so no stray .env is read.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, key := range []string{"NOGICOS_CONFIG", "NOGICOS_DATA_DIR", "NOGICOS_DB_PATH", "NOGICOS_LLM_API_KEY", "ANTHROPIC_API_KEY"} {
		t.Setenv(key, "")
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want := filepath.Join("data", "nogicos.db"); cfg.DBPath != want {
		t.Fatalf("expected db path %s, got %s", want, cfg.DBPath)
	}
	if cfg.Store.FlushThreshold != 10 {
		t.Fatalf("expected flush threshold 10, got %d", cfg.Store.FlushThreshold)
	}
	if cfg.Context.PreserveRecent != 6 {
		t.Fatalf("expected preserve recent 6, got %d", cfg.Context.PreserveRecent)
	}
	if cfg.Screenshot.MaxDimension != 1568 {
		t.Fatalf("expected max dimension 1568, got %d", cfg.Screenshot.MaxDimension)
	}
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nogicos.yaml")
	err := os.WriteFile(path, []byte(`
data_dir: /var/lib/nogicos
log_format: json
store:
  flush_threshold: 25
  flush_interval: 2s
context:
  max_input_tokens: 100000
  preserve_recent: 4
screenshot:
  max_entries: 20
`), 0o644)
	if err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NOGICOS_CONFIG", path)
	t.Setenv("NOGICOS_CONTEXT_PRESERVE_RECENT", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/var/lib/nogicos/nogicos.db" {
		t.Fatalf("unexpected db path %s", cfg.DBPath)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("unexpected log format %s", cfg.LogFormat)
	}
	if cfg.Store.FlushThreshold != 25 || cfg.Store.FlushInterval != 2*time.Second {
		t.Fatalf("store section not applied: %+v", cfg.Store)
	}
	if cfg.Store.MaxAttempts != 3 {
		t.Fatalf("unset keys keep defaults, got max attempts %d", cfg.Store.MaxAttempts)
	}
	if cfg.Context.MaxInputTokens != 100_000 {
		t.Fatalf("unexpected max input tokens %d", cfg.Context.MaxInputTokens)
	}
	if cfg.Context.PreserveRecent != 8 {
		t.Fatalf("environment must override the file, got %d", cfg.Context.PreserveRecent)
	}
	if cfg.Screenshot.MaxEntries != 20 {
		t.Fatalf("unexpected max entries %d", cfg.Screenshot.MaxEntries)
	}
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := isolate(t)
	err := os.WriteFile(filepath.Join(dir, ".env"), []byte(`
# local overrides
export NOGICOS_LLM_API_KEY="sk-from-dotenv"
NOGICOS_HTTP_ADDR=':9999'
`), 0o644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("NOGICOS_HTTP_ADDR", "127.0.0.1:1234")
	os.Unsetenv("NOGICOS_LLM_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLMAPIKey != "sk-from-dotenv" {
		t.Fatalf("expected key from .env, got %q", cfg.LLMAPIKey)
	}
	if cfg.HTTPAddr != "127.0.0.1:1234" {
		t.Fatalf("expected environment addr, got %q", cfg.HTTPAddr)
	}
}

func TestMalformedEnvironmentIsReported(t *testing.T) {
	isolate(t)
	t.Setenv("NOGICOS_STORE_FLUSH_THRESHOLD", "ten")
	t.Setenv("NOGICOS_BUS_STOP_TIMEOUT", "soon")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, key := range []string{"NOGICOS_STORE_FLUSH_THRESHOLD", "NOGICOS_BUS_STOP_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error does not name %s: %v", key, err)
		}
	}
}

func TestMissingConfigFile(t *testing.T) {
	isolate(t)
	t.Setenv("NOGICOS_CONFIG", "/does/not/exist.yaml")
	_, err := Load()
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "task_id", "t1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"task_id":"t1"`) {
		t.Fatalf("missing task_id attribute: %s", out)
	}
}
