package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("jsonc with comments", func(t *testing.T) {
		path := writeConfig(t, "kumiai.jsonc", `{
			// Test config
			"server": {"address": ":9000"},
			/* timeouts */
			"session": {"wait_timeout": "45s", "execution_timeout": "2m", "live_deltas": true},
			"engine": {"type": "echo"}
		}`)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Address != ":9000" {
			t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":9000")
		}
		if cfg.Session.WaitTimeout != 45*time.Second {
			t.Errorf("Session.WaitTimeout = %v, want %v", cfg.Session.WaitTimeout, 45*time.Second)
		}
		if cfg.Session.ExecutionTimeout != 2*time.Minute {
			t.Errorf("Session.ExecutionTimeout = %v, want %v", cfg.Session.ExecutionTimeout, 2*time.Minute)
		}
		if !cfg.Session.LiveDeltas {
			t.Error("Session.LiveDeltas = false, want true")
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		path := writeConfig(t, "kumiai.jsonc", `{"engine": {"type": "echo"}}`)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Address != ":8080" {
			t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":8080")
		}
		if cfg.Session.WaitTimeout != 300*time.Second {
			t.Errorf("Session.WaitTimeout = %v, want 300s", cfg.Session.WaitTimeout)
		}
		if cfg.Session.ExecutionTimeout != 15*time.Minute {
			t.Errorf("Session.ExecutionTimeout = %v, want 15m", cfg.Session.ExecutionTimeout)
		}
		if cfg.Broadcast.SubscriberBuffer != 64 {
			t.Errorf("Broadcast.SubscriberBuffer = %d, want 64", cfg.Broadcast.SubscriberBuffer)
		}
		if !filepath.IsAbs(cfg.Store.DataDir) {
			t.Errorf("Store.DataDir = %q, want absolute path", cfg.Store.DataDir)
		}
	})

	t.Run("yaml with env expansion", func(t *testing.T) {
		t.Setenv("KUMIAI_TEST_ENGINE_URL", "http://engine.internal:4096")
		path := writeConfig(t, "kumiai.yaml", `
server:
  address: ":7000"
engine:
  type: opencode
  base_url: ${KUMIAI_TEST_ENGINE_URL}
janitor:
  schedule: "0 * * * *"
  stale_after: 10m
`)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Engine.BaseURL != "http://engine.internal:4096" {
			t.Errorf("Engine.BaseURL = %q, want expanded env value", cfg.Engine.BaseURL)
		}
		if cfg.Janitor.StaleAfter != 10*time.Minute {
			t.Errorf("Janitor.StaleAfter = %v, want 10m", cfg.Janitor.StaleAfter)
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		path := writeConfig(t, "kumiai.jsonc", `{"session": {"wait_timeout": "soon"}}`)
		if _, err := Load(path); err == nil {
			t.Error("Load() should fail on an unparseable duration")
		}
	})

	t.Run("invalid engine type", func(t *testing.T) {
		path := writeConfig(t, "kumiai.jsonc", `{"engine": {"type": "carrier-pigeon"}}`)
		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), "engine.type") {
			t.Errorf("Load() error = %v, want engine.type validation error", err)
		}
	})

	t.Run("droid engine", func(t *testing.T) {
		t.Setenv("KUMIAI_TEST_FACTORY_KEY", "fk-123")
		path := writeConfig(t, "kumiai.jsonc", `{"engine": {"type": "droid", "api_key": "${KUMIAI_TEST_FACTORY_KEY}", "autonomy": "medium"}}`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Engine.APIKey != "fk-123" || cfg.Engine.Autonomy != "medium" {
			t.Errorf("Engine = %+v", cfg.Engine)
		}
		if cfg.Engine.BaseURL != "" {
			t.Errorf("BaseURL = %q, want empty for droid", cfg.Engine.BaseURL)
		}
	})

	t.Run("invalid droid autonomy", func(t *testing.T) {
		path := writeConfig(t, "kumiai.jsonc", `{"engine": {"type": "droid", "autonomy": "reckless"}}`)
		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), "engine.autonomy") {
			t.Errorf("Load() error = %v, want engine.autonomy validation error", err)
		}
	})

	t.Run("invalid janitor schedule", func(t *testing.T) {
		path := writeConfig(t, "kumiai.jsonc", `{"engine": {"type": "echo"}, "janitor": {"schedule": "every tuesday"}}`)
		if _, err := Load(path); err == nil {
			t.Error("Load() should reject an invalid cron expression")
		}
	})
}

func TestFindConfigPath(t *testing.T) {
	t.Run("explicit dir", func(t *testing.T) {
		path := writeConfig(t, "kumiai.yaml", "engine:\n  type: echo\n")
		got, err := FindConfigPath(filepath.Dir(path))
		if err != nil {
			t.Fatalf("FindConfigPath() error = %v", err)
		}
		if filepath.Base(got) != "kumiai.yaml" {
			t.Errorf("FindConfigPath() = %q, want kumiai.yaml", got)
		}
	})

	t.Run("jsonc preferred over yaml", func(t *testing.T) {
		path := writeConfig(t, "kumiai.yaml", "engine:\n  type: echo\n")
		dir := filepath.Dir(path)
		if err := os.WriteFile(filepath.Join(dir, "kumiai.jsonc"), []byte(`{}`), 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := FindConfigPath(dir)
		if err != nil {
			t.Fatalf("FindConfigPath() error = %v", err)
		}
		if filepath.Base(got) != "kumiai.jsonc" {
			t.Errorf("FindConfigPath() = %q, want kumiai.jsonc", got)
		}
	})

	t.Run("missing dir", func(t *testing.T) {
		if _, err := FindConfigPath(filepath.Join(t.TempDir(), "nope")); err == nil {
			t.Error("FindConfigPath() should fail for a directory without config")
		}
	})
}

func TestStripJSONComments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"line comment", "{\"a\": 1} // trailing\n", "{\"a\": 1} \n"},
		{"block comment", `{/* x */"a": 1}`, `{"a": 1}`},
		{"slashes inside string", `{"url": "http://host//path"}`, `{"url": "http://host//path"}`},
		{"escaped quote inside string", `{"q": "say \"//hi\""}`, `{"q": "say \"//hi\""}`},
		{"escaped backslash before quote", `{"p": "C:\\"} // c`, `{"p": "C:\\"} `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripJSONComments([]byte(tt.input)))
			if got != tt.want {
				t.Errorf("StripJSONComments(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
