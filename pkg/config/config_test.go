package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opthub-org/opthub-runner/pkg/log"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
interval: 5
timeout: 30
rm: true
evaluator_queue_url: https://sqs.example/evaluator
region_name: us-east-1
table_name: opthub-runner
log_level: DEBUG
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Interval != 5 {
		t.Errorf("got Interval %d", cfg.Interval)
	}
	if !cfg.Remove {
		t.Error("expected Remove to be true")
	}
	if cfg.LogLevel != log.LevelDebug {
		t.Errorf("got LogLevel %q", cfg.LogLevel)
	}
	if cfg.Num != nil {
		t.Errorf("expected Num to default to nil, got %v", *cfg.Num)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("OPTHUB_RUNNER_TEST_TABLE", "env-table")
	path := writeConfig(t, `
evaluator_queue_url: https://sqs.example/evaluator
region_name: us-east-1
table_name: ${OPTHUB_RUNNER_TEST_TABLE}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TableName != "env-table" {
		t.Errorf("got TableName %q", cfg.TableName)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateRejectsMissingQueueURLs(t *testing.T) {
	cfg := Default()
	cfg.RegionName = "us-east-1"
	cfg.TableName = "t"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when both queue URLs are empty")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.EvaluatorQueueURL = "https://sqs.example/evaluator"
	cfg.RegionName = "us-east-1"
	cfg.TableName = "t"
	cfg.LogLevel = "NOISY"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown log_level")
	}
}

func TestValidateRejectsNonPositiveInterval(t *testing.T) {
	cfg := Default()
	cfg.Interval = 0
	cfg.EvaluatorQueueURL = "https://sqs.example/evaluator"
	cfg.RegionName = "us-east-1"
	cfg.TableName = "t"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for interval < 1")
	}
}

func TestCacheRootDefaultsUnderHomeDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := Default()
	root, err := cfg.CacheRoot()
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, ".opthub_runner_admin", "cache")
	if root != want {
		t.Errorf("got CacheRoot %q, want %q", root, want)
	}
}

func TestCacheRootHonorsOverride(t *testing.T) {
	cfg := Default()
	cfg.CacheDir = "/custom/cache"
	root, err := cfg.CacheRoot()
	if err != nil {
		t.Fatal(err)
	}
	if root != "/custom/cache" {
		t.Errorf("got CacheRoot %q, want override", root)
	}
}
