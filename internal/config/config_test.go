package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chriskillpack/visionbatch/internal/batch"
)

func load(t *testing.T, args ...string) *Config {
	t.Helper()
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := load(t)

	if expected, actual := "images/", cfg.Folder; expected != actual {
		t.Errorf("Expected folder %q, got %q", expected, actual)
	}
	if expected, actual := DefaultPrompt, cfg.Prompt; expected != actual {
		t.Errorf("Expected prompt %q, got %q", expected, actual)
	}
	if expected, actual := "resultado.json", cfg.Output; expected != actual {
		t.Errorf("Expected output %q, got %q", expected, actual)
	}
	if expected, actual := 1000, cfg.BatchSize; expected != actual {
		t.Errorf("Expected batch size %d, got %d", expected, actual)
	}
	if expected, actual := 1, cfg.Workers; expected != actual {
		t.Errorf("Expected workers %d, got %d", expected, actual)
	}
	if expected, actual := "openai", cfg.Backend.Name; expected != actual {
		t.Errorf("Expected backend %q, got %q", expected, actual)
	}
	if expected, actual := 0, cfg.Backend.TimeoutSecs; expected != actual {
		t.Errorf("Expected timeout %d, got %d", expected, actual)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to be valid, got %s", err)
	}
}

func TestLoadFlags(t *testing.T) {
	cfg := load(t, "--folder", "fotos/", "--batch-size", "5", "--backend", "llama", "--llama", "http://localhost:8080", "--output-file", "out.json")

	if expected, actual := "fotos/", cfg.Folder; expected != actual {
		t.Errorf("Expected folder %q, got %q", expected, actual)
	}
	if expected, actual := 5, cfg.BatchSize; expected != actual {
		t.Errorf("Expected batch size %d, got %d", expected, actual)
	}
	if expected, actual := "http://localhost:8080", cfg.Backend.LlamaServer; expected != actual {
		t.Errorf("Expected llama server %q, got %q", expected, actual)
	}
}

func TestLoadEnvAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "folder: from-file/\nbatch_size: 7\nbackend:\n  name: compat\n  base_url: http://localhost:11434/v1\n  model: llava\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VISIONBATCH_BATCH_SIZE", "9")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := load(t, "--config", path, "--workers", "4")

	if expected, actual := "from-file/", cfg.Folder; expected != actual {
		t.Errorf("Expected folder %q, got %q", expected, actual)
	}
	// Environment beats the config file
	if expected, actual := 9, cfg.BatchSize; expected != actual {
		t.Errorf("Expected batch size %d, got %d", expected, actual)
	}
	if expected, actual := 4, cfg.Workers; expected != actual {
		t.Errorf("Expected workers %d, got %d", expected, actual)
	}
	if expected, actual := "llava", cfg.Backend.Model; expected != actual {
		t.Errorf("Expected model %q, got %q", expected, actual)
	}
	if expected, actual := "sk-test", cfg.Backend.APIKey; expected != actual {
		t.Errorf("Expected api key %q, got %q", expected, actual)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Unexpected validation error %s", err)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	fs := Flags()
	if err := fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(fs); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := load(t, "--output-file", "result.txt", "--batch-size", "0", "--backend", "compat")

	err := cfg.Validate()
	if !errors.Is(err, batch.ErrConfiguration) {
		t.Fatalf("Expected ErrConfiguration, got %v", err)
	}
	for _, want := range []string{".json", "batch size", "--base-url", "--model"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got %s", want, err)
		}
	}
}

func TestValidateAskSkipsBatchChecks(t *testing.T) {
	cfg := load(t, "--ask", "hello", "--output-file", "result.txt")
	if err := cfg.Validate(); err != nil {
		t.Errorf("Unexpected error %s", err)
	}
}

func TestTimeout(t *testing.T) {
	t.Setenv("VISIONBATCH_BACKEND_TIMEOUT_SECS", "30")
	cfg := load(t)
	if expected, actual := 30, cfg.Backend.TimeoutSecs; expected != actual {
		t.Errorf("Expected timeout %d, got %d", expected, actual)
	}

	cfg.Backend.TimeoutSecs = -1
	err := cfg.Validate()
	if !errors.Is(err, batch.ErrConfiguration) {
		t.Fatalf("Expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Expected error to mention timeout, got %s", err)
	}
}
