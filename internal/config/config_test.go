package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("remote.base_url", "https://api.example.test/v1/")
	configViper.Set("session.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.RemoteBaseURL != "https://api.example.test/v1" {
		t.Fatalf("expected trailing slash to be trimmed, got %q", cfg.RemoteBaseURL)
	}
	if cfg.PageSize != defaultPageSize || cfg.Concurrency != defaultConcurrency {
		t.Fatalf("unexpected dataset defaults: %+v", cfg)
	}
	if cfg.DrainInterval != 3*time.Minute {
		t.Fatalf("unexpected drain interval %s", cfg.DrainInterval)
	}
	if cfg.PageBackoffBase != 500*time.Millisecond {
		t.Fatalf("unexpected page backoff base %s", cfg.PageBackoffBase)
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Fatalf("unexpected idle timeout %s", cfg.IdleTimeout)
	}
	if cfg.SessionCookieName != defaultSessionCookieName {
		t.Fatalf("unexpected cookie name %q", cfg.SessionCookieName)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(values map[string]any)
		message string
	}{
		{
			name:    "missing-remote",
			mutate:  func(values map[string]any) { values["remote.base_url"] = "" },
			message: "remote.base_url",
		},
		{
			name:    "missing-secret",
			mutate:  func(values map[string]any) { values["session.signing_secret"] = " " },
			message: "session.signing_secret",
		},
		{
			name:    "zero-page-size",
			mutate:  func(values map[string]any) { values["dataset.page_size"] = 0 },
			message: "dataset.page_size",
		},
		{
			name:    "zero-concurrency",
			mutate:  func(values map[string]any) { values["dataset.concurrency"] = 0 },
			message: "dataset.concurrency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := map[string]any{
				"remote.base_url":        "https://api.example.test",
				"session.signing_secret": "secret",
			}
			tt.mutate(values)
			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Fatalf("expected error to mention %q, got %v", tt.message, err)
			}
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("LEAKLINE_REMOTE_BASE_URL", "https://env.example.test")
	t.Setenv("LEAKLINE_SESSION_SIGNING_SECRET", "env-secret")
	t.Setenv("LEAKLINE_DATASET_PAGE_SIZE", "250")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.RemoteBaseURL != "https://env.example.test" {
		t.Fatalf("unexpected base url %q", cfg.RemoteBaseURL)
	}
	if cfg.PageSize != 250 {
		t.Fatalf("expected page size from env, got %d", cfg.PageSize)
	}
}
