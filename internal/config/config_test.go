package config

import (
	"context"
	"strings"
	"testing"

	"github.com/nasa-pds/registry-sweepers/internal/registry"
)

func loadWith(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	for key, value := range env {
		t.Setenv(key, value)
	}
	Initialize()
	return Load()
}

func TestLoadRequiresEndpoint(t *testing.T) {
	_, err := loadWith(t, map[string]string{
		"PROV_ENDPOINT":    "",
		"PROV_CREDENTIALS": `{"svc": "hunter2"}`,
	})
	if err == nil || !strings.Contains(err.Error(), "PROV_ENDPOINT") {
		t.Fatalf("err = %v, want missing-endpoint error", err)
	}
}

func TestLoadBasicCredentials(t *testing.T) {
	cfg, err := loadWith(t, map[string]string{
		"PROV_ENDPOINT":    "https://search.example:9200",
		"PROV_CREDENTIALS": `{"svc": "hunter2"}`,
		"LOGLEVEL":         "DEBUG",
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Username != "svc" || cfg.Password != "hunter2" {
		t.Errorf("credentials = %q/%q", cfg.Username, cfg.Password)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q, want DEBUG", cfg.LogLevel)
	}

	auth, err := cfg.Authenticator(context.Background())
	if err != nil {
		t.Fatalf("Authenticator failed: %v", err)
	}
	basic, ok := auth.(*registry.BasicAuth)
	if !ok {
		t.Fatalf("auth = %T, want BasicAuth", auth)
	}
	if basic.Username != "svc" {
		t.Errorf("BasicAuth username = %q", basic.Username)
	}
}

func TestLoadRejectsBothAuthFlavors(t *testing.T) {
	_, err := loadWith(t, map[string]string{
		"PROV_ENDPOINT":          "https://search.example:9200",
		"PROV_CREDENTIALS":       `{"svc": "hunter2"}`,
		"SWEEPERS_IAM_ROLE_NAME": "arn:aws:iam::123456789012:role/sweepers",
	})
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("err = %v, want mutual-exclusion error", err)
	}
}

func TestLoadRequiresSomeAuthOutsideDevMode(t *testing.T) {
	_, err := loadWith(t, map[string]string{
		"PROV_ENDPOINT": "https://search.example:9200",
	})
	if err == nil {
		t.Fatal("expected error when no auth flavor is configured")
	}

	cfg, err := loadWith(t, map[string]string{
		"PROV_ENDPOINT": "https://search.example:9200",
		"DEV_MODE":      "1",
	})
	if err != nil {
		t.Fatalf("dev mode should allow unauthenticated: %v", err)
	}
	if !cfg.DevMode {
		t.Error("DevMode not set")
	}
	auth, err := cfg.Authenticator(context.Background())
	if err != nil {
		t.Fatalf("Authenticator failed: %v", err)
	}
	if _, ok := auth.(registry.NoAuth); !ok {
		t.Errorf("auth = %T, want NoAuth", auth)
	}
}

func TestLoadRejectsMalformedCredentials(t *testing.T) {
	_, err := loadWith(t, map[string]string{
		"PROV_ENDPOINT":    "https://search.example:9200",
		"PROV_CREDENTIALS": "not-json",
	})
	if err == nil {
		t.Fatal("expected error for malformed PROV_CREDENTIALS")
	}

	_, err = loadWith(t, map[string]string{
		"PROV_ENDPOINT":    "https://search.example:9200",
		"PROV_CREDENTIALS": `{"a": "1", "b": "2"}`,
	})
	if err == nil {
		t.Fatal("expected error for multi-entry PROV_CREDENTIALS")
	}
}

func TestTenantNodeID(t *testing.T) {
	cfg, err := loadWith(t, map[string]string{
		"PROV_ENDPOINT":        "https://search.example:9200",
		"PROV_CREDENTIALS":     `{"svc": "hunter2"}`,
		"MULTITENANCY_NODE_ID": " psa ",
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TenantNodeID != "psa" {
		t.Errorf("TenantNodeID = %q, want trimmed psa", cfg.TenantNodeID)
	}
}
