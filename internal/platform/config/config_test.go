package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	env := map[string]string{
		"API_DATABASE_DSN":                     "postgres://rotulo:pw@localhost:5432/rotulo",
		"API_SERVER_PORT":                      "9090",
		"API_GATEWAY_MERCADOPAGO_ACCESS_TOKEN": "token-123",
		"API_GATEWAY_WEBHOOK_SECRETS":          "mercadopago=shh,stripe=quiet",
		"API_SECURITY_ENVIRONMENT":             "Staging",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Fatalf("unexpected port %q", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Fatalf("expected default read timeout, got %s", cfg.Server.ReadTimeout)
	}
	if cfg.Database.MaxConns != 8 || cfg.Database.MinConns != 1 {
		t.Fatalf("unexpected pool sizes %d/%d", cfg.Database.MaxConns, cfg.Database.MinConns)
	}
	if cfg.Security.Environment != "staging" {
		t.Fatalf("environment should be lowercased, got %q", cfg.Security.Environment)
	}
	if cfg.Security.SignatureTolerance != 300*time.Second {
		t.Fatalf("unexpected tolerance %s", cfg.Security.SignatureTolerance)
	}
	if got := cfg.Gateways.WebhookSecrets["mercadopago"]; got != "shh" {
		t.Fatalf("unexpected webhook secret %q", got)
	}
	if got := cfg.Gateways.WebhookSecrets["stripe"]; got != "quiet" {
		t.Fatalf("unexpected webhook secret %q", got)
	}
}

func TestLoad_MissingDSNFails(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))

	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	found := false
	for _, field := range validation.Fields() {
		if field == "Database.DSN" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Database.DSN in %v", validation.Fields())
	}
}

func TestLoad_ResolvesSecretReferences(t *testing.T) {
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		switch ref {
		case "secret://db-dsn":
			return "postgres://resolved", nil
		case "secret://mp-webhook":
			return "resolved-webhook", nil
		}
		return "", errors.New("unknown ref")
	})

	env := map[string]string{
		"API_DATABASE_DSN":            "secret://db-dsn",
		"API_GATEWAY_WEBHOOK_SECRETS": "mercadopago=sm://mp-webhook",
	}

	cfg, err := Load(context.Background(),
		WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.DSN != "postgres://resolved" {
		t.Fatalf("unexpected DSN %q", cfg.Database.DSN)
	}
	if got := cfg.Gateways.WebhookSecrets["mercadopago"]; got != "resolved-webhook" {
		t.Fatalf("unexpected secret %q", got)
	}
}

func TestLoad_SecretResolverFailureSurfaces(t *testing.T) {
	env := map[string]string{
		"API_DATABASE_DSN": "secret://db-dsn",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))

	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://db-dsn" {
		t.Fatalf("unexpected ref %q", secretErr.Ref)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	contents := "# local overrides\nexport API_DATABASE_DSN=\"postgres://from-dotenv\"\nAPI_SERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.DSN != "postgres://from-dotenv" {
		t.Fatalf("unexpected DSN %q", cfg.Database.DSN)
	}
	if cfg.Server.Port != "7070" {
		t.Fatalf("unexpected port %q", cfg.Server.Port)
	}
}

func TestLoad_AlertsRequireProjectWhenEnabled(t *testing.T) {
	env := map[string]string{
		"API_DATABASE_DSN":   "postgres://rotulo",
		"API_ALERTS_ENABLED": "true",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))

	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
