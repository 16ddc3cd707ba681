package models

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/doctrine-review/inkwell/internal/secrets"
)

func TestResolveAPIKeyLiteral(t *testing.T) {
	key, err := resolveAPIKey(nil, ProviderOpenAI, "sk-literal")
	if err != nil {
		t.Fatalf("resolveAPIKey: %v", err)
	}
	if key != "sk-literal" {
		t.Errorf("got %q, want %q", key, "sk-literal")
	}
}

func TestResolveAPIKeyEnvIndirection(t *testing.T) {
	t.Setenv("INKWELL_TEST_KEY", "sk-from-env")

	key, err := resolveAPIKey(nil, ProviderClaude, "${INKWELL_TEST_KEY}")
	if err != nil {
		t.Fatalf("resolveAPIKey: %v", err)
	}
	if key != "sk-from-env" {
		t.Errorf("got %q, want %q", key, "sk-from-env")
	}

	if _, err := resolveAPIKey(nil, ProviderClaude, "${INKWELL_UNSET_KEY}"); err == nil {
		t.Fatal("expected error for unset env var")
	}
}

func TestResolveAPIKeyDefaultEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "sk-gemini")

	key, err := resolveAPIKey(nil, ProviderGemini, "")
	if err != nil {
		t.Fatalf("resolveAPIKey: %v", err)
	}
	if key != "sk-gemini" {
		t.Errorf("got %q, want %q", key, "sk-gemini")
	}

	t.Setenv("OPENAI_API_KEY", "")
	if _, err := resolveAPIKey(nil, ProviderOpenAI, ""); err == nil {
		t.Fatal("expected error when default env is empty")
	}
	if _, err := resolveAPIKey(nil, ProviderOpenAI, ""); err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("error should name the env var, got: %v", err)
	}
}

func TestResolveAPIKeyOllamaNeedsNone(t *testing.T) {
	key, err := resolveAPIKey(nil, ProviderOllama, "")
	if err != nil {
		t.Fatalf("resolveAPIKey: %v", err)
	}
	if key != "" {
		t.Errorf("got %q, want empty", key)
	}
}

func TestResolveAPIKeyEncrypted(t *testing.T) {
	identity := filepath.Join(t.TempDir(), "identity.key")
	if err := secrets.GenerateIdentity(identity); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	keeper := secrets.NewKeeper(identity)

	recipient, err := keeper.Recipient()
	if err != nil {
		t.Fatalf("Recipient: %v", err)
	}
	blob, err := secrets.Encrypt("sk-secret", recipient)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	key, err := resolveAPIKey(keeper, ProviderClaude, blob)
	if err != nil {
		t.Fatalf("resolveAPIKey: %v", err)
	}
	if key != "sk-secret" {
		t.Errorf("got %q, want %q", key, "sk-secret")
	}

	// Without a keeper the encrypted value must not leak through as-is.
	if _, err := resolveAPIKey(nil, ProviderClaude, blob); err == nil {
		t.Fatal("expected error without keeper")
	}
}
