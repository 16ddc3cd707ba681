package models

import (
	"context"
	"testing"

	"github.com/doctrine-review/inkwell/internal/store"
)

func seedRows() []store.AIModel {
	return []store.AIModel{
		{ID: "m-1", Key: "local", Provider: ProviderOllama, Config: `{"model":"llama3"}`},
		{ID: "m-2", Key: "deep", Provider: ProviderClaude, Config: `{"model":"claude-sonnet-4-5","api_key":"sk-x"}`, IsDefault: true},
	}
}

func TestNewRegistryDefaults(t *testing.T) {
	r, err := NewRegistry(seedRows(), "", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if r.DefaultKey() != "deep" {
		t.Errorf("default: got %q, want flagged row", r.DefaultKey())
	}

	// An explicit default key overrides the row flag.
	r, err = NewRegistry(seedRows(), "local", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if r.DefaultKey() != "local" {
		t.Errorf("default: got %q, want %q", r.DefaultKey(), "local")
	}

	keys := r.Keys()
	if len(keys) != 2 || keys[0] != "local" {
		t.Errorf("keys: got %v, want default first", keys)
	}
}

func TestNewRegistryRejectsBadRows(t *testing.T) {
	if _, err := NewRegistry(nil, "", nil); err == nil {
		t.Error("expected error for empty seed")
	}

	bad := seedRows()
	bad[0].Config = "{not json"
	if _, err := NewRegistry(bad, "", nil); err == nil {
		t.Error("expected error for corrupt config blob")
	}

	bad = seedRows()
	bad[1].Provider = "cohere"
	if _, err := NewRegistry(bad, "", nil); err == nil {
		t.Error("expected error for unknown provider")
	}

	if _, err := NewRegistry(seedRows(), "missing", nil); err == nil {
		t.Error("expected error for unseeded default key")
	}
}

func TestRegistryResolvesOllamaLazily(t *testing.T) {
	r, err := NewRegistry(seedRows(), "", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	resolved, err := r.ByID(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if resolved.Key != "local" || resolved.Model == nil {
		t.Fatalf("resolved: %+v", resolved)
	}

	// Same entry, same instance.
	again, err := r.ByID(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("ByID again: %v", err)
	}
	if again.Model != resolved.Model {
		t.Error("lazy init should build the model once")
	}

	if _, err := r.ByID(context.Background(), "m-404"); err == nil {
		t.Error("expected error for unknown id")
	}
	if _, err := r.Get(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown key")
	}
}
