package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := `# comment
INKWELL_DOTENV_A=plain
export INKWELL_DOTENV_B="quoted value"
INKWELL_DOTENV_C='single'
not a pair
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, k := range []string{"INKWELL_DOTENV_A", "INKWELL_DOTENV_B", "INKWELL_DOTENV_C"} {
		os.Unsetenv(k)
		t.Cleanup(func() { os.Unsetenv(k) })
	}

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("INKWELL_DOTENV_A"); got != "plain" {
		t.Errorf("A = %q, want plain", got)
	}
	if got := os.Getenv("INKWELL_DOTENV_B"); got != "quoted value" {
		t.Errorf("B = %q, want quoted value", got)
	}
	if got := os.Getenv("INKWELL_DOTENV_C"); got != "single" {
		t.Errorf("C = %q, want single", got)
	}
}

func TestLoadDotenvNoOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("INKWELL_DOTENV_D=file\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("INKWELL_DOTENV_D", "already")
	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("INKWELL_DOTENV_D"); got != "already" {
		t.Errorf("existing var overridden: %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file must be ignored, got %v", err)
	}
}
