package models

import (
	"fmt"
	"os"
	"strings"

	"github.com/doctrine-review/inkwell/internal/secrets"
)

// defaultKeyEnv maps providers to the environment variable consulted
// when a model config carries no api_key of its own.
var defaultKeyEnv = map[string]string{
	ProviderOpenAI: "OPENAI_API_KEY",
	ProviderClaude: "ANTHROPIC_API_KEY",
	ProviderGemini: "GEMINI_API_KEY",
}

// resolveAPIKey resolves the credential for a provider. Resolution
// order: ENC[age:...] blob via the keeper, ${ENV_VAR} indirection,
// literal value, then the provider's default environment variable.
// Ollama needs no credential and resolves to "".
func resolveAPIKey(keeper *secrets.Keeper, provider, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)

	if secrets.IsEncrypted(trimmed) {
		if keeper == nil {
			return "", fmt.Errorf("provider %s: encrypted api_key but no identity configured", provider)
		}
		key, err := keeper.Reveal(trimmed)
		if err != nil {
			return "", fmt.Errorf("provider %s: decrypt api_key: %w", provider, err)
		}
		return key, nil
	}

	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		name := trimmed[2 : len(trimmed)-1]
		if key := os.Getenv(name); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("provider %s: %s not set", provider, name)
	}

	if trimmed != "" {
		return trimmed, nil
	}

	if provider == ProviderOllama {
		return "", nil
	}
	env, ok := defaultKeyEnv[provider]
	if !ok {
		return "", fmt.Errorf("provider %s: no api_key configured", provider)
	}
	if key := os.Getenv(env); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("provider %s: %s not set", provider, env)
}
