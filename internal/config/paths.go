package config

import "os"

// DataPath returns the root directory for inkwell runtime data.
// It uses $INKWELL_DATA if set, otherwise ./data relative to the
// working directory (inkwell runs as a service, not a user tool).
func DataPath() string {
	if v := os.Getenv("INKWELL_DATA"); v != "" {
		return v
	}
	return "data"
}

// ConfigPath resolves the config file location: $INKWELL_CONFIG if set,
// otherwise ./inkwell.jsonc. The --config flag overrides both.
func ConfigPath() string {
	if v := os.Getenv("INKWELL_CONFIG"); v != "" {
		return v
	}
	return "inkwell.jsonc"
}

// DotenvPath returns the .env file loaded at process start.
func DotenvPath() string {
	return ".env"
}
