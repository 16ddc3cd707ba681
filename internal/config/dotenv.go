package config

import (
	"os"
	"strings"
)

// LoadDotenv reads a .env file and sets environment variables that are
// not already defined. A missing file is silently ignored; existing env
// vars are never overridden. Lines may use an optional "export " prefix.
func LoadDotenv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, raw := range strings.Split(string(data), "\n") {
		key, value, ok := parseDotenvLine(raw)
		if !ok {
			continue
		}
		if _, defined := os.LookupEnv(key); !defined {
			os.Setenv(key, value)
		}
	}
	return nil
}

// parseDotenvLine extracts a KEY=VALUE pair; comments, blanks, and
// malformed lines report ok=false.
func parseDotenvLine(raw string) (key, value string, ok bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, value, ok = strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(value)), true
}

// unquote strips matching surrounding quotes (single or double).
func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
