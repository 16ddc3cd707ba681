package secrets

import (
	"fmt"
	"os"
	"strings"
)

// SetEntry writes or updates a KEY=VALUE line in a .env file, preserving
// comments, ordering, and blank lines. Used by `inkwell secrets encrypt
// --env KEY` to store encrypted values next to the service.
func SetEntry(path, key, value string) error {
	var lines []string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if s := strings.TrimRight(string(data), "\n"); s != "" {
			lines = strings.Split(s, "\n")
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("read dotenv: %w", err)
	}

	entry := key + "=" + quoteValue(value)
	if i := findKey(lines, key); i >= 0 {
		lines[i] = entry
	} else {
		lines = append(lines, entry)
	}

	out := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(out), 0o600)
}

// findKey returns the index of the line defining key, or -1.
func findKey(lines []string, key string) int {
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		k, _, ok := strings.Cut(trimmed, "=")
		if ok && strings.TrimSpace(k) == key {
			return i
		}
	}
	return -1
}

// quoteValue wraps the value in double quotes when it contains characters
// that would break naive KEY=VALUE parsing.
func quoteValue(v string) string {
	if !strings.ContainsAny(v, " \t\"'\\#$") {
		return v
	}
	escaped := strings.ReplaceAll(v, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}
