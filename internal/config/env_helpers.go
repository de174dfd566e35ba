package config

import (
	"os"
	"strconv"
	"strings"
)

func setStringFromEnv(key string, setter func(string)) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		setter(v)
	}
}

func setIntFromEnv(key string, setter func(int)) {
	setStringFromEnv(key, func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			setter(n)
		}
	})
}

func setToggleFromEnv(key string, setter func(bool)) {
	setStringFromEnv(key, func(v string) {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			setter(true)
		case "0", "false", "no", "off":
			setter(false)
		}
	})
}

func splitAndTrim(input, sep string) []string {
	var out []string
	for _, part := range strings.Split(input, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// normalizeBasePath canonicalizes the configured base path to either ""
// (serve at root) or a single-slash-prefixed path with no trailing slash.
func normalizeBasePath(raw string) string {
	path := strings.TrimSpace(raw)
	if path == "" || path == "/" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	path = strings.TrimRight(path, "/")
	if path == "/" {
		return ""
	}
	return path
}
