package config

import "golang.org/x/crypto/bcrypt"

// CheckAdminKey verifies whether the candidate matches the configured admin
// credential. A bcrypt hash, when present, takes precedence over the
// plaintext key.
func CheckAdminKey(cfg *Config, candidate string) bool {
	if cfg == nil || candidate == "" {
		return false
	}
	if cfg.AdminAPIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(cfg.AdminAPIKeyHash), []byte(candidate)) == nil
	}
	return cfg.AdminAPIKey != "" && candidate == cfg.AdminAPIKey
}

// AdminKeyValidator returns a closure suitable for middleware validation.
func AdminKeyValidator(cfg *Config) func(string) bool {
	return func(candidate string) bool {
		return CheckAdminKey(cfg, candidate)
	}
}
