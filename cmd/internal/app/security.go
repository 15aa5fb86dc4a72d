package app

import (
	"errors"
	"strings"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// Fail-fast is intentional: silently falling back to the unverified dev
// token format in production is unacceptable.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 secret. Measured in bytes
	// (not runes) because the key is used as raw bytes.
	key := strings.TrimSpace(cfg.TokenHMACKey)
	if key == "" {
		return errors.New("security policy: WEFT_REQUIRE_TOKEN_HMAC=true but WEFT_TOKEN_HMAC_KEY is missing")
	}
	if len(key) < 32 {
		return errors.New("security policy: WEFT_REQUIRE_TOKEN_HMAC=true but WEFT_TOKEN_HMAC_KEY is too short (min 32 bytes)")
	}
	return nil
}
