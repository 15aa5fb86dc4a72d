package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Credential identifies an authenticated connection.
type Credential struct {
	UserID    string
	UserEmail string
}

// Verification errors. All of them cause a 401 before the upgrade
// completes; no partial connection is ever observable to the client.
var (
	ErrTokenMissing = errors.New("broker: missing token")
	ErrTokenInvalid = errors.New("broker: invalid token")
	ErrTokenExpired = errors.New("broker: expired token")
)

// Verifier validates the bearer credential presented at handshake time.
// Credential issuance lives elsewhere; the broker only verifies.
type Verifier interface {
	Verify(token string, now time.Time) (Credential, error)
}

// HMACVerifier verifies tokens of the form payload.signature, where
// payload is base64url(userID|userEmail|expiryUnix) and signature is
// hex(HMAC-SHA256(payload, key)).
type HMACVerifier struct {
	key []byte
}

// NewHMACVerifier constructs a verifier. The key must carry at least
// 32 bytes of secret material.
func NewHMACVerifier(key []byte) (*HMACVerifier, error) {
	if len(key) < 32 {
		return nil, errors.New("broker: hmac key too short (need >= 32 bytes)")
	}
	return &HMACVerifier{key: key}, nil
}

// Verify validates the signature and expiry and returns the embedded
// identity.
func (v *HMACVerifier) Verify(token string, now time.Time) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, ErrTokenMissing
	}

	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Credential{}, ErrTokenInvalid
	}

	want := signPayload(payload, v.key)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return Credential{}, ErrTokenInvalid
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Credential{}, ErrTokenInvalid
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 || parts[0] == "" {
		return Credential{}, ErrTokenInvalid
	}

	exp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Credential{}, ErrTokenInvalid
	}
	if now.Unix() >= exp {
		return Credential{}, ErrTokenExpired
	}

	return Credential{UserID: parts[0], UserEmail: parts[1]}, nil
}

// SignToken mints a token the HMACVerifier accepts. Used by the
// issuing service and by tests/tooling.
func SignToken(userID, userEmail string, expiry time.Time, key []byte) string {
	payload := base64.RawURLEncoding.EncodeToString(
		fmt.Appendf(nil, "%s|%s|%d", userID, userEmail, expiry.Unix()),
	)
	return payload + "." + signPayload(payload, key)
}

func signPayload(payload string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(payload))
	return hex.EncodeToString(m.Sum(nil))
}

// InsecureVerifier accepts tokens of the form "userID:userEmail"
// without any signature. Dev-only fallback when no HMAC key is
// configured.
type InsecureVerifier struct{}

// Verify parses the identity straight out of the token.
func (InsecureVerifier) Verify(token string, _ time.Time) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, ErrTokenMissing
	}
	userID, email, ok := strings.Cut(token, ":")
	if !ok || userID == "" {
		return Credential{}, ErrTokenInvalid
	}
	return Credential{UserID: userID, UserEmail: email}, nil
}
