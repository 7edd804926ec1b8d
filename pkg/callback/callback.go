// Package callback implements the approval callback endpoint's signed,
// time-limited tokens (spec component C8): a URL-safe token binding
// (pending_id, approver_id, action, exp), HMAC-SHA-256 signed with a
// server secret so a chat-system link can carry its own authorization.
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/amacisaac222/toolgate/pkg/models"
)

// hkdfInfo binds the derived signing key to this token purpose so the same
// server secret used elsewhere (e.g. the OIDC dev HMAC secret) can't be
// replayed as a callback-token key.
const hkdfInfo = "toolgate-callback-token-v1"

// Payload is the signed claim set bound into a callback token.
type Payload struct {
	PendingID  string `json:"pending_id"`
	ApproverID string `json:"approver_id"`
	Action     string `json:"action"`
	Exp        int64  `json:"exp"`
}

var ErrExpired = errors.New("callback: token expired")
var ErrInvalidSignature = errors.New("callback: invalid signature")
var ErrMalformed = errors.New("callback: malformed token")

// Sign produces a URL-safe token: base64url(canonical json payload) + "." +
// base64url(HMAC-SHA-256(payload, secret)), grounded directly in
// control_plane/signer.py's sign_payload (HMAC over sorted-key JSON).
func Sign(p Payload, secret string) (string, error) {
	canon, err := canonicalPayload(p)
	if err != nil {
		return "", err
	}
	mac := hmacOf(canon, secret)
	return encode(canon) + "." + encode(mac), nil
}

// Verify decodes and checks a token's signature and expiry, returning its
// payload. It does not check that the caller's identity matches
// approver_id; that binding is the HTTP handler's responsibility once it
// has both the verified token and the caller's own bearer identity.
func Verify(token, secret string, now time.Time) (Payload, error) {
	var payloadB64, sigB64 string
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			payloadB64, sigB64 = token[:i], token[i+1:]
			break
		}
	}
	if payloadB64 == "" || sigB64 == "" {
		return Payload{}, ErrMalformed
	}
	canon, err := decode(payloadB64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	sig, err := decode(sigB64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	expected := hmacOf(canon, secret)
	if !hmac.Equal(sig, expected) {
		return Payload{}, ErrInvalidSignature
	}
	var p Payload
	if err := json.Unmarshal(canon, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if now.Unix() >= p.Exp {
		return Payload{}, ErrExpired
	}
	return p, nil
}

func canonicalPayload(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return models.CanonicalizeJSON(raw)
}

func hmacOf(data []byte, secret string) []byte {
	mac := hmac.New(sha256.New, deriveKey(secret))
	mac.Write(data)
	return mac.Sum(nil)
}

// deriveKey stretches the configured secret into a purpose-bound signing
// key via HKDF-SHA-256 rather than using the raw secret as the HMAC key
// directly.
func deriveKey(secret string) []byte {
	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	io.ReadFull(kdf, key) //nolint:errcheck // fixed 32-byte read never exceeds HKDF's output limit
	return key
}

func encode(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
func decode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
