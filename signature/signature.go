// Package signature derives per-subscription secrets and authenticates notification bodies.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/pkg/errors"
)

// HeaderName is the request header carrying the body signature.
const HeaderName = "X-Hub-Signature"

var (
	ErrMissingSignature  = errors.New("missing signature")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// DeriveSecret derives the secret for one subscription from a base secret.
// The result is hex(HMAC-SHA256(base, topicHref)).
func DeriveSecret(base, topicHref string) string {
	return hexMAC(sha256.New, []byte(base), []byte(topicHref))
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	return hexMAC(sha256.New, []byte(secret), body)
}

// Verify reports whether digest is the signature of body under secret.
// An empty secret or digest never verifies.
func Verify(secret string, body []byte, digest string) bool {
	return verifyWith(sha256.New, secret, body, digest)
}

// Header returns the X-Hub-Signature value for body.
func Header(secret string, body []byte) string {
	return "sha256=" + Sign(secret, body)
}

// VerifyHeader authenticates body against an X-Hub-Signature header value of the form "sha256=<hex>".
// Any other algorithm is rejected with ErrInvalidSignature.
func VerifyHeader(secret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}

	algo, digest, ok := strings.Cut(header, "=")

	if !ok || digest == "" {
		return ErrInvalidSignature
	}

	hasher := newHash(strings.ToLower(algo))

	if hasher == nil {
		return errors.Wrap(ErrInvalidSignature, "unsupported algorithm "+algo)
	}

	if !verifyWith(hasher, secret, body, digest) {
		return ErrSignatureMismatch
	}

	return nil
}

func verifyWith(hasher func() hash.Hash, secret string, body []byte, digest string) bool {
	if secret == "" || digest == "" {
		return false
	}

	given, err := hex.DecodeString(digest)

	if err != nil {
		return false
	}

	mac := hmac.New(hasher, []byte(secret))
	mac.Write(body)

	return hmac.Equal(mac.Sum(nil), given)
}

func hexMAC(hasher func() hash.Hash, key, message []byte) string {
	mac := hmac.New(hasher, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// newHash takes an algorithm name and returns its hash.Hash constructor, or nil if unsupported.
func newHash(hasher string) func() hash.Hash {
	switch hasher {
	case "sha256":
		return sha256.New
	}

	return nil
}
