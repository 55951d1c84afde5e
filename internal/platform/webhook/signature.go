package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"time"
)

func hasher(algorithm string) (func() hash.Hash, string, error) {
	switch strings.ToLower(algorithm) {
	case "", AlgorithmSHA256:
		return sha256.New, "sha256", nil
	case AlgorithmSHA512:
		return sha512.New, "sha512", nil
	}
	return nil, "", fmt.Errorf("unsupported signature algorithm %q", algorithm)
}

// Sign computes the signature header value for payload, such as
// "sha256=<hex>".
func Sign(algorithm, secret string, payload []byte) (string, error) {
	h, prefix, err := hasher(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(payload)
	return prefix + "=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks header against payload in constant time. The header may
// carry the algorithm prefix or be bare hex.
func Verify(algorithm, secret string, payload []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	h, prefix, err := hasher(algorithm)
	if err != nil {
		return false
	}
	got := strings.TrimSpace(header)
	if i := strings.IndexByte(got, '='); i >= 0 {
		if !strings.EqualFold(got[:i], prefix) {
			return false
		}
		got = got[i+1:]
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(sig, mac.Sum(nil))
}

// verifySubscription accepts the current secret, or the previous one while
// it is inside the rotation grace window.
func verifySubscription(s *Subscription, payload []byte, header string, grace time.Duration, now time.Time) bool {
	if Verify(s.Algorithm, s.Secret, payload, header) {
		return true
	}
	if s.PreviousSecret == "" || s.SecretRotatedAt == nil {
		return false
	}
	if now.Sub(*s.SecretRotatedAt) > grace {
		return false
	}
	return Verify(s.Algorithm, s.PreviousSecret, payload, header)
}

// generateSecret creates a cryptographically random 32-byte hex secret.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
