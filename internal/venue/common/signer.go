package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Signer is the single capability §9's DESIGN NOTES calls for, replacing
// the teacher's multiple near-duplicate per-venue sign() helpers
// (pkg/exchanges/binance/spot/binance.go and
// pkg/exchanges/binance/futures_usdt/client.go each had their own). One
// Signer instance wraps a single credential's secret and owns that
// credential's monotonic nonce sequence. It takes no venue parameter:
// every adapter signs with the same scheme.
type Signer struct {
	secret []byte

	mu       sync.Mutex
	lastNonce int64
}

// NewSigner builds a Signer over a decrypted API secret. The secret is
// held only for the lifetime of this Signer value, which callers must
// not retain beyond a single ActionExecutor run or adapter call (§5:
// "Credentials are decrypted on demand and never retained beyond a
// single ActionExecutor run").
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Nonce returns the next strictly increasing nonce for this credential: a
// wall-clock millisecond timestamp, bumped by one if it would not exceed
// the previous nonce (§5: "a wall-clock millisecond plus per-credential
// sequence to avoid signature reuse").
func (s *Signer) Nonce() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := time.Now().UnixMilli()
	if n <= s.lastNonce {
		n = s.lastNonce + 1
	}
	s.lastNonce = n
	return n
}

// Sign computes the spec's signature scheme (§4.1): HMAC-SHA512 over a
// SHA-256 digest of (method, path, nonce, body), deliberately deviating
// from the teacher's HMAC-SHA256-only scheme.
func (s *Signer) Sign(method, path string, nonce int64, body string) string {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", method, path, nonce, body)))

	mac := hmac.New(sha512.New, s.secret)
	mac.Write(digest[:])
	return hex.EncodeToString(mac.Sum(nil))
}
