package ipc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Auth tokens are minted by the broker for exactly one operation and
// validated independently by the helper. A token binds the session key to
// the capability id and correlation id it was minted for, carries an
// expiry, and is single-use: the helper's ReplayGuard refuses a nonce it
// has seen before even inside the validity window.

// MintToken creates a single-operation authorization token.
func MintToken(sessionKey []byte, nonce, capabilityID, correlationID string, ttl time.Duration) string {
	expiry := time.Now().Add(ttl).Unix()
	sig := tokenSignature(sessionKey, nonce, capabilityID, correlationID, expiry)
	raw := fmt.Sprintf("%s.%d.%s", nonce, expiry, sig)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ValidateToken checks a token's signature, expiry, and binding to the
// capability and correlation ids of the request it arrived with.
// The returned nonce must then be checked against a ReplayGuard.
func ValidateToken(sessionKey []byte, token, capabilityID, correlationID string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("ipc: malformed auth token: %w", err)
	}

	parts := strings.SplitN(string(raw), ".", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("ipc: malformed auth token")
	}
	nonce, expiryStr, sig := parts[0], parts[1], parts[2]

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("ipc: malformed auth token expiry")
	}
	if time.Now().Unix() > expiry {
		return "", fmt.Errorf("ipc: auth token expired")
	}

	expected := tokenSignature(sessionKey, nonce, capabilityID, correlationID, expiry)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return "", fmt.Errorf("ipc: auth token signature mismatch")
	}
	return nonce, nil
}

func tokenSignature(key []byte, nonce, capabilityID, correlationID string, expiry int64) string {
	mac := hmac.New(sha256.New, key)
	// Length-prefixed fields prevent delimiter collisions between field
	// combinations.
	for _, field := range []string{nonce, capabilityID, correlationID, strconv.FormatInt(expiry, 10)} {
		fmt.Fprintf(mac, "%d:%s", len(field), field)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// ReplayGuard enforces single use of token nonces. Entries expire with the
// token TTL so the set stays bounded.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewReplayGuard creates a guard whose entries outlive the token TTL.
func NewReplayGuard(ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// FirstUse records the nonce and reports whether this was its first use.
func (g *ReplayGuard) FirstUse(nonce string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for n, t := range g.seen {
		if now.Sub(t) > g.ttl {
			delete(g.seen, n)
		}
	}

	if _, used := g.seen[nonce]; used {
		return false
	}
	g.seen[nonce] = now
	return true
}
