// Package auth verifies callback requests from the external scrape worker.
// The worker carries no user session; a shared secret authenticates the
// process itself, independent of the user-facing API auth.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strconv"
)

// TokenLogPrefix is how many hex characters of a presented token may appear
// in logs. Never log more than this.
const TokenLogPrefix = 8

// Signer computes and verifies HMAC-SHA256 signatures with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer with the given shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// SignField returns the hex signature over the decimal session id. This is
// the signed-field protocol used by update-total style callbacks.
func (s *Signer) SignField(sessionID int64) string {
	return s.sign([]byte(strconv.FormatInt(sessionID, 10)))
}

// VerifyField checks a signed-field token in constant time.
func (s *Signer) VerifyField(sessionID int64, token string) bool {
	return hmac.Equal([]byte(s.SignField(sessionID)), []byte(token))
}

// SignBody returns the hex signature over raw request body bytes. This is the
// signed-body protocol used by discovery batch callbacks.
func (s *Signer) SignBody(body []byte) string {
	return s.sign(body)
}

// VerifyBody checks a signed-body signature in constant time.
func (s *Signer) VerifyBody(body []byte, signature string) bool {
	return hmac.Equal([]byte(s.SignBody(body)), []byte(signature))
}

func (s *Signer) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// TruncateToken returns the loggable prefix of a token.
func TruncateToken(token string) string {
	if len(token) <= TokenLogPrefix {
		return token
	}
	return token[:TokenLogPrefix]
}

// Allowlist restricts worker callbacks to known caller IPs. An empty
// allowlist permits everything.
type Allowlist struct {
	ips map[string]struct{}
}

// NewAllowlist builds an Allowlist from IP strings.
func NewAllowlist(ips []string) *Allowlist {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if ip != "" {
			set[ip] = struct{}{}
		}
	}
	return &Allowlist{ips: set}
}

// Allows reports whether the remote address (host or host:port) may call in.
func (a *Allowlist) Allows(remoteAddr string) bool {
	if len(a.ips) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	_, ok := a.ips[host]
	return ok
}
