package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	headerAPIKey    = "X-Api-Key"
	headerTimestamp = "X-Timestamp"
	headerNonce     = "X-Nonce"
	headerSignature = "X-Signature"

	maxBodyForSignature = 1 << 20
)

var (
	errMissingAuthHeaders = errors.New("auth: missing authentication headers")
	errUnknownAPIKey      = errors.New("auth: unknown api key")
	errTimestampSkew      = errors.New("auth: timestamp outside the allowed window")
	errNonceReplayed      = errors.New("auth: nonce already used")
	errBadSignature       = errors.New("auth: signature mismatch")
)

// Principal identifies an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies API key + HMAC-SHA256 signatures on incoming
// requests. Nonces are remembered for the configured TTL to block replays.
type Authenticator struct {
	secrets map[string]string
	skew    time.Duration
	ttl     time.Duration
	nowFn   func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewAuthenticator builds an authenticator from API key identifiers mapped to
// their shared secrets.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		cloned[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	if nonceTTL < skew {
		nonceTTL = 2 * skew
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secrets: cloned,
		skew:    skew,
		ttl:     nonceTTL,
		nowFn:   nowFn,
		nonces:  make(map[string]time.Time),
	}
}

// Authenticate validates the request headers and signature, returning the
// caller principal on success.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	apiKey := strings.TrimSpace(r.Header.Get(headerAPIKey))
	timestamp := strings.TrimSpace(r.Header.Get(headerTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	signature := strings.TrimSpace(r.Header.Get(headerSignature))
	if apiKey == "" || timestamp == "" || nonce == "" || signature == "" {
		return nil, errMissingAuthHeaders
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errUnknownAPIKey
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, errTimestampSkew
	}
	now := a.nowFn()
	delta := now.Sub(time.Unix(unix, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > a.skew {
		return nil, errTimestampSkew
	}

	expected := ComputeSignature(secret, timestamp, nonce, r.Method, r.URL.Path, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, errBadSignature
	}

	if !a.recordNonce(apiKey+"\x00"+nonce, now) {
		return nil, errNonceReplayed
	}
	return &Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) recordNonce(key string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for candidate, seen := range a.nonces {
		if now.Sub(seen) > a.ttl {
			delete(a.nonces, candidate)
		}
	}
	if _, used := a.nonces[key]; used {
		return false
	}
	a.nonces[key] = now
	return true
}

// ComputeSignature derives the hex HMAC-SHA256 signature clients must send.
// The signed payload binds the timestamp, nonce, method, path and body hash.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) string {
	bodyDigest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(hex.EncodeToString(bodyDigest[:])))
	return hex.EncodeToString(mac.Sum(nil))
}
