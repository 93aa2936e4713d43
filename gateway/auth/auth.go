package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	defaultTimestampSkew = 2 * time.Minute
	defaultNonceWindow   = 10 * time.Minute
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
// Nonces are tracked in memory for the configured TTL to reject replays.
type Authenticator struct {
	secrets  map[string]string
	skew     time.Duration
	nonceTTL time.Duration
	nowFn    func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewAuthenticator builds an Authenticator keyed by the provided secrets. The
// map should contain API key identifiers mapped to their shared secret.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	return &Authenticator{
		secrets:  cloned,
		skew:     skew,
		nonceTTL: nonceTTL,
		nowFn:    nowFn,
		nonces:   make(map[string]time.Time),
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestamp == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	issued, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, errors.New("invalid X-Timestamp header")
	}
	now := a.nowFn()
	drift := now.Sub(time.Unix(issued, 0))
	if drift > a.skew || drift < -a.skew {
		return nil, errors.New("timestamp outside allowed skew")
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if signature == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	supplied, err := hex.DecodeString(signature)
	if err != nil {
		return nil, errors.New("invalid X-Signature header")
	}
	if !hmac.Equal(expected, supplied) {
		return nil, errors.New("signature mismatch")
	}
	if err := a.rememberNonce(apiKey, nonce, now); err != nil {
		return nil, err
	}
	return &Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) rememberNonce(apiKey, nonce string, now time.Time) error {
	key := apiKey + "|" + nonce
	a.mu.Lock()
	defer a.mu.Unlock()
	for seen, expiry := range a.nonces {
		if now.After(expiry) {
			delete(a.nonces, seen)
		}
	}
	if _, used := a.nonces[key]; used {
		return errors.New("nonce already used")
	}
	a.nonces[key] = now.Add(a.nonceTTL)
	return nil
}

// ComputeSignature derives the HMAC-SHA256 request signature over the
// canonical request representation.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(hex.EncodeToString(bodyHash[:])))
	return mac.Sum(nil)
}

// CanonicalRequestPath normalises the request path and query for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	query := CanonicalQuery(r.URL.RawQuery)
	if query == "" {
		return path
	}
	return path + "?" + query
}

// CanonicalQuery sorts query parameters so signatures are stable regardless
// of client-side ordering.
func CanonicalQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var parts []string
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, val := range vals {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(val))
		}
	}
	return strings.Join(parts, "&")
}
