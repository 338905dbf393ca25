package mediacontrol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrSecretNotConfigured is returned instead of producing an unsigned request.
var ErrSecretNotConfigured = errors.New("media control secret not configured")

// Signer computes the request signature expected by the media control API:
// lowercase hex HMAC-SHA256 over nonce + path + canonical params.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the signature for one request. It is pure for a given input.
func (s *Signer) Sign(nonce, path string, params url.Values) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrSecretNotConfigured
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(nonce))
	mac.Write([]byte(path))
	mac.Write([]byte(CanonicalParams(params)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// CanonicalParams renders params as key=value pairs sorted by key and joined
// with '&'. Values are not escaped; repeated keys keep their given order.
func CanonicalParams(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range params[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// NonceSource hands out unix-millisecond nonces that never repeat within a process.
type NonceSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewNonceSource creates a nonce source; now defaults to time.Now.
func NewNonceSource(now func() time.Time) *NonceSource {
	if now == nil {
		now = time.Now
	}
	return &NonceSource{now: now}
}

// Next returns the next nonce.
func (n *NonceSource) Next() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.now().UnixMilli()
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return strconv.FormatInt(v, 10)
}
