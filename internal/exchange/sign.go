// Package exchange implements the signed BingX swap REST API client.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrSigning marks credential or canonicalization failures. Every signed call
// would fail the same way, so callers abort the whole pass on it.
var ErrSigning = errors.New("request signing failed")

// Canonical renders params as lexicographically sorted key=value pairs joined
// by '&'. The exchange recomputes the signature server-side over the same
// string, so this form must be bit-exact.
func Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Sign computes the hex HMAC-SHA256 of the canonical query string.
func Sign(params map[string]string, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: empty api secret", ErrSigning)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Canonical(params)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
