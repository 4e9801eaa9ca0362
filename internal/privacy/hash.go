// Package privacy keeps raw client addresses out of storage.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// HashIP derives a salted one-way identifier for ip. The digest covers the
// ip bytes, a single NUL separator, then the salt bytes, and is returned as
// lowercase hex. It reports false when either input is empty, in which case
// nothing about the address should be stored.
func HashIP(ip, salt string) (string, bool) {
	if ip == "" || salt == "" {
		return "", false
	}
	h := sha256.New()
	h.Write([]byte(ip))
	h.Write([]byte{0})
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil)), true
}

// proxyHeaders are consulted in order before the peer address.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// ClientIP returns the best guess at the originating client address.
// X-Forwarded-For contributes only its first hop.
func ClientIP(r *http.Request) string {
	for _, header := range proxyHeaders {
		value := r.Header.Get(header)
		if value == "" {
			continue
		}
		if header == "X-Forwarded-For" {
			value, _, _ = strings.Cut(value, ",")
		}
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
