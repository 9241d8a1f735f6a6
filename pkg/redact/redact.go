package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Credential-bearing headers never reach the ledger in the clear. Their
// values are replaced with a salted sha256 digest, so identical credentials
// stay correlatable across receipts without being recoverable.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"x-auth-token":        {},
}

// Sensitive reports whether a header name carries credential material.
func Sensitive(name string) bool {
	_, ok := sensitiveHeaders[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Value produces the salted digest recorded in place of a sensitive value.
func Value(v string, salt []byte) string {
	return "sha256:" + hashBytes([]byte(v), salt)
}

// Headers flattens request headers for a receipt. Multi-valued headers are
// joined, sensitive values are digested.
func Headers(h http.Header, salt []byte) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		joined := strings.Join(values, ",")
		if Sensitive(name) {
			out[name] = Value(joined, salt)
			continue
		}
		out[name] = joined
	}
	return out
}

// Map digests the named keys of a flat metadata map, leaving the rest alone.
func Map(m map[string]string, keys []string, salt []byte) map[string]string {
	if len(m) == 0 {
		return m
	}
	digest := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		digest[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if _, ok := digest[strings.ToLower(k)]; ok {
			out[k] = Value(v, salt)
			continue
		}
		out[k] = v
	}
	return out
}

func hashBytes(b, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
