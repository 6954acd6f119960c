package icap

import (
	"io"
	"sort"
	"strings"
)

// Header holds ICAP header fields. Names are kept exactly as received, so
// lookups are case-sensitive.
type Header map[string]string

// Set stores value under key, replacing any previous value. Both are trimmed.
func (h Header) Set(key, value string) {
	h[strings.TrimSpace(key)] = strings.TrimSpace(value)
}

// Get returns the value stored under key, or "".
func (h Header) Get(key string) string {
	return h[key]
}

// Lookup reports whether key is present.
func (h Header) Lookup(key string) (string, bool) {
	v, ok := h[key]
	return v, ok
}

// Del removes key.
func (h Header) Del(key string) {
	delete(h, key)
}

// Keys returns the header names in sorted order.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Write writes each field as a "Name: Value" line, sorted by name.
func (h Header) Write(w io.Writer) error {
	for _, k := range h.Keys() {
		if _, err := io.WriteString(w, k+": "+sanitizeValue(h[k])+"\r\n"); err != nil {
			return err
		}
	}
	return nil
}

// sanitizeValue keeps header values from injecting extra lines.
func sanitizeValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
