// Package attr parses tag attribute strings of the form
// "protocol=ab_eip&gateway=10.1.1.5&path=1,0&plc=controllogix&name=Counter".
package attr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/srdgame/libplctag-sub000/status"
)

// Attributes is a parsed attribute string. Keys are lower case.
type Attributes map[string]string

// Parse splits s on '&' into key=value pairs. Whitespace around keys and
// values is dropped. Empty pairs are skipped; a pair without '=' or with an
// empty key is a configuration error.
func Parse(s string) (Attributes, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("attribute string is empty: %w", status.ErrBadParam)
	}

	a := make(Attributes)
	for _, pair := range strings.Split(s, "&") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed attribute %q: %w", pair, status.ErrBadParam)
		}
		a[k] = strings.TrimSpace(v)
	}
	return a, nil
}

// String re-encodes the attributes with keys in sorted order.
func (a Attributes) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+a[k])
	}
	return strings.Join(parts, "&")
}

// Has reports whether key is present.
func (a Attributes) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Str returns the value of key or def when absent or empty.
func (a Attributes) Str(key, def string) string {
	if v, ok := a[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value of key or def when absent.
func (a Attributes) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("attribute %s=%q is not an integer: %w", key, v, status.ErrBadParam)
	}
	return n, nil
}

// Bool accepts 0/1 and true/false.
func (a Attributes) Bool(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("attribute %s=%q is not a boolean: %w", key, v, status.ErrBadParam)
	}
	return b, nil
}

// First returns the value of the first present key, for aliases such as
// cpu and plc.
func (a Attributes) First(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := a[k]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}
