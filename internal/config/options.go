// Package config holds the pipeline configuration document, the loose option
// bag handed to parsers, validation, environment overrides, and the small
// persistent settings file used by the CLI.
package config

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// Options is a free-form option bag decoded from JSON. Accessors never fail:
// a missing or mistyped value yields the supplied default.
type Options map[string]any

// Any returns the raw value for key.
func (o Options) Any(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o[key]
	return v, ok
}

// Bool reads a boolean; "true"/"false" strings are accepted.
func (o Options) Bool(key string, def bool) bool {
	v, ok := o.Any(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	return def
}

// Int reads an integer from any JSON number or numeric string.
func (o Options) Int(key string, def int) int {
	v, ok := o.Any(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Rune reads a single-character string such as a delimiter. "\t" is
// accepted as an escape for tab.
func (o Options) Rune(key string, def rune) rune {
	s, ok := o.Any(key)
	if !ok {
		return def
	}
	str, ok := s.(string)
	if !ok {
		return def
	}
	if str == `\t` {
		return '\t'
	}
	if utf8.RuneCountInString(str) != 1 {
		return def
	}
	r, _ := utf8.DecodeRuneInString(str)
	return r
}

// String reads a string value.
func (o Options) String(key, def string) string {
	v, ok := o.Any(key)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// StringMap reads an object whose values are strings. Non-string values are
// skipped.
func (o Options) StringMap(key string) map[string]string {
	v, ok := o.Any(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case map[string]string:
		return t
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, vv := range t {
			if s, ok := vv.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// Duration reads a Go duration string ("90s") or a number of seconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	v, ok := o.Any(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(t)); err == nil {
			return d
		}
	case float64:
		return time.Duration(t * float64(time.Second))
	case int:
		return time.Duration(t) * time.Second
	}
	return def
}
