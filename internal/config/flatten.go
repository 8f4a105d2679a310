package config

import (
	"sort"
	"strings"
)

// Dotted keys whose values are credentials.
var secretKeys = []string{
	"llm.api_key",
	"bank.api_key",
	"telegram.token",
}

func IsSecretKey(key string) bool {
	for _, k := range secretKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Flatten turns {"llm": {"model": "x"}} into {"llm.model": "x"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A dotted key whose parent already
// holds a scalar replaces that scalar with a map.
func Unflatten(flat map[string]any) map[string]any {
	root := make(map[string]any)
	for key, v := range flat {
		node := root
		parts := strings.Split(key, ".")
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return root
}

// SortedKeys returns the keys of flat in lexical order.
func SortedKeys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MaskSecrets copies flat, replacing non-empty secret strings with "***"
// plus their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			out[k] = mask(s)
		}
	}
	return out
}

func mask(s string) string {
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return "***" + s
}
