package transform

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Func is a named custom transformation. It receives the values of the
// rule's sources (nil when absent) and the rule's args, and must be
// deterministic.
type Func func(values []any, args map[string]any) (any, error)

// Functions is a concurrency-safe registry of custom functions.
type Functions struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewFunctions returns a registry pre-loaded with the built-in functions.
func NewFunctions() *Functions {
	f := &Functions{funcs: make(map[string]Func)}
	f.Register("normalize_phone", normalizePhone)
	f.Register("digits_only", digitsOnly)
	f.Register("first_non_empty", firstNonEmpty)
	f.Register("format_name", formatName)
	f.Register("title_case", titleCase)
	return f
}

// Register adds or replaces a function.
func (f *Functions) Register(name string, fn Func) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

// Lookup returns the function registered under name.
func (f *Functions) Lookup(name string) (Func, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.funcs[name]
	return fn, ok
}

// Names lists registered function names in sorted order.
func (f *Functions) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.funcs))
	for n := range f.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func firstString(values []any) (string, bool) {
	if len(values) == 0 || values[0] == nil {
		return "", false
	}
	s, ok := values[0].(string)
	return s, ok
}

// normalizePhone keeps digits and a leading plus sign.
func normalizePhone(values []any, args map[string]any) (any, error) {
	s, ok := firstString(values)
	if !ok {
		return nil, fmt.Errorf("normalize_phone: expected a string")
	}
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if cc, ok := args["country_code"].(string); ok && !strings.HasPrefix(out, "+") {
		out = "+" + strings.TrimPrefix(cc, "+") + out
	}
	if strings.TrimPrefix(out, "+") == "" {
		return nil, fmt.Errorf("normalize_phone: %q has no digits", s)
	}
	return out, nil
}

func digitsOnly(values []any, _ map[string]any) (any, error) {
	s, ok := firstString(values)
	if !ok {
		return nil, fmt.Errorf("digits_only: expected a string")
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s), nil
}

func firstNonEmpty(values []any, _ map[string]any) (any, error) {
	for _, v := range values {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return v, nil
	}
	return nil, fmt.Errorf("first_non_empty: all sources empty")
}

// formatName joins given and family names; given may be a string or a list.
func formatName(values []any, _ map[string]any) (any, error) {
	var parts []string
	for _, v := range values {
		switch t := v.(type) {
		case string:
			if t != "" {
				parts = append(parts, t)
			}
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok && s != "" {
					parts = append(parts, s)
				}
			}
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("format_name: no name parts")
	}
	return strings.Join(parts, " "), nil
}

func titleCase(values []any, _ map[string]any) (any, error) {
	s, ok := firstString(values)
	if !ok {
		return nil, fmt.Errorf("title_case: expected a string")
	}
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " "), nil
}
