package models

import "strings"

// Options is an ordered list of mount option tokens (key or key=value).
// A key appears at most once; when normalized, the last value wins and the
// position of the first occurrence is kept.
type Options []string

// ParseOptions splits a comma-joined option field and normalizes it.
func ParseOptions(field string) Options {
	if field == "" {
		return nil
	}
	return NewOptions(strings.Split(field, ",")...)
}

// NewOptions builds normalized options from tokens. Empty tokens are dropped.
func NewOptions(tokens ...string) Options {
	var out Options
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		out = out.Set(tok)
	}
	return out
}

// OptionKey returns the key part of a token.
func OptionKey(token string) string {
	k, _, _ := strings.Cut(token, "=")
	return k
}

func (o Options) index(key string) int {
	for i, tok := range o {
		if OptionKey(tok) == key {
			return i
		}
	}
	return -1
}

// Has reports whether an option with key is present.
func (o Options) Has(key string) bool {
	return o.index(key) >= 0
}

// Get returns the value for key and whether the key exists.
// Flags without a value return "" and true.
func (o Options) Get(key string) (string, bool) {
	i := o.index(key)
	if i < 0 {
		return "", false
	}
	_, v, _ := strings.Cut(o[i], "=")
	return v, true
}

// Set returns a copy with token applied: an existing token with the same key
// is replaced in place, otherwise the token is appended.
func (o Options) Set(token string) Options {
	out := o.Clone()
	if i := out.index(OptionKey(token)); i >= 0 {
		out[i] = token
		return out
	}
	return append(out, token)
}

// Delete returns a copy without the option key.
func (o Options) Delete(key string) Options {
	out := make(Options, 0, len(o))
	for _, tok := range o {
		if OptionKey(tok) != key {
			out = append(out, tok)
		}
	}
	return out
}

// Merge returns o with every token of overrides applied; overrides win on key conflicts.
func (o Options) Merge(overrides Options) Options {
	out := o.Clone()
	for _, tok := range overrides {
		out = out.Set(tok)
	}
	return out
}

// WithoutUserspace drops x-* options, which are for userspace tools and never
// handed to the mount helper.
func (o Options) WithoutUserspace() Options {
	out := make(Options, 0, len(o))
	for _, tok := range o {
		if !strings.HasPrefix(tok, "x-") {
			out = append(out, tok)
		}
	}
	return out
}

// Clone returns an independent copy.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	copy(out, o)
	return out
}

// String joins the options; an empty list renders as "defaults".
func (o Options) String() string {
	if len(o) == 0 {
		return "defaults"
	}
	return strings.Join(o, ",")
}
