package models

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ReasonCode is a machine readable validation failure reason.
type ReasonCode string

const (
	ReasonRequired      ReasonCode = "required"
	ReasonNotAbsolute   ReasonCode = "not_absolute"
	ReasonNotNormalized ReasonCode = "not_normalized"
	ReasonPathTraversal ReasonCode = "path_traversal"
	ReasonUnsupported   ReasonCode = "unsupported"
	ReasonMalformed     ReasonCode = "malformed"
	ReasonNegative      ReasonCode = "negative"
	ReasonOutOfRange    ReasonCode = "out_of_range"
	ReasonCollision     ReasonCode = "collision"
	ReasonInvalidOption ReasonCode = "invalid_option"
	ReasonSecretMissing ReasonCode = "secret_missing"
)

// FieldError reports one problem with one entry field.
type FieldError struct {
	Field  string     `json:"field"`
	Code   ReasonCode `json:"code"`
	Detail string     `json:"detail,omitempty"`
}

func (e FieldError) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Code)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Code, e.Detail)
}

// ValidationResult lists every problem found; empty means valid.
type ValidationResult []FieldError

// Valid reports whether no problems were found.
func (r ValidationResult) Valid() bool {
	return len(r) == 0
}

// Has reports whether the result contains code for field.
func (r ValidationResult) Has(field string, code ReasonCode) bool {
	for _, fe := range r {
		if fe.Field == field && fe.Code == code {
			return true
		}
	}
	return false
}

// HasField reports whether any problem references field.
func (r ValidationResult) HasField(field string) bool {
	for _, fe := range r {
		if fe.Field == field {
			return true
		}
	}
	return false
}

func (r ValidationResult) String() string {
	parts := make([]string, len(r))
	for i, fe := range r {
		parts[i] = fe.String()
	}
	return strings.Join(parts, "; ")
}

var entryValidator = newEntryValidator()

func newEntryValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func tagReason(tag string) ReasonCode {
	switch tag {
	case "required":
		return ReasonRequired
	case "min":
		return ReasonNegative
	case "max":
		return ReasonOutOfRange
	}
	return ReasonMalformed
}

// ValidateEntry checks entry against the mount table invariants. existing
// holds the active entries the new one must not collide with; callers
// replacing an entry leave the replaced one out. Malformed values are reported,
// never returned as errors, so every problem can be shown at once.
func ValidateEntry(entry Entry, existing []Entry) ValidationResult {
	var result ValidationResult
	failed := make(map[string]bool)

	if err := entryValidator.Struct(entry); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				result = append(result, FieldError{
					Field:  fe.Field(),
					Code:   tagReason(fe.Tag()),
					Detail: fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
				failed[fe.Field()] = true
			}
		} else {
			result = append(result, FieldError{Field: "entry", Code: ReasonMalformed, Detail: err.Error()})
		}
	}

	if !failed["fs_type"] && !entry.FSType.Supported() {
		result = append(result, FieldError{Field: "fs_type", Code: ReasonUnsupported, Detail: string(entry.FSType)})
		failed["fs_type"] = true
	}

	mountpointOK := !failed["mountpoint"]
	if mountpointOK {
		if fe, ok := checkMountpoint(entry); !ok {
			result = append(result, fe)
			mountpointOK = false
		}
	}

	if !failed["source"] {
		if fe, ok := checkSource(entry, failed["fs_type"]); !ok {
			result = append(result, fe)
		}
	}

	for _, tok := range entry.Options {
		if tok == "" || strings.ContainsAny(tok, " \t\n,") {
			result = append(result, FieldError{Field: "options", Code: ReasonInvalidOption, Detail: fmt.Sprintf("%q", tok)})
		}
	}

	if !entry.Scope.Valid() {
		result = append(result, FieldError{Field: "scope", Code: ReasonUnsupported, Detail: string(entry.Scope)})
	}

	if mountpointOK && !isSwapPlaceholder(entry) {
		target := entry.NormalizedMountpoint()
		for _, other := range existing {
			if other.IsSwap() {
				continue
			}
			if other.NormalizedMountpoint() == target {
				result = append(result, FieldError{
					Field:  "mountpoint",
					Code:   ReasonCollision,
					Detail: fmt.Sprintf("already used by %s", other.Source),
				})
				break
			}
		}
	}

	return result
}

func isSwapPlaceholder(e Entry) bool {
	return e.IsSwap() && (e.Mountpoint == "none" || e.Mountpoint == "swap")
}

func hasParentSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func checkMountpoint(e Entry) (FieldError, bool) {
	mp := e.Mountpoint
	if isSwapPlaceholder(e) {
		return FieldError{}, true
	}
	if !strings.HasPrefix(mp, "/") {
		return FieldError{Field: "mountpoint", Code: ReasonNotAbsolute, Detail: mp}, false
	}
	if hasParentSegment(mp) {
		return FieldError{Field: "mountpoint", Code: ReasonPathTraversal, Detail: mp}, false
	}
	if path.Clean(mp) != mp {
		return FieldError{Field: "mountpoint", Code: ReasonNotNormalized, Detail: "expected " + path.Clean(mp)}, false
	}
	return FieldError{}, true
}

var sourceTags = []string{"UUID=", "LABEL=", "PARTUUID=", "PARTLABEL="}

func checkSource(e Entry, typeUnknown bool) (FieldError, bool) {
	src := e.Source
	if !typeUnknown && e.FSType.IsNetwork() {
		if _, err := ParseNetworkSource(e.FSType, src); err != nil {
			return FieldError{Field: "source", Code: ReasonMalformed, Detail: err.Error()}, false
		}
		return FieldError{}, true
	}
	for _, tag := range sourceTags {
		if strings.HasPrefix(src, tag) {
			if len(src) == len(tag) {
				return FieldError{Field: "source", Code: ReasonMalformed, Detail: "empty " + strings.TrimSuffix(tag, "=")}, false
			}
			return FieldError{}, true
		}
	}
	if strings.HasPrefix(src, "/") && hasParentSegment(src) {
		return FieldError{Field: "source", Code: ReasonPathTraversal, Detail: src}, false
	}
	return FieldError{}, true
}
