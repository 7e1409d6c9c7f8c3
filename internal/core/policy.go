package core

import (
	"strings"

	"github.com/seantiz/taskgrid/internal/model"
)

// ErrorContext describes where an error was caught.
type ErrorContext struct {
	Component string
	Operation string
	Err       error
	// Keywords are extra tags naming the step that failed.
	Keywords []string
}

// ErrorPolicy decides whether an error caught at a component boundary is
// logged and swallowed (Ignore returns true) or returned to the caller.
type ErrorPolicy interface {
	Ignore(ec ErrorContext) bool
}

// KeywordPolicy ignores every error except those whose component, operation,
// keywords or error class (including ancestor classes) is listed. The
// keyword "all" makes every error propagate. Fatal errors always propagate.
type KeywordPolicy struct {
	propagate map[string]bool
}

var _ ErrorPolicy = (*KeywordPolicy)(nil)

// NewKeywordPolicy returns a policy propagating the given keywords.
// Matching is case-insensitive.
func NewKeywordPolicy(keywords ...string) *KeywordPolicy {
	p := &KeywordPolicy{propagate: make(map[string]bool)}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			p.propagate[k] = true
		}
	}
	return p
}

// ParseKeywordPolicy builds a policy from a comma- or space-separated list.
func ParseKeywordPolicy(s string) *KeywordPolicy {
	return NewKeywordPolicy(strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})...)
}

// Ignore implements ErrorPolicy.
func (p *KeywordPolicy) Ignore(ec ErrorContext) bool {
	if model.IsFatal(ec.Err) {
		return false
	}
	if p.propagate["all"] {
		return false
	}
	tags := append([]string{ec.Component, ec.Operation}, ec.Keywords...)
	if c := model.ClassOf(ec.Err); c != nil {
		tags = append(tags, c.Lineage()...)
	}
	for _, t := range tags {
		if p.propagate[strings.ToLower(t)] {
			return false
		}
	}
	return true
}
