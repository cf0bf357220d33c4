package fhir

import (
	"strconv"
	"strings"
)

// ClauseKind identifies a query tree node type.
type ClauseKind string

const (
	ClauseMatch       ClauseKind = "match"
	ClauseWildcard    ClauseKind = "wildcard"
	ClauseRange       ClauseKind = "range"
	ClauseConjunction ClauseKind = "conjunction"
	ClauseDisjunction ClauseKind = "disjunction"
	// ClauseNone matches no document. Used when a chain sub-search resolves
	// zero IDs so the parent query stays a uniform tree instead of
	// short-circuiting to an empty result.
	ClauseNone ClauseKind = "none"
)

// RangeBounds describes a half-open or closed interval over a field.
// Empty Start or End means unbounded on that side.
type RangeBounds struct {
	Start          string `json:"start,omitempty"`
	End            string `json:"end,omitempty"`
	InclusiveStart bool   `json:"inclusiveStart,omitempty"`
	InclusiveEnd   bool   `json:"inclusiveEnd,omitempty"`
}

// Clause is one node of a compiled search query. Trees are built with the
// constructor functions below and never mutated afterwards; the same tree
// can be serialized for a cursor, rendered to store SQL, or evaluated
// in memory without coordination.
type Clause struct {
	Kind     ClauseKind   `json:"kind"`
	Field    string       `json:"field,omitempty"`
	Value    string       `json:"value,omitempty"`
	Pattern  string       `json:"pattern,omitempty"`
	Bounds   *RangeBounds `json:"bounds,omitempty"`
	Children []*Clause    `json:"children,omitempty"`
}

// Match requires a field to equal a value (analyzed, case-insensitive).
// An empty field means "any text field in the document".
func Match(field, value string) *Clause {
	return &Clause{Kind: ClauseMatch, Field: field, Value: value}
}

// Wildcard requires a field to match a pattern where `*` spans any run of
// characters. An empty field means "any text field in the document".
func Wildcard(field, pattern string) *Clause {
	return &Clause{Kind: ClauseWildcard, Field: field, Pattern: pattern}
}

// Range requires a field to fall inside the given bounds.
func Range(field string, bounds RangeBounds) *Clause {
	b := bounds
	return &Clause{Kind: ClauseRange, Field: field, Bounds: &b}
}

// MatchNone yields a clause that no document satisfies.
func MatchNone() *Clause {
	return &Clause{Kind: ClauseNone}
}

// Conjunction ANDs clauses together. Nil children are skipped; a single
// surviving child is returned as-is; no children yields nil (match-all).
func Conjunction(children ...*Clause) *Clause {
	return combine(ClauseConjunction, children)
}

// Disjunction ORs clauses together with the same normalization rules as
// Conjunction.
func Disjunction(children ...*Clause) *Clause {
	return combine(ClauseDisjunction, children)
}

func combine(kind ClauseKind, children []*Clause) *Clause {
	kept := make([]*Clause, 0, len(children))
	for _, c := range children {
		if c != nil {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return &Clause{Kind: kind, Children: kept}
	}
}

// SortField orders search results by a document field path.
type SortField struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Matches evaluates the clause against a decoded document. This is the
// reference semantics for the tree; the in-memory search index is built on
// it and the SQL serializer must agree with it.
func (c *Clause) Matches(doc Document) bool {
	if c == nil {
		return true
	}
	switch c.Kind {
	case ClauseMatch:
		for _, v := range FieldValues(doc, c.Field) {
			if strings.EqualFold(v, c.Value) {
				return true
			}
		}
		return false
	case ClauseWildcard:
		for _, v := range FieldValues(doc, c.Field) {
			if wildcardMatch(strings.ToLower(v), strings.ToLower(c.Pattern)) {
				return true
			}
		}
		return false
	case ClauseRange:
		for _, v := range FieldValues(doc, c.Field) {
			if c.Bounds.contains(v) {
				return true
			}
		}
		return false
	case ClauseConjunction:
		for _, child := range c.Children {
			if !child.Matches(doc) {
				return false
			}
		}
		return true
	case ClauseDisjunction:
		for _, child := range c.Children {
			if child.Matches(doc) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (b *RangeBounds) contains(value string) bool {
	if b == nil {
		return false
	}
	if b.Start != "" {
		cmp := compareValues(value, b.Start)
		if cmp < 0 || (cmp == 0 && !b.InclusiveStart) {
			return false
		}
	}
	if b.End != "" {
		cmp := compareValues(value, b.End)
		if cmp > 0 || (cmp == 0 && !b.InclusiveEnd) {
			return false
		}
	}
	return true
}

// compareValues orders two scalars numerically when both parse as numbers,
// otherwise lexically. For date strings the document value is truncated to
// the bound's precision first, so "2020-05-01" equals a bound of "2020".
func compareValues(docValue, bound string) int {
	dv, derr := strconv.ParseFloat(docValue, 64)
	bv, berr := strconv.ParseFloat(bound, 64)
	if derr == nil && berr == nil {
		switch {
		case dv < bv:
			return -1
		case dv > bv:
			return 1
		default:
			return 0
		}
	}
	if len(docValue) > len(bound) {
		docValue = docValue[:len(bound)]
	}
	return strings.Compare(docValue, bound)
}

// FieldValues collects the string forms of every value reachable by a
// dot-separated path, fanning out through arrays at each step. An empty
// path collects every string leaf in the document.
func FieldValues(doc Document, path string) []string {
	if path == "" {
		var out []string
		collectStrings(doc, &out)
		return out
	}
	values := []interface{}{doc}
	for _, seg := range strings.Split(path, ".") {
		var next []interface{}
		for _, v := range values {
			switch t := v.(type) {
			case map[string]interface{}:
				if child, ok := t[seg]; ok {
					next = append(next, flatten(child)...)
				}
			case []interface{}:
				for _, item := range t {
					if m, ok := item.(map[string]interface{}); ok {
						if child, ok := m[seg]; ok {
							next = append(next, flatten(child)...)
						}
					}
				}
			}
		}
		values = next
		if len(values) == 0 {
			return nil
		}
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := scalarString(v); ok {
			out = append(out, s)
		}
	}
	return out
}

func flatten(v interface{}) []interface{} {
	if arr, ok := v.([]interface{}); ok {
		return arr
	}
	return []interface{}{v}
}

func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	default:
		return "", false
	}
}

func collectStrings(v interface{}, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case map[string]interface{}:
		for _, child := range t {
			collectStrings(child, out)
		}
	case []interface{}:
		for _, child := range t {
			collectStrings(child, out)
		}
	}
}

// wildcardMatch matches pattern segments separated by `*` in order.
func wildcardMatch(s, pattern string) bool {
	segs := strings.Split(pattern, "*")
	if len(segs) == 1 {
		return s == pattern
	}
	if segs[0] != "" && !strings.HasPrefix(s, segs[0]) {
		return false
	}
	s = s[len(segs[0]):]
	for i := 1; i < len(segs)-1; i++ {
		idx := strings.Index(s, segs[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(segs[i]):]
	}
	last := segs[len(segs)-1]
	return last == "" || strings.HasSuffix(s, last)
}
