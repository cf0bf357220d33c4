package fhir

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// SearchPrefix is the comparison prefix of a date or number search value.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa"
	PrefixEb SearchPrefix = "eb"
	PrefixAp SearchPrefix = "ap"
)

var knownPrefixes = map[SearchPrefix]bool{
	PrefixEq: true, PrefixNe: true, PrefixGt: true, PrefixLt: true,
	PrefixGe: true, PrefixLe: true, PrefixSa: true, PrefixEb: true,
	PrefixAp: true,
}

// ParseSearchValue splits a raw search value into its comparison prefix
// and bare value. Values without a recognized prefix default to eq.
func ParseSearchValue(raw string) (SearchPrefix, string) {
	if len(raw) > 2 {
		p := SearchPrefix(raw[:2])
		if knownPrefixes[p] {
			return p, raw[2:]
		}
	}
	return PrefixEq, raw
}

// negated maps each prefix to its complement, used by the :not modifier.
var negated = map[SearchPrefix]SearchPrefix{
	PrefixEq: PrefixNe,
	PrefixNe: PrefixEq,
	PrefixGt: PrefixLe,
	PrefixGe: PrefixLt,
	PrefixLt: PrefixGe,
	PrefixLe: PrefixGt,
	PrefixSa: PrefixEb,
	PrefixEb: PrefixSa,
	PrefixAp: PrefixNe,
}

// SearchModifier is the :modifier suffix of a search parameter name.
type SearchModifier string

const (
	ModifierNone     SearchModifier = ""
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierText     SearchModifier = "text"
	ModifierNot      SearchModifier = "not"
	ModifierMissing  SearchModifier = "missing"
)

// ParseParamModifier splits "name:modifier" into its halves. A suffix
// that names a resource type (chain type hints like "subject:Patient")
// is not a modifier and is handled by the chain parser instead.
func ParseParamModifier(name string) (string, SearchModifier) {
	idx := strings.IndexByte(name, ':')
	if idx < 0 {
		return name, ModifierNone
	}
	return name[:idx], SearchModifier(name[idx+1:])
}

// controlParams are request-shaping parameters stripped before
// compilation; they never resolve to search parameters.
var controlParams = map[string]bool{
	"_count":      true,
	"_offset":     true,
	"_sort":       true,
	"_total":      true,
	"_include":    true,
	"_revinclude": true,
	"_page":       true,
	"_summary":    true,
	"_elements":   true,
	"_contained":  true,
	"_format":     true,
	"_pretty":     true,
}

// CompiledQuery is the output of compiling one request's criteria.
type CompiledQuery struct {
	Root     *Clause
	Warnings []string
}

// Compiler turns parsed criteria into immutable clause trees. It holds no
// per-request state and is safe for concurrent use.
type Compiler struct {
	registry *Registry
	log      zerolog.Logger
}

func NewCompiler(registry *Registry, log zerolog.Logger) *Compiler {
	return &Compiler{registry: registry, log: log}
}

// Compile builds the conjunction of all criteria in the map. Unknown
// parameters and unsupported modifiers are dropped with a warning rather
// than failing the search. Chain criteria (dotted names) must be split
// off by the caller before compiling.
//
// Compilation is deterministic: criteria are processed in sorted name
// order so the same map always yields a structurally identical tree.
func (c *Compiler) Compile(resourceType string, criteria url.Values) (*CompiledQuery, error) {
	cq := &CompiledQuery{}
	names := make([]string, 0, len(criteria))
	for name := range criteria {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []*Clause
	for _, name := range names {
		if controlParams[name] {
			continue
		}
		base, mod := ParseParamModifier(name)
		param, ok := c.registry.Resolve(resourceType, base)
		if !ok {
			c.drop(cq, "unknown search parameter %q on %s, criterion ignored", name, resourceType)
			continue
		}
		if mod == ModifierMissing {
			c.drop(cq, "modifier :missing is not supported by the search index, criterion %q ignored", name)
			continue
		}
		for _, raw := range criteria[name] {
			clause, warn := c.compileCriterion(param, mod, raw)
			if warn != "" {
				c.drop(cq, "%s", warn)
			}
			if clause != nil {
				parts = append(parts, clause)
			}
		}
	}
	cq.Root = Conjunction(parts...)
	return cq, nil
}

func (c *Compiler) drop(cq *CompiledQuery, format string, args ...interface{}) {
	warning := fmt.Sprintf(format, args...)
	cq.Warnings = append(cq.Warnings, warning)
	c.log.Warn().Msg(warning)
}

// compileCriterion compiles one raw value for one parameter. Comma-separated
// values OR together.
func (c *Compiler) compileCriterion(param SearchParameter, mod SearchModifier, raw string) (*Clause, string) {
	values := strings.Split(raw, ",")
	var alts []*Clause
	for _, v := range values {
		if v == "" {
			continue
		}
		clause, warn := c.compileValue(param, mod, v)
		if warn != "" {
			return nil, warn
		}
		if clause != nil {
			alts = append(alts, clause)
		}
	}
	return Disjunction(alts...), ""
}

func (c *Compiler) compileValue(param SearchParameter, mod SearchModifier, value string) (*Clause, string) {
	switch param.Type {
	case ParamToken:
		if mod == ModifierNot {
			return nil, fmt.Sprintf("modifier :not is not supported for token parameter %q, criterion ignored", param.Name)
		}
		return compileToken(param, value), ""
	case ParamString:
		if mod == ModifierNot {
			return nil, fmt.Sprintf("modifier :not is not supported for string parameter %q, criterion ignored", param.Name)
		}
		return compileString(param, mod, value), ""
	case ParamDate, ParamNumber:
		prefix, bare := ParseSearchValue(value)
		if mod == ModifierNot {
			prefix = negated[prefix]
		}
		return compileComparison(param.FieldPath, prefix, bare), ""
	case ParamReference:
		return compileReference(param, value), ""
	default:
		return nil, fmt.Sprintf("parameter %q has unsupported type %s, criterion ignored", param.Name, param.Type)
	}
}

// compileToken handles the three token shapes: fixed-system fields,
// system|code pairs, and bare codes.
func compileToken(param SearchParameter, value string) *Clause {
	if param.FixedSystem != "" {
		return Conjunction(
			Match(param.SystemPath, param.FixedSystem),
			Match(param.FieldPath, value),
		)
	}
	if param.SystemPath != "" && strings.Contains(value, "|") {
		parts := strings.SplitN(value, "|", 2)
		system, code := parts[0], parts[1]
		switch {
		case system != "" && code != "":
			return Conjunction(
				Match(param.SystemPath, system),
				Match(param.FieldPath, code),
			)
		case code != "":
			return Match(param.FieldPath, code)
		case system != "":
			return Match(param.SystemPath, system)
		default:
			return nil
		}
	}
	return Match(param.FieldPath, value)
}

// compileString spans composite OR-fields and applies the string
// modifiers: exact match, contains, or the default prefix wildcard.
func compileString(param SearchParameter, mod SearchModifier, value string) *Clause {
	fields := param.OrFields
	if len(fields) == 0 {
		fields = []string{param.FieldPath}
	}
	var alts []*Clause
	for _, f := range fields {
		switch {
		case mod == ModifierExact:
			alts = append(alts, Match(f, value))
		case mod == ModifierContains:
			alts = append(alts, Wildcard(f, "*"+strings.ToLower(value)+"*"))
		case param.ExactMatch:
			alts = append(alts, Match(f, value))
		default:
			alts = append(alts, Wildcard(f, strings.ToLower(value)+"*"))
		}
	}
	return Disjunction(alts...)
}

// compileComparison emits the range clause for a date/number prefix.
// The ne prefix compiles to the union of the two open intervals around
// the value; ap falls back to eq because the index has no notion of
// approximate matching.
func compileComparison(field string, prefix SearchPrefix, value string) *Clause {
	switch prefix {
	case PrefixGe:
		return Range(field, RangeBounds{Start: value, InclusiveStart: true})
	case PrefixGt, PrefixSa:
		return Range(field, RangeBounds{Start: value})
	case PrefixLe:
		return Range(field, RangeBounds{End: value, InclusiveEnd: true})
	case PrefixLt, PrefixEb:
		return Range(field, RangeBounds{End: value})
	case PrefixNe:
		return Disjunction(
			Range(field, RangeBounds{End: value}),
			Range(field, RangeBounds{Start: value}),
		)
	default:
		// eq and ap: a closed point interval.
		return Range(field, RangeBounds{Start: value, End: value, InclusiveStart: true, InclusiveEnd: true})
	}
}

// compileReference matches "Type/id" values against the reference field.
// Bare IDs are qualified with the parameter's target type when known.
func compileReference(param SearchParameter, value string) *Clause {
	if !strings.Contains(value, "/") && param.Target != "" {
		value = param.Target + "/" + value
	}
	return Match(param.FieldPath, value)
}

// SortFields parses a _sort expression ("name,-date") into ordered sort
// fields mapped through the registry. Unknown names sort on themselves.
func (c *Compiler) SortFields(resourceType, raw string) []SortField {
	if raw == "" {
		return nil
	}
	var out []SortField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		desc := strings.HasPrefix(part, "-")
		name := strings.TrimPrefix(part, "-")
		out = append(out, SortField{Field: c.registry.SortPath(resourceType, name), Descending: desc})
	}
	return out
}
