package fhir

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// ChainCriterion is a parsed chained search parameter: a reference field
// on the source type plus a criterion evaluated on the referenced type.
// "patient.name=Smith" filters by the name of the referenced patient;
// "subject:Patient.name=Smith" carries an explicit type hint.
type ChainCriterion struct {
	Param    string
	TypeHint string
	Tail     string
	Value    string
}

// ParseChainCriterion recognizes dotted parameter names. ok is false for
// plain parameters.
func ParseChainCriterion(name, value string) (ChainCriterion, bool) {
	idx := strings.IndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return ChainCriterion{}, false
	}
	head, tail := name[:idx], name[idx+1:]
	ch := ChainCriterion{Param: head, Tail: tail, Value: value}
	if c := strings.IndexByte(head, ':'); c > 0 {
		ch.Param = head[:c]
		ch.TypeHint = head[c+1:]
	}
	return ch, true
}

// fallbackTargetType guesses the referenced type from the parameter name
// when neither a type hint nor a registry target is available.
func fallbackTargetType(param string) string {
	switch strings.ToLower(param) {
	case "patient", "subject":
		return "Patient"
	case "practitioner", "performer":
		return "Practitioner"
	case "organization":
		return "Organization"
	case "encounter":
		return "Encounter"
	case "location":
		return "Location"
	case "device":
		return "Device"
	default:
		return strings.ToUpper(param[:1]) + param[1:]
	}
}

// IncludeDirective is a parsed _include/_revinclude value of the form
// "SourceType:param" or "SourceType:param:TargetType".
type IncludeDirective struct {
	SourceType string
	Param      string
	TargetType string
}

func ParseIncludeDirective(raw string) (IncludeDirective, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return IncludeDirective{}, NewClientError("malformed include directive %q, expected SourceType:param[:TargetType]", raw)
	}
	d := IncludeDirective{SourceType: parts[0], Param: parts[1]}
	if len(parts) == 3 {
		d.TargetType = parts[2]
	}
	return d, nil
}

// ChainResolver performs the two-phase lookups behind chained criteria and
// reverse includes: resolve referenced IDs first, then fold them into the
// primary query as a disjunction of reference matches.
type ChainResolver struct {
	registry *Registry
	compiler *Compiler
	index    SearchIndex
	// subSearchCap bounds the ID sub-search so a broad chain criterion
	// cannot fan out into an unbounded disjunction.
	subSearchCap int
	log          zerolog.Logger
}

func NewChainResolver(registry *Registry, compiler *Compiler, index SearchIndex, subSearchCap int, log zerolog.Logger) *ChainResolver {
	if subSearchCap <= 0 {
		subSearchCap = 1000
	}
	return &ChainResolver{
		registry:     registry,
		compiler:     compiler,
		index:        index,
		subSearchCap: subSearchCap,
		log:          log,
	}
}

// ResolveChain executes the referenced-type sub-search for one chain
// criterion and returns the clause to AND into the parent query, plus any
// warnings from the tail compile. Zero resolved IDs yield a match-none
// clause so the parent query still runs through the normal pipeline and
// deterministically returns nothing. A tail criterion that does not
// compile drops the whole chain criterion with a warning: a nil sub-query
// would otherwise turn the chain into a reference-existence filter over
// the first subSearchCap targets.
func (r *ChainResolver) ResolveChain(ctx context.Context, sourceType string, ch ChainCriterion) (*Clause, []string, error) {
	param, ok := r.registry.Resolve(sourceType, ch.Param)
	if !ok || param.Type != ParamReference {
		return nil, nil, NewClientError("chain parameter %q is not a reference parameter on %s", ch.Param, sourceType)
	}
	target := ch.TypeHint
	if target == "" {
		target = param.Target
	}
	if target == "" {
		target = fallbackTargetType(ch.Param)
	}

	sub, err := r.compiler.Compile(target, url.Values{ch.Tail: {ch.Value}})
	if err != nil {
		return nil, nil, err
	}
	if sub.Root == nil && len(sub.Warnings) > 0 {
		warning := fmt.Sprintf("chain criterion %s.%s dropped: %s",
			ch.Param, ch.Tail, strings.Join(sub.Warnings, "; "))
		r.log.Warn().
			Str("source", sourceType).
			Str("target", target).
			Str("param", ch.Param).
			Str("tail", ch.Tail).
			Msg("dropping chain criterion with uncompilable tail")
		return nil, []string{warning}, nil
	}
	warnings := make([]string, 0, len(sub.Warnings))
	for _, w := range sub.Warnings {
		warnings = append(warnings, fmt.Sprintf("chain %s.%s: %s", ch.Param, ch.Tail, w))
	}

	docs, err := r.index.ExecuteSearch(ctx, sub.Root, target, 0, r.subSearchCap, nil)
	if err != nil {
		return nil, nil, NewStoreError("chain sub-search on "+target+" failed", err)
	}

	ids := documentIDs(docs)
	r.log.Debug().
		Str("source", sourceType).
		Str("target", target).
		Str("param", ch.Param).
		Int("ids", len(ids)).
		Msg("resolved chain criterion")

	if len(ids) == 0 {
		return MatchNone(), warnings, nil
	}
	alts := make([]*Clause, 0, len(ids))
	for _, id := range ids {
		alts = append(alts, Match(param.FieldPath, target+"/"+id))
	}
	return Disjunction(alts...), warnings, nil
}

// RevIncludeClause builds the secondary query of a reverse include: a
// disjunction over the source type's reference field matching each
// primary document.
func (r *ChainResolver) RevIncludeClause(primaryType string, primary []Document, d IncludeDirective) (*Clause, error) {
	param, ok := r.registry.Resolve(d.SourceType, d.Param)
	if !ok || param.Type != ParamReference {
		return nil, NewClientError("_revinclude parameter %q is not a reference parameter on %s", d.Param, d.SourceType)
	}
	ids := documentIDs(primary)
	if len(ids) == 0 {
		return MatchNone(), nil
	}
	alts := make([]*Clause, 0, len(ids))
	for _, id := range ids {
		alts = append(alts, Match(param.FieldPath, primaryType+"/"+id))
	}
	return Disjunction(alts...), nil
}

// IncludeKeys extracts the document keys referenced by the primary result
// set for a forward include, deduplicated in first-seen order. References
// outside the directive's target type are skipped when a target is given.
func (r *ChainResolver) IncludeKeys(primary []Document, d IncludeDirective) ([]string, error) {
	param, ok := r.registry.Resolve(d.SourceType, d.Param)
	if !ok || param.Type != ParamReference {
		return nil, NewClientError("_include parameter %q is not a reference parameter on %s", d.Param, d.SourceType)
	}
	seen := map[string]bool{}
	var keys []string
	for _, doc := range primary {
		for _, ref := range FieldValues(doc, param.FieldPath) {
			if !IsLiveKey(ref) {
				continue
			}
			if d.TargetType != "" && !strings.HasPrefix(ref, d.TargetType+"/") {
				continue
			}
			if !seen[ref] {
				seen[ref] = true
				keys = append(keys, ref)
			}
		}
	}
	return keys, nil
}

func documentIDs(docs []Document) []string {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc["id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
