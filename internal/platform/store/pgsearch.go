package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fhirstore/fhirstore/internal/platform/fhir"
)

// PGIndex renders compiled clause trees to parameterized SQL over the
// resource JSONB column. Construction and serialization are separate
// stages: the tree is built by the compiler without knowing about SQL,
// and this serializer walks it when the query actually runs. The
// rendered predicates must agree with Clause.Matches, which is the
// reference semantics.
type PGIndex struct {
	store *PG
}

func NewPGIndex(store *PG) *PGIndex {
	return &PGIndex{store: store}
}

func (ix *PGIndex) ExecuteSearch(ctx context.Context, query *fhir.Clause, resourceType string, offset, size int, sortFields []fhir.SortField) ([]fhir.Document, error) {
	sql, args := buildSearchSQL(query, resourceType, offset, size, sortFields)
	rows, err := ix.store.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("execute search: %w", err)
	}
	defer rows.Close()

	var out []fhir.Document
	for rows.Next() {
		var doc fhir.Document
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	return out, nil
}

func (ix *PGIndex) Count(ctx context.Context, query *fhir.Clause, resourceType string) (int, error) {
	sql, args := buildCountSQL(query, resourceType)
	var n int
	if err := ix.store.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count search: %w", err)
	}
	return n, nil
}

// sqlBuilder accumulates positional arguments while the clause tree is
// rendered.
type sqlBuilder struct {
	args []interface{}
}

func (b *sqlBuilder) bind(value interface{}) string {
	b.args = append(b.args, value)
	return "$" + strconv.Itoa(len(b.args))
}

func buildSearchSQL(query *fhir.Clause, resourceType string, offset, size int, sortFields []fhir.SortField) (string, []interface{}) {
	b := &sqlBuilder{}
	var sb strings.Builder
	sb.WriteString(`SELECT resource FROM documents WHERE resource_type = `)
	sb.WriteString(b.bind(resourceType))
	sb.WriteString(` AND kind = 'live'`)
	if cond := renderClause(b, query); cond != "" {
		sb.WriteString(" AND ")
		sb.WriteString(cond)
	}

	sb.WriteString(" ORDER BY ")
	for _, sf := range sortFields {
		sb.WriteString("jsonb_path_query_first(resource, ")
		sb.WriteString(b.bind(jsonPath(sf.Field, "")))
		sb.WriteString("::jsonpath) #>> '{}'")
		if sf.Descending {
			sb.WriteString(" DESC")
		}
		sb.WriteString(", ")
	}
	sb.WriteString("document_key")

	if size > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(b.bind(size))
	}
	if offset > 0 {
		sb.WriteString(" OFFSET ")
		sb.WriteString(b.bind(offset))
	}
	return sb.String(), b.args
}

func buildCountSQL(query *fhir.Clause, resourceType string) (string, []interface{}) {
	b := &sqlBuilder{}
	var sb strings.Builder
	sb.WriteString(`SELECT count(*) FROM documents WHERE resource_type = `)
	sb.WriteString(b.bind(resourceType))
	sb.WriteString(` AND kind = 'live'`)
	if cond := renderClause(b, query); cond != "" {
		sb.WriteString(" AND ")
		sb.WriteString(cond)
	}
	return sb.String(), b.args
}

// renderClause returns the SQL predicate for one tree node, or "" for a
// nil (match-all) clause.
func renderClause(b *sqlBuilder, c *fhir.Clause) string {
	if c == nil {
		return ""
	}
	switch c.Kind {
	case fhir.ClauseMatch:
		return pathExists(b, jsonPath(c.Field, regexFilter("^"+regexEscape(c.Value)+"$")))
	case fhir.ClauseWildcard:
		return pathExists(b, jsonPath(c.Field, regexFilter(wildcardRegex(c.Pattern))))
	case fhir.ClauseRange:
		return pathExists(b, jsonPath(c.Field, rangeFilter(c.Bounds)))
	case fhir.ClauseConjunction:
		return renderGroup(b, c.Children, " AND ")
	case fhir.ClauseDisjunction:
		return renderGroup(b, c.Children, " OR ")
	case fhir.ClauseNone:
		return "FALSE"
	default:
		return "FALSE"
	}
}

func renderGroup(b *sqlBuilder, children []*fhir.Clause, op string) string {
	parts := make([]string, 0, len(children))
	for _, child := range children {
		if p := renderClause(b, child); p != "" {
			parts = append(parts, p)
		}
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return "(" + strings.Join(parts, op) + ")"
	}
}

func pathExists(b *sqlBuilder, path string) string {
	return "jsonb_path_exists(resource, " + b.bind(path) + "::jsonpath)"
}

// jsonPath renders a dot-separated field path as a lax-mode jsonpath with
// an optional filter. Lax mode unwraps arrays at every step, matching
// the fan-out of the in-memory evaluator. An empty field targets every
// string leaf in the document.
func jsonPath(field, filter string) string {
	var sb strings.Builder
	sb.WriteString("lax $")
	if field == "" {
		sb.WriteString(".**")
		if filter != "" {
			filter = `@.type() == "string" && ` + filter
		}
	} else {
		for _, seg := range strings.Split(field, ".") {
			sb.WriteString(`."`)
			sb.WriteString(jsonPathEscape(seg))
			sb.WriteString(`"`)
		}
	}
	if filter != "" {
		sb.WriteString(" ? (")
		sb.WriteString(filter)
		sb.WriteString(")")
	}
	return sb.String()
}

func regexFilter(regex string) string {
	return `@ like_regex "` + jsonPathEscape(regex) + `" flag "i"`
}

// rangeFilter renders bound comparisons. Numeric bounds compare as
// numbers; string bounds compare lexically with prefix handling so a
// document value at finer precision ("2020-05-01") relates to a coarser
// bound ("2020") the same way the in-memory evaluator relates them.
func rangeFilter(bounds *fhir.RangeBounds) string {
	var parts []string
	if bounds.Start != "" {
		if isNumeric(bounds.Start) {
			op := " > "
			if bounds.InclusiveStart {
				op = " >= "
			}
			parts = append(parts, "@"+op+bounds.Start)
		} else {
			lit := `"` + jsonPathEscape(bounds.Start) + `"`
			if bounds.InclusiveStart {
				parts = append(parts, "@ >= "+lit)
			} else {
				parts = append(parts, "(@ > "+lit+" && !(@ starts with "+lit+"))")
			}
		}
	}
	if bounds.End != "" {
		if isNumeric(bounds.End) {
			op := " < "
			if bounds.InclusiveEnd {
				op = " <= "
			}
			parts = append(parts, "@"+op+bounds.End)
		} else {
			lit := `"` + jsonPathEscape(bounds.End) + `"`
			if bounds.InclusiveEnd {
				parts = append(parts, "(@ <= "+lit+" || @ starts with "+lit+")")
			} else {
				parts = append(parts, "@ < "+lit)
			}
		}
	}
	return strings.Join(parts, " && ")
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// wildcardRegex converts a `*` wildcard pattern to an anchored regex.
func wildcardRegex(pattern string) string {
	segs := strings.Split(pattern, "*")
	for i, seg := range segs {
		segs[i] = regexEscape(seg)
	}
	return "^" + strings.Join(segs, ".*") + "$"
}

func regexEscape(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// jsonPathEscape escapes a value for embedding in a double-quoted
// jsonpath string literal.
func jsonPathEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
