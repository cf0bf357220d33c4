package fhir

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// SearchConfig bounds page sizes and chain fan-out.
type SearchConfig struct {
	DefaultPageSize int
	MaxPageSize     int
	SubSearchCap    int
}

func (c SearchConfig) withDefaults() SearchConfig {
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = 20
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 100
	}
	if c.SubSearchCap <= 0 {
		c.SubSearchCap = 1000
	}
	return c
}

// Page is one slice of search results. Modes parallels Resources and
// tags each document "match" or "include". NextToken is empty when the
// result set is complete.
type Page struct {
	Resources []Document
	Modes     []string
	Total     *int
	NextToken string
	Warnings  []string
}

// SearchService is the query entry point: it splits control and chain
// parameters, compiles criteria, runs the one- or two-phase search, and
// issues continuation tokens for full pages.
type SearchService struct {
	registry *Registry
	compiler *Compiler
	chains   *ChainResolver
	index    SearchIndex
	store    DocStore
	cursors  *CursorManager
	cfg      SearchConfig
	log      zerolog.Logger
}

func NewSearchService(registry *Registry, compiler *Compiler, chains *ChainResolver, index SearchIndex, store DocStore, cursors *CursorManager, cfg SearchConfig, log zerolog.Logger) *SearchService {
	return &SearchService{
		registry: registry,
		compiler: compiler,
		chains:   chains,
		index:    index,
		store:    store,
		cursors:  cursors,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// Search executes a declarative search request against one resource type.
func (s *SearchService) Search(ctx context.Context, resourceType string, raw url.Values) (*Page, error) {
	count := s.pageSize(raw.Get("_count"))
	offset := atoiOrZero(raw.Get("_offset"))
	wantTotal := raw.Get("_total") == "accurate"
	sort := s.compiler.SortFields(resourceType, raw.Get("_sort"))

	var includes, revincludes []IncludeDirective
	for _, rawInc := range raw["_include"] {
		d, err := ParseIncludeDirective(rawInc)
		if err != nil {
			return nil, err
		}
		includes = append(includes, d)
	}
	for _, rawInc := range raw["_revinclude"] {
		d, err := ParseIncludeDirective(rawInc)
		if err != nil {
			return nil, err
		}
		revincludes = append(revincludes, d)
	}
	if len(includes) > 0 && len(revincludes) > 0 {
		return nil, NewClientError("_include and _revinclude cannot be combined in one request")
	}
	if len(includes) > 1 || len(revincludes) > 1 {
		return nil, NewClientError("at most one _include or _revinclude directive is supported per request")
	}

	chains, plain := splitChainCriteria(raw)
	cq, err := s.compiler.Compile(resourceType, plain)
	if err != nil {
		return nil, err
	}
	root := cq.Root
	warnings := cq.Warnings
	searchType := SearchRegular
	for _, ch := range chains {
		clause, chainWarnings, err := s.chains.ResolveChain(ctx, resourceType, ch)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, chainWarnings...)
		if clause == nil {
			// Dropped criterion; the search proceeds without it.
			continue
		}
		root = Conjunction(root, clause)
		searchType = SearchChain
	}

	switch {
	case len(revincludes) == 1:
		return s.searchRevInclude(ctx, resourceType, root, sort, offset, count, revincludes[0], wantTotal, warnings)
	case len(includes) == 1:
		return s.searchInclude(ctx, resourceType, root, sort, offset, count, includes[0], wantTotal, warnings)
	default:
		return s.searchFlat(ctx, searchType, resourceType, root, sort, offset, count, wantTotal, warnings)
	}
}

func (s *SearchService) searchFlat(ctx context.Context, searchType SearchType, resourceType string, root *Clause, sort []SortField, offset, count int, wantTotal bool, warnings []string) (*Page, error) {
	docs, err := s.index.ExecuteSearch(ctx, root, resourceType, offset, count, sort)
	if err != nil {
		return nil, NewStoreError("executing search on "+resourceType, err)
	}
	page := &Page{Resources: docs, Modes: matchModes(len(docs)), Warnings: warnings}
	if wantTotal {
		total, err := s.index.Count(ctx, root, resourceType)
		if err != nil {
			return nil, NewStoreError("counting search on "+resourceType, err)
		}
		page.Total = &total
	}
	// A token is issued only for a full page; a short page already
	// proves the result set is exhausted.
	if len(docs) == count {
		token, err := s.cursors.Issue(ctx, &PaginationState{
			SearchType:   searchType,
			ResourceType: resourceType,
			Clause:       root,
			Sort:         sort,
			Offset:       offset + count,
			PageSize:     count,
			Total:        page.Total,
		})
		if err != nil {
			return nil, err
		}
		page.NextToken = token
	}
	return page, nil
}

func (s *SearchService) searchInclude(ctx context.Context, resourceType string, root *Clause, sort []SortField, offset, count int, d IncludeDirective, wantTotal bool, warnings []string) (*Page, error) {
	primary, err := s.index.ExecuteSearch(ctx, root, resourceType, offset, count, sort)
	if err != nil {
		return nil, NewStoreError("executing search on "+resourceType, err)
	}
	included, err := s.fetchIncluded(ctx, primary, d)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Resources: append(append([]Document{}, primary...), included...),
		Modes:     append(matchModes(len(primary)), includeModes(len(included))...),
		Warnings:  warnings,
	}
	if wantTotal {
		total, err := s.index.Count(ctx, root, resourceType)
		if err != nil {
			return nil, NewStoreError("counting search on "+resourceType, err)
		}
		page.Total = &total
	}
	if len(primary) == count {
		token, err := s.cursors.Issue(ctx, &PaginationState{
			SearchType:   SearchInclude,
			ResourceType: resourceType,
			Clause:       root,
			Sort:         sort,
			Offset:       offset + count,
			PageSize:     count,
			Total:        page.Total,
			Secondary: &SecondaryState{
				ResourceType: d.SourceType,
				Param:        d.Param,
				TargetType:   d.TargetType,
			},
		})
		if err != nil {
			return nil, err
		}
		page.NextToken = token
	}
	return page, nil
}

func (s *SearchService) searchRevInclude(ctx context.Context, resourceType string, root *Clause, sort []SortField, offset, count int, d IncludeDirective, wantTotal bool, warnings []string) (*Page, error) {
	// The secondary clause must span every primary match, so the full
	// primary result set is fetched up front, bounded by the page cap.
	all, err := s.index.ExecuteSearch(ctx, root, resourceType, offset, s.cfg.MaxPageSize+1, sort)
	if err != nil {
		return nil, NewStoreError("executing search on "+resourceType, err)
	}
	if len(all) > s.cfg.MaxPageSize {
		return nil, NewClientError("primary result set exceeds the page size cap, narrow the primary filter for _revinclude searches")
	}

	secondaryClause, err := s.chains.RevIncludeClause(resourceType, all, d)
	if err != nil {
		return nil, err
	}

	primary := all
	if len(primary) > count {
		primary = all[:count]
	}
	budget := count - len(primary)
	var secondary []Document
	if budget > 0 && len(all) > 0 {
		secondary, err = s.index.ExecuteSearch(ctx, secondaryClause, d.SourceType, 0, budget, nil)
		if err != nil {
			return nil, NewStoreError("executing _revinclude search on "+d.SourceType, err)
		}
	}

	page := &Page{
		Resources: append(append([]Document{}, primary...), secondary...),
		Modes:     append(matchModes(len(primary)), includeModes(len(secondary))...),
		Warnings:  warnings,
	}
	if wantTotal {
		total, err := s.index.Count(ctx, root, resourceType)
		if err != nil {
			return nil, NewStoreError("counting search on "+resourceType, err)
		}
		page.Total = &total
	}
	// A token is issued when primaries remain beyond this page, or when
	// the page filled exactly and more revinclude resources may follow.
	if len(all) > 0 && (len(all) > count || len(primary)+len(secondary) == count) {
		token, err := s.cursors.Issue(ctx, &PaginationState{
			SearchType:   SearchRevInclude,
			ResourceType: resourceType,
			Clause:       root,
			Sort:         sort,
			Offset:       offset + len(primary),
			PageSize:     count,
			Total:        page.Total,
			Secondary: &SecondaryState{
				ResourceType: d.SourceType,
				Clause:       secondaryClause,
				Param:        d.Param,
				Offset:       len(secondary),
			},
		})
		if err != nil {
			return nil, err
		}
		page.NextToken = token
	}
	return page, nil
}

// ContinuePage resumes a search from a continuation token without
// recompiling: the cached clause tree re-executes at the advanced offset.
func (s *SearchService) ContinuePage(ctx context.Context, token string, count int) (*Page, error) {
	state, err := s.cursors.Redeem(ctx, token)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = state.PageSize
	}

	switch state.SearchType {
	case SearchRegular, SearchChain:
		docs, err := s.index.ExecuteSearch(ctx, state.Clause, state.ResourceType, state.Offset, count, state.Sort)
		if err != nil {
			return nil, NewStoreError("continuing search on "+state.ResourceType, err)
		}
		page := &Page{Resources: docs, Modes: matchModes(len(docs)), Total: state.Total}
		if len(docs) == count {
			state.Offset += count
			if err := s.cursors.Advance(ctx, state); err != nil {
				return nil, err
			}
			page.NextToken = state.Token
		} else {
			s.cursors.Discard(ctx, state.Token)
		}
		return page, nil

	case SearchRevInclude:
		if state.Secondary == nil {
			return nil, NewStoreError("pagination state is missing its secondary phase", nil)
		}
		// Remaining primary matches drain first; leftover budget fills
		// with revinclude resources.
		primary, err := s.index.ExecuteSearch(ctx, state.Clause, state.ResourceType, state.Offset, count, state.Sort)
		if err != nil {
			return nil, NewStoreError("continuing search on "+state.ResourceType, err)
		}
		budget := count - len(primary)
		var secondary []Document
		if budget > 0 {
			secondary, err = s.index.ExecuteSearch(ctx, state.Secondary.Clause, state.Secondary.ResourceType, state.Secondary.Offset, budget, nil)
			if err != nil {
				return nil, NewStoreError("continuing _revinclude search on "+state.Secondary.ResourceType, err)
			}
		}
		page := &Page{
			Resources: append(append([]Document{}, primary...), secondary...),
			Modes:     append(matchModes(len(primary)), includeModes(len(secondary))...),
			Total:     state.Total,
		}
		if len(primary)+len(secondary) == count {
			state.Offset += len(primary)
			state.Secondary.Offset += len(secondary)
			if err := s.cursors.Advance(ctx, state); err != nil {
				return nil, err
			}
			page.NextToken = state.Token
		} else {
			s.cursors.Discard(ctx, state.Token)
		}
		return page, nil

	case SearchInclude:
		if state.Secondary == nil {
			return nil, NewStoreError("pagination state is missing its secondary phase", nil)
		}
		primary, err := s.index.ExecuteSearch(ctx, state.Clause, state.ResourceType, state.Offset, count, state.Sort)
		if err != nil {
			return nil, NewStoreError("continuing search on "+state.ResourceType, err)
		}
		d := IncludeDirective{
			SourceType: state.Secondary.ResourceType,
			Param:      state.Secondary.Param,
			TargetType: state.Secondary.TargetType,
		}
		included, err := s.fetchIncluded(ctx, primary, d)
		if err != nil {
			return nil, err
		}
		page := &Page{
			Resources: append(append([]Document{}, primary...), included...),
			Modes:     append(matchModes(len(primary)), includeModes(len(included))...),
			Total:     state.Total,
		}
		if len(primary) == count {
			state.Offset += count
			if err := s.cursors.Advance(ctx, state); err != nil {
				return nil, err
			}
			page.NextToken = state.Token
		} else {
			s.cursors.Discard(ctx, state.Token)
		}
		return page, nil

	default:
		return nil, NewStoreError("unknown pagination search type "+string(state.SearchType), nil)
	}
}

// ResolveStatus is the cardinality of a conditional criteria match.
type ResolveStatus int

const (
	ResolveNone ResolveStatus = iota
	ResolveSingle
	ResolveMultiple
)

// ConditionalResult is the outcome of resolving conditional criteria.
type ConditionalResult struct {
	Status ResolveStatus
	ID     string
}

// ResolveOne resolves conditional criteria to zero, one, or many matching
// resources, fetching at most two documents to decide.
func (s *SearchService) ResolveOne(ctx context.Context, resourceType string, criteria url.Values) (ConditionalResult, error) {
	cq, err := s.compiler.Compile(resourceType, criteria)
	if err != nil {
		return ConditionalResult{}, err
	}
	docs, err := s.index.ExecuteSearch(ctx, cq.Root, resourceType, 0, 2, nil)
	if err != nil {
		return ConditionalResult{}, NewStoreError("resolving conditional criteria on "+resourceType, err)
	}
	switch len(docs) {
	case 0:
		return ConditionalResult{Status: ResolveNone}, nil
	case 1:
		id, _ := docs[0]["id"].(string)
		return ConditionalResult{Status: ResolveSingle, ID: id}, nil
	default:
		return ConditionalResult{Status: ResolveMultiple}, nil
	}
}

func (s *SearchService) fetchIncluded(ctx context.Context, primary []Document, d IncludeDirective) ([]Document, error) {
	keys, err := s.chains.IncludeKeys(primary, d)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	docs, err := s.store.BatchGet(ctx, keys)
	if err != nil {
		return nil, NewStoreError("batch-reading included resources", err)
	}
	return docs, nil
}

func (s *SearchService) pageSize(raw string) int {
	n := atoiOrZero(raw)
	if n <= 0 {
		return s.cfg.DefaultPageSize
	}
	if n > s.cfg.MaxPageSize {
		return s.cfg.MaxPageSize
	}
	return n
}

func atoiOrZero(raw string) int {
	n, _ := strconv.Atoi(raw)
	if n < 0 {
		return 0
	}
	return n
}

// splitChainCriteria separates dotted chain parameters from plain ones.
func splitChainCriteria(raw url.Values) ([]ChainCriterion, url.Values) {
	plain := url.Values{}
	var chains []ChainCriterion
	for name, values := range raw {
		if strings.Contains(name, ".") && !controlParams[name] {
			for _, v := range values {
				if ch, ok := ParseChainCriterion(name, v); ok {
					chains = append(chains, ch)
				}
			}
			continue
		}
		plain[name] = values
	}
	return chains, plain
}

func matchModes(n int) []string {
	modes := make([]string, n)
	for i := range modes {
		modes[i] = "match"
	}
	return modes
}

func includeModes(n int) []string {
	modes := make([]string, n)
	for i := range modes {
		modes[i] = "include"
	}
	return modes
}

// ConditionalUpdateOrCreate implements conditional PUT: criteria resolving
// to zero matches create a fresh resource, exactly one match updates that
// resource (any client-proposed id is replaced), and multiple matches
// fail the precondition.
func ConditionalUpdateOrCreate(ctx context.Context, search *SearchService, versions *VersionControl, resourceType string, criteria url.Values, resource Document, actor string) (*WriteResult, error) {
	resolved, err := search.ResolveOne(ctx, resourceType, criteria)
	if err != nil {
		return nil, err
	}
	switch resolved.Status {
	case ResolveNone:
		resource["id"] = newResourceID()
		resource["resourceType"] = resourceType
		return versions.Create(ctx, resource, actor, StandaloneTx(versions.store))
	case ResolveSingle:
		resource["id"] = resolved.ID
		resource["resourceType"] = resourceType
		return versions.UpdateOrCreate(ctx, resource, actor, StandaloneTx(versions.store))
	default:
		return nil, NewPreconditionError("multiple %s resources match the conditional criteria, zero or one required", resourceType)
	}
}
