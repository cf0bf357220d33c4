package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SearchType records which continuation strategy a pagination state uses.
type SearchType string

const (
	SearchRegular    SearchType = "regular"
	SearchChain      SearchType = "chain"
	SearchInclude    SearchType = "include"
	SearchRevInclude SearchType = "revinclude"
)

// SecondaryState carries the second-phase cursor of an include or
// reverse-include search: the target/source type, the cached secondary
// clause or include parameter, and its independent offset.
type SecondaryState struct {
	ResourceType string  `json:"resourceType,omitempty"`
	Clause       *Clause `json:"clause,omitempty"`
	Param        string  `json:"param,omitempty"`
	TargetType   string  `json:"targetType,omitempty"`
	Offset       int     `json:"offset"`
}

// PaginationState is everything needed to resume a search without
// recompiling: the cached clause tree, sort order, and per-phase offsets.
// It is serialized as JSON into the token store.
type PaginationState struct {
	Token        string          `json:"token"`
	SearchType   SearchType      `json:"searchType"`
	ResourceType string          `json:"resourceType"`
	Clause       *Clause         `json:"clause,omitempty"`
	Sort         []SortField     `json:"sort,omitempty"`
	Offset       int             `json:"offset"`
	PageSize     int             `json:"pageSize"`
	Secondary    *SecondaryState `json:"secondary,omitempty"`
	Total        *int            `json:"total,omitempty"`
	Tenant       string          `json:"tenant,omitempty"`
	BaseURL      string          `json:"baseURL,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// CursorManager issues and redeems continuation tokens. Tokens are
// single-writer by convention: concurrent redemption of the same token is
// a documented race (last writer wins), not guarded here.
type CursorManager struct {
	store TokenStore
	ttl   time.Duration
	clock func() time.Time
	log   zerolog.Logger
}

func NewCursorManager(store TokenStore, ttl time.Duration, log zerolog.Logger) *CursorManager {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &CursorManager{store: store, ttl: ttl, clock: time.Now, log: log}
}

// Issue stores the state under a fresh opaque token and returns it.
func (m *CursorManager) Issue(ctx context.Context, state *PaginationState) (string, error) {
	now := m.clock().UTC()
	state.Token = strings.ReplaceAll(uuid.NewString(), "-", "")
	state.CreatedAt = now
	state.ExpiresAt = now.Add(m.ttl)
	if err := m.put(ctx, state, m.ttl); err != nil {
		return "", err
	}
	m.log.Debug().
		Str("token", state.Token).
		Str("searchType", string(state.SearchType)).
		Int("offset", state.Offset).
		Msg("issued pagination token")
	return state.Token, nil
}

// Redeem loads the state for a token. Missing and expired tokens are
// indistinguishable to the caller: both mean the original search must be
// repeated.
func (m *CursorManager) Redeem(ctx context.Context, token string) (*PaginationState, error) {
	payload, err := m.store.LoadToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, NewExpiredError("search results have expired, repeat the original search")
		}
		return nil, NewStoreError("loading pagination token", err)
	}
	var state PaginationState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, NewStoreError("decoding pagination state", err)
	}
	if !state.ExpiresAt.IsZero() && m.clock().After(state.ExpiresAt) {
		_ = m.store.RemoveToken(ctx, token)
		return nil, NewExpiredError("search results have expired, repeat the original search")
	}
	return &state, nil
}

// Advance rewrites the state under its existing token, keeping the
// original expiry so continuation never extends a search's lifetime.
func (m *CursorManager) Advance(ctx context.Context, state *PaginationState) error {
	remaining := state.ExpiresAt.Sub(m.clock())
	if remaining <= 0 {
		return NewExpiredError("search results have expired, repeat the original search")
	}
	return m.put(ctx, state, remaining)
}

// Discard drops a token once its search is complete.
func (m *CursorManager) Discard(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := m.store.RemoveToken(ctx, token); err != nil {
		m.log.Warn().Err(err).Str("token", token).Msg("discarding pagination token failed")
	}
}

func (m *CursorManager) put(ctx context.Context, state *PaginationState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return NewStoreError("encoding pagination state", err)
	}
	if err := m.store.StoreToken(ctx, state.Token, payload, ttl); err != nil {
		return NewStoreError("storing pagination token", err)
	}
	return nil
}
