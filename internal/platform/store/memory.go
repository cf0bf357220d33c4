// Package store provides the document-store, search-index, and
// cursor-store backends behind the engine interfaces: an in-memory
// implementation used by the sandbox mode and tests, and a Postgres
// implementation built on pgx.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fhirstore/fhirstore/internal/platform/fhir"
)

// Memory is an in-memory document store. A single mutex scopes
// transactions: writes stage into an overlay and commit atomically, so
// the engine sees the same all-or-nothing semantics the Postgres store
// provides.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]fhir.Document
}

func NewMemory() *Memory {
	return &Memory{docs: map[string]fhir.Document{}}
}

func (m *Memory) Get(ctx context.Context, key string) (fhir.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, fhir.ErrDocNotFound)
	}
	return copyDoc(doc), nil
}

func (m *Memory) BatchGet(ctx context.Context, keys []string) ([]fhir.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]fhir.Document, 0, len(keys))
	for _, key := range keys {
		if doc, ok := m.docs[key]; ok {
			out = append(out, copyDoc(doc))
		}
	}
	return out, nil
}

func (m *Memory) RunInTransaction(ctx context.Context, fn func(tx fhir.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{
		base:    m.docs,
		staged:  map[string]fhir.Document{},
		removed: map[string]bool{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	for key := range tx.removed {
		delete(m.docs, key)
	}
	for key, doc := range tx.staged {
		m.docs[key] = doc
	}
	return nil
}

type memoryTx struct {
	base    map[string]fhir.Document
	staged  map[string]fhir.Document
	removed map[string]bool
}

func (t *memoryTx) lookup(key string) (fhir.Document, bool) {
	if t.removed[key] {
		return nil, false
	}
	if doc, ok := t.staged[key]; ok {
		return doc, true
	}
	doc, ok := t.base[key]
	return doc, ok
}

func (t *memoryTx) Get(ctx context.Context, key string) (fhir.Document, error) {
	doc, ok := t.lookup(key)
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, fhir.ErrDocNotFound)
	}
	return copyDoc(doc), nil
}

func (t *memoryTx) Insert(ctx context.Context, key string, doc fhir.Document) error {
	if _, ok := t.lookup(key); ok {
		return fmt.Errorf("insert %s: document already exists", key)
	}
	delete(t.removed, key)
	t.staged[key] = copyDoc(doc)
	return nil
}

func (t *memoryTx) Replace(ctx context.Context, key string, doc fhir.Document) error {
	if _, ok := t.lookup(key); !ok {
		return fmt.Errorf("replace %s: %w", key, fhir.ErrDocNotFound)
	}
	t.staged[key] = copyDoc(doc)
	return nil
}

func (t *memoryTx) Upsert(ctx context.Context, key string, doc fhir.Document) error {
	delete(t.removed, key)
	t.staged[key] = copyDoc(doc)
	return nil
}

func (t *memoryTx) Remove(ctx context.Context, key string) error {
	delete(t.staged, key)
	t.removed[key] = true
	return nil
}

// copyDoc deep-copies via a JSON round trip so stored documents never
// alias caller-held maps.
func copyDoc(doc fhir.Document) fhir.Document {
	raw, err := json.Marshal(doc)
	if err != nil {
		out := make(fhir.Document, len(doc))
		for k, v := range doc {
			out[k] = v
		}
		return out
	}
	var out fhir.Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return doc
	}
	return out
}

// MemoryIndex evaluates compiled clause trees directly against the live
// documents of a Memory store. Result order is the sort fields followed
// by document key, so paging is deterministic.
type MemoryIndex struct {
	store *Memory
}

func NewMemoryIndex(store *Memory) *MemoryIndex {
	return &MemoryIndex{store: store}
}

func (ix *MemoryIndex) ExecuteSearch(ctx context.Context, query *fhir.Clause, resourceType string, offset, size int, sortFields []fhir.SortField) ([]fhir.Document, error) {
	matches := ix.matching(query, resourceType, sortFields)
	if offset >= len(matches) {
		return nil, nil
	}
	end := offset + size
	if size <= 0 || end > len(matches) {
		end = len(matches)
	}
	out := make([]fhir.Document, 0, end-offset)
	for _, m := range matches[offset:end] {
		out = append(out, copyDoc(m.doc))
	}
	return out, nil
}

func (ix *MemoryIndex) Count(ctx context.Context, query *fhir.Clause, resourceType string) (int, error) {
	return len(ix.matching(query, resourceType, nil)), nil
}

type matchedDoc struct {
	key string
	doc fhir.Document
}

func (ix *MemoryIndex) matching(query *fhir.Clause, resourceType string, sortFields []fhir.SortField) []matchedDoc {
	ix.store.mu.RLock()
	var matches []matchedDoc
	for key, doc := range ix.store.docs {
		if !fhir.IsLiveKey(key) || !strings.HasPrefix(key, resourceType+"/") {
			continue
		}
		if rt, _ := doc["resourceType"].(string); rt != resourceType {
			continue
		}
		if query.Matches(doc) {
			matches = append(matches, matchedDoc{key: key, doc: doc})
		}
	}
	ix.store.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		for _, sf := range sortFields {
			a := firstFieldValue(matches[i].doc, sf.Field)
			b := firstFieldValue(matches[j].doc, sf.Field)
			if a == b {
				continue
			}
			if sf.Descending {
				return a > b
			}
			return a < b
		}
		return matches[i].key < matches[j].key
	})
	return matches
}

func firstFieldValue(doc fhir.Document, path string) string {
	values := fhir.FieldValues(doc, path)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// MemoryTokens is a TTL cursor store with lazy expiry. The Clock field
// is swappable so tests can age tokens without sleeping.
type MemoryTokens struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	Clock   func() time.Time
}

type tokenEntry struct {
	payload   []byte
	expiresAt time.Time
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{entries: map[string]tokenEntry{}, Clock: time.Now}
}

func (s *MemoryTokens) StoreToken(ctx context.Context, token string, state []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = tokenEntry{
		payload:   append([]byte(nil), state...),
		expiresAt: s.Clock().Add(ttl),
	}
	return nil
}

func (s *MemoryTokens) LoadToken(ctx context.Context, token string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token]
	if !ok {
		return nil, fhir.ErrTokenNotFound
	}
	if s.Clock().After(entry.expiresAt) {
		delete(s.entries, token)
		return nil, fhir.ErrTokenNotFound
	}
	return append([]byte(nil), entry.payload...), nil
}

func (s *MemoryTokens) RemoveToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}
