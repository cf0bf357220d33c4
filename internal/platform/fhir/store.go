package fhir

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Document is a schemaless resource body as decoded from JSON.
type Document = map[string]interface{}

// DocStore is the raw key/value interface to the document store.
// Implementations live in internal/platform/store.
type DocStore interface {
	Get(ctx context.Context, key string) (Document, error)
	BatchGet(ctx context.Context, keys []string) ([]Document, error)
	// RunInTransaction runs fn inside one store transaction. A non-nil
	// error from fn aborts the transaction with no partial effects.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write surface available inside a store transaction.
type Tx interface {
	Get(ctx context.Context, key string) (Document, error)
	Insert(ctx context.Context, key string, doc Document) error
	Replace(ctx context.Context, key string, doc Document) error
	Upsert(ctx context.Context, key string, doc Document) error
	Remove(ctx context.Context, key string) error
}

// SearchIndex executes compiled query trees against the store's
// full-text index. A nil query matches every live document of the type.
type SearchIndex interface {
	ExecuteSearch(ctx context.Context, query *Clause, resourceType string, offset, size int, sort []SortField) ([]Document, error)
	Count(ctx context.Context, query *Clause, resourceType string) (int, error)
}

// TokenStore holds serialized pagination state under an opaque token with
// a TTL enforced by the storage layer.
type TokenStore interface {
	StoreToken(ctx context.Context, token string, state []byte, ttl time.Duration) error
	// LoadToken returns ErrTokenNotFound for missing or expired tokens.
	LoadToken(ctx context.Context, token string) ([]byte, error)
	RemoveToken(ctx context.Context, token string) error
}

// Key layout. Live documents sit at "Type/id"; prior versions and the
// delete marker hang off that key so one keyspace carries all three.

func DocumentKey(resourceType, id string) string {
	return resourceType + "/" + id
}

func VersionKey(documentKey string, version int) string {
	return documentKey + "/_history/" + strconv.Itoa(version)
}

func TombstoneKey(documentKey string) string {
	return documentKey + "/_tombstone"
}

// SplitDocumentKey returns the resource type and id of a live document key.
func SplitDocumentKey(key string) (resourceType, id string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IsLiveKey reports whether a key addresses a live document rather than a
// version snapshot or tombstone.
func IsLiveKey(key string) bool {
	_, _, ok := SplitDocumentKey(key)
	return ok
}
