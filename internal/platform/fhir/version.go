package fhir

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// newResourceID mints a server-assigned resource ID.
func newResourceID() string {
	return uuid.NewString()
}

// TxContext scopes a write to a store transaction. A standalone context
// opens its own short-lived transaction per write; a nested context reuses
// the transaction of an enclosing atomic bundle. Callers always go through
// this interface instead of branching on a nullable transaction handle.
type TxContext interface {
	Run(ctx context.Context, fn func(tx Tx) error) error
}

type standaloneTx struct {
	store DocStore
}

// StandaloneTx returns a context that opens one store transaction per
// write, scoping exactly the read-copy-write sequence of that write.
func StandaloneTx(store DocStore) TxContext {
	return standaloneTx{store: store}
}

func (s standaloneTx) Run(ctx context.Context, fn func(tx Tx) error) error {
	return s.store.RunInTransaction(ctx, fn)
}

type nestedTx struct {
	tx Tx
}

// NestedTx returns a context that executes inside an already-open
// transaction. Commit and abort belong to the enclosing owner.
func NestedTx(tx Tx) TxContext {
	return nestedTx{tx: tx}
}

func (n nestedTx) Run(ctx context.Context, fn func(tx Tx) error) error {
	return fn(n.tx)
}

// WriteResult reports the outcome of a versioned write.
type WriteResult struct {
	Resource Document
	Created  bool
	Version  int
}

// VersionControl implements optimistic multi-version storage: updates
// snapshot the prior body before incrementing the version counter, and
// deletes leave a permanent tombstone that blocks ID reuse.
type VersionControl struct {
	store   DocStore
	stamper *Stamper
	clock   func() time.Time
	log     zerolog.Logger
}

func NewVersionControl(store DocStore, stamper *Stamper, log zerolog.Logger) *VersionControl {
	return &VersionControl{store: store, stamper: stamper, clock: time.Now, log: log}
}

// Create inserts a new resource under a server-assigned ID at version 1.
// The caller must already have set the definitive id; client-proposed IDs
// on POST are discarded before this point.
func (v *VersionControl) Create(ctx context.Context, resource Document, actor string, txc TxContext) (*WriteResult, error) {
	rt, _ := resource["resourceType"].(string)
	id, _ := resource["id"].(string)
	if rt == "" || id == "" {
		return nil, NewClientError("create requires resourceType and a server-assigned id")
	}
	key := DocumentKey(rt, id)

	err := txc.Run(ctx, func(tx Tx) error {
		if err := v.checkTombstone(ctx, tx, key); err != nil {
			return err
		}
		v.stamper.Stamp(resource, actor, "create", 1)
		if err := tx.Insert(ctx, key, resource); err != nil {
			return NewStoreError("inserting "+key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.log.Info().Str("key", key).Msg("created resource")
	return &WriteResult{Resource: resource, Created: true, Version: 1}, nil
}

// UpdateOrCreate applies PUT semantics: the resource must carry a
// client-supplied id; if the document exists its current body is copied
// into the version store before the incremented version is written; if it
// does not exist it is created at version 1.
func (v *VersionControl) UpdateOrCreate(ctx context.Context, resource Document, actor string, txc TxContext) (*WriteResult, error) {
	rt, _ := resource["resourceType"].(string)
	if rt == "" {
		return nil, NewClientError("update requires resourceType")
	}
	id, _ := resource["id"].(string)
	if id == "" {
		return nil, NewClientError("update requires a client-supplied id")
	}
	key := DocumentKey(rt, id)

	var result WriteResult
	err := txc.Run(ctx, func(tx Tx) error {
		if err := v.checkTombstone(ctx, tx, key); err != nil {
			return err
		}
		current, err := tx.Get(ctx, key)
		switch {
		case err == nil:
			currentVersion := ResourceVersion(current)
			if err := tx.Upsert(ctx, VersionKey(key, currentVersion), current); err != nil {
				return NewStoreError("snapshotting "+key, err)
			}
			next := currentVersion + 1
			v.stamper.Stamp(resource, actor, "update", next)
			if err := tx.Replace(ctx, key, resource); err != nil {
				return NewStoreError("replacing "+key, err)
			}
			result = WriteResult{Resource: resource, Created: false, Version: next}
			return nil
		case errors.Is(err, ErrDocNotFound):
			v.stamper.Stamp(resource, actor, "create", 1)
			if err := tx.Insert(ctx, key, resource); err != nil {
				return NewStoreError("inserting "+key, err)
			}
			result = WriteResult{Resource: resource, Created: true, Version: 1}
			return nil
		default:
			return NewStoreError("reading "+key, err)
		}
	})
	if err != nil {
		return nil, err
	}
	v.log.Info().Str("key", key).Int("version", result.Version).Bool("created", result.Created).Msg("stored resource")
	return &result, nil
}

// Delete snapshots the current body, writes the permanent tombstone, and
// removes the live document. Deleting an absent or already-deleted ID is
// a no-op reported as existed=false; the operation is idempotent.
func (v *VersionControl) Delete(ctx context.Context, resourceType, id, actor string, txc TxContext) (bool, error) {
	key := DocumentKey(resourceType, id)
	existed := false
	err := txc.Run(ctx, func(tx Tx) error {
		current, err := tx.Get(ctx, key)
		if errors.Is(err, ErrDocNotFound) {
			return nil
		}
		if err != nil {
			return NewStoreError("reading "+key, err)
		}
		existed = true
		lastVersion := ResourceVersion(current)
		if err := tx.Upsert(ctx, VersionKey(key, lastVersion), current); err != nil {
			return NewStoreError("snapshotting "+key, err)
		}
		tombstone := Document{
			"deletedAt":     v.clock().UTC().Format(time.RFC3339),
			"lastVersionId": strconv.Itoa(lastVersion),
			"deletedBy":     actor,
		}
		if err := tx.Upsert(ctx, TombstoneKey(key), tombstone); err != nil {
			return NewStoreError("writing tombstone for "+key, err)
		}
		if err := tx.Remove(ctx, key); err != nil {
			return NewStoreError("removing "+key, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if existed {
		v.log.Info().Str("key", key).Msg("deleted resource")
	}
	return existed, nil
}

// Read returns the live document, treating a tombstoned ID as not found
// even though its history remains in the version store.
func (v *VersionControl) Read(ctx context.Context, resourceType, id string) (Document, error) {
	key := DocumentKey(resourceType, id)
	if _, err := v.store.Get(ctx, TombstoneKey(key)); err == nil {
		return nil, NewNotFoundError("%s was deleted", key)
	} else if !errors.Is(err, ErrDocNotFound) {
		return nil, NewStoreError("reading tombstone for "+key, err)
	}
	doc, err := v.store.Get(ctx, key)
	if errors.Is(err, ErrDocNotFound) {
		return nil, NewNotFoundError("%s not found", key)
	}
	if err != nil {
		return nil, NewStoreError("reading "+key, err)
	}
	return doc, nil
}

// ReadVersion returns one historical snapshot of a resource.
func (v *VersionControl) ReadVersion(ctx context.Context, resourceType, id string, version int) (Document, error) {
	key := DocumentKey(resourceType, id)
	doc, err := v.store.Get(ctx, VersionKey(key, version))
	if errors.Is(err, ErrDocNotFound) {
		// The current version lives at the plain key, not in history.
		live, liveErr := v.store.Get(ctx, key)
		if liveErr == nil && ResourceVersion(live) == version {
			return live, nil
		}
		return nil, NewNotFoundError("%s version %d not found", key, version)
	}
	if err != nil {
		return nil, NewStoreError("reading "+VersionKey(key, version), err)
	}
	return doc, nil
}

func (v *VersionControl) checkTombstone(ctx context.Context, tx Tx, key string) error {
	_, err := tx.Get(ctx, TombstoneKey(key))
	if err == nil {
		return NewConflictError("%s was deleted and its id cannot be reused", key)
	}
	if !errors.Is(err, ErrDocNotFound) {
		return NewStoreError("reading tombstone for "+key, err)
	}
	return nil
}

// SetVersionHeaders writes the ETag and Last-Modified headers for a
// versioned resource response.
func SetVersionHeaders(c echo.Context, version int, lastModified string) {
	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, version))
	if lastModified != "" {
		c.Response().Header().Set("Last-Modified", lastModified)
	}
}
