package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BundleMode selects the commit discipline for a submitted bundle.
type BundleMode string

const (
	// BundleTransaction applies every entry inside one store transaction;
	// any failure aborts the whole bundle with no partial effects.
	BundleTransaction BundleMode = "transaction"
	// BundleBatch applies entries independently; failures are reported
	// per entry while successful siblings stay committed.
	BundleBatch BundleMode = "batch"
)

// EntryResult is the outcome of one bundle entry, in submission order.
type EntryResult struct {
	Status   string
	Location string
	Etag     string
	Resource Document
	Outcome  *OperationOutcome
}

// BundleEngine resolves internal placeholder references, dispatches each
// entry to the correct write operation, and commits per the bundle mode.
type BundleEngine struct {
	store     DocStore
	versions  *VersionControl
	validator Validator
	log       zerolog.Logger
}

func NewBundleEngine(store DocStore, versions *VersionControl, validator Validator, log zerolog.Logger) *BundleEngine {
	return &BundleEngine{store: store, versions: versions, validator: validator, log: log}
}

// Process executes a submitted transaction or batch bundle and returns
// the response bundle. An atomic abort returns a transaction-class error
// and no response bundle.
func (e *BundleEngine) Process(ctx context.Context, b *Bundle, actor string) (*Bundle, error) {
	if b == nil || b.ResourceType != "Bundle" {
		return nil, NewClientError("request body must be a Bundle resource")
	}
	mode := BundleMode(b.Type)
	if mode != BundleTransaction && mode != BundleBatch {
		return nil, NewClientError("unsupported bundle type %q, expected transaction or batch", b.Type)
	}
	if len(b.Entry) == 0 {
		return NewResponseBundle(mode, nil), nil
	}

	// Entry resources are detached from the submitted bundle so ID
	// assignment and reference rewriting never mutate the request body.
	entries := make([]BundleEntry, len(b.Entry))
	copy(entries, b.Entry)
	for i := range entries {
		if entries[i].Resource == nil {
			continue
		}
		doc, err := cloneDocument(entries[i].Resource)
		if err != nil {
			return nil, NewClientError("bundle entry %d resource is not serializable: %v", i, err)
		}
		entries[i].Resource = doc
	}
	placeholders := e.assignIDs(entries)
	e.rewriteReferences(entries, placeholders)

	results := make([]EntryResult, len(entries))
	if mode == BundleTransaction {
		err := e.store.RunInTransaction(ctx, func(tx Tx) error {
			txc := NestedTx(tx)
			for i := range entries {
				res, err := e.apply(ctx, &entries[i], txc, actor)
				if err != nil {
					return fmt.Errorf("entry %d: %w", i, err)
				}
				results[i] = res
			}
			return nil
		})
		if err != nil {
			return nil, &OutcomeError{Kind: KindTransaction, Message: "transaction bundle aborted", Err: err}
		}
		return NewResponseBundle(mode, results), nil
	}

	for i := range entries {
		res, err := e.apply(ctx, &entries[i], StandaloneTx(e.store), actor)
		if err != nil {
			e.log.Warn().Err(err).Int("entry", i).Msg("batch bundle entry failed")
			results[i] = EntryResult{
				Status:  entryStatus(err),
				Outcome: OutcomeForError(err),
			}
			continue
		}
		results[i] = res
	}
	return NewResponseBundle(mode, results), nil
}

// assignIDs pre-scans the entries. Every POST gets a fresh server ID with
// any client-proposed id discarded, and urn-style fullUrl placeholders are
// mapped to their definitive Type/id so references can be rewritten.
func (e *BundleEngine) assignIDs(entries []BundleEntry) map[string]string {
	placeholders := map[string]string{}
	for i := range entries {
		entry := &entries[i]
		if entry.Request == nil || entry.Resource == nil {
			continue
		}
		rt, _ := entry.Resource["resourceType"].(string)
		switch strings.ToUpper(entry.Request.Method) {
		case "POST":
			id := uuid.NewString()
			entry.Resource["id"] = id
			if entry.FullURL != "" && rt != "" {
				placeholders[entry.FullURL] = rt + "/" + id
			}
		case "PUT":
			if entry.FullURL == "" || !strings.HasPrefix(entry.FullURL, "urn:") {
				continue
			}
			if urlType, id, ok := splitEntryURL(entry.Request.URL); ok {
				placeholders[entry.FullURL] = urlType + "/" + id
			}
		}
	}
	return placeholders
}

// rewriteReferences replaces placeholder references with the resolved
// Type/id in every entry. Unresolved urn placeholders are logged and left
// as-is: a reference may legitimately point outside this bundle.
func (e *BundleEngine) rewriteReferences(entries []BundleEntry, placeholders map[string]string) {
	for i := range entries {
		if entries[i].Resource != nil {
			e.rewriteValue(entries[i].Resource, placeholders)
		}
	}
}

func (e *BundleEngine) rewriteValue(v interface{}, placeholders map[string]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		for key, child := range t {
			if key == "reference" {
				if ref, ok := child.(string); ok {
					if resolved, ok := placeholders[ref]; ok {
						t[key] = resolved
					} else if strings.HasPrefix(ref, "urn:") {
						e.log.Warn().Str("reference", ref).Msg("unresolved bundle placeholder reference")
					}
					continue
				}
			}
			e.rewriteValue(child, placeholders)
		}
	case []interface{}:
		for _, child := range t {
			e.rewriteValue(child, placeholders)
		}
	}
}

func (e *BundleEngine) apply(ctx context.Context, entry *BundleEntry, txc TxContext, actor string) (EntryResult, error) {
	if entry.Request == nil {
		return EntryResult{}, NewClientError("bundle entry is missing request")
	}
	method := strings.ToUpper(entry.Request.Method)
	switch method {
	case "POST":
		return e.applyWrite(ctx, entry, txc, actor, true)
	case "PUT":
		return e.applyWrite(ctx, entry, txc, actor, false)
	case "DELETE":
		rt, id, ok := splitEntryURL(entry.Request.URL)
		if !ok {
			return EntryResult{}, NewClientError("DELETE entry URL %q is not Type/id", entry.Request.URL)
		}
		if _, err := e.versions.Delete(ctx, rt, id, actor, txc); err != nil {
			return EntryResult{}, err
		}
		return EntryResult{Status: "204 No Content"}, nil
	default:
		return EntryResult{}, NewClientError("unsupported bundle entry method %q", entry.Request.Method)
	}
}

func (e *BundleEngine) applyWrite(ctx context.Context, entry *BundleEntry, txc TxContext, actor string, isCreate bool) (EntryResult, error) {
	resource := entry.Resource
	if resource == nil {
		return EntryResult{}, NewClientError("bundle entry is missing resource")
	}
	if issues := e.validator.Validate(resource); HasErrors(issues) {
		return EntryResult{}, NewClientError("resource failed validation: %s", IssuesMessage(issues))
	}
	rt, _ := resource["resourceType"].(string)
	if urlType, urlID, ok := splitEntryURL(entry.Request.URL); ok {
		if rt != "" && urlType != rt {
			return EntryResult{}, NewClientError("entry URL type %q does not match resource type %q", urlType, rt)
		}
		if !isCreate {
			if existing, _ := resource["id"].(string); existing == "" {
				resource["id"] = urlID
			} else if existing != urlID {
				return EntryResult{}, NewClientError("entry URL id %q does not match resource id %q", urlID, existing)
			}
		}
	}

	var wr *WriteResult
	var err error
	if isCreate {
		wr, err = e.versions.Create(ctx, resource, actor, txc)
	} else {
		wr, err = e.versions.UpdateOrCreate(ctx, resource, actor, txc)
	}
	if err != nil {
		return EntryResult{}, err
	}

	status := "200 OK"
	if wr.Created {
		status = "201 Created"
	}
	return EntryResult{
		Status:   status,
		Location: entryFullURL(wr.Resource),
		Etag:     fmt.Sprintf(`W/"%d"`, wr.Version),
		Resource: wr.Resource,
	}, nil
}

func cloneDocument(doc Document) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func entryStatus(err error) string {
	switch KindOf(err) {
	case KindConflict:
		return "409 Conflict"
	case KindPrecondition:
		return "412 Precondition Failed"
	case KindNotFound:
		return "404 Not Found"
	case KindClient:
		return "400 Bad Request"
	default:
		return "500 Internal Server Error"
	}
}

// splitEntryURL parses a "Type/id" entry URL, tolerating query suffixes.
func splitEntryURL(raw string) (resourceType, id string, ok bool) {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.Trim(raw, "/")
	return splitKey(raw)
}

func splitKey(raw string) (string, string, bool) {
	parts := strings.Split(raw, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
