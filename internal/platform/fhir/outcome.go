package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by store and token-store implementations.
var (
	ErrDocNotFound   = errors.New("document not found")
	ErrTokenNotFound = errors.New("pagination token not found")
)

// ErrorKind classifies engine failures so API callers can map them to
// response codes without parsing message text.
type ErrorKind int

const (
	// KindClient is a malformed or unsatisfiable request.
	KindClient ErrorKind = iota
	// KindPrecondition is a conditional operation matching more than one resource.
	KindPrecondition
	// KindConflict is an ID-reuse or version conflict.
	KindConflict
	// KindNotFound is a read of a missing or tombstoned resource.
	KindNotFound
	// KindExpired is a redeemed pagination token that no longer exists.
	KindExpired
	// KindTransaction is an aborted atomic bundle.
	KindTransaction
	// KindStore is an infrastructure failure talking to the document store.
	KindStore
)

func (k ErrorKind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindPrecondition:
		return "precondition"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not-found"
	case KindExpired:
		return "expired"
	case KindTransaction:
		return "transaction"
	default:
		return "store"
	}
}

// OutcomeError carries a failure classification plus a human-readable
// diagnostic. It wraps the underlying cause when one exists.
type OutcomeError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *OutcomeError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *OutcomeError) Unwrap() error { return e.Err }

func NewClientError(format string, args ...interface{}) error {
	return &OutcomeError{Kind: KindClient, Message: fmt.Sprintf(format, args...)}
}

func NewPreconditionError(format string, args ...interface{}) error {
	return &OutcomeError{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...interface{}) error {
	return &OutcomeError{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(format string, args ...interface{}) error {
	return &OutcomeError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewExpiredError(format string, args ...interface{}) error {
	return &OutcomeError{Kind: KindExpired, Message: fmt.Sprintf(format, args...)}
}

func NewStoreError(message string, cause error) error {
	return &OutcomeError{Kind: KindStore, Message: message, Err: cause}
}

// KindOf extracts the classification from an error chain. A transaction
// abort reports the kind of its cause so handlers surface the real reason.
// Unclassified errors are treated as infrastructure failures.
func KindOf(err error) ErrorKind {
	var oe *OutcomeError
	if errors.As(err, &oe) {
		if oe.Kind == KindTransaction && oe.Err != nil {
			var cause *OutcomeError
			if errors.As(oe.Err, &cause) {
				return cause.Kind
			}
		}
		return oe.Kind
	}
	if errors.Is(err, ErrDocNotFound) {
		return KindNotFound
	}
	if errors.Is(err, ErrTokenNotFound) {
		return KindExpired
	}
	return KindStore
}

// HTTPStatus maps an engine error to the response code API handlers use.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindClient:
		return http.StatusBadRequest
	case KindPrecondition:
		return http.StatusPreconditionFailed
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

// OutcomeForError renders an engine error as an OperationOutcome payload.
func OutcomeForError(err error) *OperationOutcome {
	code := "exception"
	switch KindOf(err) {
	case KindClient:
		code = "invalid"
	case KindPrecondition:
		code = "multiple-matches"
	case KindConflict:
		code = "conflict"
	case KindNotFound:
		code = "not-found"
	case KindExpired:
		code = "expired"
	case KindTransaction:
		code = "processing"
	}
	return NewOperationOutcome("error", code, err.Error())
}

// IssuesOutcome renders validation issues as an OperationOutcome payload.
func IssuesOutcome(issues []Issue) *OperationOutcome {
	out := &OperationOutcome{ResourceType: "OperationOutcome"}
	for _, is := range issues {
		oi := OperationOutcomeIssue{
			Severity:    is.Severity,
			Code:        "invariant",
			Diagnostics: is.Message,
		}
		if is.Location != "" {
			oi.Expression = []string{is.Location}
		}
		out.Issue = append(out.Issue, oi)
	}
	return out
}
