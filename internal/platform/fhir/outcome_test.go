package fhir

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"client", NewClientError("bad"), KindClient},
		{"precondition", NewPreconditionError("many"), KindPrecondition},
		{"conflict", NewConflictError("reuse"), KindConflict},
		{"not found", NewNotFoundError("gone"), KindNotFound},
		{"expired", NewExpiredError("old"), KindExpired},
		{"store", NewStoreError("db", errors.New("boom")), KindStore},
		{"sentinel doc", fmt.Errorf("get x: %w", ErrDocNotFound), KindNotFound},
		{"sentinel token", ErrTokenNotFound, KindExpired},
		{"plain error", errors.New("what"), KindStore},
		{"wrapped client error", fmt.Errorf("outer: %w", NewClientError("bad")), KindClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOfTransactionUnwrapsCause(t *testing.T) {
	cause := NewConflictError("id reuse")
	txErr := &OutcomeError{Kind: KindTransaction, Message: "transaction bundle aborted", Err: fmt.Errorf("entry 1: %w", cause)}
	if got := KindOf(txErr); got != KindConflict {
		t.Errorf("KindOf(transaction) = %v, want the cause's KindConflict", got)
	}

	bare := &OutcomeError{Kind: KindTransaction, Message: "aborted"}
	if got := KindOf(bare); got != KindTransaction {
		t.Errorf("KindOf(bare transaction) = %v, want KindTransaction", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NewClientError("bad"), http.StatusBadRequest},
		{NewPreconditionError("many"), http.StatusPreconditionFailed},
		{NewConflictError("reuse"), http.StatusConflict},
		{NewNotFoundError("gone"), http.StatusNotFound},
		{NewExpiredError("old"), http.StatusGone},
		{NewStoreError("db", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestOutcomeForError(t *testing.T) {
	out := OutcomeForError(NewNotFoundError("Patient/p1 not found"))
	if out.ResourceType != "OperationOutcome" || len(out.Issue) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	issue := out.Issue[0]
	if issue.Severity != "error" || issue.Code != "not-found" {
		t.Errorf("issue = %+v", issue)
	}
	if issue.Diagnostics != "Patient/p1 not found" {
		t.Errorf("diagnostics = %q", issue.Diagnostics)
	}
}

func TestOutcomeErrorMessage(t *testing.T) {
	err := NewStoreError("reading Patient/p1", errors.New("connection reset"))
	if err.Error() != "reading Patient/p1: connection reset" {
		t.Errorf("Error() = %q", err.Error())
	}
	var oe *OutcomeError
	if !errors.As(err, &oe) || oe.Unwrap() == nil {
		t.Error("store error should wrap its cause")
	}
}
