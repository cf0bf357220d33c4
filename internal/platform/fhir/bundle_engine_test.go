package fhir_test

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirstore/fhirstore/internal/platform/fhir"
	"github.com/fhirstore/fhirstore/internal/platform/store"
)

func newBundleEngine(t *testing.T) (*fhir.BundleEngine, *fhir.VersionControl, *store.Memory) {
	t.Helper()
	log := zerolog.Nop()
	mem := store.NewMemory()
	versions := fhir.NewVersionControl(mem, fhir.NewStamper(), log)
	engine := fhir.NewBundleEngine(mem, versions, fhir.StructuralValidator{}, log)
	return engine, versions, mem
}

func TestTransactionBundleRewritesPlaceholders(t *testing.T) {
	engine, versions, _ := newBundleEngine(t)
	ctx := context.Background()

	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entry: []fhir.BundleEntry{
			{
				FullURL:  "urn:uuid:patient-1",
				Resource: fhir.Document{"resourceType": "Patient", "gender": "female"},
				Request:  &fhir.BundleRequest{Method: "POST", URL: "Patient"},
			},
			{
				Resource: fhir.Document{
					"resourceType": "Observation",
					"status":       "final",
					"subject":      map[string]interface{}{"reference": "urn:uuid:patient-1"},
				},
				Request: &fhir.BundleRequest{Method: "POST", URL: "Observation"},
			},
		},
	}

	resp, err := engine.Process(ctx, bundle, "tester")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Type != "transaction-response" || len(resp.Entry) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	for i, entry := range resp.Entry {
		if entry.Response.Status != "201 Created" {
			t.Errorf("entry %d status = %q", i, entry.Response.Status)
		}
	}

	// The observation's placeholder reference now points at the patient's
	// server-assigned ID.
	patientID, _ := resp.Entry[0].Resource["id"].(string)
	if patientID == "" {
		t.Fatal("patient should have a server-assigned id")
	}
	obsID, _ := resp.Entry[1].Resource["id"].(string)
	stored, err := versions.Read(ctx, "Observation", obsID)
	if err != nil {
		t.Fatalf("reading observation: %v", err)
	}
	subject := stored["subject"].(map[string]interface{})
	if subject["reference"] != "Patient/"+patientID {
		t.Errorf("reference = %v, want Patient/%s", subject["reference"], patientID)
	}
}

func TestTransactionBundleAbortsAtomically(t *testing.T) {
	engine, versions, _ := newBundleEngine(t)
	ctx := context.Background()

	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entry: []fhir.BundleEntry{
			{
				Resource: fhir.Document{"resourceType": "Patient", "id": "keepout"},
				Request:  &fhir.BundleRequest{Method: "PUT", URL: "Patient/keepout"},
			},
			{
				// Missing resourceType fails validation and must undo entry 0.
				Resource: fhir.Document{"gender": "female"},
				Request:  &fhir.BundleRequest{Method: "POST", URL: "Patient"},
			},
		},
	}

	_, err := engine.Process(ctx, bundle, "tester")
	if err == nil {
		t.Fatal("transaction with an invalid entry should abort")
	}
	if fhir.KindOf(err) != fhir.KindClient {
		t.Errorf("KindOf = %v, want the cause's KindClient", fhir.KindOf(err))
	}
	if !strings.Contains(err.Error(), "entry 1") {
		t.Errorf("error should name the failing entry: %v", err)
	}
	if _, err := versions.Read(ctx, "Patient", "keepout"); fhir.KindOf(err) != fhir.KindNotFound {
		t.Errorf("entry 0 must not be committed after the abort, Read: %v", err)
	}
}

func TestBatchBundleKeepsIndependentEntries(t *testing.T) {
	engine, versions, _ := newBundleEngine(t)
	ctx := context.Background()

	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "batch",
		Entry: []fhir.BundleEntry{
			{
				Resource: fhir.Document{"resourceType": "Patient", "id": "ok1"},
				Request:  &fhir.BundleRequest{Method: "PUT", URL: "Patient/ok1"},
			},
			{
				Resource: fhir.Document{"gender": "female"},
				Request:  &fhir.BundleRequest{Method: "POST", URL: "Patient"},
			},
			{
				Resource: fhir.Document{"resourceType": "Patient", "id": "ok2"},
				Request:  &fhir.BundleRequest{Method: "PUT", URL: "Patient/ok2"},
			},
		},
	}

	resp, err := engine.Process(ctx, bundle, "tester")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Type != "batch-response" {
		t.Errorf("Type = %q", resp.Type)
	}
	if resp.Entry[0].Response.Status != "201 Created" {
		t.Errorf("entry 0 status = %q", resp.Entry[0].Response.Status)
	}
	if resp.Entry[1].Response.Status != "400 Bad Request" || resp.Entry[1].Response.Outcome == nil {
		t.Errorf("entry 1 = %+v, want a 400 with an outcome", resp.Entry[1].Response)
	}
	if resp.Entry[2].Response.Status != "201 Created" {
		t.Errorf("entry 2 status = %q", resp.Entry[2].Response.Status)
	}

	// The failing sibling did not disturb the committed entries.
	for _, id := range []string{"ok1", "ok2"} {
		if _, err := versions.Read(ctx, "Patient", id); err != nil {
			t.Errorf("Read(%s): %v", id, err)
		}
	}
}

func TestBundleDeleteEntry(t *testing.T) {
	engine, versions, mem := newBundleEngine(t)
	ctx := context.Background()
	if _, err := versions.Create(ctx, fhir.Document{"resourceType": "Patient", "id": "p1"}, "tester", fhir.StandaloneTx(mem)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp, err := engine.Process(ctx, &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entry: []fhir.BundleEntry{
			{Request: &fhir.BundleRequest{Method: "DELETE", URL: "Patient/p1"}},
		},
	}, "tester")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Entry[0].Response.Status != "204 No Content" {
		t.Errorf("status = %q", resp.Entry[0].Response.Status)
	}
	if _, err := versions.Read(ctx, "Patient", "p1"); fhir.KindOf(err) != fhir.KindNotFound {
		t.Errorf("patient should be deleted, Read: %v", err)
	}
}

func TestBundleRejectsBadShapes(t *testing.T) {
	engine, _, _ := newBundleEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		bundle *fhir.Bundle
	}{
		{"nil bundle", nil},
		{"wrong resource type", &fhir.Bundle{ResourceType: "Patient", Type: "transaction"}},
		{"searchset type", &fhir.Bundle{ResourceType: "Bundle", Type: "searchset"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.Process(ctx, tt.bundle, "tester"); fhir.KindOf(err) != fhir.KindClient {
				t.Errorf("KindOf = %v, want KindClient", fhir.KindOf(err))
			}
		})
	}
}

func TestProcessLeavesSubmittedBundleUntouched(t *testing.T) {
	engine, _, _ := newBundleEngine(t)
	ctx := context.Background()

	patient := fhir.Document{"resourceType": "Patient", "gender": "female"}
	observation := fhir.Document{
		"resourceType": "Observation",
		"status":       "final",
		"subject":      map[string]interface{}{"reference": "urn:uuid:patient-1"},
	}
	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entry: []fhir.BundleEntry{
			{
				FullURL:  "urn:uuid:patient-1",
				Resource: patient,
				Request:  &fhir.BundleRequest{Method: "POST", URL: "Patient"},
			},
			{
				Resource: observation,
				Request:  &fhir.BundleRequest{Method: "POST", URL: "Observation"},
			},
		},
	}

	if _, err := engine.Process(ctx, bundle, "tester"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The caller's bundle keeps its original shape: no server-assigned
	// IDs, no rewritten placeholder references.
	if id, ok := patient["id"]; ok {
		t.Errorf("submitted patient gained id %v", id)
	}
	subject := observation["subject"].(map[string]interface{})
	if subject["reference"] != "urn:uuid:patient-1" {
		t.Errorf("submitted reference = %v, want the original placeholder", subject["reference"])
	}
}

func TestEmptyBundleYieldsEmptyResponse(t *testing.T) {
	engine, _, _ := newBundleEngine(t)
	resp, err := engine.Process(context.Background(), &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "batch",
	}, "tester")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(resp.Entry) != 0 || resp.Type != "batch-response" {
		t.Errorf("response = %+v", resp)
	}
}
