package fhir

import "testing"

func TestStructuralValidator(t *testing.T) {
	v := StructuralValidator{}

	tests := []struct {
		name     string
		resource Document
		wantErr  bool
	}{
		{"valid minimal", Document{"resourceType": "Patient"}, false},
		{"valid with id", Document{"resourceType": "Patient", "id": "abc-123.v2"}, false},
		{"missing type", Document{"id": "p1"}, true},
		{"lowercase type", Document{"resourceType": "patient"}, true},
		{"bad id characters", Document{"resourceType": "Patient", "id": "has spaces"}, true},
		{"non-string id", Document{"resourceType": "Patient", "id": 42.0}, true},
		{"meta not object", Document{"resourceType": "Patient", "meta": "oops"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := v.Validate(tt.resource)
			if got := HasErrors(issues); got != tt.wantErr {
				t.Errorf("HasErrors = %v, want %v (issues: %v)", got, tt.wantErr, issues)
			}
		})
	}
}

func TestIssuesMessage(t *testing.T) {
	issues := []Issue{
		{Severity: "error", Location: "id", Message: "bad id"},
		{Severity: "error", Message: "something else"},
	}
	got := IssuesMessage(issues)
	want := "id: bad id; something else"
	if got != want {
		t.Errorf("IssuesMessage = %q, want %q", got, want)
	}
}
