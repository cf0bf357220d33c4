package fhir

import (
	"regexp"
	"strings"
)

// Issue is one finding from resource validation.
type Issue struct {
	Severity string `json:"severity"`
	Location string `json:"location,omitempty"`
	Message  string `json:"message"`
}

// Validator checks a resource body before it is written. Full profile
// validation lives outside this engine; implementations here only need to
// guarantee the invariants the write path depends on.
type Validator interface {
	Validate(resource Document) []Issue
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

// StructuralValidator enforces the minimal shape every stored resource
// must have: a capitalized resourceType and a well-formed id when present.
type StructuralValidator struct{}

func (StructuralValidator) Validate(resource Document) []Issue {
	var issues []Issue
	rt, _ := resource["resourceType"].(string)
	switch {
	case rt == "":
		issues = append(issues, Issue{
			Severity: "error",
			Location: "resourceType",
			Message:  "resource is missing resourceType",
		})
	case rt[0] < 'A' || rt[0] > 'Z':
		issues = append(issues, Issue{
			Severity: "error",
			Location: "resourceType",
			Message:  "resourceType must be a capitalized type name",
		})
	}
	if id, ok := resource["id"]; ok {
		s, isString := id.(string)
		if !isString || !idPattern.MatchString(s) {
			issues = append(issues, Issue{
				Severity: "error",
				Location: "id",
				Message:  "id must be 1-64 characters of A-Z, a-z, 0-9, '-' or '.'",
			})
		}
	}
	if meta, ok := resource["meta"]; ok {
		if _, isMap := meta.(map[string]interface{}); !isMap {
			issues = append(issues, Issue{
				Severity: "error",
				Location: "meta",
				Message:  "meta must be an object",
			})
		}
	}
	return issues
}

// HasErrors reports whether any issue is error severity or worse.
func HasErrors(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == "error" || is.Severity == "fatal" {
			return true
		}
	}
	return false
}

// IssuesMessage flattens issues into one diagnostic line.
func IssuesMessage(issues []Issue) string {
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		if is.Location != "" {
			parts = append(parts, is.Location+": "+is.Message)
			continue
		}
		parts = append(parts, is.Message)
	}
	return strings.Join(parts, "; ")
}
