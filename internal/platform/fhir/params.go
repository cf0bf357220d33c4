package fhir

import (
	"sort"

	"github.com/rs/zerolog"
)

// ParamType is the semantic type of a search parameter, governing how its
// raw value compiles into index clauses.
type ParamType int

const (
	ParamToken ParamType = iota
	ParamString
	ParamDate
	ParamNumber
	ParamReference
	ParamComposite
)

func (t ParamType) String() string {
	switch t {
	case ParamToken:
		return "token"
	case ParamString:
		return "string"
	case ParamDate:
		return "date"
	case ParamNumber:
		return "number"
	case ParamReference:
		return "reference"
	default:
		return "composite"
	}
}

// SearchParameter is the resolved definition of one search parameter on
// one resource type. Values are immutable once the registry is built.
type SearchParameter struct {
	Name string
	Type ParamType
	// FieldPath is the document path holding the searched value. For
	// reference parameters it already ends in ".reference".
	FieldPath string
	// SystemPath is the path of the system half of a token pair, empty
	// for simple code fields that carry no system.
	SystemPath string
	// FixedSystem pins the system half to a constant, extracted from a
	// filtered definition path such as "telecom where system='phone'".
	FixedSystem string
	// ExactMatch forces match clauses instead of prefix wildcards for
	// identifiers and enumerated codes.
	ExactMatch bool
	// OrFields lists the sub-fields a composite string parameter spans;
	// the compiled clause is a disjunction across them.
	OrFields []string
	// Target is the referenced resource type for reference parameters.
	Target string
}

// Registry resolves (resourceType, paramName) pairs to definitions. It is
// built once at startup and read-only afterwards, safe for concurrent use.
type Registry struct {
	byType    map[string]map[string]SearchParameter
	common    map[string]SearchParameter
	overrides map[string]map[string]SearchParameter
	log       zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	r := &Registry{
		byType:    builtinParameters(),
		common:    commonParameters(),
		overrides: map[string]map[string]SearchParameter{},
		log:       log,
	}
	return r
}

// Override installs a resource-specific parameter checked ahead of the
// builtin table. Intended for jurisdiction-specific additions registered
// during startup, before the registry is shared.
func (r *Registry) Override(resourceType string, p SearchParameter) {
	m, ok := r.overrides[resourceType]
	if !ok {
		m = map[string]SearchParameter{}
		r.overrides[resourceType] = m
	}
	m[p.Name] = p
}

// Resolve returns the definition for a parameter, or ok=false for unknown
// parameters. Callers searching leniently skip unknown parameters with a
// warning; callers validating a request up front treat them as client
// errors.
func (r *Registry) Resolve(resourceType, name string) (SearchParameter, bool) {
	switch name {
	case "_id":
		return SearchParameter{Name: "_id", Type: ParamToken, FieldPath: "id", ExactMatch: true}, true
	case "_lastUpdated":
		return SearchParameter{Name: "_lastUpdated", Type: ParamDate, FieldPath: "meta.lastUpdated"}, true
	case "_text":
		return SearchParameter{Name: "_text", Type: ParamString, FieldPath: ""}, true
	}
	if m, ok := r.overrides[resourceType]; ok {
		if p, ok := m[name]; ok {
			return p, true
		}
	}
	if m, ok := r.byType[resourceType]; ok {
		if p, ok := m[name]; ok {
			return p, true
		}
	}
	if p, ok := r.common[name]; ok {
		return p, true
	}
	return SearchParameter{}, false
}

// Types lists the resource types with builtin parameter tables, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SortPath maps a _sort field name to its document path, falling back to
// the name itself for unknown parameters.
func (r *Registry) SortPath(resourceType, name string) string {
	if p, ok := r.Resolve(resourceType, name); ok && p.FieldPath != "" {
		return p.FieldPath
	}
	return name
}

// Helper constructors keep the builtin table terse. The three token forms
// mirror the resolution sub-rules: simple code fields with no system half,
// coded-concept fields, and identifier-like value/system pairs.

func simpleCode(name, field string) SearchParameter {
	return SearchParameter{Name: name, Type: ParamToken, FieldPath: field, ExactMatch: true}
}

func codedConcept(name, field string) SearchParameter {
	return SearchParameter{
		Name:       name,
		Type:       ParamToken,
		FieldPath:  field + ".coding.code",
		SystemPath: field + ".coding.system",
		ExactMatch: true,
	}
}

func identifierPair(name, field string) SearchParameter {
	return SearchParameter{
		Name:       name,
		Type:       ParamToken,
		FieldPath:  field + ".value",
		SystemPath: field + ".system",
		ExactMatch: true,
	}
}

func filteredToken(name, field, fixedSystem string) SearchParameter {
	return SearchParameter{
		Name:        name,
		Type:        ParamToken,
		FieldPath:   field + ".value",
		SystemPath:  field + ".system",
		FixedSystem: fixedSystem,
		ExactMatch:  true,
	}
}

func stringParam(name, field string) SearchParameter {
	return SearchParameter{Name: name, Type: ParamString, FieldPath: field}
}

func stringSpan(name string, fields ...string) SearchParameter {
	return SearchParameter{Name: name, Type: ParamString, OrFields: fields}
}

func dateParam(name, field string) SearchParameter {
	return SearchParameter{Name: name, Type: ParamDate, FieldPath: field}
}

func numberParam(name, field string) SearchParameter {
	return SearchParameter{Name: name, Type: ParamNumber, FieldPath: field}
}

func refParam(name, field, target string) SearchParameter {
	return SearchParameter{Name: name, Type: ParamReference, FieldPath: field + ".reference", Target: target}
}

func table(params ...SearchParameter) map[string]SearchParameter {
	m := make(map[string]SearchParameter, len(params))
	for _, p := range params {
		m[p.Name] = p
	}
	return m
}

func commonParameters() map[string]SearchParameter {
	return table(
		identifierPair("identifier", "identifier"),
		simpleCode("status", "status"),
	)
}

func builtinParameters() map[string]map[string]SearchParameter {
	return map[string]map[string]SearchParameter{
		"Patient": table(
			identifierPair("identifier", "identifier"),
			simpleCode("gender", "gender"),
			simpleCode("active", "active"),
			dateParam("birthdate", "birthDate"),
			dateParam("death-date", "deceasedDateTime"),
			stringParam("family", "name.family"),
			stringParam("given", "name.given"),
			stringSpan("name", "name.family", "name.given", "name.prefix", "name.suffix", "name.text"),
			stringSpan("address", "address.line", "address.city", "address.state", "address.postalCode", "address.country"),
			stringParam("address-city", "address.city"),
			stringParam("address-state", "address.state"),
			stringParam("address-postalcode", "address.postalCode"),
			filteredToken("phone", "telecom", "phone"),
			filteredToken("email", "telecom", "email"),
			identifierPair("telecom", "telecom"),
			codedConcept("language", "communication.language"),
			refParam("general-practitioner", "generalPractitioner", "Practitioner"),
			refParam("organization", "managingOrganization", "Organization"),
		),
		"Practitioner": table(
			identifierPair("identifier", "identifier"),
			simpleCode("gender", "gender"),
			simpleCode("active", "active"),
			stringParam("family", "name.family"),
			stringParam("given", "name.given"),
			stringSpan("name", "name.family", "name.given", "name.prefix", "name.suffix", "name.text"),
			filteredToken("phone", "telecom", "phone"),
			filteredToken("email", "telecom", "email"),
		),
		"Organization": table(
			identifierPair("identifier", "identifier"),
			simpleCode("active", "active"),
			stringSpan("name", "name", "alias"),
			stringSpan("address", "address.line", "address.city", "address.state", "address.postalCode", "address.country"),
			codedConcept("type", "type"),
			refParam("partof", "partOf", "Organization"),
		),
		"Encounter": table(
			identifierPair("identifier", "identifier"),
			simpleCode("status", "status"),
			identifierPair("class", "class"),
			codedConcept("type", "type"),
			dateParam("date", "period.start"),
			refParam("subject", "subject", "Patient"),
			refParam("patient", "subject", "Patient"),
			refParam("practitioner", "participant.individual", "Practitioner"),
			refParam("participant", "participant.individual", "Practitioner"),
			refParam("location", "location.location", "Location"),
			refParam("service-provider", "serviceProvider", "Organization"),
		),
		"Observation": table(
			identifierPair("identifier", "identifier"),
			simpleCode("status", "status"),
			codedConcept("code", "code"),
			codedConcept("category", "category"),
			dateParam("date", "effectiveDateTime"),
			dateParam("issued", "issued"),
			numberParam("value-quantity", "valueQuantity.value"),
			codedConcept("value-concept", "valueCodeableConcept"),
			refParam("subject", "subject", "Patient"),
			refParam("patient", "subject", "Patient"),
			refParam("performer", "performer", "Practitioner"),
			refParam("encounter", "encounter", "Encounter"),
			refParam("device", "device", "Device"),
		),
		"Condition": table(
			identifierPair("identifier", "identifier"),
			codedConcept("code", "code"),
			codedConcept("category", "category"),
			codedConcept("clinical-status", "clinicalStatus"),
			codedConcept("verification-status", "verificationStatus"),
			codedConcept("severity", "severity"),
			dateParam("onset-date", "onsetDateTime"),
			dateParam("recorded-date", "recordedDate"),
			refParam("subject", "subject", "Patient"),
			refParam("patient", "subject", "Patient"),
			refParam("encounter", "encounter", "Encounter"),
		),
		"Procedure": table(
			identifierPair("identifier", "identifier"),
			simpleCode("status", "status"),
			codedConcept("code", "code"),
			dateParam("date", "performedDateTime"),
			refParam("subject", "subject", "Patient"),
			refParam("patient", "subject", "Patient"),
			refParam("performer", "performer.actor", "Practitioner"),
			refParam("encounter", "encounter", "Encounter"),
			refParam("location", "location", "Location"),
		),
		"DiagnosticReport": table(
			identifierPair("identifier", "identifier"),
			simpleCode("status", "status"),
			codedConcept("code", "code"),
			codedConcept("category", "category"),
			dateParam("date", "effectiveDateTime"),
			dateParam("issued", "issued"),
			refParam("subject", "subject", "Patient"),
			refParam("patient", "subject", "Patient"),
			refParam("performer", "performer", "Practitioner"),
			refParam("encounter", "encounter", "Encounter"),
			refParam("result", "result", "Observation"),
		),
		"MedicationRequest": table(
			identifierPair("identifier", "identifier"),
			simpleCode("status", "status"),
			simpleCode("intent", "intent"),
			codedConcept("medication", "medicationCodeableConcept"),
			dateParam("authoredon", "authoredOn"),
			refParam("subject", "subject", "Patient"),
			refParam("patient", "subject", "Patient"),
			refParam("requester", "requester", "Practitioner"),
			refParam("encounter", "encounter", "Encounter"),
		),
		"AllergyIntolerance": table(
			identifierPair("identifier", "identifier"),
			codedConcept("code", "code"),
			codedConcept("clinical-status", "clinicalStatus"),
			codedConcept("category", "category"),
			dateParam("date", "recordedDate"),
			refParam("patient", "patient", "Patient"),
		),
		"Location": table(
			identifierPair("identifier", "identifier"),
			simpleCode("status", "status"),
			stringSpan("name", "name", "alias"),
			stringSpan("address", "address.line", "address.city", "address.state", "address.postalCode", "address.country"),
			refParam("organization", "managingOrganization", "Organization"),
			refParam("partof", "partOf", "Location"),
		),
		"Device": table(
			identifierPair("identifier", "identifier"),
			simpleCode("status", "status"),
			codedConcept("type", "type"),
			stringParam("device-name", "deviceName.name"),
			refParam("patient", "patient", "Patient"),
			refParam("organization", "owner", "Organization"),
			refParam("location", "location", "Location"),
		),
	}
}
