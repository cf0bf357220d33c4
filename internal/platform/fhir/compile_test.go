package fhir

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
)

func testCompiler() *Compiler {
	log := zerolog.Nop()
	return NewCompiler(NewRegistry(log), log)
}

func TestParseSearchValue(t *testing.T) {
	tests := []struct {
		raw        string
		wantPrefix SearchPrefix
		wantValue  string
	}{
		{"ge2020-01-01", PrefixGe, "2020-01-01"},
		{"lt5", PrefixLt, "5"},
		{"ne1987", PrefixNe, "1987"},
		{"2020-01-01", PrefixEq, "2020-01-01"},
		{"eq7", PrefixEq, "7"},
		{"zz42", PrefixEq, "zz42"},
		{"ge", PrefixEq, "ge"},
	}
	for _, tt := range tests {
		prefix, value := ParseSearchValue(tt.raw)
		if prefix != tt.wantPrefix || value != tt.wantValue {
			t.Errorf("ParseSearchValue(%q) = (%s, %q), want (%s, %q)",
				tt.raw, prefix, value, tt.wantPrefix, tt.wantValue)
		}
	}
}

func TestParseParamModifier(t *testing.T) {
	tests := []struct {
		name     string
		wantBase string
		wantMod  SearchModifier
	}{
		{"name", "name", ModifierNone},
		{"name:exact", "name", ModifierExact},
		{"name:contains", "name", ModifierContains},
		{"birthdate:missing", "birthdate", ModifierMissing},
	}
	for _, tt := range tests {
		base, mod := ParseParamModifier(tt.name)
		if base != tt.wantBase || mod != tt.wantMod {
			t.Errorf("ParseParamModifier(%q) = (%q, %q), want (%q, %q)",
				tt.name, base, mod, tt.wantBase, tt.wantMod)
		}
	}
}

func TestCompileTokenShapes(t *testing.T) {
	c := testCompiler()

	tests := []struct {
		name     string
		criteria url.Values
		matches  Document
		misses   Document
	}{
		{
			"bare code",
			url.Values{"gender": {"female"}},
			Document{"gender": "female"},
			Document{"gender": "male"},
		},
		{
			"system and code",
			url.Values{"identifier": {"http://hospital.example.org/mrn|12345"}},
			Document{"identifier": []interface{}{map[string]interface{}{
				"system": "http://hospital.example.org/mrn", "value": "12345",
			}}},
			Document{"identifier": []interface{}{map[string]interface{}{
				"system": "http://other.example.org", "value": "12345",
			}}},
		},
		{
			"code with any system",
			url.Values{"identifier": {"|12345"}},
			Document{"identifier": []interface{}{map[string]interface{}{"value": "12345"}}},
			Document{"identifier": []interface{}{map[string]interface{}{"value": "99999"}}},
		},
		{
			"system with any code",
			url.Values{"identifier": {"http://hospital.example.org/mrn|"}},
			Document{"identifier": []interface{}{map[string]interface{}{
				"system": "http://hospital.example.org/mrn", "value": "anything",
			}}},
			Document{"identifier": []interface{}{map[string]interface{}{
				"system": "http://other.example.org", "value": "anything",
			}}},
		},
		{
			"fixed system telecom",
			url.Values{"phone": {"555-0100"}},
			Document{"telecom": []interface{}{map[string]interface{}{
				"system": "phone", "value": "555-0100",
			}}},
			Document{"telecom": []interface{}{map[string]interface{}{
				"system": "email", "value": "555-0100",
			}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cq, err := c.Compile("Patient", tt.criteria)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if !cq.Root.Matches(tt.matches) {
				t.Errorf("compiled clause should match %v", tt.matches)
			}
			if cq.Root.Matches(tt.misses) {
				t.Errorf("compiled clause should not match %v", tt.misses)
			}
		})
	}
}

func TestCompileStringModifiers(t *testing.T) {
	c := testCompiler()
	doc := Document{"name": []interface{}{map[string]interface{}{"family": "Smithson"}}}

	tests := []struct {
		name     string
		criteria url.Values
		want     bool
	}{
		{"default is prefix", url.Values{"family": {"smith"}}, true},
		{"prefix does not match middle", url.Values{"family": {"mith"}}, false},
		{"contains matches middle", url.Values{"family:contains": {"mith"}}, true},
		{"exact needs whole value", url.Values{"family:exact": {"Smith"}}, false},
		{"exact full value", url.Values{"family:exact": {"Smithson"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cq, err := c.Compile("Patient", tt.criteria)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := cq.Root.Matches(doc); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompileDatePrefixes(t *testing.T) {
	c := testCompiler()

	born1985 := Document{"birthDate": "1985-06-15"}
	born1990 := Document{"birthDate": "1990-06-15"}
	born1995 := Document{"birthDate": "1995-06-15"}

	tests := []struct {
		raw       string
		want1985  bool
		want1990  bool
		want1995  bool
	}{
		{"1990", false, true, false},
		{"eq1990", false, true, false},
		{"ap1990", false, true, false},
		{"ne1990", true, false, true},
		{"gt1990", false, false, true},
		{"ge1990", false, true, true},
		{"lt1990", true, false, false},
		{"le1990", true, true, false},
		{"sa1990", false, false, true},
		{"eb1990", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			cq, err := c.Compile("Patient", url.Values{"birthdate": {tt.raw}})
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := cq.Root.Matches(born1985); got != tt.want1985 {
				t.Errorf("1985: Matches = %v, want %v", got, tt.want1985)
			}
			if got := cq.Root.Matches(born1990); got != tt.want1990 {
				t.Errorf("1990: Matches = %v, want %v", got, tt.want1990)
			}
			if got := cq.Root.Matches(born1995); got != tt.want1995 {
				t.Errorf("1995: Matches = %v, want %v", got, tt.want1995)
			}
		})
	}
}

func TestCompileCommaValuesOrTogether(t *testing.T) {
	c := testCompiler()
	cq, err := c.Compile("Patient", url.Values{"gender": {"male,female"}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !cq.Root.Matches(Document{"gender": "male"}) {
		t.Error("male should match")
	}
	if !cq.Root.Matches(Document{"gender": "female"}) {
		t.Error("female should match")
	}
	if cq.Root.Matches(Document{"gender": "other"}) {
		t.Error("other should not match")
	}
}

func TestCompileRepeatedParamsAndTogether(t *testing.T) {
	c := testCompiler()
	cq, err := c.Compile("Patient", url.Values{"birthdate": {"ge1980", "le1990"}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !cq.Root.Matches(Document{"birthDate": "1985-01-01"}) {
		t.Error("1985 should satisfy both bounds")
	}
	if cq.Root.Matches(Document{"birthDate": "1995-01-01"}) {
		t.Error("1995 should fail the upper bound")
	}
}

func TestCompileDropsUnknownWithWarning(t *testing.T) {
	c := testCompiler()
	cq, err := c.Compile("Patient", url.Values{
		"gender": {"female"},
		"nosuch": {"x"},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(cq.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want exactly one for the unknown parameter", cq.Warnings)
	}
	// The surviving criterion must still apply.
	if !cq.Root.Matches(Document{"gender": "female"}) {
		t.Error("known criteria should survive the dropped parameter")
	}
	if cq.Root.Matches(Document{"gender": "male"}) {
		t.Error("known criteria should still filter")
	}
}

func TestCompileDropsMissingModifier(t *testing.T) {
	c := testCompiler()
	cq, err := c.Compile("Patient", url.Values{"birthdate:missing": {"true"}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if cq.Root != nil {
		t.Errorf("Root = %+v, want nil after dropping the only criterion", cq.Root)
	}
	if len(cq.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one", cq.Warnings)
	}
}

func TestCompileControlParamsIgnored(t *testing.T) {
	c := testCompiler()
	cq, err := c.Compile("Patient", url.Values{
		"_count": {"10"}, "_sort": {"name"}, "_total": {"accurate"}, "_page": {"tok"},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if cq.Root != nil || len(cq.Warnings) != 0 {
		t.Errorf("control parameters must compile to a match-all with no warnings, got %+v / %v", cq.Root, cq.Warnings)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	c := testCompiler()
	criteria := url.Values{
		"gender":    {"female"},
		"family":    {"smith"},
		"birthdate": {"ge1980"},
		"_id":       {"p1"},
	}
	first, err := c.Compile("Patient", criteria)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := c.Compile("Patient", criteria)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		a, _ := json.Marshal(first.Root)
		b, _ := json.Marshal(again.Root)
		if string(a) != string(b) {
			t.Fatalf("compilation is not deterministic:\n%s\n%s", a, b)
		}
	}
}

func TestCompileReferenceQualifiesBareID(t *testing.T) {
	c := testCompiler()
	doc := Document{"subject": map[string]interface{}{"reference": "Patient/p1"}}

	cq, err := c.Compile("Observation", url.Values{"subject": {"p1"}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !cq.Root.Matches(doc) {
		t.Error("bare id should be qualified with the target type")
	}

	cq, err = c.Compile("Observation", url.Values{"subject": {"Patient/p1"}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !cq.Root.Matches(doc) {
		t.Error("qualified reference should match as-is")
	}
}

func TestSortFields(t *testing.T) {
	c := testCompiler()

	got := c.SortFields("Patient", "family,-birthdate")
	want := []SortField{
		{Field: "name.family"},
		{Field: "birthDate", Descending: true},
	}
	if len(got) != len(want) {
		t.Fatalf("SortFields = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SortFields[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	if got := c.SortFields("Patient", ""); got != nil {
		t.Errorf("empty _sort should yield nil, got %+v", got)
	}
}
