package resources

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhirstore/fhirstore/internal/platform/fhir"
)

// Metadata serves GET [base]/metadata: a CapabilityStatement listing the
// resource types with builtin search parameter tables and the
// interactions every type supports.
func Metadata(registry *fhir.Registry, baseURL string) echo.HandlerFunc {
	interactions := []map[string]string{
		{"code": "read"},
		{"code": "vread"},
		{"code": "create"},
		{"code": "update"},
		{"code": "delete"},
		{"code": "search-type"},
	}
	return func(c echo.Context) error {
		var rest []map[string]interface{}
		for _, rt := range registry.Types() {
			rest = append(rest, map[string]interface{}{
				"type":        rt,
				"interaction": interactions,
			})
		}
		statement := map[string]interface{}{
			"resourceType": "CapabilityStatement",
			"status":       "active",
			"date":         time.Now().UTC().Format(time.RFC3339),
			"kind":         "instance",
			"fhirVersion":  "4.0.1",
			"format":       []string{"application/fhir+json"},
			"implementation": map[string]string{
				"description": "Schemaless FHIR document store",
				"url":         baseURL,
			},
			"rest": []map[string]interface{}{
				{
					"mode":        "server",
					"resource":    rest,
					"interaction": []map[string]string{{"code": "transaction"}, {"code": "batch"}},
				},
			},
		}
		return c.JSON(http.StatusOK, statement)
	}
}
