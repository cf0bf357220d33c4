package fhir

import (
	"strconv"
	"time"
)

const auditTagSystem = "urn:fhirstore:audit"

// Stamper applies version and audit metadata to resource bodies before
// they are written.
type Stamper struct {
	clock func() time.Time
}

func NewStamper() *Stamper {
	return &Stamper{clock: time.Now}
}

// Stamp sets meta.versionId and meta.lastUpdated and records the acting
// principal and operation as an audit tag. Existing non-audit tags are
// preserved.
func (s *Stamper) Stamp(resource Document, actor, operation string, version int) {
	meta, _ := resource["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		resource["meta"] = meta
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = s.clock().UTC().Format(time.RFC3339)

	var tags []interface{}
	if existing, ok := meta["tag"].([]interface{}); ok {
		for _, t := range existing {
			if m, ok := t.(map[string]interface{}); ok && m["system"] == auditTagSystem {
				continue
			}
			tags = append(tags, t)
		}
	}
	tags = append(tags, map[string]interface{}{
		"system":  auditTagSystem,
		"code":    operation,
		"display": actor,
	})
	meta["tag"] = tags
}

// ResourceVersion reads meta.versionId from a document, defaulting to 1
// for documents written before versioning metadata existed.
func ResourceVersion(resource Document) int {
	meta, _ := resource["meta"].(map[string]interface{})
	if meta == nil {
		return 1
	}
	raw, _ := meta["versionId"].(string)
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 1
	}
	return v
}
