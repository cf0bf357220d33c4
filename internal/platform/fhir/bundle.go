package fhir

import (
	"time"
)

// Bundle is the FHIR Bundle wire shape, used for both submitted
// transaction/batch bundles and searchset/response bundles.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource Document        `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	Etag         string      `json:"etag,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// NewSearchBundle builds a searchset bundle from a result page. Modes
// parallel the resources slice and distinguish match from include hits.
func NewSearchBundle(page *Page, links []BundleLink) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(page.Resources))
	for i, r := range page.Resources {
		mode := "match"
		if i < len(page.Modes) && page.Modes[i] != "" {
			mode = page.Modes[i]
		}
		entries[i] = BundleEntry{
			FullURL:  entryFullURL(r),
			Resource: r,
			Search:   &BundleSearch{Mode: mode},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        page.Total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}

// NewResponseBundle builds the transaction-response or batch-response
// bundle for processed entries, preserving submission order.
func NewResponseBundle(mode BundleMode, results []EntryResult) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(results))
	for i, res := range results {
		entry := BundleEntry{
			Resource: res.Resource,
			Response: &BundleResponse{
				Status:   res.Status,
				Location: res.Location,
				Etag:     res.Etag,
			},
		}
		if res.Outcome != nil {
			entry.Response.Outcome = res.Outcome
		}
		entries[i] = entry
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         string(mode) + "-response",
		Timestamp:    &now,
		Entry:        entries,
	}
}

func entryFullURL(r Document) string {
	rt, _ := r["resourceType"].(string)
	id, _ := r["id"].(string)
	if rt == "" || id == "" {
		return ""
	}
	return rt + "/" + id
}
