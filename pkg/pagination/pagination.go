// Package pagination extracts paging parameters from requests and builds
// FHIR Bundle navigation links around opaque continuation tokens.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params holds pagination parameters extracted from a request. Token is
// the opaque continuation token of a follow-up page request, empty on
// the first page.
type Params struct {
	Count int
	Token string
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	count, _ := strconv.Atoi(c.QueryParam("_count"))
	if count <= 0 {
		count = DefaultLimit
	}
	if count > MaxLimit {
		count = MaxLimit
	}
	return Params{Count: count, Token: c.QueryParam("_page")}
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// FHIRLinks builds the self link for the executed request plus, when
// nextToken is non-empty, the next link carrying the continuation token.
// Result sets are resumed by token, not by offset: the next link drops
// the original criteria and carries only _page and _count.
func FHIRLinks(baseURL, resourceType string, query url.Values, count int, nextToken string) []FHIRLink {
	self := baseURL + "/" + resourceType
	if enc := query.Encode(); enc != "" {
		self += "?" + enc
	}
	links := []FHIRLink{{Relation: "self", URL: self}}

	if nextToken != "" {
		next := url.Values{}
		next.Set("_page", nextToken)
		next.Set("_count", strconv.Itoa(count))
		links = append(links, FHIRLink{
			Relation: "next",
			URL:      baseURL + "/" + resourceType + "?" + next.Encode(),
		})
	}
	return links
}
