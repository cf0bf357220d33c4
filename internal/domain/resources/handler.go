// Package resources serves the FHIR REST surface: type-level search,
// instance CRUD with version history, conditional updates, and submitted
// transaction/batch bundles. One handler covers every resource type; the
// engine is schemaless and the search parameter registry decides what a
// type supports.
package resources

import (
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirstore/fhirstore/internal/platform/auth"
	"github.com/fhirstore/fhirstore/internal/platform/fhir"
	"github.com/fhirstore/fhirstore/pkg/pagination"
)

var resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+$`)

type Handler struct {
	search    *fhir.SearchService
	versions  *fhir.VersionControl
	bundles   *fhir.BundleEngine
	validator fhir.Validator
	store     fhir.DocStore
	baseURL   string
	log       zerolog.Logger
}

func NewHandler(search *fhir.SearchService, versions *fhir.VersionControl, bundles *fhir.BundleEngine, validator fhir.Validator, store fhir.DocStore, baseURL string, log zerolog.Logger) *Handler {
	return &Handler{
		search:    search,
		versions:  versions,
		bundles:   bundles,
		validator: validator,
		store:     store,
		baseURL:   baseURL,
		log:       log,
	}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("", h.SubmitBundle)
	fhirGroup.POST("/", h.SubmitBundle)

	fhirGroup.GET("/:type", h.Search)
	fhirGroup.POST("/:type/_search", h.SearchForm)
	fhirGroup.POST("/:type", h.Create)
	fhirGroup.PUT("/:type", h.ConditionalUpdate)

	fhirGroup.GET("/:type/:id", h.Read)
	fhirGroup.PUT("/:type/:id", h.Update)
	fhirGroup.DELETE("/:type/:id", h.Delete)
	fhirGroup.GET("/:type/:id/_history/:vid", h.ReadVersion)
}

// Search handles GET [base]/[type]. A _page token resumes a previous
// search; any other criteria on a continuation request are ignored.
func (h *Handler) Search(c echo.Context) error {
	return h.runSearch(c, c.QueryParams())
}

// SearchForm handles POST [base]/[type]/_search with criteria in the
// form body, merged over the query string.
func (h *Handler) SearchForm(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return writeError(c, fhir.NewClientError("malformed search form body"))
	}
	merged := url.Values{}
	for name, values := range c.QueryParams() {
		merged[name] = values
	}
	for name, values := range form {
		merged[name] = values
	}
	return h.runSearch(c, merged)
}

func (h *Handler) runSearch(c echo.Context, raw url.Values) error {
	resourceType, err := h.resourceType(c)
	if err != nil {
		return writeError(c, err)
	}
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)

	// _summary and _elements shape the response, never the match set.
	// They are stripped and logged until projection is supported.
	for _, name := range []string{"_summary", "_elements"} {
		if raw.Get(name) != "" {
			h.log.Debug().Str("param", name).Str("type", resourceType).Msg("ignoring unsupported result-shaping parameter")
			raw.Del(name)
		}
	}

	var page *fhir.Page
	if pg.Token != "" {
		page, err = h.search.ContinuePage(ctx, pg.Token, intQuery(raw, "_count"))
	} else {
		page, err = h.search.Search(ctx, resourceType, raw)
	}
	if err != nil {
		return writeError(c, err)
	}

	links := pagination.FHIRLinks(h.baseURL, resourceType, raw, pg.Count, page.NextToken)
	bundle := fhir.NewSearchBundle(page, bundleLinks(links))
	return c.JSON(http.StatusOK, bundle)
}

// Read handles GET [base]/[type]/[id]. Deleted resources report 404 even
// though their history is retained.
func (h *Handler) Read(c echo.Context) error {
	resourceType, err := h.resourceType(c)
	if err != nil {
		return writeError(c, err)
	}
	doc, err := h.versions.Read(c.Request().Context(), resourceType, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	fhir.SetVersionHeaders(c, fhir.ResourceVersion(doc), lastUpdated(doc))
	return c.JSON(http.StatusOK, doc)
}

// ReadVersion handles GET [base]/[type]/[id]/_history/[vid].
func (h *Handler) ReadVersion(c echo.Context) error {
	resourceType, err := h.resourceType(c)
	if err != nil {
		return writeError(c, err)
	}
	version, err := strconv.Atoi(c.Param("vid"))
	if err != nil || version < 1 {
		return writeError(c, fhir.NewClientError("version id %q is not a positive integer", c.Param("vid")))
	}
	doc, err := h.versions.ReadVersion(c.Request().Context(), resourceType, c.Param("id"), version)
	if err != nil {
		return writeError(c, err)
	}
	fhir.SetVersionHeaders(c, version, lastUpdated(doc))
	return c.JSON(http.StatusOK, doc)
}

// Create handles POST [base]/[type]. Any client-proposed id is discarded
// and a server ID assigned.
func (h *Handler) Create(c echo.Context) error {
	resourceType, err := h.resourceType(c)
	if err != nil {
		return writeError(c, err)
	}
	resource, err := h.decodeResource(c, resourceType)
	if err != nil {
		return writeError(c, err)
	}
	resource["id"] = uuid.NewString()

	wr, err := h.versions.Create(c.Request().Context(), resource, auth.Actor(c.Request().Context()), fhir.StandaloneTx(h.store))
	if err != nil {
		return writeError(c, err)
	}
	return h.writeResult(c, resourceType, wr)
}

// Update handles PUT [base]/[type]/[id]: update-or-create under the
// client-supplied ID.
func (h *Handler) Update(c echo.Context) error {
	resourceType, err := h.resourceType(c)
	if err != nil {
		return writeError(c, err)
	}
	id := c.Param("id")
	resource, err := h.decodeResource(c, resourceType)
	if err != nil {
		return writeError(c, err)
	}
	if bodyID, _ := resource["id"].(string); bodyID == "" {
		resource["id"] = id
	} else if bodyID != id {
		return writeError(c, fhir.NewClientError("resource id %q does not match URL id %q", bodyID, id))
	}

	wr, err := h.versions.UpdateOrCreate(c.Request().Context(), resource, auth.Actor(c.Request().Context()), fhir.StandaloneTx(h.store))
	if err != nil {
		return writeError(c, err)
	}
	return h.writeResult(c, resourceType, wr)
}

// ConditionalUpdate handles PUT [base]/[type]?criteria: zero matches
// create, one match updates, many fail the precondition.
func (h *Handler) ConditionalUpdate(c echo.Context) error {
	resourceType, err := h.resourceType(c)
	if err != nil {
		return writeError(c, err)
	}
	criteria := c.QueryParams()
	if len(criteria) == 0 {
		return writeError(c, fhir.NewClientError("conditional update requires search criteria"))
	}
	resource, err := h.decodeResource(c, resourceType)
	if err != nil {
		return writeError(c, err)
	}

	wr, err := fhir.ConditionalUpdateOrCreate(c.Request().Context(), h.search, h.versions, resourceType, criteria, resource, auth.Actor(c.Request().Context()))
	if err != nil {
		return writeError(c, err)
	}
	return h.writeResult(c, resourceType, wr)
}

// Delete handles DELETE [base]/[type]/[id]. The operation is idempotent:
// deleting an absent resource is still 204.
func (h *Handler) Delete(c echo.Context) error {
	resourceType, err := h.resourceType(c)
	if err != nil {
		return writeError(c, err)
	}
	if _, err := h.versions.Delete(c.Request().Context(), resourceType, c.Param("id"), auth.Actor(c.Request().Context()), fhir.StandaloneTx(h.store)); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SubmitBundle handles POST [base] with a transaction or batch bundle.
func (h *Handler) SubmitBundle(c echo.Context) error {
	var bundle fhir.Bundle
	if err := json.NewDecoder(c.Request().Body).Decode(&bundle); err != nil {
		return writeError(c, fhir.NewClientError("request body is not valid JSON: %v", err))
	}
	response, err := h.bundles.Process(c.Request().Context(), &bundle, auth.Actor(c.Request().Context()))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, response)
}

func (h *Handler) resourceType(c echo.Context) (string, error) {
	rt := c.Param("type")
	if !resourceTypePattern.MatchString(rt) {
		return "", fhir.NewClientError("%q is not a valid resource type name", rt)
	}
	return rt, nil
}

func (h *Handler) decodeResource(c echo.Context, resourceType string) (fhir.Document, error) {
	var resource fhir.Document
	if err := json.NewDecoder(c.Request().Body).Decode(&resource); err != nil {
		return nil, fhir.NewClientError("request body is not valid JSON: %v", err)
	}
	if rt, _ := resource["resourceType"].(string); rt == "" {
		resource["resourceType"] = resourceType
	} else if rt != resourceType {
		return nil, fhir.NewClientError("resource type %q does not match URL type %q", rt, resourceType)
	}
	if issues := h.validator.Validate(resource); fhir.HasErrors(issues) {
		return nil, fhir.NewClientError("resource failed validation: %s", fhir.IssuesMessage(issues))
	}
	return resource, nil
}

func (h *Handler) writeResult(c echo.Context, resourceType string, wr *fhir.WriteResult) error {
	id, _ := wr.Resource["id"].(string)
	fhir.SetVersionHeaders(c, wr.Version, lastUpdated(wr.Resource))
	c.Response().Header().Set("Location", h.baseURL+"/"+resourceType+"/"+id)
	status := http.StatusOK
	if wr.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, wr.Resource)
}

func writeError(c echo.Context, err error) error {
	return c.JSON(fhir.HTTPStatus(err), fhir.OutcomeForError(err))
}

func bundleLinks(links []pagination.FHIRLink) []fhir.BundleLink {
	out := make([]fhir.BundleLink, len(links))
	for i, l := range links {
		out[i] = fhir.BundleLink{Relation: l.Relation, URL: l.URL}
	}
	return out
}

func lastUpdated(doc fhir.Document) string {
	meta, _ := doc["meta"].(map[string]interface{})
	lu, _ := meta["lastUpdated"].(string)
	return lu
}

func intQuery(raw url.Values, name string) int {
	n, _ := strconv.Atoi(raw.Get(name))
	if n < 0 {
		return 0
	}
	return n
}
