package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/waymark/internal/apperr"
	"github.com/starford/waymark/internal/checksum"
	"github.com/starford/waymark/internal/entityservice"
	"github.com/starford/waymark/internal/models"
	"github.com/starford/waymark/internal/search"
)

// Handler holds API route handlers.
type Handler struct {
	svc *entityservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *entityservice.Service) *Handler {
	return &Handler{svc: svc}
}

func entityID(r *http.Request) models.EntityID {
	return models.EntityID(strings.TrimSpace(chi.URLParam(r, "id")))
}

// splitList reads a repeatable, comma separated query parameter.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func boolParam(v string) *bool {
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// parseFilter builds a query filter from URL parameters.
func parseFilter(r *http.Request) models.Filter {
	q := r.URL.Query()
	var f models.Filter
	for _, t := range splitList(q["type"]) {
		f.Types = append(f.Types, models.EntityType(strings.ToLower(t)))
	}
	for _, s := range splitList(q["status"]) {
		f.Statuses = append(f.Statuses, models.Status(s))
	}
	f.Workstream = q.Get("workstream")
	f.Priority = q.Get("priority")
	f.Parent = models.EntityID(q.Get("parent"))
	f.CanvasSource = q.Get("canvas_source")
	f.Archived = boolParam(q.Get("archived"))
	f.InProgress = boolParam(q.Get("in_progress"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	return f
}

// writeServiceError maps domain errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("checksum mismatch"))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrCycle):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrInvalidRelationship):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrInvalidEntity):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// ListEntities handles GET /api/entities.
//
//	@Summary		List entities with optional filters and pagination
//	@Tags			entities
//	@Produce		json
//	@Param			type		query		string	false	"Entity types, comma separated"
//	@Param			status		query		string	false	"Statuses, comma separated"
//	@Param			workstream	query		string	false	"Workstream"
//	@Param			parent		query		string	false	"Parent id"
//	@Param			archived	query		bool	false	"Archived flag"
//	@Param			in_progress	query		bool	false	"In progress flag"
//	@Param			limit		query		int		false	"Page size"
//	@Param			offset		query		int		false	"Page offset"
//	@Success		200			{object}	EntityListResponse
//	@Security		BearerAuth
//	@Router			/entities [get]
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r)
	all := f
	all.Limit, all.Offset = 0, 0
	total := len(h.svc.Query(all))
	writeJSON(w, http.StatusOK, EntityListResponse{
		Entities: h.svc.Query(f),
		Total:    total,
	})
}

// GetEntity handles GET /api/entities/{id}.
//
//	@Summary		Get an entity with relations, progress and transitions
//	@Tags			entities
//	@Produce		json
//	@Param			id	path		string	true	"Entity id"
//	@Success		200	{object}	EntityDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{id} [get]
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), entityID(r))
	if err != nil {
		writeServiceError(w, "get entity", err)
		return
	}
	w.Header().Set("ETag", checksum.ETag(d.Checksum))
	writeJSON(w, http.StatusOK, d)
}

// Lookup handles GET /api/lookup.
//
//	@Summary		Resolve the entity stored at a vault path
//	@Tags			entities
//	@Produce		json
//	@Param			path	query		string	true	"Vault relative path"
//	@Success		200		{object}	models.EntityMetadata
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/lookup [get]
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'path' is required"))
		return
	}
	m, err := h.svc.Lookup(path)
	if err != nil {
		writeServiceError(w, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Related handles GET /api/entities/{id}/related.
//
//	@Summary		List related entities grouped by relation
//	@Tags			graph
//	@Produce		json
//	@Param			id			path		string	true	"Entity id"
//	@Param			relation	query		string	false	"Relation type"
//	@Success		200			{object}	entityservice.Related
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{id}/related [get]
func (h *Handler) Related(w http.ResponseWriter, r *http.Request) {
	rel := models.RelationType(r.URL.Query().Get("relation"))
	if rel != "" && !rel.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("unknown relation type"))
		return
	}
	out, err := h.svc.Related(entityID(r), rel)
	if err != nil {
		writeServiceError(w, "related", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Children handles GET /api/entities/{id}/children.
//
//	@Summary		List the children of an entity
//	@Tags			graph
//	@Produce		json
//	@Param			id		path		string	true	"Entity id"
//	@Param			type	query		string	false	"Child type"
//	@Success		200		{object}	EntityListResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{id}/children [get]
func (h *Handler) Children(w http.ResponseWriter, r *http.Request) {
	typ := models.EntityType(strings.ToLower(r.URL.Query().Get("type")))
	children, err := h.svc.Children(entityID(r), typ)
	if err != nil {
		writeServiceError(w, "children", err)
		return
	}
	writeJSON(w, http.StatusOK, EntityListResponse{Entities: children, Total: len(children)})
}

// Transitions handles GET /api/entities/{id}/transitions.
//
//	@Summary		List the transitions available from the current status
//	@Tags			lifecycle
//	@Produce		json
//	@Param			id	path		string	true	"Entity id"
//	@Success		200	{object}	TransitionsResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{id}/transitions [get]
func (h *Handler) Transitions(w http.ResponseWriter, r *http.Request) {
	id := entityID(r)
	ts, err := h.svc.Transitions(r.Context(), id)
	if err != nil {
		writeServiceError(w, "transitions", err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionsResponse{ID: id, Transitions: ts})
}

// Transition handles POST /api/entities/{id}/transition.
//
//	@Summary		Change the status of an entity and run cascades
//	@Tags			lifecycle
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string				true	"Entity id"
//	@Param			If-Match	header		string				false	"SHA-256 checksum for optimistic concurrency"
//	@Param			body		body		TransitionRequest	true	"Target status"
//	@Success		200			{object}	TransitionOutcome
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Failure		422			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{id}/transition [post]
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("status is required"))
		return
	}

	out, err := h.svc.TransitionStatus(r.Context(), entityID(r), req.Status, r.Header.Get("If-Match"))
	if err != nil {
		writeServiceError(w, "transition", err)
		return
	}
	if out.Checksum != "" {
		w.Header().Set("ETag", checksum.ETag(out.Checksum))
	}
	writeJSON(w, http.StatusOK, out)
}

// CheckDependency handles GET /api/entities/{id}/dependencies/check.
//
//	@Summary		Check whether a dependency may be added
//	@Tags			dependencies
//	@Produce		json
//	@Param			id		path		string	true	"Dependent entity id"
//	@Param			on		query		string	true	"Dependency id"
//	@Success		200		{object}	DependencyCheck
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{id}/dependencies/check [get]
func (h *Handler) CheckDependency(w http.ResponseWriter, r *http.Request) {
	on := models.EntityID(r.URL.Query().Get("on"))
	if on == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'on' is required"))
		return
	}
	chk, err := h.svc.CheckDependency(entityID(r), on)
	if err != nil {
		writeServiceError(w, "check dependency", err)
		return
	}
	writeJSON(w, http.StatusOK, chk)
}

// AddDependency handles POST /api/entities/{id}/dependencies.
//
//	@Summary		Add a dependency, refusing cycles unless forced
//	@Tags			dependencies
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Dependent entity id"
//	@Param			body	body		DependencyRequest	true	"Dependency"
//	@Success		200		{object}	DependencyCheck
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	DependencyCheck
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{id}/dependencies [post]
func (h *Handler) AddDependency(w http.ResponseWriter, r *http.Request) {
	var req DependencyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.DependsOn == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("depends_on is required"))
		return
	}
	chk, err := h.svc.AddDependency(r.Context(), entityID(r), req.DependsOn, req.Force)
	if errors.Is(err, apperr.ErrCycle) {
		writeJSON(w, http.StatusConflict, chk)
		return
	}
	if err != nil {
		writeServiceError(w, "add dependency", err)
		return
	}
	writeJSON(w, http.StatusOK, chk)
}

// RemoveDependency handles DELETE /api/entities/{id}/dependencies/{dep}.
//
//	@Summary		Remove a dependency
//	@Tags			dependencies
//	@Param			id	path	string	true	"Dependent entity id"
//	@Param			dep	path	string	true	"Dependency id"
//	@Success		204	"Dependency removed"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{id}/dependencies/{dep} [delete]
func (h *Handler) RemoveDependency(w http.ResponseWriter, r *http.Request) {
	dep := models.EntityID(chi.URLParam(r, "dep"))
	if err := h.svc.RemoveDependency(r.Context(), entityID(r), dep); err != nil {
		writeServiceError(w, "remove dependency", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AnalyzeDependencies handles GET /api/entities/{id}/dependencies/analysis.
//
//	@Summary		List redundant direct dependencies
//	@Tags			dependencies
//	@Produce		json
//	@Param			id	path		string	true	"Entity id"
//	@Success		200	{object}	AnalysisResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{id}/dependencies/analysis [get]
func (h *Handler) AnalyzeDependencies(w http.ResponseWriter, r *http.Request) {
	id := entityID(r)
	a, err := h.svc.AnalyzeDependencies(id)
	if err != nil {
		writeServiceError(w, "analyze dependencies", err)
		return
	}
	writeJSON(w, http.StatusOK, AnalysisResponse{ID: id, Analysis: a})
}

// PruneDependencies handles POST /api/entities/{id}/dependencies/prune.
//
//	@Summary		Remove redundant direct dependencies and write them back
//	@Tags			dependencies
//	@Produce		json
//	@Param			id	path		string	true	"Entity id"
//	@Success		200	{object}	AnalysisResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entities/{id}/dependencies/prune [post]
func (h *Handler) PruneDependencies(w http.ResponseWriter, r *http.Request) {
	id := entityID(r)
	a, err := h.svc.PruneDependencies(r.Context(), id)
	if err != nil {
		writeServiceError(w, "prune dependencies", err)
		return
	}
	writeJSON(w, http.StatusOK, AnalysisResponse{ID: id, Analysis: a})
}

// Search handles GET /api/search.
//
//	@Summary		Ranked full-text search over titles and content
//	@Tags			search
//	@Produce		json
//	@Param			q					query		string	true	"Search query"
//	@Param			limit				query		int		false	"Max results"
//	@Param			type				query		string	false	"Entity types, comma separated"
//	@Param			include_archived	query		bool	false	"Include archived entities"
//	@Param			min_score			query		number	false	"Drop hits scoring below this value"
//	@Success		200					{object}	SearchResponse
//	@Failure		400					{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	opts := search.Options{}
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	for _, t := range splitList(q["type"]) {
		opts.Types = append(opts.Types, models.EntityType(strings.ToLower(t)))
	}
	if b := boolParam(q.Get("include_archived")); b != nil {
		opts.IncludeArchived = *b
	}
	if v := q.Get("min_score"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil || score < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("min_score must be a non-negative number"))
			return
		}
		opts.MinScore = score
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: h.svc.Search(query, opts)})
}

// Cycles handles GET /api/cycles.
//
//	@Summary		Detect dependency cycles and redundant dependencies
//	@Tags			dependencies
//	@Produce		json
//	@Success		200	{object}	CyclesResponse
//	@Security		BearerAuth
//	@Router			/cycles [get]
func (h *Handler) Cycles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CyclesResponse{
		Cycle:     h.svc.DetectCycles(),
		Redundant: h.svc.AnalyzeAll(),
	})
}

// Stats handles GET /api/stats.
//
//	@Summary		Index statistics
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	index.Stats
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

// Validate handles GET /api/validate.
//
//	@Summary		Validate the whole vault
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	ValidationReport
//	@Security		BearerAuth
//	@Router			/validate [get]
func (h *Handler) Validate(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Validate())
}

// Rebuild handles POST /api/rebuild.
//
//	@Summary		Rescan the vault and swap in a fresh index
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	index.SyncReport
//	@Security		BearerAuth
//	@Router			/rebuild [post]
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Rebuild(r.Context())
	if err != nil {
		writeServiceError(w, "rebuild", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
