// Package api exposes the query engine over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"querygrid/internal/auth"
	"querygrid/internal/domain"
	"querygrid/internal/engine"
	"querygrid/internal/middleware"
	"querygrid/internal/pipeline"
	"querygrid/internal/ratelimit"
	"querygrid/internal/registry"
)

// Handler implements the engine's HTTP surface.
type Handler struct {
	pipeline    *pipeline.Pipeline
	registry    *registry.Registry
	engine      *engine.Engine
	limiter     *ratelimit.Limiter
	allowDirect bool
	logger      *slog.Logger
}

// NewHandler wires the HTTP surface from its collaborators. allowDirect
// enables the X-Datasource-Url bypass header; leave it off outside
// trusted single-tenant deployments.
func NewHandler(p *pipeline.Pipeline, reg *registry.Registry, eng *engine.Engine, limiter *ratelimit.Limiter, allowDirect bool, logger *slog.Logger) *Handler {
	return &Handler{
		pipeline:    p,
		registry:    reg,
		engine:      eng,
		limiter:     limiter,
		allowDirect: allowDirect,
		logger:      logger,
	}
}

// Mount attaches the authenticated routes to r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/internal/datasources/register", h.RegisterDatasource)
	r.Post("/query/execute", h.ExecuteQuery)
	r.Post("/query/execute/batch", h.ExecuteBatch)
	r.Get("/catalog/resources", h.ListResources)
	r.Get("/schema/{resourceID}", h.GetSchema)
}

type registerRequest struct {
	DatasourceID string `json:"datasource_id"`
	URL          string `json:"url"`
	WorkspaceID  string `json:"workspace_id"`
	DatasetID    string `json:"dataset_id"`
}

// RegisterDatasource stores a decrypted connection scope for a short TTL.
// Callers must re-register after idling past the TTL.
func (h *Handler) RegisterDatasource(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, domain.ErrUnauthorized(domain.CodeMissingServiceToken, "missing service token"))
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, domain.ErrValidation(domain.CodeInvalidSpec, "malformed request body: %v", err))
		return
	}
	if req.DatasourceID == "" || req.URL == "" {
		writeError(w, h.logger, domain.ErrValidation(domain.CodeInvalidSpec, "datasource_id and url are required"))
		return
	}
	if err := claims.CheckScope(req.WorkspaceID, req.DatasourceID, req.DatasetID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.registry.Set(req.DatasourceID, req.URL, req.WorkspaceID, req.DatasetID)
	h.logger.Info("datasource registered",
		"datasource", req.DatasourceID,
		"workspace", req.WorkspaceID,
		"url", engine.RedactURL(req.URL),
	)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "registered"})
}

type executeRequest struct {
	RequestID    string           `json:"request_id,omitempty"`
	DatasourceID string           `json:"datasource_id"`
	WorkspaceID  string           `json:"workspace_id,omitempty"`
	DatasetID    string           `json:"dataset_id,omitempty"`
	Spec         domain.QuerySpec `json:"spec"`
}

type batchRequest struct {
	Queries []executeRequest `json:"queries"`
}

type queryResponse struct {
	RequestID       string          `json:"request_id,omitempty"`
	Columns         []string        `json:"columns"`
	Rows            [][]interface{} `json:"rows"`
	RowCount        int             `json:"row_count"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	SQLHash         string          `json:"sql_hash"`
	CacheHit        bool            `json:"cache_hit"`
	Deduped         bool            `json:"deduped"`
	Error           *errorBody      `json:"error,omitempty"`
}

// ExecuteQuery runs one query spec.
func (h *Handler) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, domain.ErrValidation(domain.CodeInvalidSpec, "malformed request body: %v", err))
		return
	}
	if _, err := h.admit(r, []executeRequest{req}); err != nil {
		writeError(w, h.logger, err)
		return
	}

	results := h.pipeline.Execute(r.Context(), []pipeline.Request{{
		RequestID:    req.RequestID,
		DatasourceID: req.DatasourceID,
		Spec:         req.Spec,
	}})
	res := results[0]
	if res.Err != nil {
		writeError(w, h.logger, res.Err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toResponse(res))
}

// ExecuteBatch runs a batch of query specs; the response preserves the
// caller's request order, and one query's failure never aborts siblings.
func (h *Handler) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, domain.ErrValidation(domain.CodeInvalidSpec, "malformed request body: %v", err))
		return
	}
	if len(req.Queries) == 0 {
		writeError(w, h.logger, domain.ErrValidation(domain.CodeInvalidSpec, "batch carries no queries"))
		return
	}
	if _, err := h.admit(r, req.Queries); err != nil {
		writeError(w, h.logger, err)
		return
	}

	batch := make([]pipeline.Request, len(req.Queries))
	for i, q := range req.Queries {
		batch[i] = pipeline.Request{
			RequestID:    q.RequestID,
			DatasourceID: q.DatasourceID,
			Spec:         q.Spec,
		}
	}
	results := h.pipeline.Execute(r.Context(), batch)

	out := make([]queryResponse, len(results))
	for i, res := range results {
		if res.Err != nil {
			out[i] = queryResponse{
				RequestID: res.RequestID,
				Error:     &errorBody{Code: domain.ErrorCode(res.Err), Message: res.Err.Error()},
			}
			continue
		}
		out[i] = toResponse(res)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": out})
}

// admit enforces the auth and capacity gates shared by the execute
// endpoints: claim/scope cross-checks per query, the per-actor sliding
// window, and the direct-datasource header policy.
func (h *Handler) admit(r *http.Request, queries []executeRequest) (*auth.Claims, error) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return nil, domain.ErrUnauthorized(domain.CodeMissingServiceToken, "missing service token")
	}
	for _, q := range queries {
		if err := claims.CheckScope(q.WorkspaceID, q.DatasourceID, q.DatasetID); err != nil {
			return nil, err
		}
	}
	if err := h.limiter.Check(claims.WorkspaceID, claims.Actor); err != nil {
		return nil, err
	}
	if direct := r.Header.Get("X-Datasource-Url"); direct != "" {
		if !h.allowDirect {
			return nil, domain.ErrAccessDenied(domain.CodeDirectHeaderBlocked, "direct datasource header is not allowed")
		}
		// Policy-gated bypass: register the raw URL under the claimed
		// datasource id for this TTL window.
		h.registry.Set(claims.DatasourceID, direct, claims.WorkspaceID, claims.DatasetID)
	}
	return claims, nil
}

// ListResources enumerates the tables and views of a registered
// datasource.
func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, domain.ErrUnauthorized(domain.CodeMissingServiceToken, "missing service token"))
		return
	}
	dsID := r.URL.Query().Get("datasource_id")
	if err := claims.CheckScope("", dsID, ""); err != nil {
		writeError(w, h.logger, err)
		return
	}
	entry, err := h.registry.Get(dsID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resources, err := h.engine.ListResources(r.Context(), entry.URL)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"resources": resources})
}

// GetSchema returns column metadata for one resource.
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, domain.ErrUnauthorized(domain.CodeMissingServiceToken, "missing service token"))
		return
	}
	dsID := r.URL.Query().Get("datasource_id")
	if err := claims.CheckScope("", dsID, ""); err != nil {
		writeError(w, h.logger, err)
		return
	}
	entry, err := h.registry.Get(dsID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resourceID := chi.URLParam(r, "resourceID")
	columns, err := h.engine.DescribeResource(r.Context(), entry.URL, resourceID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"resource_id": resourceID,
		"columns":     columns,
	})
}

func toResponse(res pipeline.Result) queryResponse {
	rows := res.Rows
	if rows == nil {
		rows = [][]interface{}{}
	}
	cols := res.Columns
	if cols == nil {
		cols = []string{}
	}
	return queryResponse{
		RequestID:       res.RequestID,
		Columns:         cols,
		Rows:            rows,
		RowCount:        res.RowCount,
		ExecutionTimeMS: res.ExecutionTimeMS,
		SQLHash:         res.SQLHash,
		CacheHit:        res.CacheHit,
		Deduped:         res.Deduped,
	}
}
