// Package handler exposes the anchoring module over HTTP. Handlers decode,
// delegate and encode; every rule lives in the service layer.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"attestor/internal/anchor/analytics"
	"attestor/internal/anchor/models"
	"attestor/internal/anchor/service"
	"attestor/internal/anchor/store"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/platform/sentinel"
)

// Ticker runs one reconciliation pass on demand.
type Ticker interface {
	Tick(ctx context.Context) (int, error)
}

// Handler wires the anchoring HTTP surface.
type Handler struct {
	service   *service.Service
	analytics *analytics.Aggregator
	ticker    Ticker
	store     store.Store
	logger    *slog.Logger
	checks    []healthCheck
}

type healthCheck struct {
	name string
	fn   func(context.Context) error
}

// AddHealthCheck registers an extra component probe for the health route.
func (h *Handler) AddHealthCheck(name string, fn func(context.Context) error) {
	h.checks = append(h.checks, healthCheck{name: name, fn: fn})
}

func New(svc *service.Service, agg *analytics.Aggregator, ticker Ticker, recordStore store.Store, logger *slog.Logger) *Handler {
	return &Handler{
		service:   svc,
		analytics: agg,
		ticker:    ticker,
		store:     recordStore,
		logger:    logger,
	}
}

// Routes mounts the anchor API. Health and network discovery stay public;
// everything else requires an authenticated owner.
func (h *Handler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.health)
	r.Get("/networks", h.networks)

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Post("/records", h.storeRecord)
		r.Get("/records", h.listRecords)
		r.Get("/records/{id}", h.getRecord)
		r.Put("/records/{id}", h.updateRecord)
		r.Post("/records/{id}/cancel", h.cancelRecord)
		r.Post("/records/{id}/archive", h.archiveRecord)
		r.Get("/records/{id}/versions", h.versionChain)

		r.Post("/verify/{transactionRef}", h.verify)
		r.Post("/search", h.search)
		r.Get("/analytics", h.analyticsSummary)
		r.Post("/sync", h.triggerSync)
		r.Get("/export", h.export)
	})

	return r
}

type storeRecordRequest struct {
	Content        string            `json:"content,omitempty"`
	DocumentHash   string            `json:"documentHash,omitempty"`
	RecordType     string            `json:"recordType"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Framework      string            `json:"complianceFramework"`
	Network        string            `json:"network,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	ParentRecordID *uuid.UUID        `json:"parentRecordId,omitempty"`
}

func (h *Handler) storeRecord(w http.ResponseWriter, r *http.Request) {
	var req storeRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}

	record, err := h.service.StoreRecord(r.Context(), service.StoreRecordInput{
		Content:        []byte(req.Content),
		DocumentHash:   req.DocumentHash,
		RecordType:     req.RecordType,
		Title:          req.Title,
		Description:    req.Description,
		Framework:      req.Framework,
		Network:        req.Network,
		Metadata:       req.Metadata,
		Tags:           req.Tags,
		ParentRecordID: req.ParentRecordID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	id, err := h.recordID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	detail, err := h.service.GetRecord(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.service.GetRecordsForOwner(r.Context(), filter, pageFromQuery(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type updateRecordRequest struct {
	Metadata    map[string]string `json:"metadata,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	RecordType  *string           `json:"recordType,omitempty"`
	Title       *string           `json:"title,omitempty"`
	Description *string           `json:"description,omitempty"`
	Framework   *string           `json:"complianceFramework,omitempty"`
}

func (h *Handler) updateRecord(w http.ResponseWriter, r *http.Request) {
	id, err := h.recordID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req updateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	record, err := h.service.UpdateRecord(r.Context(), id, service.UpdateRecordInput{
		Metadata:    req.Metadata,
		Tags:        req.Tags,
		RecordType:  req.RecordType,
		Title:       req.Title,
		Description: req.Description,
		Framework:   req.Framework,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

func (h *Handler) cancelRecord(w http.ResponseWriter, r *http.Request) {
	id, err := h.recordID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	record, err := h.service.CancelRecord(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

func (h *Handler) archiveRecord(w http.ResponseWriter, r *http.Request) {
	id, err := h.recordID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	record, err := h.service.ArchiveRecord(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

func (h *Handler) versionChain(w http.ResponseWriter, r *http.Request) {
	id, err := h.recordID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	chain, err := h.service.VersionChain(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"records": chain,
		"depth":   len(chain),
	})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	transactionRef := chi.URLParam(r, "transactionRef")
	if transactionRef == "" {
		h.writeError(w, r, dErrors.New(dErrors.CodeValidation, "transaction reference is required"))
		return
	}
	result, err := h.service.VerifyByRef(r.Context(), transactionRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type searchRequest struct {
	Query            string `json:"query"`
	RecordType       string `json:"recordType,omitempty"`
	Framework        string `json:"complianceFramework,omitempty"`
	Network          string `json:"network,omitempty"`
	Status           string `json:"status,omitempty"`
	ValidationStatus string `json:"validationStatus,omitempty"`
	IncludeArchived  bool   `json:"includeArchived,omitempty"`
	Page             int    `json:"page,omitempty"`
	Limit            int    `json:"limit,omitempty"`
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	filter := store.Filter{
		RecordType:      req.RecordType,
		Framework:       req.Framework,
		IncludeArchived: req.IncludeArchived,
	}
	if req.Network != "" {
		network, ok := models.ParseNetwork(req.Network)
		if !ok {
			h.writeError(w, r, dErrors.New(dErrors.CodeValidation, "unsupported network"))
			return
		}
		filter.Network = network
	}
	if req.Status != "" {
		status := models.Status(req.Status)
		if !status.Valid() {
			h.writeError(w, r, dErrors.New(dErrors.CodeValidation, "unsupported status"))
			return
		}
		filter.Status = status
	}
	if req.ValidationStatus != "" {
		filter.ValidationStatus = models.ValidationStatus(req.ValidationStatus)
	}

	result, err := h.service.SearchRecords(r.Context(), req.Query, filter, store.Page{Page: req.Page, Limit: req.Limit})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) analyticsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.analytics.Summary(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	advanced, err := h.ticker.Tick(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"advanced": advanced})
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	payload, contentType, err := h.service.ExportRecords(r.Context(), filter, format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if contentType == "text/csv" {
		w.Header().Set("Content-Disposition", `attachment; filename="anchor-records.csv"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) networks(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"networks": h.service.Networks(),
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]string{}
	healthy := true

	if err := h.store.Health(ctx); err != nil {
		components["store"] = err.Error()
		healthy = false
	} else {
		components["store"] = "ok"
	}
	for _, check := range h.checks {
		if err := check.fn(ctx); err != nil {
			components[check.name] = err.Error()
			healthy = false
		} else {
			components[check.name] = "ok"
		}
	}

	body := map[string]any{
		"status":     "ok",
		"components": components,
		"networks":   len(h.service.Networks()),
	}
	if agg, err := h.store.Aggregate(ctx, store.Filter{IncludeArchived: true}); err == nil {
		body["records"] = agg.Total
	}

	status := http.StatusOK
	if !healthy {
		body["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, body)
}

func (h *Handler) recordID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "record id must be a UUID")
	}
	return id, nil
}

func filterFromQuery(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	filter := store.Filter{
		RecordType:      q.Get("recordType"),
		Framework:       q.Get("complianceFramework"),
		IncludeArchived: q.Get("includeArchived") == "true",
	}
	if v := q.Get("network"); v != "" {
		network, ok := models.ParseNetwork(v)
		if !ok {
			return store.Filter{}, dErrors.New(dErrors.CodeValidation, "unsupported network")
		}
		filter.Network = network
	}
	if v := q.Get("status"); v != "" {
		status := models.Status(v)
		if !status.Valid() {
			return store.Filter{}, dErrors.New(dErrors.CodeValidation, "unsupported status")
		}
		filter.Status = status
	}
	if v := q.Get("validationStatus"); v != "" {
		filter.ValidationStatus = models.ValidationStatus(v)
	}
	if v := q.Get("createdAfter"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return store.Filter{}, dErrors.New(dErrors.CodeValidation, "createdAfter must be RFC 3339")
		}
		filter.CreatedAfter = &t
	}
	if v := q.Get("createdBefore"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return store.Filter{}, dErrors.New(dErrors.CodeValidation, "createdBefore must be RFC 3339")
		}
		filter.CreatedBefore = &t
	}
	return filter, nil
}

func pageFromQuery(r *http.Request) store.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return store.Page{Page: page, Limit: limit}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, sentinel.ErrNotFound) {
		err = dErrors.New(dErrors.CodeNotFound, "record not found")
	}
	status := dErrors.ToHTTPStatus(dErrors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	h.writeJSON(w, status, map[string]string{
		"error":   string(dErrors.CodeOf(err)),
		"message": dErrors.MessageOf(err),
	})
}
