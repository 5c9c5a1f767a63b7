package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/stocklens/stocklens/pkg/valuation"
	"github.com/stocklens/stocklens/pkg/valuation/cache"
	"github.com/stocklens/stocklens/pkg/valuation/storage"
)

// maxExtractBytes caps the request body of a reconciliation upload.
const maxExtractBytes = 16 << 20

// Handlers holds HTTP handlers for the valuation API
type Handlers struct {
	engine   *valuation.Engine
	readers  *storage.PostgresReaders
	cache    *cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewHandlers creates new HTTP handlers
func NewHandlers(engine *valuation.Engine, readers *storage.PostgresReaders, c *cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *Handlers {
	return &Handlers{
		engine:   engine,
		readers:  readers,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// APIResponse represents standard API response format
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// InvalidateCacheRequest represents a cache invalidation request.
// An empty company empties the whole cache.
type InvalidateCacheRequest struct {
	Company string `json:"company"`
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.readers.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		h.logger.Warn("health check database ping failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().UTC(),
			"service":   "stocklens",
		},
	})
}

// GetValuation handles valuation report requests. Query parameters:
// product narrows the run to one product, pos=true overlays POS
// balances. POS runs bypass the cache since balances move intraday.
func (h *Handlers) GetValuation(w http.ResponseWriter, r *http.Request) {
	company := mux.Vars(r)["company"]
	opts := valuation.ValuationOptions{
		ProductNumber:      r.URL.Query().Get("product"),
		IncludePosBalances: r.URL.Query().Get("pos") == "true",
	}

	if opts.IncludePosBalances {
		report, err := h.engine.CalculateValuation(r.Context(), company, opts)
		if err != nil {
			h.sendDomainError(w, err)
			return
		}
		h.sendSuccess(w, report)
		return
	}

	// The flight is shared with every request waiting on this key, so
	// the compute must not die with the request that started it.
	ctx := context.WithoutCancel(r.Context())
	key := cache.Key(company, "valuation", opts.ProductNumber)
	result, err := h.cache.GetOrCompute(key, h.cacheTTL, func() (interface{}, error) {
		return h.engine.CalculateValuation(ctx, company, opts)
	})
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, result)
}

// GetPurchaseHistory handles purchase history drill-down requests
func (h *Handlers) GetPurchaseHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	company := vars["company"]
	productNumber := vars["productNumber"]

	ctx := context.WithoutCancel(r.Context())
	key := cache.Key(company, "history", productNumber)
	result, err := h.cache.GetOrCompute(key, h.cacheTTL, func() (interface{}, error) {
		return h.engine.FetchPurchaseHistory(ctx, company, productNumber)
	})
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, result)
}

// GetStockHistory handles stock observation time series requests. The
// window query parameter limits the series to the last N days.
func (h *Handlers) GetStockHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	company := vars["company"]
	productNumber := vars["productNumber"]

	windowDays := 0
	if windowStr := r.URL.Query().Get("window"); windowStr != "" {
		parsed, err := strconv.Atoi(windowStr)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "window must be an integer number of days")
			return
		}
		windowDays = parsed
	}

	series, err := h.engine.FetchStockHistory(r.Context(), company, productNumber, windowDays)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, series)
}

// RunReconciliation handles reconciliation requests. The request body is
// the raw tab-separated ground-truth extract; format=tsv returns the
// engine's side as a downloadable extract instead of JSON.
func (h *Handlers) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	company := mux.Vars(r)["company"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxExtractBytes))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	rows, err := valuation.ParseExtract(string(body))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	date := time.Now().UTC()
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "date must be formatted as YYYY-MM-DD")
			return
		}
		date = parsed
	}

	report, err := h.engine.RunComparison(r.Context(), company, rows, date)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "tsv" {
		w.Header().Set("Content-Type", "text/tab-separated-values")
		w.Header().Set("Content-Disposition", "attachment; filename=reconciliation.tsv")
		w.Write([]byte(h.engine.GenerateReport(report)))
		return
	}

	h.sendSuccess(w, report)
}

// InvalidateCache handles cache invalidation requests
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.sendError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	if req.Company == "" {
		h.cache.InvalidateAll()
	} else {
		h.cache.InvalidatePrefix(cache.Key(req.Company, ""))
	}

	h.sendSuccess(w, map[string]string{
		"message": "cache invalidated",
	})
}

// sendDomainError maps engine errors onto HTTP status codes.
func (h *Handlers) sendDomainError(w http.ResponseWriter, err error) {
	var (
		validationErr *valuation.ValidationError
		extractErr    *valuation.ExtractError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &extractErr),
		errors.Is(err, valuation.ErrCompanyRequired),
		errors.Is(err, valuation.ErrEmptyExtract):
		h.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, valuation.ErrProductNotFound):
		h.sendError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendSuccess sends a successful API response
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := APIResponse{
		Success: true,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to send response", zap.Error(err))
	}
}

// sendError sends an error API response
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error:   message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to send error response", zap.Error(err))
	}
}
