// Package handlers contains the HTTP handlers mounted under /api/subscription.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subvalidator/internal/core"
	"subvalidator/internal/types"
	"subvalidator/internal/validation"
)

// DefaultMaxBatchSize caps validate-batch when no limit is configured.
const DefaultMaxBatchSize = 500

// ValidationEngine is the cache surface the handlers drive.
type ValidationEngine interface {
	Validate(ctx context.Context, key types.TenantKey) (validation.Outcome, error)
	ValidateBatch(ctx context.Context, keys []types.TenantKey) []validation.BatchItem
	Invalidate(key types.TenantKey) bool
	InvalidateAll() int
	Inspect() validation.Stats
}

// --- Request/Response Models ---

// ValidationResponse is a ValidationResult flattened for the wire, plus the
// cache metadata of the call. CacheAge is in milliseconds.
type ValidationResponse struct {
	CompanyID int64   `json:"companyId"`
	BotID     int64   `json:"botId"`
	IsValid   bool    `json:"isValid"`
	Reason    *string `json:"reason,omitempty"`
	types.SubscriptionFacts
	ComputedAt time.Time `json:"computedAt"`
	Cached     bool      `json:"cached"`
	CacheAge   int64     `json:"cacheAge"`
}

func newValidationResponse(out validation.Outcome) ValidationResponse {
	res := out.Result
	return ValidationResponse{
		CompanyID:         res.Tenant.CompanyID,
		BotID:             res.Tenant.BotID,
		IsValid:           res.IsValid,
		Reason:            res.Reason,
		SubscriptionFacts: res.Facts,
		ComputedAt:        res.ComputedAt,
		Cached:            out.Cached,
		CacheAge:          out.CacheAge.Milliseconds(),
	}
}

// BatchItemError is the entry written at the index of a failed batch item.
type BatchItemError struct {
	CompanyID tenantID `json:"companyId"`
	BotID     tenantID `json:"botId"`
	Error     string   `json:"error"`
	Code      string   `json:"code"`
}

type batchRequest struct {
	Validations *[]json.RawMessage `json:"validations"`
}

// BatchResponse holds ValidationResponse or BatchItemError values,
// index-aligned with the request.
type BatchResponse struct {
	Validations []any `json:"validations"`
}

// CacheStatsResponse is the cache-stats body. CacheAges is index-aligned
// with CacheKeys.
type CacheStatsResponse struct {
	CacheSize int             `json:"cacheSize"`
	CacheKeys []string        `json:"cacheKeys"`
	CacheAges []CacheEntryAge `json:"cacheAges"`
}

// CacheEntryAge reports one entry's age in milliseconds. Fresh is false once
// the entry has outlived the TTL; the next validation of that key refetches.
type CacheEntryAge struct {
	Key   string `json:"key"`
	AgeMs int64  `json:"ageMs"`
	Fresh bool   `json:"fresh"`
}

// ClearCacheResponse is the clear-cache body.
type ClearCacheResponse struct {
	Message string `json:"message"`
	Cleared int    `json:"cleared"`
}

// --- Validation Handler ---

// ValidationHandler serves the cache endpoints.
type ValidationHandler struct {
	engine       ValidationEngine
	maxBatchSize int
	logger       *slog.Logger
}

// NewValidationHandler creates a ValidationHandler. A non-positive
// maxBatchSize falls back to DefaultMaxBatchSize.
func NewValidationHandler(engine ValidationEngine, maxBatchSize int, logger *slog.Logger) *ValidationHandler {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidationHandler{engine: engine, maxBatchSize: maxBatchSize, logger: logger}
}

// RegisterRoutes mounts the cache endpoints.
func (h *ValidationHandler) RegisterRoutes(r chi.Router) {
	r.Post("/validate-daily", h.ValidateDaily)
	r.Post("/validate-batch", h.ValidateBatch)
	r.Get("/cache-stats", h.CacheStats)
	r.Post("/clear-cache", h.ClearCache)
}

// ValidateDaily handles POST /validate-daily.
//
// 400 when an id is missing, 404 when the company does not exist, 502 when
// the store is unreachable. An invalid subscription is still a 200 with
// isValid=false.
func (h *ValidationHandler) ValidateDaily(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := core.DecodeJSONLenient(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	out, err := h.engine.Validate(r.Context(), req.key())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, newValidationResponse(out))
}

// ValidateBatch handles POST /validate-batch. Items that fail to decode or
// validate are reported in place; the call itself only fails when
// validations is missing, not a list, or over the size limit.
func (h *ValidationHandler) ValidateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := core.DecodeJSONLenient(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Validations == nil {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"validations must be a list", nil, map[string]any{"fields": []string{"validations"}}))
		return
	}

	raw := *req.Validations
	if len(raw) > h.maxBatchSize {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationBatchSize,
			"too many validations in one batch", nil,
			map[string]any{"max": h.maxBatchSize, "got": len(raw)}))
		return
	}

	results := make([]any, len(raw))
	requests := make([]tenantRequest, len(raw))
	keys := make([]types.TenantKey, 0, len(raw))
	positions := make([]int, 0, len(raw))

	for i, item := range raw {
		if err := json.Unmarshal(item, &requests[i]); err != nil {
			results[i] = BatchItemError{
				Error: "each validation must be an object with companyId and botId",
				Code:  string(types.ErrCodeValidationInvalidJSON),
			}
			continue
		}
		keys = append(keys, requests[i].key())
		positions = append(positions, i)
	}

	for j, item := range h.engine.ValidateBatch(r.Context(), keys) {
		i := positions[j]
		if item.Err != nil {
			results[i] = batchItemError(requests[i], item.Err)
			continue
		}
		results[i] = newValidationResponse(item.Outcome)
	}

	core.JSON(w, r, http.StatusOK, BatchResponse{Validations: results})
}

func batchItemError(req tenantRequest, err error) BatchItemError {
	msg := "an unexpected error occurred"
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	return BatchItemError{
		CompanyID: req.CompanyID,
		BotID:     req.BotID,
		Error:     msg,
		Code:      string(types.CodeOf(err)),
	}
}

// CacheStats handles GET /cache-stats. It never mutates the cache.
func (h *ValidationHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Inspect()

	ages := make([]CacheEntryAge, 0, len(stats.Ages))
	for _, a := range stats.Ages {
		ages = append(ages, CacheEntryAge{Key: a.Key, AgeMs: a.Age.Milliseconds(), Fresh: a.Fresh})
	}

	core.JSON(w, r, http.StatusOK, CacheStatsResponse{
		CacheSize: stats.Size,
		CacheKeys: stats.Keys,
		CacheAges: ages,
	})
}

// ClearCache handles POST /clear-cache. With both ids it drops one entry;
// with no body, or anything less than both ids, it drops everything. It
// always answers 200.
func (h *ValidationHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	ok, err := core.DecodeOptionalJSONLenient(w, r, &req)
	if err != nil {
		// A malformed body is treated as no body.
		h.logger.WarnContext(r.Context(), "clear-cache body ignored", "error", err)
		ok = false
	}

	if ok && req.complete() {
		key := req.key()
		removed := 0
		if h.engine.Invalidate(key) {
			removed = 1
		}
		h.logger.InfoContext(r.Context(), "cache entry cleared",
			slog.String("key", key.String()),
			slog.Int("cleared", removed),
		)
		core.JSON(w, r, http.StatusOK, ClearCacheResponse{
			Message: "Cache cleared for company " + key.String(),
			Cleared: removed,
		})
		return
	}

	removed := h.engine.InvalidateAll()
	h.logger.InfoContext(r.Context(), "cache cleared", slog.Int("cleared", removed))
	core.JSON(w, r, http.StatusOK, ClearCacheResponse{
		Message: "All cache cleared",
		Cleared: removed,
	})
}
