package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"subvalidator/internal/billing"
	"subvalidator/internal/core"
	"subvalidator/internal/types"
)

// UsageResponse is the dashboard view of a company's subscription.
type UsageResponse struct {
	CompanyID int64   `json:"companyId"`
	IsValid   bool    `json:"isValid"`
	Reason    *string `json:"reason,omitempty"`
	types.SubscriptionFacts
	StorageQuota       int64     `json:"storageQuota"`
	StorageUsedPercent float64   `json:"storageUsedPercent"`
	ActiveUsers        int       `json:"activeUsers"`
	GeneratedAt        time.Time `json:"generatedAt"`
}

// UsageHandler serves live usage snapshots. It reads the store directly and
// never touches the validation cache.
type UsageHandler struct {
	reporter billing.UsageReporter
}

// NewUsageHandler creates a UsageHandler.
func NewUsageHandler(reporter billing.UsageReporter) *UsageHandler {
	return &UsageHandler{reporter: reporter}
}

// RegisterRoutes mounts the usage endpoint.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/companies/{companyID}/usage", h.GetUsage)
}

// GetUsage handles GET /companies/{companyID}/usage.
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(chi.URLParam(r, "companyID"))
	companyID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Not a number, so no company can match.
		companyID = unresolvableID
	}

	snap, err := h.reporter.GetCompanyUsage(r.Context(), companyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, UsageResponse{
		CompanyID:          snap.CompanyID,
		IsValid:            snap.IsValid,
		Reason:             snap.Reason,
		SubscriptionFacts:  snap.Facts,
		StorageQuota:       snap.StorageQuotaBytes,
		StorageUsedPercent: snap.StorageUsedPercent,
		ActiveUsers:        snap.ActiveUsers,
		GeneratedAt:        snap.GeneratedAt,
	})
}
