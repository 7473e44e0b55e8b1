package http

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/application/service"
	"github.com/garyjia/trip-allowance/internal/domain/allowance"
	"github.com/garyjia/trip-allowance/internal/domain/entity"
	"github.com/garyjia/trip-allowance/internal/domain/workflow"
	"github.com/garyjia/trip-allowance/internal/infrastructure/export"
	"github.com/garyjia/trip-allowance/pkg/utils"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	services Services
	logger   Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(services Services, logger Logger) *Handlers {
	return &Handlers{services: services, logger: logger}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Warning string      `json:"warning,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string      `json:"status"`
	Timestamp  string      `json:"timestamp"`
	Version    string      `json:"version"`
	Components interface{} `json:"components,omitempty"`
}

// TripResponse is a trip row with its amount availability label
type TripResponse struct {
	*entity.Trip
	HasAmount    bool   `json:"has_amount"`
	Availability string `json:"availability"`
}

// PreviewResponse is the breakdown of an unsaved form
type PreviewResponse struct {
	Live           allowance.Breakdown `json:"live"`
	Rounded        allowance.Breakdown `json:"rounded"`
	ApprovedAmount string              `json:"approved_amount"`
}

// FxResponse is the result of an FX lookup
type FxResponse struct {
	Date string                `json:"date,omitempty"`
	Fx   *allowance.FxSnapshot `json:"fx,omitempty"`
}

// RefreshFxRequest selects the date of a session FX refresh
type RefreshFxRequest struct {
	Date string `json:"date"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	healthy, detail := true, interface{}(nil)
	if h.services.Health != nil {
		healthy, detail = h.services.Health()
	}

	response := HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    "1.0.0",
		Components: detail,
	}
	status := http.StatusOK
	if !healthy {
		response.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, Response{Success: healthy, Data: response})
}

// ListTrips handles GET /api/trips
func (h *Handlers) ListTrips(c *gin.Context) {
	filter, ok := h.bindTripFilter(c)
	if !ok {
		return
	}

	trips, err := h.services.Trips.ListTrips(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, "Failed to list trips", err)
		return
	}

	rows := make([]TripResponse, 0, len(trips))
	for _, t := range trips {
		rows = append(rows, toTripResponse(t))
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: rows})
}

// TripSummary handles GET /api/trips/summary
func (h *Handlers) TripSummary(c *gin.Context) {
	filter, ok := h.bindTripFilter(c)
	if !ok {
		return
	}

	summary, err := h.services.Trips.Summary(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, "Failed to summarize trips", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: summary})
}

// GetTrip handles GET /api/trips/:id
func (h *Handlers) GetTrip(c *gin.Context) {
	trip, err := h.services.Amounts.GetTrip(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get trip", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: toTripResponse(trip)})
}

// GetAmount handles GET /api/trips/:id/amount
func (h *Handlers) GetAmount(c *gin.Context) {
	view, err := h.services.Amounts.GetAmount(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get amount", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view})
}

// CreateAmount handles POST /api/trips/:id/amount
func (h *Handlers) CreateAmount(c *gin.Context) {
	view, err := h.services.Amounts.CreateAmount(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to create amount", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view})
}

// PreviewAmount handles POST /api/amount/preview
func (h *Handlers) PreviewAmount(c *gin.Context) {
	var form allowance.FormInputs
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid form body"})
		return
	}

	live := h.services.Amounts.Preview(form)
	rounded := live.Rounded()
	c.JSON(http.StatusOK, Response{Success: true, Data: PreviewResponse{
		Live:           live,
		Rounded:        rounded,
		ApprovedAmount: allowance.FormatIDR(rounded.TotalApprovedAmount),
	}})
}

// LookupFx handles GET /api/trips/:id/fx. Provider failures are reported as
// a warning on a successful response.
func (h *Handlers) LookupFx(c *gin.Context) {
	date, ok := h.bindDate(c, c.Query("date"))
	if !ok {
		return
	}

	snap, err := h.services.Amounts.FetchFx(c.Request.Context(), c.Param("id"), date)
	if errors.Is(err, port.ErrNotFound) {
		h.writeError(c, "FX lookup for unknown trip", err)
		return
	}
	if err != nil {
		h.logger.Warn("FX lookup failed", "trip_id", c.Param("id"), "date", date, "error", err)
		c.JSON(http.StatusOK, Response{Success: true, Data: FxResponse{Date: date}, Warning: fxWarning(err)})
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: FxResponse{Date: snap.AsOf, Fx: &snap}})
}

// ExportAmount handles GET /api/trips/:id/amount/export.xlsx
func (h *Handlers) ExportAmount(c *gin.Context) {
	trip, err := h.services.Amounts.GetTrip(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to load trip for export", err)
		return
	}

	var buf bytes.Buffer
	if err := h.services.Exporter.Write(&buf, trip); err != nil {
		if errors.Is(err, export.ErrNoAmount) {
			c.JSON(http.StatusNotFound, Response{Success: false, Error: "trip has no amount record"})
			return
		}
		h.writeError(c, "Failed to export amount", err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.FileName(trip)))
	c.Data(http.StatusOK, export.ContentType, buf.Bytes())
}

// BeginSession handles POST /api/trips/:id/session
func (h *Handlers) BeginSession(c *gin.Context) {
	view, err := h.services.Sessions.Begin(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to begin session", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view, Warning: view.FxWarning})
}

// GetSession handles GET /api/trips/:id/session
func (h *Handlers) GetSession(c *gin.Context) {
	view, err := h.services.Sessions.View(currentUser(c), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get session", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view, Warning: view.FxWarning})
}

// UpdateSessionForm handles PATCH /api/trips/:id/session/form
func (h *Handlers) UpdateSessionForm(c *gin.Context) {
	var patch allowance.FormPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid form patch"})
		return
	}

	view, err := h.services.Sessions.UpdateForm(currentUser(c), c.Param("id"), patch)
	if err != nil {
		h.writeError(c, "Failed to update session form", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view})
}

// RefreshSessionFx handles POST /api/trips/:id/session/fx
func (h *Handlers) RefreshSessionFx(c *gin.Context) {
	var req RefreshFxRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
			return
		}
	}
	date, ok := h.bindDate(c, req.Date)
	if !ok {
		return
	}

	view, err := h.services.Sessions.RefreshFx(c.Request.Context(), currentUser(c), c.Param("id"), date)
	if err != nil && view != nil {
		c.JSON(http.StatusOK, Response{Success: true, Data: view, Warning: fxWarning(err)})
		return
	}
	if err != nil {
		h.writeError(c, "Failed to refresh session FX", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view})
}

// SaveSession handles POST /api/trips/:id/session/save. A failed write
// answers 502 with the session, which stays in EDITING with the form intact.
func (h *Handlers) SaveSession(c *gin.Context) {
	view, err := h.services.Sessions.Save(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil && view != nil {
		h.logger.Error("Amount save failed", "trip_id", c.Param("id"), "error", err)
		c.JSON(http.StatusBadGateway, Response{Success: false, Data: view, Error: "failed to save amount: " + err.Error()})
		return
	}
	if err != nil {
		h.writeError(c, "Failed to save session", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view})
}

// CancelSession handles POST /api/trips/:id/session/cancel
func (h *Handlers) CancelSession(c *gin.Context) {
	view, err := h.services.Sessions.Cancel(currentUser(c), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to cancel session", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view})
}

// CloseSession handles DELETE /api/trips/:id/session
func (h *Handlers) CloseSession(c *gin.Context) {
	if err := h.services.Sessions.Close(currentUser(c), c.Param("id")); err != nil {
		h.writeError(c, "Failed to close session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) bindTripFilter(c *gin.Context) (service.TripFilter, bool) {
	filter := service.TripFilter{Status: strings.TrimSpace(utils.SanitizeString(c.Query("status")))}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, Response{Success: false, Error: "limit must be a non-negative integer"})
			return filter, false
		}
		filter.Limit = limit
	}

	if raw := c.Query("with_amount"); raw != "" {
		with, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, Response{Success: false, Error: "with_amount must be a boolean"})
			return filter, false
		}
		filter.WithAmount = &with
	}

	return filter, true
}

// bindDate accepts an empty date (resolved from the trip) or YYYY-MM-DD
func (h *Handlers) bindDate(c *gin.Context, date string) (string, bool) {
	date = strings.TrimSpace(date)
	if date == "" {
		return "", true
	}
	if err := utils.ValidateISODate(date); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return "", false
	}
	return date, true
}

// writeError maps application errors to HTTP status codes
func (h *Handlers) writeError(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "path", c.Request.URL.Path, "error", err)
		c.JSON(status, Response{Success: false, Error: "internal error"})
		return
	}
	c.JSON(status, Response{Success: false, Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, port.ErrNotFound), errors.Is(err, service.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidInputs), errors.Is(err, workflow.ErrGuardFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNotEditing), errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, port.ErrInvalidQuery):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fxWarning(err error) string {
	if errors.Is(err, service.ErrFxUnavailable) {
		return "exchange rate lookup is not configured"
	}
	return "exchange rate unavailable: " + err.Error()
}

func toTripResponse(t *entity.Trip) TripResponse {
	return TripResponse{
		Trip:         t,
		HasAmount:    t.HasAmount(),
		Availability: t.AmountAvailability(),
	}
}
