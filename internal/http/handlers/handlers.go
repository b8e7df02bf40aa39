package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/safeshift/backend/internal/alerting"
	"github.com/safeshift/backend/internal/db"
	"github.com/safeshift/backend/internal/models"
	"github.com/safeshift/backend/internal/risk"
	"github.com/safeshift/backend/internal/service"
)

type Handler struct {
	Store     db.Repository
	Service   *service.ProcessingService
	Validator *validator.Validate
	Logger    zerolog.Logger
	AdminKey  string
}

type ObservationRequest struct {
	SubjectID     string  `json:"subject_id" validate:"required,max=128"`
	Date          string  `json:"date" validate:"required"`
	HoursRested   float64 `json:"hours_rested" validate:"gte=0"`
	Category      string  `json:"category" validate:"required"`
	DurationHours float64 `json:"duration_hours" validate:"gte=0"`
	LoadCount     int     `json:"load_count" validate:"gte=0"`
	Strain        int     `json:"strain" validate:"required"`
	Note          string  `json:"note" validate:"max=4000"`
}

type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"max=128"`
	Note       string `json:"note" validate:"max=2000"`
	Action     string `json:"action" validate:"max=64"`
}

type ObservationDetail struct {
	Observation models.ShiftObservation `json:"observation"`
	Insight     *models.ComposedInsight `json:"insight,omitempty"`
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Submit a shift observation
// @Description Scores the observation, runs the analysis pipeline and evaluates alerts
// @Tags observations
// @Accept json
// @Produce json
// @Param observation body ObservationRequest true "Shift observation"
// @Success 201 {object} service.ProcessResult
// @Failure 400 {object} map[string]any
// @Router /api/observations [post]
func (h *Handler) CreateObservation(c *gin.Context) {
	obs, ok := h.bindObservation(c)
	if !ok {
		return
	}
	res, err := h.Service.ProcessObservation(c.Request.Context(), obs)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// @Summary Edit and rescore an observation
// @Tags observations
// @Accept json
// @Produce json
// @Param id path string true "Observation ID"
// @Param observation body ObservationRequest true "Shift observation"
// @Success 200 {object} service.ProcessResult
// @Failure 404 {object} map[string]any
// @Router /api/observations/{id} [put]
func (h *Handler) UpdateObservation(c *gin.Context) {
	obs, ok := h.bindObservation(c)
	if !ok {
		return
	}
	res, err := h.Service.UpdateObservation(c.Request.Context(), c.Param("id"), obs)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary Observation with its stored insight
// @Tags observations
// @Produce json
// @Param id path string true "Observation ID"
// @Success 200 {object} ObservationDetail
// @Router /api/observations/{id} [get]
func (h *Handler) ObservationDetails(c *gin.Context) {
	ctx := c.Request.Context()
	obs, err := h.Store.GetObservation(ctx, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	out := ObservationDetail{Observation: obs}
	if in, err := h.Store.GetInsight(ctx, obs.ID); err == nil {
		out.Insight = &in
	} else if !errors.Is(err, db.ErrNotFound) {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load insight", err.Error())
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Anomalies in the subject's recent observations
// @Tags subjects
// @Produce json
// @Param id path string true "Subject ID"
// @Success 200 {object} map[string]any
// @Router /api/subjects/{id}/anomalies [get]
func (h *Handler) SubjectAnomalies(c *gin.Context) {
	findings, err := h.Service.Anomalies(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if findings == nil {
		findings = []models.Finding{}
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": c.Param("id"), "anomalies": findings})
}

// @Summary Risk score forecast
// @Tags subjects
// @Produce json
// @Param id path string true "Subject ID"
// @Param horizon_days query int false "Days ahead (default 14)"
// @Success 200 {object} models.TrendForecast
// @Router /api/subjects/{id}/forecast [get]
func (h *Handler) SubjectForecast(c *gin.Context) {
	horizon, err := queryInt(c, "horizon_days", risk.DefaultHorizonDays)
	if err != nil || horizon < 1 || horizon > 90 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "horizon_days must be between 1 and 90", nil)
		return
	}
	f, err := h.Service.Forecast(c.Request.Context(), c.Param("id"), horizon)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// @Summary Active alerts for a subject
// @Tags alerts
// @Produce json
// @Param id path string true "Subject ID"
// @Param limit query int false "Max alerts (default 10)"
// @Success 200 {object} map[string]any
// @Router /api/subjects/{id}/alerts [get]
func (h *Handler) SubjectAlerts(c *gin.Context) {
	limit, err := queryInt(c, "limit", alerting.DefaultActiveLimit)
	if err != nil || limit < 1 || limit > db.MaxAlertLimit {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 200", nil)
		return
	}
	alerts, err := h.Service.ListActiveAlerts(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": c.Param("id"), "alerts": alerts})
}

// @Summary Alert summary for a subject
// @Tags alerts
// @Produce json
// @Param id path string true "Subject ID"
// @Success 200 {object} alerting.Summary
// @Router /api/subjects/{id}/alerts/summary [get]
func (h *Handler) SubjectAlertSummary(c *gin.Context) {
	s, err := h.Service.SummarizeAlerts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// @Summary Resolve an alert
// @Tags alerts
// @Accept json
// @Produce json
// @Param id path string true "Alert ID"
// @Param resolution body ResolveRequest false "Resolution metadata"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/alerts/{id}/resolve [post]
func (h *Handler) ResolveAlert(c *gin.Context) {
	var req ResolveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
			return
		}
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	id := c.Param("id")
	ok, err := h.Service.ResolveAlert(c.Request.Context(), id, alerting.ResolveOptions{
		By:     strings.TrimSpace(req.ResolvedBy),
		Note:   strings.TrimSpace(req.Note),
		Action: strings.TrimSpace(req.Action),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Alert not found or already resolved", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "resolved": true})
}

// @Summary Analysis stage statistics
// @Tags stages
// @Produce json
// @Param stage query string false "Stage name"
// @Param days query int false "Look-back in days (default 7)"
// @Success 200 {object} map[string]any
// @Router /api/stages/stats [get]
func (h *Handler) StageStats(c *gin.Context) {
	days, err := queryInt(c, "days", 7)
	if err != nil || days < 1 || days > 365 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "days must be between 1 and 365", nil)
		return
	}
	stats, err := h.Service.StageStats(c.Request.Context(), c.Query("stage"), time.Duration(days)*24*time.Hour)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "stages": stats})
}

func (h *Handler) bindObservation(c *gin.Context) (models.ShiftObservation, bool) {
	var req ObservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return models.ShiftObservation{}, false
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return models.ShiftObservation{}, false
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", gin.H{"field": "date", "reason": "expected YYYY-MM-DD or RFC3339"})
		return models.ShiftObservation{}, false
	}
	return models.ShiftObservation{
		SubjectID:     req.SubjectID,
		Date:          date,
		HoursRested:   req.HoursRested,
		Category:      models.ShiftCategory(req.Category),
		DurationHours: req.DurationHours,
		LoadCount:     req.LoadCount,
		Strain:        req.Strain,
		Note:          req.Note,
	}, true
}

func (h *Handler) writeServiceError(c *gin.Context, err error) {
	var verr *risk.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", gin.H{"field": verr.Field, "reason": verr.Reason})
	case errors.Is(err, risk.ErrInvalidObservation):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
	case errors.Is(err, db.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case errors.Is(err, alerting.ErrPersistence):
		h.Logger.Error().Err(err).Msg("alert store failure")
		writeError(c, http.StatusInternalServerError, "ALERT_ERROR", "Alert store failure", err.Error())
	default:
		h.Logger.Error().Err(err).Msg("request failed")
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Internal error", err.Error())
	}
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
