package web

import (
	"context"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/pkg/errors"

	"github.com/worklens/worklens/internal/database"
	"github.com/worklens/worklens/internal/httpapi"
	"github.com/worklens/worklens/internal/ingest"
	"github.com/worklens/worklens/internal/models"
	"github.com/worklens/worklens/internal/presence"
	"github.com/worklens/worklens/internal/reporter"
	"github.com/worklens/worklens/internal/session"
)

type Handler struct {
	log      slog.Logger
	repo     *database.Repository
	gateway  *ingest.Gateway
	engine   *session.Engine
	cache    *presence.Cache
	reporter *reporter.Reporter
	clock    quartz.Clock
}

func NewHandler(log slog.Logger, repo *database.Repository, gateway *ingest.Gateway, engine *session.Engine, cache *presence.Cache, rep *reporter.Reporter, clock quartz.Clock) *Handler {
	return &Handler{
		log:      log.Named("api"),
		repo:     repo,
		gateway:  gateway,
		engine:   engine,
		cache:    cache,
		reporter: rep,
		clock:    clock,
	}
}

// EventBatchRequest is the agent's ingestion payload: an ordered list of
// typed events for one device.
type EventBatchRequest struct {
	EmployeeID string         `json:"employee_id" validate:"required"`
	DeviceID   string         `json:"device_id" validate:"required,uuid"`
	Events     []ingest.Event `json:"events" validate:"required,min=1,dive"`
}

type EventBatchResponse struct {
	Success           bool      `json:"success"`
	Processed         int       `json:"processed"`
	Dropped           int       `json:"dropped"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

func (h *Handler) postEvents(rw http.ResponseWriter, r *http.Request) {
	var req EventBatchRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}

	res, err := h.gateway.ProcessBatch(r.Context(), req.EmployeeID, req.DeviceID, req.Events)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrInvalidBatch):
			httpapi.Write(rw, http.StatusBadRequest, httpapi.Response{
				Message: err.Error(),
			})
		case errors.Is(err, context.Canceled) || r.Context().Err() != nil:
			// The caller went away mid-batch. Everything committed so far
			// stands; this is not a server fault.
			httpapi.Write(rw, httpapi.StatusClientClosedRequest, httpapi.Response{
				Message: "client disconnected",
			})
		default:
			h.log.Error(r.Context(), "event batch failed",
				slog.F("device_id", req.DeviceID),
				slog.Error(err),
			)
			httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
				Message: "failed to process event batch",
			})
		}
		return
	}

	status := http.StatusOK
	if res.RateLimited || res.CircuitOpen {
		// Ordinary events were dropped; the priority subset was still
		// processed and must not be retried.
		status = http.StatusTooManyRequests
	}
	httpapi.Write(rw, status, EventBatchResponse{
		Success:           status == http.StatusOK,
		Processed:         res.Processed,
		Dropped:           res.Dropped,
		RetryAfterSeconds: int64(res.RetryAfter.Seconds()),
		Timestamp:         h.clock.Now(),
	})
}

// RegisterDeviceRequest is sent when a device (re)registers. Orphan recovery
// runs before the device is marked active again.
type RegisterDeviceRequest struct {
	EmployeeID string `json:"employee_id" validate:"required"`
	DeviceID   string `json:"device_id" validate:"required,uuid"`
	Platform   string `json:"platform" validate:"required"`
}

type RegisterDeviceResponse struct {
	DeviceID          string    `json:"device_id"`
	RecoveredSessions int       `json:"recovered_sessions"`
	Timestamp         time.Time `json:"timestamp"`
}

func (h *Handler) registerDevice(rw http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}
	ctx := r.Context()

	device, err := h.repo.GetDevice(ctx, req.DeviceID)
	if err != nil {
		h.serverError(ctx, rw, "failed to load device", err)
		return
	}

	var previousLastSeen time.Time
	if device != nil {
		previousLastSeen = device.LastSeen
	}

	recovered, err := h.engine.RecoverOrphans(ctx, h.repo, req.DeviceID, previousLastSeen)
	if err != nil {
		h.serverError(ctx, rw, "orphan recovery failed", err)
		return
	}

	now := h.clock.Now()
	if device == nil {
		device = &models.Device{
			ID:         req.DeviceID,
			EmployeeID: req.EmployeeID,
			Platform:   req.Platform,
		}
	}
	device.Platform = req.Platform
	device.Active = true
	device.LastSeen = now
	if err := h.repo.SaveDevice(ctx, device); err != nil {
		h.serverError(ctx, rw, "failed to save device", err)
		return
	}

	h.cache.Invalidate(ctx, req.DeviceID)

	httpapi.Write(rw, http.StatusOK, RegisterDeviceResponse{
		DeviceID:          req.DeviceID,
		RecoveredSessions: recovered,
		Timestamp:         now,
	})
}

func (h *Handler) getPresence(rw http.ResponseWriter, r *http.Request) {
	overview, err := h.cache.Overview(r.Context())
	if err != nil {
		h.serverError(r.Context(), rw, "failed to build presence overview", err)
		return
	}
	httpapi.Write(rw, http.StatusOK, overview)
}

func (h *Handler) getReport(rw http.ResponseWriter, r *http.Request) {
	periodType := r.URL.Query().Get("period")
	if periodType == "" {
		periodType = "day"
	}

	report, err := h.reporter.GenerateReport(r.Context(), periodType)
	if err != nil {
		if errors.Is(err, reporter.ErrInvalidPeriod) {
			httpapi.Write(rw, http.StatusBadRequest, httpapi.Response{Message: err.Error()})
			return
		}
		h.serverError(r.Context(), rw, "failed to generate report", err)
		return
	}
	httpapi.Write(rw, http.StatusOK, report)
}

// handleHealth is the unauthenticated liveness probe.
func (h *Handler) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	httpapi.Write(rw, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   h.clock.Now().Format(time.RFC3339),
	})
}

func (h *Handler) serverError(ctx context.Context, rw http.ResponseWriter, msg string, err error) {
	h.log.Error(ctx, msg, slog.Error(err))
	httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{Message: msg})
}
