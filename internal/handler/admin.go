package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"signalrelay/internal/digest"
	"signalrelay/internal/dispatch"
	"signalrelay/internal/models"
	"signalrelay/internal/repository"
)

type BreakerReporter interface {
	Breakers() []dispatch.BreakerStatus
}

type DigestRunner interface {
	RunCycle(ctx context.Context, frequency string, cycleAt time.Time) (digest.CycleResult, error)
}

// AdminHandler exposes delivery state to operators: jobs, dead letters and
// channel breakers.
type AdminHandler struct {
	Jobs     repository.JobRepository
	Breakers BreakerReporter
	Digest   DigestRunner
	Auth     gin.HandlerFunc
}

func (h *AdminHandler) Register(r *gin.Engine) {
	group := r.Group("/api/admin")
	if h.Auth != nil {
		group.Use(h.Auth)
	}
	group.GET("/jobs", h.listJobs)
	group.GET("/jobs/:id", h.getJob)
	group.GET("/dead-letters", h.listDeadLetters)
	group.GET("/breakers", h.listBreakers)
	group.POST("/digest/:frequency", h.runDigest)
}

// @Summary List notification jobs
// @Tags admin
// @Security BearerAuth
// @Param state query string false "job state"
// @Param channel query string false "channel"
// @Param user_id query string false "user id"
// @Param signal_id query string false "signal id"
// @Param limit query int false "page size"
// @Param offset query int false "offset"
// @Success 200 {object} map[string]any
// @Router /api/admin/jobs [get]
func (h *AdminHandler) listJobs(c *gin.Context) {
	h.list(c, stringQueryPtr(c, "state"))
}

// @Summary List dead-lettered jobs
// @Tags admin
// @Security BearerAuth
// @Success 200 {object} map[string]any
// @Router /api/admin/dead-letters [get]
func (h *AdminHandler) listDeadLetters(c *gin.Context) {
	state := models.JobStateDeadLettered
	h.list(c, &state)
}

func (h *AdminHandler) list(c *gin.Context, state *string) {
	if h.Jobs == nil {
		Error(c, http.StatusInternalServerError, "job store unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	items, err := h.Jobs.ListJobs(c.Request.Context(), repository.ListJobsParams{
		Limit:    limit,
		Offset:   offset,
		State:    state,
		Channel:  stringQueryPtr(c, "channel"),
		UserID:   stringQueryPtr(c, "user_id"),
		SignalID: stringQueryPtr(c, "signal_id"),
		Asc:      boolPtr(false),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}

// @Summary Get a notification job
// @Tags admin
// @Security BearerAuth
// @Param id path string true "job id"
// @Success 200 {object} models.NotificationJob
// @Failure 404 {object} map[string]any
// @Router /api/admin/jobs/{id} [get]
func (h *AdminHandler) getJob(c *gin.Context) {
	if h.Jobs == nil {
		Error(c, http.StatusInternalServerError, "job store unavailable", nil)
		return
	}
	item, err := h.Jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "job not found", nil)
		return
	}
	Ok(c, item, nil)
}

// @Summary Channel circuit breakers
// @Tags admin
// @Security BearerAuth
// @Success 200 {array} dispatch.BreakerStatus
// @Router /api/admin/breakers [get]
func (h *AdminHandler) listBreakers(c *gin.Context) {
	if h.Breakers == nil {
		Ok(c, []dispatch.BreakerStatus{}, nil)
		return
	}
	Ok(c, h.Breakers.Breakers(), nil)
}

// @Summary Run a digest cycle now
// @Tags admin
// @Security BearerAuth
// @Param frequency path string true "daily or weekly"
// @Success 200 {object} digest.CycleResult
// @Failure 409 {object} map[string]any
// @Router /api/admin/digest/{frequency} [post]
func (h *AdminHandler) runDigest(c *gin.Context) {
	if h.Digest == nil {
		Error(c, http.StatusInternalServerError, "digest scheduler unavailable", nil)
		return
	}
	freq := c.Param("frequency")
	if freq != models.FrequencyDaily && freq != models.FrequencyWeekly {
		Error(c, http.StatusBadRequest, "frequency must be daily or weekly", map[string]any{"field": "frequency"})
		return
	}
	res, err := h.Digest.RunCycle(c.Request.Context(), freq, time.Now().UTC().Truncate(time.Second))
	if err != nil {
		if errors.Is(err, digest.ErrCycleLocked) {
			Error(c, http.StatusConflict, err.Error(), nil)
			return
		}
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, res, nil)
}
