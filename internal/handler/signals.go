package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"signalrelay/internal/models"
	"signalrelay/internal/repository"
)

type SignalReader interface {
	Get(ctx context.Context, id string) (*models.Signal, error)
	List(ctx context.Context, params repository.ListSignalsParams) ([]models.Signal, error)
}

// SignalHandler is the operator view of the ledger.
type SignalHandler struct {
	Ledger SignalReader
	Auth   gin.HandlerFunc
}

func (h *SignalHandler) Register(r *gin.Engine) {
	group := r.Group("/api/signals")
	if h.Auth != nil {
		group.Use(h.Auth)
	}
	group.GET("", h.listSignals)
	group.GET("/:id", h.getSignal)
}

// @Summary List signals
// @Tags signals
// @Security BearerAuth
// @Param ticker query string false "comma separated tickers"
// @Param since query string false "RFC3339, exclusive"
// @Param until query string false "RFC3339, inclusive"
// @Param limit query int false "page size"
// @Param offset query int false "offset"
// @Success 200 {object} map[string]any
// @Router /api/signals [get]
func (h *SignalHandler) listSignals(c *gin.Context) {
	if h.Ledger == nil {
		Error(c, http.StatusInternalServerError, "ledger unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	var tickers []string
	for _, t := range strings.Split(c.Query("ticker"), ",") {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			tickers = append(tickers, t)
		}
	}
	items, err := h.Ledger.List(c.Request.Context(), repository.ListSignalsParams{
		Limit:   limit,
		Offset:  offset,
		Tickers: tickers,
		Since:   timeQueryPtr(c, "since"),
		Until:   timeQueryPtr(c, "until"),
		Asc:     boolPtr(false),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}

// @Summary Get a signal
// @Tags signals
// @Security BearerAuth
// @Param id path string true "signal id"
// @Success 200 {object} models.Signal
// @Failure 404 {object} map[string]any
// @Router /api/signals/{id} [get]
func (h *SignalHandler) getSignal(c *gin.Context) {
	if h.Ledger == nil {
		Error(c, http.StatusInternalServerError, "ledger unavailable", nil)
		return
	}
	item, err := h.Ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "signal not found", nil)
		return
	}
	Ok(c, item, nil)
}
