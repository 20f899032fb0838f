package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signalrelay/internal/config"
	"signalrelay/internal/ingest"
)

// Ingester persists one authenticated alert.
type Ingester interface {
	Authorize(provider, headerSecret string) error
	Ingest(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

type WebhookHandler struct {
	Gate   Ingester
	Config config.WebhookConfig
	Logger *zap.Logger
}

type webhookConfigView struct {
	SupportedTickers    []string `json:"supportedTickers"`
	SupportedTimeframes []string `json:"supportedTimeframes"`
	DefaultTimeframe    string   `json:"defaultTimeframe"`
	RequiredFields      []string `json:"requiredFields"`
	OptionalFields      []string `json:"optionalFields"`
	Actions             []string `json:"actions"`
	Sources             []string `json:"sources"`
	SecretHeader        string   `json:"secretHeader"`
}

const secretHeader = "X-Webhook-Secret"

func (h *WebhookHandler) Register(r *gin.Engine) {
	group := r.Group("/api/webhook")
	group.GET("/config", h.getConfig)
	group.POST("/:provider", h.receive)
}

// @Summary Receive a trading alert
// @Tags webhook
// @Accept json
// @Produce json
// @Param provider path string true "alert provider, e.g. tradingview"
// @Param X-Webhook-Secret header string false "shared secret (or body field secret)"
// @Param payload body ingest.Payload true "alert"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Failure 401 {object} map[string]any
// @Router /api/webhook/{provider} [post]
func (h *WebhookHandler) receive(c *gin.Context) {
	if h.Gate == nil {
		Error(c, http.StatusInternalServerError, "ingest unavailable", nil)
		return
	}
	provider := c.Param("provider")
	header := c.GetHeader(secretHeader)
	if header != "" {
		if err := h.Gate.Authorize(provider, header); err != nil {
			Error(c, http.StatusUnauthorized, "invalid webhook secret", nil)
			return
		}
	}
	limit := h.Config.MaxBodyBytes
	if limit <= 0 {
		limit = 64 << 10
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		Error(c, http.StatusBadRequest, "request body too large or unreadable", map[string]any{"field": "body"})
		return
	}
	var payload ingest.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			Error(c, http.StatusBadRequest, typeErr.Field+" has the wrong type", map[string]any{"field": typeErr.Field})
			return
		}
		Error(c, http.StatusBadRequest, "body must be a JSON object", map[string]any{"field": "body"})
		return
	}

	res, err := h.Gate.Ingest(c.Request.Context(), ingest.Request{
		Provider:     provider,
		HeaderSecret: header,
		Payload:      payload,
	})
	if err != nil {
		var verr *ingest.ValidationError
		switch {
		case errors.Is(err, ingest.ErrUnauthorized):
			Error(c, http.StatusUnauthorized, "invalid webhook secret", nil)
		case errors.As(err, &verr):
			Error(c, http.StatusBadRequest, verr.Error(), map[string]any{"field": verr.Field})
		default:
			if h.Logger != nil {
				h.Logger.Error("webhook ingest failed", zap.String("provider", provider), zap.Error(err))
			}
			Error(c, http.StatusInternalServerError, "failed to store signal", nil)
		}
		return
	}
	Ok(c, res, nil)
}

// @Summary Webhook configuration
// @Tags webhook
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/webhook/config [get]
func (h *WebhookHandler) getConfig(c *gin.Context) {
	Ok(c, webhookConfigView{
		SupportedTickers:    h.Config.SupportedTickers,
		SupportedTimeframes: h.Config.SupportedTimeframes,
		DefaultTimeframe:    h.Config.DefaultTimeframe,
		RequiredFields:      ingest.RequiredFields,
		OptionalFields:      ingest.OptionalFields,
		Actions:             ingest.Actions,
		Sources:             ingest.Sources,
		SecretHeader:        secretHeader,
	}, nil)
}
