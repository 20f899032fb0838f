package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LiveHandler mounts the fan-out websocket endpoint.
type LiveHandler struct {
	Server http.Handler
}

func (h *LiveHandler) Register(r *gin.Engine) {
	if h.Server == nil {
		return
	}
	r.GET("/api/ws", gin.WrapH(h.Server))
}
