package paas

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, `# Signal Relay

Receives trading alerts over webhooks, stores them once, pushes them to live
websocket clients and delivers them to subscribers by email, SMS, push and chat.

## Public routes

- POST /api/webhook/{provider}   header X-Webhook-Secret, body {ticker, action, price, timeframe?, strategy?, comment?, secret?}
- GET  /api/webhook/config
- GET  /api/ws?tickers=BTCUSDT,ETHUSDT
- GET  /healthz
- GET  /readyz
- GET  /metrics

## Operator routes (Bearer JWT, role operator or admin)

- GET  /api/signals
- GET  /api/signals/{id}
- GET  /api/admin/jobs
- GET  /api/admin/jobs/{id}
- GET  /api/admin/dead-letters
- GET  /api/admin/breakers
- POST /api/admin/digest/{frequency}

Swagger UI: /swagger/index.html
`)
	})
}
