// Package docs registers the OpenAPI description served at /swagger.
// Regenerate with: swag init -g cmd/relay/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/webhook/{provider}": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["webhook"],
                "summary": "Receive a trading alert",
                "parameters": [
                    {"type": "string", "description": "alert provider, e.g. tradingview", "name": "provider", "in": "path", "required": true},
                    {"type": "string", "description": "shared secret (or body field secret)", "name": "X-Webhook-Secret", "in": "header"},
                    {"description": "alert", "name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ingest.Payload"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": true}},
                    "401": {"description": "Unauthorized", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/api/webhook/config": {
            "get": {
                "produces": ["application/json"],
                "tags": ["webhook"],
                "summary": "Webhook configuration",
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}}
            }
        },
        "/api/signals": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["signals"],
                "summary": "List signals",
                "parameters": [
                    {"type": "string", "description": "comma separated tickers", "name": "ticker", "in": "query"},
                    {"type": "string", "description": "RFC3339, exclusive", "name": "since", "in": "query"},
                    {"type": "string", "description": "RFC3339, inclusive", "name": "until", "in": "query"},
                    {"type": "integer", "description": "page size", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "offset", "name": "offset", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}}
            }
        },
        "/api/signals/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["signals"],
                "summary": "Get a signal",
                "parameters": [{"type": "string", "description": "signal id", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.Signal"}},
                    "404": {"description": "Not Found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/api/admin/jobs": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["admin"],
                "summary": "List notification jobs",
                "parameters": [
                    {"type": "string", "description": "job state", "name": "state", "in": "query"},
                    {"type": "string", "description": "channel", "name": "channel", "in": "query"},
                    {"type": "string", "description": "user id", "name": "user_id", "in": "query"},
                    {"type": "string", "description": "signal id", "name": "signal_id", "in": "query"},
                    {"type": "integer", "description": "page size", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "offset", "name": "offset", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}}
            }
        },
        "/api/admin/jobs/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["admin"],
                "summary": "Get a notification job",
                "parameters": [{"type": "string", "description": "job id", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/api/admin/dead-letters": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["admin"],
                "summary": "List dead-lettered jobs",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/admin/breakers": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["admin"],
                "summary": "Channel circuit breakers",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/admin/digest/{frequency}": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["admin"],
                "summary": "Run a digest cycle now",
                "parameters": [{"type": "string", "description": "daily or weekly", "name": "frequency", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}
            }
        },
        "/healthz": {
            "get": {
                "tags": ["health"],
                "summary": "Health check",
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}}
            }
        },
        "/readyz": {
            "get": {
                "tags": ["health"],
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        }
    },
    "definitions": {
        "ingest.Payload": {
            "type": "object",
            "properties": {
                "ticker": {"type": "string"},
                "action": {"type": "string"},
                "price": {"type": "string"},
                "timeframe": {"type": "string"},
                "strategy": {"type": "string"},
                "comment": {"type": "string"},
                "secret": {"type": "string"},
                "time": {"type": "string"},
                "source": {"type": "string"}
            }
        },
        "models.Signal": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "ticker": {"type": "string"},
                "action": {"type": "string"},
                "price": {"type": "string"},
                "timeframe": {"type": "string"},
                "source": {"type": "string"},
                "provider": {"type": "string"},
                "strategy": {"type": "string"},
                "note": {"type": "string"},
                "occurredAt": {"type": "string"},
                "receivedAt": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "0.1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "Signal Relay API",
	Description:      "Trading alert ingestion, live fan-out and multi-channel delivery.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
