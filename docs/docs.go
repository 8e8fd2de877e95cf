// Package docs registers the OpenAPI description served at /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/user/auth/register": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Register a new user",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/dto.RegisterRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/dto.AuthResponse"}},
                    "400": {"description": "Bad Request"},
                    "409": {"description": "Conflict"}
                }
            }
        },
        "/user/auth/login": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Login user",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/dto.LoginRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.AuthResponse"}},
                    "401": {"description": "Unauthorized"}
                }
            }
        },
        "/user/auth/refresh": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Refresh access token",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/dto.RefreshTokenRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.AuthResponse"}},
                    "401": {"description": "Unauthorized"}
                }
            }
        },
        "/api/v1/expenses/text": {
            "post": {
                "security": [{"Bearer": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Ingest a text expense",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/dto.IngestTextRequest"}}],
                "responses": {
                    "200": {"description": "Duplicate delivery", "schema": {"$ref": "#/definitions/dto.IngestResponse"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/dto.IngestResponse"}},
                    "400": {"description": "Bad Request"},
                    "502": {"description": "Bad Gateway"}
                }
            }
        },
        "/api/v1/expenses/audio": {
            "post": {
                "security": [{"Bearer": []}],
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Ingest a voice note",
                "parameters": [
                    {"type": "file", "name": "file", "in": "formData", "required": true},
                    {"type": "string", "name": "delivery_id", "in": "formData"},
                    {"type": "string", "name": "language", "in": "formData"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/dto.IngestResponse"}},
                    "400": {"description": "Bad Request"},
                    "502": {"description": "Bad Gateway"}
                }
            }
        },
        "/api/v1/expenses/receipt": {
            "post": {
                "security": [{"Bearer": []}],
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Ingest a receipt photo or PDF",
                "parameters": [
                    {"type": "file", "name": "file", "in": "formData", "required": true},
                    {"type": "string", "name": "delivery_id", "in": "formData"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/dto.IngestResponse"}},
                    "400": {"description": "Bad Request"},
                    "502": {"description": "Bad Gateway"}
                }
            }
        },
        "/api/v1/expenses/upload": {
            "post": {
                "security": [{"Bearer": []}],
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Ingest a file, detecting audio or receipt from its type",
                "parameters": [
                    {"type": "file", "name": "file", "in": "formData", "required": true},
                    {"type": "string", "name": "delivery_id", "in": "formData"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/dto.IngestResponse"}},
                    "400": {"description": "Bad Request"}
                }
            }
        },
        "/api/v1/expenses": {
            "get": {
                "security": [{"Bearer": []}],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "List user's expenses",
                "parameters": [
                    {"type": "string", "name": "state", "in": "query"},
                    {"type": "integer", "default": 20, "name": "limit", "in": "query"},
                    {"type": "integer", "default": 0, "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/dto.ExpenseResponse"}}}
                }
            }
        },
        "/api/v1/expenses/{id}": {
            "get": {
                "security": [{"Bearer": []}],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Get an expense with its provenance",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.ExpenseResponse"}},
                    "404": {"description": "Not Found"}
                }
            }
        },
        "/api/v1/expenses/{id}/audit": {
            "get": {
                "security": [{"Bearer": []}],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "List delivery attempts recorded for an expense",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/dto.RawInputResponse"}}},
                    "404": {"description": "Not Found"}
                }
            }
        },
        "/api/v1/expenses/{id}/state": {
            "post": {
                "security": [{"Bearer": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Confirm or flag a pending expense",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/dto.StateRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.ExpenseResponse"}},
                    "404": {"description": "Not Found"},
                    "409": {"description": "Conflict"}
                }
            }
        }
    },
    "definitions": {
        "dto.RegisterRequest": {
            "type": "object",
            "properties": {"username": {"type": "string"}, "email": {"type": "string"}, "password": {"type": "string"}}
        },
        "dto.LoginRequest": {
            "type": "object",
            "properties": {"email": {"type": "string"}, "password": {"type": "string"}}
        },
        "dto.RefreshTokenRequest": {
            "type": "object",
            "properties": {"refresh_token": {"type": "string"}}
        },
        "dto.AuthResponse": {
            "type": "object",
            "properties": {
                "access_token": {"type": "string"},
                "refresh_token": {"type": "string"},
                "token_type": {"type": "string"},
                "expires_in": {"type": "integer"}
            }
        },
        "dto.IngestTextRequest": {
            "type": "object",
            "properties": {"text": {"type": "string"}, "delivery_id": {"type": "string"}, "language": {"type": "string"}}
        },
        "dto.IngestResponse": {
            "type": "object",
            "properties": {
                "record_id": {"type": "string"},
                "identity_key": {"type": "string"},
                "state": {"type": "string"},
                "confidence": {"type": "number"},
                "duplicate": {"type": "boolean"},
                "duplicate_of": {"type": "string"},
                "defects": {"type": "array", "items": {"type": "string"}}
            }
        },
        "dto.StateRequest": {
            "type": "object",
            "properties": {"state": {"type": "string", "enum": ["confirmed", "flagged"]}}
        },
        "dto.ExpenseResponse": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "amount": {"type": "string"},
                "currency": {"type": "string"},
                "description": {"type": "string"},
                "category": {"type": "string"},
                "payment_method": {"type": "string"},
                "merchant": {"type": "string"},
                "instrument_hint": {"type": "string"},
                "occurred_at": {"type": "string"},
                "confidence": {"type": "number"},
                "state": {"type": "string"},
                "artifact_ref": {"type": "string"},
                "provenance": {"type": "object"},
                "created_at": {"type": "string"},
                "confirmed_at": {"type": "string"}
            }
        },
        "dto.RawInputResponse": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "modality": {"type": "string"},
                "delivery_id": {"type": "string"},
                "content_type": {"type": "string"},
                "payload_size": {"type": "integer"},
                "payload_hash": {"type": "string"},
                "outcome": {"type": "string"},
                "error": {"type": "string"},
                "received_at": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "Bearer": {
            "description": "Type \"Bearer\" followed by a space and JWT token.",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Expense Ingest API",
	Description:      "Multi-modal expense extraction with idempotent ingestion",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
