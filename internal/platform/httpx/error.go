// Package httpx holds the JSON envelope helpers shared by the HTTP handlers.
package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"finitefield.org/storefront/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxIDLen      = 80
)

// Error is an API failure rendered as the JSON error envelope. It also
// satisfies error so handlers can pass it through ordinary returns.
type Error struct {
	Code    string
	Message string
	Status  int

	extra map[string]any
}

// NewError builds an Error. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    singleLine(code, maxCodeLen),
		Message: singleLine(message, maxMessageLen),
		Status:  status,
	}
}

func (e Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// WithDetails returns a copy carrying extra envelope members. Later calls win
// on key clashes; the envelope's own members always win over details.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	extra := maps.Clone(e.extra)
	if extra == nil {
		extra = make(map[string]any, len(details))
	}
	maps.Copy(extra, details)
	e.extra = extra
	return e
}

// envelope renders the response body, stamping correlation ids from ctx.
func (e Error) envelope(ctx context.Context) map[string]any {
	body := maps.Clone(e.extra)
	if body == nil {
		body = make(map[string]any, 5)
	}
	body["error"] = e.Code
	body["message"] = e.Message
	body["status"] = e.Status
	delete(body, "request_id")
	delete(body, "trace_id")
	if id := singleLine(middleware.GetReqID(ctx), maxIDLen); id != "" {
		body["request_id"] = id
	}
	if id := requestctx.TraceID(ctx); id != "" {
		body["trace_id"] = id
	}
	return body
}

// WriteError writes err as the JSON error envelope.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	WriteJSON(w, err.Status, err.envelope(ctx))
}

// WriteJSON encodes payload as an uncacheable JSON response.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// singleLine flattens line breaks and truncates to limit bytes.
func singleLine(s string, limit int) string {
	s = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
