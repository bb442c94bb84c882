package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/davidahmann/arcana/internal/errs"
)

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Kind    errs.Kind     `json:"kind"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []errs.Detail `json:"details,omitempty"`
}

// StatusFor maps an error kind to its HTTP status. Unknown errors are 500.
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindExpired, errs.KindInvalidSignature, errs.KindTokenRevoked:
		return http.StatusUnauthorized
	case errs.KindUnauthorized:
		return http.StatusForbidden
	case errs.KindAlreadyCommitted:
		return http.StatusConflict
	case errs.KindPolicyHashMismatch, errs.KindEvidenceInvalid, errs.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errs.As(err)
	if !ok {
		h.logger().ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorPayload{
			Kind:    "internal",
			Code:    "INTERNAL",
			Message: "an unexpected error occurred",
		}})
		return
	}
	writeJSON(w, StatusFor(e.Kind), errorBody{Error: errorPayload{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}})
}

func writeStatus(w http.ResponseWriter, status int, kind errs.Kind, code, message string) {
	writeJSON(w, status, errorBody{Error: errorPayload{Kind: kind, Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func (h *Handler) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}
