package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/davidahmann/arcana/internal/auth"
	"github.com/davidahmann/arcana/internal/crypto"
	"github.com/davidahmann/arcana/internal/errs"
)

const IdempotencyHeader = "Idempotency-Key"

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Auth == nil {
			writeStatus(w, http.StatusUnauthorized, errs.KindUnauthorized, errs.CodeInvalidAPIKey, "authentication not configured")
			return
		}
		p, err := h.Auth.Authenticate(r)
		if err != nil {
			writeStatus(w, http.StatusUnauthorized, errs.KindUnauthorized, errs.CodeInvalidAPIKey, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// idempotent replays the stored response for a repeated Idempotency-Key.
// Requests without the header pass through untouched.
func (h *Handler) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" || h.Idem == nil {
			next.ServeHTTP(w, r)
			return
		}
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeStatus(w, http.StatusBadRequest, errs.KindValidation, errs.CodeMalformedRequest, "request body could not be read")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))

		merchantID := ""
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			merchantID = p.MerchantID
		}
		idemKey := merchantID + "|" + r.Method + " " + r.URL.Path + "|" + key
		requestHash := crypto.DigestHex(raw)

		stored, created := h.Idem.Begin(IdemRecord{IdemKey: idemKey, RequestHash: requestHash})
		var existing *IdemRecord
		if !created {
			existing = &stored
		}
		switch DetermineNextAction(existing, requestHash) {
		case ActionReplay:
			w.Header().Set("Idempotent-Replayed", "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(stored.StatusCode)
			_, _ = w.Write(stored.Body)
			return
		case ActionInProgress:
			writeStatus(w, http.StatusConflict, errs.KindValidation, "IDEM-002", "a request with this Idempotency-Key is still in progress")
			return
		case ActionConflict:
			writeStatus(w, http.StatusUnprocessableEntity, errs.KindValidation, "IDEM-001", "Idempotency-Key was already used with a different request body")
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			h.Idem.Release(idemKey)
			return
		}
		h.Idem.Complete(idemKey, rec.status, rec.body.Bytes())
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
