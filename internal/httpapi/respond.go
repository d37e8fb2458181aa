package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/community-economy-ledger/internal/ledger"
)

const maxBodyBytes = 1 << 16

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var statusByKind = map[string]int{
	"invalid_input":      http.StatusBadRequest,
	"not_found":          http.StatusNotFound,
	"insufficient_funds": http.StatusPaymentRequired,
	"already_claimed":    http.StatusConflict,
	"store_unavailable":  http.StatusServiceUnavailable,
}

// writeError renders a ledger error. Ledger errors carry no store text, so
// the message is safe to show.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := ledger.Kind(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: kind, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "invalid request body"})
		return false
	}
	return true
}

func int64Var(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: name + " must be a 64-bit id"})
		return 0, false
	}
	return v, true
}

func accountVars(w http.ResponseWriter, r *http.Request) (account, community int64, ok bool) {
	if community, ok = int64Var(w, r, "community"); !ok {
		return 0, 0, false
	}
	if account, ok = int64Var(w, r, "account"); !ok {
		return 0, 0, false
	}
	return account, community, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
