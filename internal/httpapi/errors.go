package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"go.uber.org/zap"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
}

// statusForKind maps an error kind onto its HTTP status code.
func statusForKind(kind state.ErrorKind) int {
	switch kind {
	case state.KindValidation:
		return http.StatusBadRequest
	case state.KindNotFound:
		return http.StatusNotFound
	case state.KindState:
		return http.StatusConflict
	case state.KindProvider:
		return http.StatusBadGateway
	case state.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {error, kind, field}. Errors outside the
// research taxonomy are reported as internal errors without their text.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var re *state.Error
	if !errors.As(err, &re) {
		logger.Error("Unclassified API error", zap.Error(err))
		re = state.NewInternalError("internal error", err)
	}
	code := statusForKind(re.Kind)
	if code >= http.StatusInternalServerError {
		logger.Warn("API request failed", zap.String("kind", string(re.Kind)), zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: re.Message, Kind: string(re.Kind), Field: re.Field})
}

// writeJSON writes a JSON response with status code.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
