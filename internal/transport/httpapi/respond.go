package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"courier/internal/message"
	logx "courier/pkg/logx"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// writeServiceError maps the message error taxonomy to HTTP status codes.
func writeServiceError(w http.ResponseWriter, log logx.Logger, err error) {
	switch {
	case errors.Is(err, message.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, message.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, message.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, message.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	default:
		log.Error("request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
