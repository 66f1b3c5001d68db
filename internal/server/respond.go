package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"secure-file-share/internal/access"
)

type messageResp struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResp{Message: msg})
}

func statusFor(k access.Kind) int {
	switch k {
	case access.KindNotFound:
		return http.StatusNotFound
	case access.KindForbidden:
		return http.StatusForbidden
	case access.KindUnauthenticated:
		return http.StatusUnauthorized
	case access.KindConflict:
		return http.StatusConflict
	case access.KindUpstream:
		return http.StatusBadGateway
	case access.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps an access error to its status code. Only the reason is
// sent to the client; the cause is logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := access.KindOf(err)
	status := statusFor(kind)
	msg := access.ReasonOf(err)
	if status >= 500 {
		s.log.Error("request failed",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeMessage(w, status, msg)
}
