package api

import (
	"encoding/json"
	"net/http"

	"github.com/jmcleod/cmpauth/auth"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: requestIDFromContext(r.Context())})
}

// rejectionStatus maps a rejection reason to an HTTP status: 409 for
// configuration conflicts, 401 for everything else.
func rejectionStatus(reason auth.Reason) int {
	switch reason {
	case auth.ReasonConfigurationConflict:
		return http.StatusConflict
	default:
		return http.StatusUnauthorized
	}
}
