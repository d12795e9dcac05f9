package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/clawinfra/evoclaw/internal/controlapi"
)

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}

// writeResult renders a controlapi.Result as JSON, mapping its ErrorKind
// onto the HTTP status code a caller would expect for that failure mode.
func writeResult[T any](w http.ResponseWriter, res controlapi.Result[T]) {
	if res.IsOk() {
		v, _ := res.Unwrap()
		writeJSON(w, http.StatusOK, v)
		return
	}
	_, cerr := res.Unwrap()
	writeJSON(w, statusForKind(cerr.Kind), map[string]string{
		"kind":   string(cerr.Kind),
		"detail": cerr.Detail,
	})
}

func statusForKind(k controlapi.ErrorKind) int {
	switch k {
	case controlapi.ErrNoSuchAgent, controlapi.ErrNoSuchRecipient:
		return http.StatusNotFound
	case controlapi.ErrDuplicateName:
		return http.StatusConflict
	case controlapi.ErrIllegalState, controlapi.ErrIllegalTransition:
		return http.StatusConflict
	case controlapi.ErrBackpressureTimeout, controlapi.ErrDeadlineExceeded:
		return http.StatusServiceUnavailable
	case controlapi.ErrDeniedByPolicy:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
