package httpapi

import (
	"encoding/json"
	"net/http"

	ilog "your.org/secretaria-backend/internal/log"
)

// Every route answers with the same JSON envelope: a success flag, an
// optional human-readable message and optional data.  Handlers that
// need extra top-level keys (qrCode, status, user, ...) pass a map.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		ilog.Errorf("encode response: %v", err)
	}
}

func writeSuccess(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

// writeNotConnected reports a missing-session condition.  Matching the
// observed behavior of the service this mirrors, it is not an HTTP
// error: the envelope carries success=false with a descriptive
// message.
func writeNotConnected(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": message})
}

// decodeJSON decodes the request body into target, returning an error
// suitable for a 400 response when the payload is malformed.
func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(target)
}
