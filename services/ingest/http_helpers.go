package ingest

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes a body of the form {"error": code}. Codes are stable
// identifiers; error details stay in the logs.
func respondError(w http.ResponseWriter, status int, code string) {
	respondJSON(w, status, map[string]any{"error": code})
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}
