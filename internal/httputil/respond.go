package httputil

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrorResponse is the standard JSON error response body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Int("status", status).Msg("failed to write response body")
	}
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// SetRetryAfter sets Retry-After to d rounded up to whole seconds and returns
// the value written.
func SetRetryAfter(w http.ResponseWriter, d time.Duration) int {
	secs := 0
	if d > 0 {
		secs = int(math.Ceil(d.Seconds()))
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	return secs
}
