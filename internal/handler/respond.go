package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/docgate-service/internal/httputil"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the standard JSON error response body.
type ErrorResponse = httputil.ErrorResponse

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	httputil.RespondJSON(w, status, data)
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	httputil.RespondError(w, status, code, message)
}

// DecodeJSON reads a JSON body into dst, writing a 400 and returning false on
// failure. An empty body is accepted only when optional is set.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	RespondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
	return false
}
