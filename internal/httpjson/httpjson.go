// Package httpjson holds the JSON request/response helpers shared by the
// HTTP handlers.
package httpjson

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

// ErrorBody is the payload of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Write encodes v with the given status.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes an ErrorBody.
func Error(w http.ResponseWriter, status int, code string, err error) {
	Write(w, status, ErrorBody{Error: err.Error(), Code: code})
}

// Decode reads a JSON request body into v, rejecting unknown fields.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return errors.Wrap(dec.Decode(v), "decode request")
}
