package httptransport

import (
	"encoding/json"
	"net/http"
)

// apiError mirrors the error body shape the worker and clients expect.
type apiError struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Detail: msg})
}
