// Package httpx holds the thin net/http response helpers the Confidential
// Storage Core's handlers share, grounded on the teacher's
// pkg/utils.JSONError/JSONWrite: a single place that turns a status code
// and a message into a JSON body, kept deliberately separate from the
// domain error taxonomy in pkg/coreerrors.
package httpx

import (
	"encoding/json"
	"net/http"

	"coldproxy/pkg/coreerrors"
)

// JSONError writes {"error": code} with the given HTTP status.
func JSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// JSONWrite writes v as a JSON body with the given status (0 skips
// WriteHeader, letting the default 200 apply).
func JSONWrite(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	return json.NewEncoder(w).Encode(v)
}

// statusFor maps an error Kind to the HTTP status spec.md §6 implies for
// its stable string code.
func statusFor(k coreerrors.Kind) int {
	switch k {
	case coreerrors.KindLocked:
		return http.StatusUnauthorized
	case coreerrors.KindAccountLocked:
		return http.StatusForbidden
	case coreerrors.KindInvalidCredentials, coreerrors.KindDecryptFailed:
		return http.StatusUnauthorized
	case coreerrors.KindTampered:
		return http.StatusInternalServerError
	case coreerrors.KindConflict:
		return http.StatusConflict
	case coreerrors.KindNotFound:
		return http.StatusNotFound
	case coreerrors.KindRateLimited:
		return http.StatusTooManyRequests
	case coreerrors.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case coreerrors.KindForbidden:
		return http.StatusForbidden
	case coreerrors.KindInvalidRequest:
		return http.StatusBadRequest
	case coreerrors.KindTransient:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteError translates a core error into the stable JSON error body and
// status code spec.md §6/§7 require. Unrecognized errors collapse to
// internal_server_error so internals are never leaked to callers.
func WriteError(w http.ResponseWriter, err error) {
	k := coreerrors.As(err)
	JSONError(w, statusFor(k), k.Code())
}
