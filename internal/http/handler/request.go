package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/myeline/careauth/internal/http/response"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
			return false
		}
		if errors.Is(err, io.EOF) {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "request body required", nil)
			return false
		}
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body", nil)
		return false
	}
	return true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || v == 0 {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name, nil)
		return 0, false
	}
	return uint(v), true
}

func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(name)))
	if err != nil {
		return 0
	}
	return v
}

// clientIP expects chi's RealIP to have already rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
