package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/seantiz/cloudflyer/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

// errorResponse is the JSON body of every error response.
type errorResponse struct {
	Error  string             `json:"error"`
	Fields []model.FieldError `json:"fields,omitempty"`
}

// writeJSON writes v as a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// decodeBody reads a JSON request body of at most maxBodySize bytes. On
// failure it writes the 400 response and returns false.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// authorized compares key with the configured client key in constant time.
func (s *Server) authorized(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), s.clientKey) == 1
}

// requireClientKey guards operational endpoints; the key comes from the
// X-Client-Key header or the clientKey query parameter.
func (s *Server) requireClientKey(w http.ResponseWriter, r *http.Request) bool {
	key := r.Header.Get("X-Client-Key")
	if key == "" {
		key = r.URL.Query().Get("clientKey")
	}
	if !s.authorized(key) {
		s.forbidden(w, r)
		return false
	}
	return true
}

func (s *Server) forbidden(w http.ResponseWriter, r *http.Request) {
	authFailures.WithLabelValues(routePattern(r)).Inc()
	s.writeError(w, http.StatusForbidden, "Invalid clientKey")
}
