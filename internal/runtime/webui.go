package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

const functionsAPIPath = "/api/functions"

// FunctionsReport is the body served at /api/functions.
type FunctionsReport struct {
	Functions []*HandlerInfo `json:"functions"`
	Process   ProcessUsage   `json:"process"`
}

func (s *Service) handleGetFunctions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	report := FunctionsReport{
		Functions: s.Functions(),
		Process:   s.process.Snapshot(),
	}
	if err := jsoncodec.Encode(w, report); err != nil {
		s.Logger.Error("Failed to encode functions", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
