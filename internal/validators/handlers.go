package validators

import (
	"encoding/json"
	"net/http"
)

// Handlers provides HTTP handlers for channel reference validation,
// letting clients pre-check an input list before creating a job.
type Handlers struct {
	registry *Registry
}

// NewHandlers creates a new Handlers instance
func NewHandlers(registry *Registry) *Handlers {
	return &Handlers{
		registry: registry,
	}
}

// ValidateRequest is the request body for reference validation
type ValidateRequest struct {
	ChannelRefs []string `json:"channel_refs"`
}

// ValidateResponse is the response for reference validation
type ValidateResponse struct {
	Valid   bool               `json:"valid"`
	Results []ValidationResult `json:"results"`
}

// SupportedSourcesResponse is the response for listing supported sources
type SupportedSourcesResponse struct {
	Sources []SourceType `json:"sources"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidateRefs handles POST /api/v1/validate
func (h *Handlers) ValidateRefs(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}

	if len(req.ChannelRefs) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "VALIDATION_ERROR", "channel_refs field is required")
		return
	}

	resp := ValidateResponse{
		Valid:   true,
		Results: make([]ValidationResult, 0, len(req.ChannelRefs)),
	}
	for _, ref := range req.ChannelRefs {
		result := h.registry.Validate(ref)
		if !result.Valid {
			resp.Valid = false
		}
		resp.Results = append(resp.Results, result)
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Valid {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(resp)
}

// GetSupportedSources handles GET /api/v1/validate/sources
func (h *Handlers) GetSupportedSources(w http.ResponseWriter, r *http.Request) {
	sources := h.registry.GetSupportedSources()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(SupportedSourcesResponse{Sources: sources})
}

func writeErrorResponse(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
