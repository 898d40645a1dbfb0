package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dunamismax/photobooth/internal/domain"
	"github.com/dunamismax/photobooth/internal/pipeline"
)

// apiError is a failure already mapped to a status and envelope type.
type apiError struct {
	Status  int
	Type    string
	Message string
	Err     error
}

func (e *apiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *apiError) Unwrap() error { return e.Err }

func errValidation(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Type: domain.ErrorTypeValidation, Message: msg}
}

func errUnsupported(msg string) *apiError {
	return &apiError{Status: http.StatusUnsupportedMediaType, Type: domain.ErrorTypeUnsupportedMedia, Message: msg}
}

func errTooLarge(limit int64) *apiError {
	return &apiError{
		Status:  http.StatusRequestEntityTooLarge,
		Type:    domain.ErrorTypeTooLarge,
		Message: fmt.Sprintf("File too large. Maximum size: %dMB", limit>>20),
	}
}

func errTooManyPixels(limit int) *apiError {
	return &apiError{
		Status:  http.StatusRequestEntityTooLarge,
		Type:    domain.ErrorTypeTooLarge,
		Message: fmt.Sprintf("Image dimensions too large. Maximum: %d megapixels", limit/1_000_000),
	}
}

func errNotFound(msg string) *apiError {
	return &apiError{Status: http.StatusNotFound, Type: domain.ErrorTypeNotFound, Message: msg}
}

// classify maps any error to the envelope the client sees.
func (s *Server) classify(err error) *apiError {
	var apiErr *apiError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &maxBytes):
		return errTooLarge(s.maxUpload)
	case errors.Is(err, pipeline.ErrTooManyPixels):
		tooLarge := errTooManyPixels(s.maxPixels)
		tooLarge.Err = err
		return tooLarge
	case errors.Is(err, pipeline.ErrInvalidImageFormat):
		return &apiError{Status: http.StatusBadRequest, Type: domain.ErrorTypeInvalidImage, Message: "Invalid image file", Err: err}
	case errors.Is(err, pipeline.ErrProcessingFailure):
		return &apiError{Status: http.StatusInternalServerError, Type: domain.ErrorTypeServer, Message: "Failed to process image", Err: err}
	default:
		return &apiError{Status: http.StatusInternalServerError, Type: domain.ErrorTypeServer, Message: "Internal server error", Err: err}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := s.classify(err)
	if apiErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", apiErr.Status, "err", err)
	}
	writeJSON(w, apiErr.Status, domain.ProcessResponse{
		Success: false,
		Error:   &domain.ErrorBody{Message: apiErr.Message, Type: apiErr.Type},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
