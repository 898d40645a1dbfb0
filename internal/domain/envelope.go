package domain

import "time"

// Error types carried in the failure envelope.
const (
	ErrorTypeValidation       = "VALIDATION_ERROR"
	ErrorTypeUnsupportedMedia = "UNSUPPORTED_MEDIA_TYPE"
	ErrorTypeTooLarge         = "FILE_TOO_LARGE"
	ErrorTypeInvalidImage     = "INVALID_IMAGE"
	ErrorTypeNotFound         = "NOT_FOUND"
	ErrorTypeRateLimited      = "RATE_LIMITED"
	ErrorTypeServer           = "SERVER_ERROR"
)

type ProcessResult struct {
	ID           string `json:"id"`
	ProcessedURL string `json:"processedUrl,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Locator returns whichever URL field the server populated.
func (r ProcessResult) Locator() string {
	if r.ProcessedURL != "" {
		return r.ProcessedURL
	}
	return r.URL
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// ProcessResponse is the JSON envelope returned by the process endpoints.
type ProcessResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Result  *ProcessResult `json:"result,omitempty"`
	Error   *ErrorBody     `json:"error,omitempty"`
}

type ImageSummary struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

func (r ProcessedImageRecord) Summary() ImageSummary {
	return ImageSummary{ID: r.ID, URL: r.OutputLocator, CreatedAt: r.CreatedAt}
}

type ProcessImageJSONRequest struct {
	Image string `json:"image"`
}

type ImageListResponse struct {
	Success bool           `json:"success"`
	Images  []ImageSummary `json:"images"`
}

type ImageResponse struct {
	Success bool         `json:"success"`
	Image   ImageSummary `json:"image"`
}
