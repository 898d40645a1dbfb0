package ingest

import (
	"fmt"
	"strings"

	"github.com/dunamismax/photobooth/internal/domain"
)

// File is the user's selected image as the client sees it.
type File struct {
	Name     string
	MIMEType string
	// Size is the declared size. Validate checks it as well as len(Data).
	Size int64
	Data []byte
}

func NewFile(name, mimeType string, data []byte) File {
	return File{
		Name:     name,
		MIMEType: mimeType,
		Size:     int64(len(data)),
		Data:     data,
	}
}

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validate rejects a file before any network activity.
func Validate(f File) error {
	if len(f.Data) == 0 {
		return &ValidationError{Message: "No file selected"}
	}
	// Same parser as the server, so the client never rejects a type the
	// server would accept.
	if _, err := domain.FormatFromMIME(f.MIMEType); err != nil {
		return &ValidationError{Message: fmt.Sprintf("Invalid file type. Allowed types: %s", allowedTypeNames())}
	}
	if f.Size > domain.MaxUploadBytes || int64(len(f.Data)) > domain.MaxUploadBytes {
		return &ValidationError{Message: fmt.Sprintf("File too large. Maximum size: %dMB", domain.MaxUploadBytes>>20)}
	}
	return nil
}

func allowedTypeNames() string {
	names := make([]string, 0, len(domain.SupportedMIMETypes))
	for _, t := range domain.SupportedMIMETypes {
		names = append(names, strings.TrimPrefix(t, "image/"))
	}
	return strings.Join(names, ", ")
}
