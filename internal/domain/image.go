package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MaxUploadBytes  = 10 << 20
	RetentionWindow = 24 * time.Hour
	// MaxInputPixels caps width*height before decoding (8192x8192).
	MaxInputPixels = 1 << 26

	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"

	FieldImage = "image"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// SupportedMIMETypes lists the declared content types accepted for upload.
var SupportedMIMETypes = []string{MIMEJPEG, MIMEPNG}

func ParseFormat(in string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "jpeg", "jpg", MIMEJPEG:
		return FormatJPEG, nil
	case "png", MIMEPNG:
		return FormatPNG, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, in)
	}
}

// FormatFromMIME maps a declared content type (parameters allowed) to a Format.
func FormatFromMIME(mime string) (Format, error) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case MIMEJPEG, "image/jpg":
		return FormatJPEG, nil
	case MIMEPNG:
		return FormatPNG, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, mime)
	}
}

func (f Format) MIME() string {
	if f == FormatPNG {
		return MIMEPNG
	}
	return MIMEJPEG
}

func (f Format) Extension() string {
	if f == FormatPNG {
		return "png"
	}
	return "jpg"
}

// ProcessedImageRecord is created once per successful pipeline run and never
// mutated afterwards.
type ProcessedImageRecord struct {
	ID                string    `json:"id"`
	OriginalByteSize  int       `json:"originalSize"`
	ProcessedByteSize int       `json:"processedSize"`
	Format            Format    `json:"format"`
	ObjectKey         string    `json:"-"`
	OutputLocator     string    `json:"url"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (r ProcessedImageRecord) ExpiresAt() time.Time {
	return r.CreatedAt.Add(RetentionWindow)
}

func (r ProcessedImageRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("record id is required")
	}
	if r.ProcessedByteSize <= 0 {
		return errors.New("processed byte size must be positive")
	}
	if strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("record object key is required")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("record created_at is required")
	}
	return nil
}
