package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/photobooth/internal/domain"
	"github.com/gabriel-vasile/mimetype"
)

// Codec turns raw container bytes into pixels and back.
type Codec interface {
	Decode(ctx context.Context, data []byte, declared domain.Format) (image.Image, error)
	Encode(ctx context.Context, img image.Image, format domain.Format, p StyleParameters) ([]byte, error)
}

// SniffFormat reports the container format of data from its leading bytes.
func SniffFormat(data []byte) (domain.Format, error) {
	detected := mimetype.Detect(data)
	switch {
	case detected.Is(domain.MIMEJPEG):
		return domain.FormatJPEG, nil
	case detected.Is(domain.MIMEPNG):
		return domain.FormatPNG, nil
	default:
		return "", fmt.Errorf("%w: detected %s", domain.ErrUnsupportedFormat, detected.String())
	}
}

type imagingCodec struct{}

func (imagingCodec) Decode(ctx context.Context, data []byte, _ domain.Format) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := SniffFormat(data); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	return img, nil
}

func (imagingCodec) Encode(ctx context.Context, img image.Image, format domain.Format, p StyleParameters) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	switch format {
	case domain.FormatJPEG:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.JPEGQuality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.FormatPNG:
		if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(p.PNGCompression)); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format)
	}
	return buf.Bytes(), nil
}
