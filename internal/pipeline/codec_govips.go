//go:build govips && cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/photobooth/internal/domain"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   128 * 1024 * 1024,
			MaxCacheSize:  100,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newCodec() Codec {
	return govipsCodec{}
}

// govipsCodec uses libvips for container work; stages still run in Go.
type govipsCodec struct{}

func (govipsCodec) Decode(ctx context.Context, data []byte, _ domain.Format) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch vips.DetermineImageType(data) {
	case vips.ImageTypeJPEG, vips.ImageTypePNG:
	default:
		return nil, fmt.Errorf("%w: not jpeg or png", domain.ErrUnsupportedFormat)
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	defer ref.Close()

	if err := ref.AutoRotate(); err != nil {
		return nil, fmt.Errorf("auto-rotate source image: %w", err)
	}
	img, err := ref.ToImage(vips.NewDefaultPNGExportParams())
	if err != nil {
		return nil, fmt.Errorf("convert source image: %w", err)
	}
	return img, nil
}

func (govipsCodec) Encode(ctx context.Context, img image.Image, format domain.Format, p StyleParameters) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&raw, img); err != nil {
		return nil, fmt.Errorf("stage raster for vips: %w", err)
	}
	ref, err := vips.NewImageFromBuffer(raw.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load raster into vips: %w", err)
	}
	defer ref.Close()

	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = p.JPEGQuality
		params.StripMetadata = true
		data, _, err := ref.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case domain.FormatPNG:
		params := vips.NewPngExportParams()
		params.Compression = vipsPNGCompression(p.PNGCompression)
		data, _, err := ref.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format)
	}
}

func vipsPNGCompression(level png.CompressionLevel) int {
	switch level {
	case png.NoCompression:
		return 0
	case png.BestSpeed:
		return 1
	case png.DefaultCompression:
		return 6
	default:
		return 9
	}
}
