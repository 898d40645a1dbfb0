// Package pipeline applies the fixed photo-booth styling chain to JPEG and
// PNG images.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/dunamismax/photobooth/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidImageFormat = errors.New("invalid image format")
	ErrProcessingFailure  = errors.New("image processing failed")
	ErrTooManyPixels      = errors.New("image exceeds pixel limit")
)

const StageEncode = "encode"

// ProcessingError reports the stage that failed and keeps its cause.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: stage %s: %v", ErrProcessingFailure, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() []error {
	return []error{ErrProcessingFailure, e.Err}
}

type Result struct {
	Processed     []byte
	Format        domain.Format
	OriginalSize  int
	ProcessedSize int
	Width         int
	Height        int
}

// StageObserver is told how long each stage took and whether it failed.
type StageObserver interface {
	ObserveStage(stage string, d time.Duration, err error)
}

type Pipeline struct {
	codec    Codec
	stages   []Stage
	params   StyleParameters
	observer StageObserver
	tracer   trace.Tracer

	maxPixels int
}

// New builds the photo-booth pipeline. observer may be nil.
func New(observer StageObserver) *Pipeline {
	return &Pipeline{
		codec:    newCodec(),
		stages:   DefaultStages(),
		params:   DefaultStyle(),
		observer: observer,
		tracer:   otel.Tracer("photobooth/pipeline"),

		maxPixels: domain.MaxInputPixels,
	}
}

// SetMaxPixels changes the width*height limit checked before decoding.
// Values <= 0 restore the default.
func (p *Pipeline) SetMaxPixels(n int) {
	if n <= 0 {
		n = domain.MaxInputPixels
	}
	p.maxPixels = n
}

func (p *Pipeline) MaxPixels() int {
	return p.maxPixels
}

func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Process decodes input, runs every stage in order and encodes the result.
// output defaults to JPEG.
func (p *Pipeline) Process(ctx context.Context, input []byte, source, output domain.Format) (Result, error) {
	if len(input) == 0 {
		return Result{}, fmt.Errorf("%w: empty input", ErrInvalidImageFormat)
	}
	if _, err := domain.ParseFormat(string(source)); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidImageFormat, err)
	}
	output, err := outputFormat(output)
	if err != nil {
		return Result{}, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.String("image.source_format", string(source)),
		attribute.String("image.output_format", string(output)),
		attribute.Int("image.original_bytes", len(input)),
	)
	defer span.End()

	if err := checkPixels(input, p.maxPixels); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected before decode")
		return Result{}, err
	}

	img, err := p.codec.Decode(ctx, input, source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, &ProcessingError{Stage: "decode", Err: ctxErr}
		}
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidImageFormat, err)
	}

	res, err := p.run(ctx, img, output)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return Result{}, err
	}
	res.OriginalSize = len(input)
	span.SetAttributes(attribute.Int("image.processed_bytes", res.ProcessedSize))
	return res, nil
}

// ProcessImage styles an already-decoded image. OriginalSize is left at zero.
func (p *Pipeline) ProcessImage(ctx context.Context, img image.Image, output domain.Format) (Result, error) {
	if img == nil || img.Bounds().Empty() {
		return Result{}, fmt.Errorf("%w: empty image", ErrInvalidImageFormat)
	}
	output, err := outputFormat(output)
	if err != nil {
		return Result{}, err
	}
	return p.run(ctx, img, output)
}

func (p *Pipeline) run(ctx context.Context, src image.Image, output domain.Format) (Result, error) {
	raster := NewRaster(src)
	for _, stage := range p.stages {
		next, err := p.applyStage(ctx, stage, raster)
		if err != nil {
			return Result{}, &ProcessingError{Stage: stage.Name(), Err: err}
		}
		raster = next
	}

	start := time.Now()
	data, err := p.codec.Encode(ctx, raster.Image(), output, p.params)
	p.observe(StageEncode, time.Since(start), err)
	if err != nil {
		return Result{}, &ProcessingError{Stage: StageEncode, Err: err}
	}

	return Result{
		Processed:     data,
		Format:        output,
		ProcessedSize: len(data),
		Width:         raster.Width(),
		Height:        raster.Height(),
	}, nil
}

func (p *Pipeline) applyStage(ctx context.Context, stage Stage, raster *RasterImage) (*RasterImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.stage."+stage.Name())
	defer span.End()

	start := time.Now()
	next, err := stage.Apply(ctx, raster, p.params)
	if err == nil && next == nil {
		err = errors.New("stage returned no image")
	}
	p.observe(stage.Name(), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		return nil, err
	}
	return next, nil
}

func (p *Pipeline) observe(stage string, d time.Duration, err error) {
	if p.observer != nil {
		p.observer.ObserveStage(stage, d, err)
	}
}

func outputFormat(f domain.Format) (domain.Format, error) {
	if f == "" {
		return domain.FormatJPEG, nil
	}
	parsed, err := domain.ParseFormat(string(f))
	if err != nil {
		return "", fmt.Errorf("%w: output %v", ErrInvalidImageFormat, err)
	}
	return parsed, nil
}
