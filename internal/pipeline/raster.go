package pipeline

import (
	"context"
	"image"
	"math"
	"runtime"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

type ChannelLayout string

const (
	LayoutRGB  ChannelLayout = "rgb"
	LayoutRGBA ChannelLayout = "rgba"
)

const minBandRows = 16

// RasterImage is a decoded bitmap owned by a single pipeline invocation.
type RasterImage struct {
	img    *image.NRGBA
	layout ChannelLayout
}

func NewRaster(src image.Image) *RasterImage {
	img := imaging.Clone(src)
	layout := LayoutRGBA
	if img.Opaque() {
		layout = LayoutRGB
	}
	return &RasterImage{img: img, layout: layout}
}

func (r *RasterImage) Width() int { return r.img.Rect.Dx() }

func (r *RasterImage) Height() int { return r.img.Rect.Dy() }

func (r *RasterImage) Layout() ChannelLayout { return r.layout }

// Image exposes the pixel buffer. Callers must not retain it past the
// pipeline invocation.
func (r *RasterImage) Image() *image.NRGBA { return r.img }

func (r *RasterImage) with(img *image.NRGBA) *RasterImage {
	return &RasterImage{img: img, layout: r.layout}
}

// bands splits the rows into disjoint bands and runs fn on them concurrently.
func (r *RasterImage) bands(ctx context.Context, fn func(y0, y1 int) error) error {
	h := r.Height()
	workers := runtime.GOMAXPROCS(0)
	band := max(minBandRows, (h+workers-1)/workers)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for y0 := 0; y0 < h; y0 += band {
		y1 := min(y0+band, h)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(y0, y1)
		})
	}
	return g.Wait()
}

// mapRGB rewrites every pixel in place through fn on normalized [0,1]
// channels. Alpha is left untouched.
func (r *RasterImage) mapRGB(ctx context.Context, fn func(x, y int, c *[3]float64)) error {
	pix, stride, w := r.img.Pix, r.img.Stride, r.Width()
	return r.bands(ctx, func(y0, y1 int) error {
		var c [3]float64
		for y := y0; y < y1; y++ {
			row := pix[y*stride : y*stride+w*4]
			for x := 0; x < w; x++ {
				i := x * 4
				c[0] = float64(row[i]) / 255
				c[1] = float64(row[i+1]) / 255
				c[2] = float64(row[i+2]) / 255
				fn(x, y, &c)
				row[i] = to8(c[0])
				row[i+1] = to8(c[1])
				row[i+2] = to8(c[2])
			}
		}
		return nil
	})
}

func to8(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func luminance(c *[3]float64) float64 {
	return 0.299*c[0] + 0.587*c[1] + 0.114*c[2]
}

// saturate scales chroma around the pixel's luminance.
func saturate(c *[3]float64, factor float64) {
	l := luminance(c)
	for i := range c {
		c[i] = l + factor*(c[i]-l)
	}
}
