package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
)

// Stage is one order-dependent transformation of the cumulative image.
type Stage interface {
	Name() string
	Apply(ctx context.Context, img *RasterImage, p StyleParameters) (*RasterImage, error)
}

// DefaultStages returns the photo-booth chain in application order.
func DefaultStages() []Stage {
	return []Stage{
		colorGainStage{},
		saturationStage{name: "desaturate_1", factor: func(p StyleParameters) float64 { return p.FirstSaturation }},
		tonalRangeStage{},
		warmTintStage{},
		warmthStage{},
		saturationStage{name: "desaturate_3", factor: func(p StyleParameters) float64 { return p.ThirdSaturation }},
		clarityStage{},
		vignetteStage{},
		grainStage{},
	}
}

type colorGainStage struct{}

func (colorGainStage) Name() string { return "color_gain" }

func (colorGainStage) Apply(ctx context.Context, img *RasterImage, p StyleParameters) (*RasterImage, error) {
	m := p.GainMatrix
	err := img.mapRGB(ctx, func(_, _ int, c *[3]float64) {
		r, g, b := c[0], c[1], c[2]
		c[0] = m[0][0]*r + m[0][1]*g + m[0][2]*b
		c[1] = m[1][0]*r + m[1][1]*g + m[1][2]*b
		c[2] = m[2][0]*r + m[2][1]*g + m[2][2]*b
	})
	return img, err
}

type saturationStage struct {
	name   string
	factor func(StyleParameters) float64
}

func (s saturationStage) Name() string { return s.name }

func (s saturationStage) Apply(ctx context.Context, img *RasterImage, p StyleParameters) (*RasterImage, error) {
	f := s.factor(p)
	if f < 0 {
		return nil, errors.New("saturation multiplier must not be negative")
	}
	err := img.mapRGB(ctx, func(_, _ int, c *[3]float64) {
		saturate(c, f)
	})
	return img, err
}

type tonalRangeStage struct{}

func (tonalRangeStage) Name() string { return "tonal_range" }

func (tonalRangeStage) Apply(ctx context.Context, img *RasterImage, p StyleParameters) (*RasterImage, error) {
	if p.Gamma <= 0 {
		return nil, errors.New("gamma must be positive")
	}
	err := img.mapRGB(ctx, func(_, _ int, c *[3]float64) {
		for i := range c {
			c[i] = c[i]*p.Slope + p.Offset
		}
	})
	if err != nil {
		return nil, err
	}
	// imaging raises to 1/gamma; invert so blacks deepen for gamma > 1.
	return img.with(imaging.AdjustGamma(img.Image(), 1/p.Gamma)), nil
}

type warmTintStage struct{}

func (warmTintStage) Name() string { return "warm_tint" }

func (warmTintStage) Apply(ctx context.Context, img *RasterImage, p StyleParameters) (*RasterImage, error) {
	t := tintFactors(p.WarmTint)
	err := img.mapRGB(ctx, func(_, _ int, c *[3]float64) {
		c[0] *= t[0]
		c[1] *= t[1]
		c[2] *= t[2]
		saturate(c, p.SecondSaturation)
	})
	return img, err
}

type warmthStage struct{}

func (warmthStage) Name() string { return "warmth" }

func (warmthStage) Apply(ctx context.Context, img *RasterImage, p StyleParameters) (*RasterImage, error) {
	t := tintFactors(p.Warmth)
	err := img.mapRGB(ctx, func(_, _ int, c *[3]float64) {
		c[0] *= t[0]
		c[1] *= t[1]
		c[2] *= t[2]
	})
	return img, err
}

func tintFactors(c color.NRGBA) [3]float64 {
	return [3]float64{float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255}
}

type clarityStage struct{}

func (clarityStage) Name() string { return "clarity" }

func (clarityStage) Apply(ctx context.Context, img *RasterImage, p StyleParameters) (*RasterImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.BlurSigma <= 0 {
		return img, nil
	}
	return img.with(imaging.Blur(img.Image(), p.BlurSigma)), nil
}

type vignetteStage struct{}

func (vignetteStage) Name() string { return "vignette" }

func (vignetteStage) Apply(ctx context.Context, img *RasterImage, p StyleParameters) (*RasterImage, error) {
	mask := vignetteMask(img.Width(), img.Height(), p.Vignette)
	err := img.mapRGB(ctx, func(x, y int, c *[3]float64) {
		// Multiply blend with black at the mask's opacity.
		keep := 1 - float64(mask.Pix[y*mask.Stride+x])/255
		c[0] *= keep
		c[1] *= keep
		c[2] *= keep
	})
	return img, err
}

const maxMaskSide = 256

// vignetteMask renders the radial darkening mask for a w×h image. Each mask
// byte is the darkening opacity scaled to 0-255. The gradient is smooth, so it
// is rendered at low resolution and upscaled.
func vignetteMask(w, h int, v VignetteParameters) *image.Gray {
	longest := max(w, h)
	scale := min(1, float64(maxMaskSide)/float64(longest))
	mw := max(1, int(math.Ceil(float64(w)*scale)))
	mh := max(1, int(math.Ceil(float64(h)*scale)))

	radius := v.Scale * float64(longest) / 2
	stop := v.FalloffStop
	if stop <= 0 {
		stop = 1
	}

	small := image.NewGray(image.Rect(0, 0, mw, mh))
	cx, cy := float64(w)/2, float64(h)/2
	for my := 0; my < mh; my++ {
		y := (float64(my) + 0.5) / scale
		for mx := 0; mx < mw; mx++ {
			x := (float64(mx) + 0.5) / scale
			d := math.Hypot(x-cx, y-cy) / radius
			t := clamp01(d / stop)
			small.Pix[my*small.Stride+mx] = to8(v.Opacity * t)
		}
	}

	if mw == w && mh == h {
		return small
	}
	mask := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(mask, mask.Bounds(), small, small.Bounds(), xdraw.Src, nil)
	return mask
}

type grainStage struct{}

func (grainStage) Name() string { return "grain" }

func (grainStage) Apply(ctx context.Context, img *RasterImage, p StyleParameters) (*RasterImage, error) {
	sigma := p.Grain.Intensity / 255
	opacity := p.Grain.Opacity
	pix, stride, w := img.img.Pix, img.img.Stride, img.Width()

	err := img.bands(ctx, func(y0, y1 int) error {
		// Unseeded on purpose: grain differs on every run.
		rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		for y := y0; y < y1; y++ {
			row := pix[y*stride : y*stride+w*4]
			for x := 0; x < w; x++ {
				noise := clamp01(0.5 + rng.NormFloat64()*sigma)
				i := x * 4
				for ch := 0; ch < 3; ch++ {
					base := float64(row[i+ch]) / 255
					row[i+ch] = to8(base + opacity*(overlay(base, noise)-base))
				}
			}
		}
		return nil
	})
	return img, err
}

func overlay(base, blend float64) float64 {
	if base < 0.5 {
		return 2 * base * blend
	}
	return 1 - 2*(1-base)*(1-blend)
}
