package pipeline

import (
	"image/color"
	"image/png"
)

// StyleParameters is the fixed parameter table for the photo-booth look.
type StyleParameters struct {
	// GainMatrix is applied as out[i] = sum_j GainMatrix[i][j] * in[j].
	GainMatrix [3][3]float64

	// Saturation multipliers for the three desaturation passes.
	FirstSaturation  float64
	SecondSaturation float64
	ThirdSaturation  float64

	// Tonal range: out = in*Slope + Offset on [0,1], then out^Gamma.
	Slope  float64
	Offset float64
	Gamma  float64

	WarmTint color.NRGBA
	Warmth   color.NRGBA

	BlurSigma float64

	Vignette VignetteParameters
	Grain    GrainParameters

	JPEGQuality    int
	PNGCompression png.CompressionLevel
}

type VignetteParameters struct {
	// Scale is the mask diameter relative to the larger image dimension.
	Scale float64
	// Opacity is the darkening reached at FalloffStop and beyond.
	Opacity float64
	// FalloffStop is the fraction of the mask radius where Opacity is reached.
	FalloffStop float64
}

type GrainParameters struct {
	// Intensity is the noise standard deviation on the 0-255 scale.
	Intensity float64
	Opacity   float64
}

var photoBooth = StyleParameters{
	GainMatrix: [3][3]float64{
		{1.3, 0, 0},
		{0, 1.3, 0},
		{0, 0, 1.3},
	},
	FirstSaturation:  0.75,
	SecondSaturation: 0.35,
	// Partial on purpose: the look keeps some colour after this pass.
	ThirdSaturation: 0.8,
	Slope:           0.5,
	Offset:          0.15,
	Gamma:           1.2,
	WarmTint:        color.NRGBA{R: 255, G: 230, B: 200, A: 255},
	Warmth:          color.NRGBA{R: 255, G: 245, B: 235, A: 255},
	BlurSigma:       1.5,
	Vignette: VignetteParameters{
		Scale:       1.2,
		Opacity:     0.15,
		FalloffStop: 0.9,
	},
	Grain: GrainParameters{
		Intensity: 20,
		Opacity:   0.2,
	},
	JPEGQuality:    90,
	PNGCompression: png.BestCompression,
}

// DefaultStyle returns a copy of the photo-booth parameter table.
func DefaultStyle() StyleParameters {
	return photoBooth
}
