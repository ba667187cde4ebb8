// Package augment applies the random rotation, flip and brightness changes
// used to enlarge the lung segmentation training set.
//
// Spatial changes (rotation and flip) are applied identically to the image
// and to its mask, since the pixel correspondence between the two is the
// training signal. Brightness only touches the image.
package augment

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"lungseg/internal/models"
	"lungseg/pkg/config"
)

// Fill is the color uncovered corners take after a rotation.
var Fill = color.NRGBA{R: 0, G: 0, B: 0, A: 255}

// Params bounds the random draws.
type Params struct {
	// MaxRotation is the largest rotation angle in degrees. Angles are drawn
	// from the integers in [0, MaxRotation].
	MaxRotation int

	// MaxBrightness is the largest brightness factor. Factors are drawn
	// uniformly from [0, MaxBrightness].
	MaxBrightness float64

	// FlipProbability is the chance of a horizontal flip, in percent.
	FlipProbability int
}

// ParamsFromConfig reads the augmentation section of the configuration.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		MaxRotation:     cfg.Augmentation.MaxRotation,
		MaxBrightness:   cfg.Augmentation.MaxBrightness,
		FlipProbability: cfg.Augmentation.FlipProbability,
	}
}

// Identity returns the transform that leaves images unchanged.
func Identity() models.Transform {
	return models.Transform{Angle: 0, Flip: false, Brightness: 1}
}

// Draw picks a fresh transform. rng is not safe for concurrent use, so
// callers sharing one must serialize calls.
func (p Params) Draw(rng *rand.Rand) models.Transform {
	var t models.Transform
	if p.MaxRotation > 0 {
		t.Angle = rng.Intn(p.MaxRotation + 1)
	}
	// A draw in [1, 100] strictly below the probability: 0 never flips,
	// 100 flips 99 times out of 100.
	t.Flip = rng.Intn(100)+1 < p.FlipProbability
	t.Brightness = rng.Float64() * p.MaxBrightness
	return t
}

// Augment draws a transform and applies it.
func (p Params) Augment(rng *rand.Rand, img, mask image.Image) (*image.NRGBA, *image.NRGBA, models.Transform) {
	t := p.Draw(rng)
	outImg, outMask := Apply(img, mask, t)
	return outImg, outMask, t
}

// Apply runs rotation, horizontal flip and brightness, in that order.
// Both outputs keep the size of their input.
func Apply(img, mask image.Image, t models.Transform) (*image.NRGBA, *image.NRGBA) {
	outImg := Rotate(img, t.Angle)
	outMask := Rotate(mask, t.Angle)
	if t.Flip {
		outImg = imaging.FlipH(outImg)
		outMask = imaging.FlipH(outMask)
	}
	outImg = Brightness(outImg, t.Brightness)
	return outImg, outMask
}

// Rotate turns img counter-clockwise by angle degrees around its center.
// The canvas keeps its size: corners that leave it are cut and uncovered
// areas are filled with Fill. Sampling is nearest neighbour, so a mask
// keeps exactly the classes it had.
func Rotate(img image.Image, angle int) *image.NRGBA {
	src := imaging.Clone(img)
	if angle%360 == 0 {
		return src
	}
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := imaging.New(w, h, Fill)

	// Source to destination, about the center. y grows downwards, so a
	// counter-clockwise turn on screen uses +sin on x and -sin on y.
	theta := float64(angle) * math.Pi / 180
	sin, cos := math.Sin(theta), math.Cos(theta)
	cx, cy := float64(w)/2, float64(h)/2
	s2d := f64.Aff3{
		cos, sin, cx - cos*cx - sin*cy,
		-sin, cos, cy + sin*cx - cos*cy,
	}
	draw.NearestNeighbor.Transform(dst, s2d, src, src.Bounds(), draw.Src, nil)
	return dst
}

// Brightness multiplies the color channels by factor, the way an
// enhancer blending towards black does. Alpha is untouched.
func Brightness(img image.Image, factor float64) *image.NRGBA {
	if factor == 1 {
		return imaging.Clone(img)
	}
	scale := func(v uint8) uint8 {
		return uint8(math.Min(255, math.Round(float64(v)*factor)))
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: scale(c.R), G: scale(c.G), B: scale(c.B), A: c.A}
	})
}
