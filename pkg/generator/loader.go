package generator

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"lungseg/internal/models"
)

// LoadImage decodes the image at path and resizes it to width x height
// with nearest-neighbour sampling. Nearest neighbour keeps mask pixels at
// their original 0/255 values.
func LoadImage(path string, width, height int) (*image.NRGBA, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %s", path)
	}
	return imaging.Resize(img, width, height, imaging.NearestNeighbor), nil
}

// LoadSample reads the image and both masks of a sample, resized to
// width x height, and returns the image with the combined mask.
func LoadSample(sample models.Sample, width, height int) (img, mask *image.NRGBA, err error) {
	img, err = LoadImage(sample.ImagePath, width, height)
	if err != nil {
		return nil, nil, err
	}
	right, err := LoadImage(sample.RightMaskPath, width, height)
	if err != nil {
		return nil, nil, err
	}
	left, err := LoadImage(sample.LeftMaskPath, width, height)
	if err != nil {
		return nil, nil, err
	}
	mask, err = CombineMasks(right, left)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "masks of %s", sample.ImagePath)
	}
	return img, mask, nil
}

// CombineMasks merges the right and left lung masks into one.
//
// Each color channel is scaled from {0,255} to {0,1} and the two masks are
// summed, truncating towards zero. The result is 0 for background, 1 for a
// lung and 2 where both masks mark the same pixel. Alpha is set opaque.
func CombineMasks(right, left image.Image) (*image.NRGBA, error) {
	rb, lb := right.Bounds(), left.Bounds()
	if rb.Size() != lb.Size() {
		return nil, errors.Errorf("mask sizes differ: right %v, left %v", rb.Size(), lb.Size())
	}
	r, l := imaging.Clone(right), imaging.Clone(left)
	out := image.NewNRGBA(image.Rect(0, 0, rb.Dx(), rb.Dy()))
	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			sum := float64(r.Pix[i+c])/255 + float64(l.Pix[i+c])/255
			out.Pix[i+c] = uint8(sum)
		}
		out.Pix[i+3] = 255
	}
	return out, nil
}
