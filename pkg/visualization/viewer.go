package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"lungseg/internal/models"
)

// MaskScale spreads the raw mask classes {0,1,2} over the gray range.
const MaskScale = 127

// Viewer renders the samples of a batch as images, for checking what the
// generator feeds to the model.
type Viewer struct {
	// batch holds the tensors being rendered
	batch *models.Batch

	// targetScale multiplies target values before they are drawn
	targetScale float64
}

// NewViewer creates a viewer for a batch. targetScale maps target values
// to 0-255: MaskScale for raw targets, 255 for normalized ones.
func NewViewer(batch *models.Batch, targetScale float64) *Viewer {
	return &Viewer{
		batch:       batch,
		targetScale: targetScale,
	}
}

// ExtractSample renders entry i of a tensor as an RGB image, multiplying
// values by scale and clamping to 0-255.
func ExtractSample(t *models.Tensor, i int, scale float64) (*image.NRGBA, error) {
	if i < 0 || i >= t.Shape[0] {
		return nil, errors.Errorf("sample %d outside batch of %d", i, t.Shape[0])
	}
	if t.Shape[3] != 3 {
		return nil, errors.Errorf("expected 3 channels, got %d", t.Shape[3])
	}

	height, width := t.Shape[1], t.Shape[2]
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	frame := t.Frame(i)
	for p := 0; p < width*height; p++ {
		for c := 0; c < 3; c++ {
			img.Pix[p*4+c] = toByte(float64(frame[p*3+c]) * scale)
		}
		img.Pix[p*4+3] = 255
	}
	return img, nil
}

// Input renders the input image of sample i.
func (v *Viewer) Input(i int) (*image.NRGBA, error) {
	return ExtractSample(v.batch.Input, i, 255)
}

// Target renders the target mask of sample i.
func (v *Viewer) Target(i int) (*image.NRGBA, error) {
	return ExtractSample(v.batch.Target, i, v.targetScale)
}

// Overlay renders the input of sample i with the lungs tinted red. Pixels
// marked by both masks get a stronger tint.
func (v *Viewer) Overlay(i int) (*image.NRGBA, error) {
	img, err := v.Input(i)
	if err != nil {
		return nil, err
	}
	t := v.batch.Target
	width := t.Shape[2]
	frame := t.Frame(i)
	for p := 0; p < len(frame)/3; p++ {
		class := frame[p*3]
		if class <= 0 {
			continue
		}
		alpha := math.Min(1, 0.35*float64(class))
		off := img.PixOffset(p%width, p/width)
		img.Pix[off] = toByte(float64(img.Pix[off])*(1-alpha) + 255*alpha)
		img.Pix[off+1] = toByte(float64(img.Pix[off+1]) * (1 - alpha))
		img.Pix[off+2] = toByte(float64(img.Pix[off+2]) * (1 - alpha))
	}
	return img, nil
}

// SaveSample writes input, target and overlay of sample i side by side.
// The format follows the file extension.
func (v *Viewer) SaveSample(i int, filename string) error {
	input, err := v.Input(i)
	if err != nil {
		return err
	}
	target, err := v.Target(i)
	if err != nil {
		return err
	}
	overlay, err := v.Overlay(i)
	if err != nil {
		return err
	}

	w, h := input.Bounds().Dx(), input.Bounds().Dy()
	sheet := imaging.New(3*w, h, color.Black)
	sheet = imaging.Paste(sheet, input, image.Pt(0, 0))
	sheet = imaging.Paste(sheet, target, image.Pt(w, 0))
	sheet = imaging.Paste(sheet, overlay, image.Pt(2*w, 0))
	if err := imaging.Save(sheet, filename); err != nil {
		return errors.Wrapf(err, "failed to save preview %s", filename)
	}
	return nil
}

// SaveBatch writes one preview per sample holding a table row to outputDir,
// named <prefix>_<row>.png.
func (v *Viewer) SaveBatch(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var files []string
	for i, row := range v.batch.Rows {
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%05d.png", prefix, row))
		if err := v.SaveSample(i, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}

func toByte(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}
