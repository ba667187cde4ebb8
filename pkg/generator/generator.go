// Package generator produces the (image, mask) batches used to train the
// lung segmentation model.
//
// The training loop drives it: BatchCount tells how many batches an epoch
// has, GetBatch loads and augments one of them, and OnEpochEnd resets
// (and optionally reshuffles) the row order for the next epoch.
package generator

import (
	"image"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"lungseg/internal/models"
	"lungseg/pkg/augment"
	"lungseg/pkg/config"
)

// Channels is the depth of both the input and the target tensors.
const Channels = 3

// Provider is the contract between a batch source and the training loop.
type Provider interface {
	// BatchCount returns the number of full batches per epoch.
	BatchCount() int

	// GetBatch returns batch idx of the current epoch.
	GetBatch(idx int) (*models.Batch, error)

	// OnEpochEnd is called by the loop once every epoch is over.
	OnEpochEnd()
}

// Rows is the sample table the generator reads from.
type Rows interface {
	Len() int
	Row(i int) models.Sample
}

// Options holds the generator parameters. They are fixed at construction.
type Options struct {
	// Height and Width are the size every image and mask is resized to
	Height, Width int

	// BatchSize is the number of samples per batch
	BatchSize int

	// Shuffle permutes the row order at every OnEpochEnd
	Shuffle bool

	// Seed seeds the random source used for shuffling and augmentation.
	// 0 seeds from the clock.
	Seed int64

	// NormalizeTarget clamps the target to {0,1} (union of both lungs).
	// When false the combined mask is copied as is, so pixels marked by
	// both masks are 2.
	NormalizeTarget bool

	// Augment bounds the random augmentation
	Augment augment.Params
}

// OptionsFromConfig builds the options from the generator and augmentation
// sections of the configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Height:          cfg.Height(),
		Width:           cfg.Width(),
		BatchSize:       cfg.Generator.BatchSize,
		Shuffle:         cfg.Generator.Shuffle,
		Seed:            cfg.Generator.Seed,
		NormalizeTarget: cfg.Generator.NormalizeTarget,
		Augment:         augment.ParamsFromConfig(cfg),
	}
}

// Generator implements Provider over a sample table.
//
// GetBatch may be called from several goroutines at once. OnEpochEnd
// rewrites the row order and should only be called between epochs, once
// every fetch of the finished epoch has returned.
type Generator struct {
	rows Rows
	opts Options

	// muIndexes protects indexes.
	muIndexes sync.RWMutex
	indexes   []int

	// muRNG protects rng.
	muRNG sync.Mutex
	rng   *rand.Rand

	// draw picks the augmentation of one sample.
	draw func() models.Transform
}

var _ Provider = (*Generator)(nil)

// New creates a generator over rows. The row order starts as the
// identity; the first shuffle happens at the first OnEpochEnd.
func New(rows Rows, opts Options) (*Generator, error) {
	if rows == nil {
		return nil, errors.New("generator needs a sample table")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Height <= 0 || opts.Width <= 0 {
		return nil, errors.Errorf("image size must be positive, got %dx%d", opts.Height, opts.Width)
	}
	if opts.Augment.MaxRotation < 0 || opts.Augment.MaxBrightness < 0 {
		return nil, errors.Errorf("augmentation bounds must be non-negative, got %+v", opts.Augment)
	}
	if opts.Augment.FlipProbability < 0 || opts.Augment.FlipProbability > 100 {
		return nil, errors.Errorf("flip probability must be within [0, 100], got %d", opts.Augment.FlipProbability)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	g := &Generator{
		rows:    rows,
		opts:    opts,
		indexes: identity(rows.Len()),
		rng:     rand.New(rand.NewSource(seed)),
	}
	g.draw = g.drawTransform
	klog.V(1).Infof("Generator over %d samples: %d batches of %d, %dx%d, shuffle=%v",
		rows.Len(), g.BatchCount(), opts.BatchSize, opts.Height, opts.Width, opts.Shuffle)
	return g, nil
}

// NewFromConfig creates a generator with the options read from cfg.
func NewFromConfig(rows Rows, cfg *config.Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return New(rows, OptionsFromConfig(cfg))
}

// Options returns the options the generator was built with.
func (g *Generator) Options() Options {
	return g.opts
}

// BatchCount returns the number of full batches per epoch. The last
// Len % BatchSize rows of each epoch's order are not used.
func (g *Generator) BatchCount() int {
	return g.rows.Len() / g.opts.BatchSize
}

// Indexes returns a copy of the current row order.
func (g *Generator) Indexes() []int {
	g.muIndexes.RLock()
	defer g.muIndexes.RUnlock()
	return append([]int(nil), g.indexes...)
}

// batchRows returns the rows backing batch idx. It is shorter than the
// batch size, possibly empty, when idx goes past the end of the table.
func (g *Generator) batchRows(idx int) []int {
	g.muIndexes.RLock()
	defer g.muIndexes.RUnlock()

	start := idx * g.opts.BatchSize
	end := start + g.opts.BatchSize
	if start < 0 || start >= len(g.indexes) {
		return nil
	}
	if end > len(g.indexes) {
		end = len(g.indexes)
	}
	return append([]int(nil), g.indexes[start:end]...)
}

// GetBatch loads, augments and packs batch idx. Slot k holds the row at
// position idx*BatchSize+k of the current order.
//
// An idx past BatchCount is not an error: slots with no row behind them
// are left at zero. Failing to read or decode any file aborts the batch.
func (g *Generator) GetBatch(idx int) (*models.Batch, error) {
	rows := g.batchRows(idx)
	batch := &models.Batch{
		Input:  models.NewTensor(g.opts.BatchSize, g.opts.Height, g.opts.Width, Channels),
		Target: models.NewTensor(g.opts.BatchSize, g.opts.Height, g.opts.Width, Channels),
		Rows:   rows,
	}
	klog.V(1).Infof("Batch %d: rows %v", idx, rows)

	for slot, row := range rows {
		sample := g.rows.Row(row)
		img, mask, err := LoadSample(sample, g.opts.Width, g.opts.Height)
		if err != nil {
			return nil, errors.WithMessagef(err, "batch %d, row %d", idx, row)
		}

		t := g.draw()
		klog.V(2).Infof("Batch %d, row %d: %+v", idx, row, t)
		augImg, augMask := augment.Apply(img, mask, t)

		writeInput(batch.Input, slot, augImg)
		writeTarget(batch.Target, slot, augMask, g.opts.NormalizeTarget)
	}
	return batch, nil
}

// OnEpochEnd resets the row order to the identity and, if shuffling is
// enabled, permutes it.
func (g *Generator) OnEpochEnd() {
	g.muIndexes.Lock()
	defer g.muIndexes.Unlock()

	for i := range g.indexes {
		g.indexes[i] = i
	}
	if !g.opts.Shuffle {
		return
	}

	g.muRNG.Lock()
	defer g.muRNG.Unlock()
	g.rng.Shuffle(len(g.indexes), func(i, j int) {
		g.indexes[i], g.indexes[j] = g.indexes[j], g.indexes[i]
	})
	klog.V(1).Infof("Reshuffled %d rows", len(g.indexes))
}

func (g *Generator) drawTransform() models.Transform {
	g.muRNG.Lock()
	defer g.muRNG.Unlock()
	return g.opts.Augment.Draw(g.rng)
}

func identity(n int) []int {
	indexes := make([]int, n)
	for i := range indexes {
		indexes[i] = i
	}
	return indexes
}

// writeInput copies the color channels of img into slot b of t, scaled to [0,1].
func writeInput(t *models.Tensor, b int, img *image.NRGBA) {
	frame := t.Frame(b)
	copyChannels(frame, img, t.Shape[1], t.Shape[2], func(v uint8) float32 {
		return float32(v) / 255
	})
}

// writeTarget copies the mask classes into slot b of t.
func writeTarget(t *models.Tensor, b int, mask *image.NRGBA, binary bool) {
	frame := t.Frame(b)
	copyChannels(frame, mask, t.Shape[1], t.Shape[2], func(v uint8) float32 {
		if binary && v > 1 {
			return 1
		}
		return float32(v)
	})
}

func copyChannels(frame []float32, img *image.NRGBA, height, width int, conv func(uint8) float32) {
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			dst := (y*width + x) * Channels
			for c := 0; c < Channels; c++ {
				frame[dst+c] = conv(img.Pix[off+c])
			}
		}
	}
}
