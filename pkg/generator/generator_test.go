package generator

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lungseg/internal/models"
	"lungseg/pkg/augment"
	"lungseg/pkg/config"
	"lungseg/pkg/dataset"
)

const (
	testWidth  = 8
	testHeight = 8
)

// rowValue is the gray level of every pixel of row i's image.
func rowValue(i int) uint8 {
	return uint8(20 * (i + 1))
}

// writeGray saves a w x h grayscale PNG where fn gives each pixel.
func writeGray(t *testing.T, path string, w, h int, fn func(x, y int) uint8) {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: fn(x, y)})
		}
	}
	must.M(imaging.Save(img, path))
}

// rightLung marks columns [0, w/2] and leftLung columns [w/2-1, w), so the
// two middle columns overlap.
func rightLung(w int) func(x, y int) uint8 {
	return func(x, y int) uint8 {
		if x <= w/2 {
			return 255
		}
		return 0
	}
}

func leftLung(w int) func(x, y int) uint8 {
	return func(x, y int) uint8 {
		if x >= w/2-1 {
			return 255
		}
		return 0
	}
}

// writeTable creates n samples of size w x h in dir.
func writeTable(t *testing.T, dir string, n, w, h int) *dataset.Table {
	samples := make([]models.Sample, n)
	for i := range samples {
		s := models.Sample{
			ImagePath:     filepath.Join(dir, fmt.Sprintf("img_%02d.png", i)),
			RightMaskPath: filepath.Join(dir, fmt.Sprintf("right_%02d.png", i)),
			LeftMaskPath:  filepath.Join(dir, fmt.Sprintf("left_%02d.png", i)),
		}
		v := rowValue(i)
		writeGray(t, s.ImagePath, w, h, func(x, y int) uint8 { return v })
		writeGray(t, s.RightMaskPath, w, h, rightLung(w))
		writeGray(t, s.LeftMaskPath, w, h, leftLung(w))
		samples[i] = s
	}
	return dataset.FromSamples(samples)
}

func testOptions(batchSize int) Options {
	return Options{
		Height:    testHeight,
		Width:     testWidth,
		BatchSize: batchSize,
		Seed:      1,
		Augment:   augment.Params{MaxRotation: 0, MaxBrightness: 1, FlipProbability: 0},
	}
}

// withoutAugmentation makes every sample use the identity transform.
func withoutAugmentation(g *Generator) *Generator {
	g.draw = augment.Identity
	return g
}

func TestBatchCount(t *testing.T) {
	tests := []struct{ rows, batchSize, want int }{
		{0, 2, 0},
		{1, 2, 0},
		{5, 2, 2},
		{6, 2, 3},
		{10, 3, 3},
		{7, 7, 1},
		{7, 1, 7},
	}
	for _, tt := range tests {
		samples := make([]models.Sample, tt.rows)
		g, err := New(dataset.FromSamples(samples), testOptions(tt.batchSize))
		require.NoError(t, err)
		assert.Equalf(t, tt.want, g.BatchCount(), "%d rows, batch size %d", tt.rows, tt.batchSize)
	}
}

func TestNewInvalidOptions(t *testing.T) {
	table := dataset.FromSamples(make([]models.Sample, 3))

	opts := testOptions(0)
	_, err := New(table, opts)
	assert.Error(t, err)

	opts = testOptions(2)
	opts.Width = 0
	_, err = New(table, opts)
	assert.Error(t, err)

	opts = testOptions(2)
	opts.Augment.MaxBrightness = -1
	_, err = New(table, opts)
	assert.Error(t, err)

	for _, p := range []int{-1, 101, 150} {
		opts = testOptions(2)
		opts.Augment.FlipProbability = p
		_, err = New(table, opts)
		assert.Errorf(t, err, "flip probability %d", p)
	}
	opts = testOptions(2)
	opts.Augment.FlipProbability = 100
	_, err = New(table, opts)
	assert.NoError(t, err)

	_, err = New(nil, testOptions(2))
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Generator.ImgSize = []int{32, 24}
	cfg.Generator.BatchSize = 3
	cfg.Generator.Shuffle = false
	cfg.Augmentation.MaxRotation = 5
	cfg.Augmentation.FlipProbability = 20
	cfg.Augmentation.MaxBrightness = 1.2

	g, err := NewFromConfig(dataset.FromSamples(make([]models.Sample, 7)), cfg)
	require.NoError(t, err)
	opts := g.Options()
	assert.Equal(t, 32, opts.Height)
	assert.Equal(t, 24, opts.Width)
	assert.Equal(t, 3, opts.BatchSize)
	assert.False(t, opts.Shuffle)
	assert.Equal(t, augment.Params{MaxRotation: 5, MaxBrightness: 1.2, FlipProbability: 20}, opts.Augment)
	assert.Equal(t, 2, g.BatchCount())

	cfg.Generator.BatchSize = 0
	_, err = NewFromConfig(dataset.FromSamples(nil), cfg)
	assert.Error(t, err)
}

func TestGetBatchEndToEnd(t *testing.T) {
	table := writeTable(t, t.TempDir(), 5, testWidth, testHeight)
	g, err := New(table, testOptions(2))
	require.NoError(t, err)
	withoutAugmentation(g)
	require.Equal(t, 2, g.BatchCount())

	fetched := make(map[int]bool)
	for idx := 0; idx < g.BatchCount(); idx++ {
		batch, err := g.GetBatch(idx)
		require.NoError(t, err)
		assert.Equal(t, [4]int{2, testHeight, testWidth, 3}, batch.Input.Shape)
		assert.Equal(t, [4]int{2, testHeight, testWidth, 3}, batch.Target.Shape)
		require.Len(t, batch.Rows, 2)

		for slot, row := range batch.Rows {
			fetched[row] = true
			want := float32(rowValue(row)) / 255
			for c := 0; c < 3; c++ {
				assert.InDelta(t, want, batch.Input.At(slot, 3, 3, c), 1e-6)
			}
			// Right-only, overlap and left-only columns.
			assert.Equal(t, float32(1), batch.Target.At(slot, 0, 0, 0))
			assert.Equal(t, float32(2), batch.Target.At(slot, 0, testWidth/2-1, 1))
			assert.Equal(t, float32(2), batch.Target.At(slot, 0, testWidth/2, 2))
			assert.Equal(t, float32(1), batch.Target.At(slot, 7, testWidth-1, 0))
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true, 3: true}, fetched)
	assert.False(t, fetched[4], "the row left over by the last full batch is never used")
}

func TestGetBatchValueRanges(t *testing.T) {
	table := writeTable(t, t.TempDir(), 4, testWidth, testHeight)
	opts := testOptions(4)
	opts.Augment = augment.Params{MaxRotation: 30, MaxBrightness: 1, FlipProbability: 50}
	g, err := New(table, opts)
	require.NoError(t, err)

	for epoch := 0; epoch < 3; epoch++ {
		batch, err := g.GetBatch(0)
		require.NoError(t, err)
		for _, v := range batch.Input.Data {
			require.GreaterOrEqual(t, v, float32(0))
			require.LessOrEqual(t, v, float32(1))
		}
		for _, v := range batch.Target.Data {
			require.Contains(t, []float32{0, 1, 2}, v)
		}
		g.OnEpochEnd()
	}
}

func TestGetBatchNormalizeTarget(t *testing.T) {
	table := writeTable(t, t.TempDir(), 2, testWidth, testHeight)
	opts := testOptions(2)
	opts.NormalizeTarget = true
	g, err := New(table, opts)
	require.NoError(t, err)
	withoutAugmentation(g)

	batch, err := g.GetBatch(0)
	require.NoError(t, err)
	assert.Equal(t, float32(1), batch.Target.At(0, 0, testWidth/2, 0))
	assert.Equal(t, map[int]int{1: 2 * testWidth * testHeight}, ClassCounts(batch.Target))
}

func TestGetBatchResizes(t *testing.T) {
	table := writeTable(t, t.TempDir(), 2, 2*testWidth, 3*testHeight)
	g, err := New(table, testOptions(2))
	require.NoError(t, err)
	withoutAugmentation(g)

	batch, err := g.GetBatch(0)
	require.NoError(t, err)
	assert.Equal(t, [4]int{2, testHeight, testWidth, 3}, batch.Input.Shape)
	assert.InDelta(t, float32(rowValue(1))/255, batch.Input.At(1, 0, 0, 0), 1e-6)
	// Nearest neighbour keeps mask classes intact.
	for _, v := range batch.Target.Data {
		require.Contains(t, []float32{0, 1, 2}, v)
	}
}

func TestGetBatchOutOfRange(t *testing.T) {
	table := writeTable(t, t.TempDir(), 3, testWidth, testHeight)
	g, err := New(table, testOptions(2))
	require.NoError(t, err)
	withoutAugmentation(g)

	// The trailing partial batch is zero-padded.
	batch, err := g.GetBatch(1)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, batch.Rows)
	assert.NotZero(t, batch.Input.At(0, 0, 0, 0))
	for _, v := range batch.Input.Frame(1) {
		require.Zero(t, v)
	}

	for _, idx := range []int{2, 10, -1} {
		batch, err = g.GetBatch(idx)
		require.NoError(t, err)
		assert.Empty(t, batch.Rows)
		assert.Equal(t, Summary{}, Stats(batch.Input))
	}
}

func TestGetBatchMissingFile(t *testing.T) {
	dir := t.TempDir()
	table := writeTable(t, dir, 2, testWidth, testHeight)
	require.NoError(t, os.Remove(table.Row(1).LeftMaskPath))

	g, err := New(table, testOptions(2))
	require.NoError(t, err)
	_, err = g.GetBatch(0)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)), "unexpected error %v", err)
	assert.Contains(t, err.Error(), "row 1")
}

func TestGetBatchCorruptFile(t *testing.T) {
	dir := t.TempDir()
	table := writeTable(t, dir, 2, testWidth, testHeight)
	require.NoError(t, os.WriteFile(table.Row(0).ImagePath, []byte("not an image"), 0644))

	g, err := New(table, testOptions(2))
	require.NoError(t, err)
	_, err = g.GetBatch(0)
	assert.Error(t, err)
}

func TestOnEpochEndShuffle(t *testing.T) {
	const n = 20
	g, err := New(dataset.FromSamples(make([]models.Sample, n)), Options{
		Height: 1, Width: 1, BatchSize: 4, Shuffle: true, Seed: 11,
	})
	require.NoError(t, err)

	identity := make([]int, n)
	for i := range identity {
		identity[i] = i
	}
	assert.Equal(t, identity, g.Indexes(), "order starts as the identity")

	g.OnEpochEnd()
	first := g.Indexes()
	assert.NotEqual(t, identity, first)
	sorted := append([]int(nil), first...)
	sort.Ints(sorted)
	assert.Equal(t, identity, sorted, "shuffled order is a permutation")

	g.OnEpochEnd()
	assert.NotEqual(t, first, g.Indexes())

	// Same seed, same sequence of orders.
	other, err := New(dataset.FromSamples(make([]models.Sample, n)), g.Options())
	require.NoError(t, err)
	other.OnEpochEnd()
	assert.Equal(t, first, other.Indexes())
}

func TestOnEpochEndNoShuffle(t *testing.T) {
	g, err := New(dataset.FromSamples(make([]models.Sample, 12)), testOptions(5))
	require.NoError(t, err)
	want := g.Indexes()
	for i := 0; i < 3; i++ {
		g.OnEpochEnd()
		assert.Equal(t, want, g.Indexes())
	}
}

func TestGetBatchFollowsShuffledOrder(t *testing.T) {
	table := writeTable(t, t.TempDir(), 6, testWidth, testHeight)
	opts := testOptions(3)
	opts.Shuffle = true
	opts.Seed = 5
	g, err := New(table, opts)
	require.NoError(t, err)
	withoutAugmentation(g)
	g.OnEpochEnd()

	order := g.Indexes()
	for idx := 0; idx < g.BatchCount(); idx++ {
		batch, err := g.GetBatch(idx)
		require.NoError(t, err)
		assert.Equal(t, order[idx*3:idx*3+3], batch.Rows)
		for slot, row := range batch.Rows {
			assert.InDelta(t, float32(rowValue(row))/255, batch.Input.At(slot, 1, 1, 0), 1e-6)
		}
	}
}

func TestGetBatchConcurrent(t *testing.T) {
	table := writeTable(t, t.TempDir(), 8, testWidth, testHeight)
	opts := testOptions(2)
	opts.Augment = augment.Params{MaxRotation: 10, MaxBrightness: 1.5, FlipProbability: 50}
	g, err := New(table, opts)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, g.BatchCount())
	for idx := 0; idx < g.BatchCount(); idx++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = g.GetBatch(idx)
		}(idx)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestCombineMasks(t *testing.T) {
	w, h := 6, 2
	right := imaging.New(w, h, color.Black)
	left := imaging.New(w, h, color.Black)
	for y := 0; y < h; y++ {
		for x := 0; x < 4; x++ {
			right.Set(x, y, color.White)
		}
		for x := 2; x < w; x++ {
			left.Set(x, y, color.White)
		}
	}

	combined, err := CombineMasks(right, left)
	require.NoError(t, err)
	want := []uint8{1, 1, 2, 2, 1, 1}
	for x, v := range want {
		assert.Equalf(t, color.NRGBA{R: v, G: v, B: v, A: 255}, combined.NRGBAAt(x, 1), "x=%d", x)
	}

	swapped, err := CombineMasks(left, right)
	require.NoError(t, err)
	assert.Equal(t, combined.Pix, swapped.Pix, "combination is commutative")

	empty, err := CombineMasks(imaging.New(w, h, color.Black), imaging.New(w, h, color.Black))
	require.NoError(t, err)
	for x := 0; x < w; x++ {
		assert.Equal(t, uint8(0), empty.NRGBAAt(x, 0).R)
	}
}

func TestCombineMasksTruncates(t *testing.T) {
	gray := func(v uint8) image.Image {
		return imaging.New(1, 1, color.NRGBA{R: v, G: v, B: v, A: 255})
	}
	tests := []struct {
		right, left uint8
		want        uint8
	}{
		{127, 127, 0},
		{128, 128, 1},
		{255, 0, 1},
		{0, 255, 1},
		{255, 254, 1},
		{255, 255, 2},
	}
	for _, tt := range tests {
		out, err := CombineMasks(gray(tt.right), gray(tt.left))
		require.NoError(t, err)
		assert.Equalf(t, tt.want, out.Pix[0], "%d + %d", tt.right, tt.left)
	}
}

func TestCombineMasksSizeMismatch(t *testing.T) {
	_, err := CombineMasks(imaging.New(3, 3, color.Black), imaging.New(3, 4, color.Black))
	assert.Error(t, err)
}

func TestLoadImageMissing(t *testing.T) {
	_, err := LoadImage(filepath.Join(t.TempDir(), "nope.png"), 4, 4)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
}

func TestStats(t *testing.T) {
	tensor := models.NewTensor(1, 1, 2, 2)
	copy(tensor.Data, []float32{0, 0.5, 0.5, 1})
	s := Stats(tensor)
	assert.InDelta(t, 0.5, s.Mean, 1e-9)
	assert.InDelta(t, 0.408248, s.StdDev, 1e-5)
	assert.Equal(t, 0.0, s.Min)
	assert.Equal(t, 1.0, s.Max)
	assert.Contains(t, s.String(), "mean=0.5000")

	assert.Equal(t, Summary{}, Stats(&models.Tensor{}))
}

func TestClassCounts(t *testing.T) {
	target := models.NewTensor(1, 1, 3, 3)
	copy(target.Data, []float32{0, 0, 0, 1, 1, 1, 2, 2, 2})
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1}, ClassCounts(target))
}
