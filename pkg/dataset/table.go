// Package dataset reads the table of X-ray images and lung masks that the
// batch generator draws from.
package dataset

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"lungseg/internal/models"
)

// Column names of the sample table.
const (
	ColImage     = "image_path"
	ColRightMask = "right_lung_mask_path"
	ColLeftMask  = "left_lung_mask_path"
)

// Columns lists the columns every table must carry.
var Columns = []string{ColImage, ColRightMask, ColLeftMask}

// Table is an immutable, ordered list of samples.
type Table struct {
	df      dataframe.DataFrame
	samples []models.Sample
}

// ReadCSV reads a sample table. Extra columns are ignored. Relative paths
// are joined to baseDir when baseDir is not empty.
func ReadCSV(r io.Reader, baseDir string) (*Table, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "failed to parse sample table")
	}

	present := make(map[string]bool)
	for _, name := range df.Names() {
		present[name] = true
	}
	for _, name := range Columns {
		if !present[name] {
			return nil, errors.Errorf("sample table has no %q column (columns: %v)", name, df.Names())
		}
	}

	images := df.Col(ColImage).Records()
	rights := df.Col(ColRightMask).Records()
	lefts := df.Col(ColLeftMask).Records()
	samples := make([]models.Sample, len(images))
	for i := range samples {
		samples[i] = models.Sample{
			ImagePath:     resolve(baseDir, images[i]),
			RightMaskPath: resolve(baseDir, rights[i]),
			LeftMaskPath:  resolve(baseDir, lefts[i]),
		}
	}
	return FromSamples(samples), nil
}

// LoadCSV opens path and reads it with ReadCSV.
func LoadCSV(path, baseDir string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sample table")
	}
	defer f.Close()

	t, err := ReadCSV(f, baseDir)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	klog.V(1).Infof("Loaded %d samples from %s", t.Len(), path)
	return t, nil
}

// FromSamples builds a table from rows already in memory.
func FromSamples(samples []models.Sample) *Table {
	images := make([]string, len(samples))
	rights := make([]string, len(samples))
	lefts := make([]string, len(samples))
	for i, s := range samples {
		images[i] = s.ImagePath
		rights[i] = s.RightMaskPath
		lefts[i] = s.LeftMaskPath
	}
	df := dataframe.New(
		series.New(images, series.String, ColImage),
		series.New(rights, series.String, ColRightMask),
		series.New(lefts, series.String, ColLeftMask),
	)
	return &Table{
		df:      df,
		samples: append([]models.Sample(nil), samples...),
	}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.samples)
}

// Row returns row i.
func (t *Table) Row(i int) models.Sample {
	return t.samples[i]
}

// DataFrame returns the table as a dataframe, for inspection and export.
func (t *Table) DataFrame() dataframe.DataFrame {
	return t.df.Copy()
}

// Subset returns a table holding the given rows, in the given order.
func (t *Table) Subset(rows []int) *Table {
	if len(rows) == 0 {
		return FromSamples(nil)
	}
	samples := make([]models.Sample, len(rows))
	for i, r := range rows {
		samples[i] = t.samples[r]
	}
	return &Table{
		df:      t.df.Subset(rows),
		samples: samples,
	}
}

// Split shuffles the rows with the given seed and holds out
// round(fraction*Len) of them for validation. Both halves keep the
// table's original relative order.
func (t *Table) Split(fraction float64, seed int64) (train, validation *Table, err error) {
	if fraction < 0 || fraction >= 1 {
		return nil, nil, errors.Errorf("validation fraction must be within [0, 1), got %g", fraction)
	}
	n := t.Len()
	numValidation := int(fraction*float64(n) + 0.5)

	rng := rand.New(rand.NewSource(seed))
	held := make([]bool, n)
	for _, r := range rng.Perm(n)[:numValidation] {
		held[r] = true
	}
	var trainRows, validationRows []int
	for r := 0; r < n; r++ {
		if held[r] {
			validationRows = append(validationRows, r)
		} else {
			trainRows = append(trainRows, r)
		}
	}
	return t.Subset(trainRows), t.Subset(validationRows), nil
}

func resolve(baseDir, path string) string {
	if baseDir == "" || path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
