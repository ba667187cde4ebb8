package generator

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"lungseg/internal/models"
)

// Summary describes the value distribution of a tensor.
type Summary struct {
	Mean, StdDev float64
	Min, Max     float64
}

func (s Summary) String() string {
	return fmt.Sprintf("mean=%.4f std=%.4f min=%.4f max=%.4f", s.Mean, s.StdDev, s.Min, s.Max)
}

// Stats summarizes the values of t. An empty tensor gives a zero Summary.
func Stats(t *models.Tensor) Summary {
	if t.Len() == 0 {
		return Summary{}
	}
	values := make([]float64, t.Len())
	for i, v := range t.Data {
		values[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(values, nil)
	return Summary{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(values),
		Max:    floats.Max(values),
	}
}

// ClassCounts counts the pixels of each class in a target tensor, looking
// at the first channel only. Keys are the rounded pixel values.
func ClassCounts(target *models.Tensor) map[int]int {
	counts := make(map[int]int)
	for i := 0; i < target.Len(); i += target.Shape[3] {
		counts[int(target.Data[i]+0.5)]++
	}
	return counts
}
