package gan

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gorgonia.org/tensor"
)

// NormRandDense Return reference to tensor.Dense filled with normally distributed values
//
// batchSize - Simply batch size
// n - Number of elements in each batch
// Resulting dense will have batchSize*n elements
//
func NormRandDense(batchSize, n int, dt tensor.Dtype) *tensor.Dense {
	if dt == tensor.Float32 {
		data := make([]float32, batchSize*n)
		for i := range data {
			data[i] = float32(rand.NormFloat64())
		}
		return tensor.New(tensor.WithShape(batchSize, n), tensor.WithBacking(data))
	}
	data := make([]float64, batchSize*n)
	for i := range data {
		data[i] = rand.NormFloat64()
	}
	return tensor.New(tensor.WithShape(batchSize, n), tensor.WithBacking(data))
}

// UniformRandDense Return reference to tensor.Dense filled with pseudo-random values in range [0.0,1.0)
//
// batchSize - Simply batch size
// n - Number of elements in each batch
// Resulting dense will have batchSize*n elements
//
func UniformRandDense(batchSize, n int, dt tensor.Dtype) *tensor.Dense {
	if dt == tensor.Float32 {
		data := make([]float32, batchSize*n)
		for i := range data {
			data[i] = rand.Float32()
		}
		return tensor.New(tensor.WithShape(batchSize, n), tensor.WithBacking(data))
	}
	data := make([]float64, batchSize*n)
	for i := range data {
		data[i] = rand.Float64()
	}
	return tensor.New(tensor.WithShape(batchSize, n), tensor.WithBacking(data))
}

// OneHotDense Return reference to (len(labels), numClasses) tensor.Dense with one-hot encoded labels
func OneHotDense(labels []int, numClasses int, dt tensor.Dtype) (*tensor.Dense, error) {
	for i, label := range labels {
		if label < 0 || label >= numClasses {
			return nil, fmt.Errorf("Label #%d is %d, but must be in range [0;%d)", i, label, numClasses)
		}
	}
	if dt == tensor.Float32 {
		data := make([]float32, len(labels)*numClasses)
		for i, label := range labels {
			data[i*numClasses+label] = 1
		}
		return tensor.New(tensor.WithShape(len(labels), numClasses), tensor.WithBacking(data)), nil
	}
	data := make([]float64, len(labels)*numClasses)
	for i, label := range labels {
		data[i*numClasses+label] = 1
	}
	return tensor.New(tensor.WithShape(len(labels), numClasses), tensor.WithBacking(data)), nil
}

// RandLabels Return slice of random class indices in range [0;numClasses)
func RandLabels(batchSize, numClasses int) []int {
	labels := make([]int, batchSize)
	for i := range labels {
		labels[i] = rand.Intn(numClasses)
	}
	return labels
}

// RecodeLabelsADC Return integer view of the ADC label recoding:
// class index l becomes 2*l for real samples and 2*l+1 for fake ones.
// Matches the recoded one-hot labels a discriminator under ADC returns in its output bundle.
func RecodeLabelsADC(labels []int, fake bool) []int {
	offset := 0
	if fake {
		offset = 1
	}
	recoded := make([]int, len(labels))
	for i, label := range labels {
		recoded[i] = 2*label + offset
	}
	return recoded
}

// featureGrid Adapts a 2D tensor to gonum's heatmap grid
type featureGrid struct {
	t tensor.Tensor
}

func (f featureGrid) Dims() (int, int) {
	shp := f.t.Shape()
	return shp[1], shp[0]
}

func (f featureGrid) Z(c, r int) float64 {
	v, err := f.t.At(r, c)
	if err != nil {
		return 0
	}
	switch value := v.(type) {
	case float64:
		return value
	case float32:
		return float64(value)
	default:
		return 0
	}
}

func (f featureGrid) X(c int) float64 { return float64(c) }
func (f featureGrid) Y(r int) float64 { return float64(r) }

// PlotFeatureMap Plot heatmap for a single (height, width) feature map or image channel
func PlotFeatureMap(fm tensor.Tensor, fname string) error {
	if fm.Dims() != 2 {
		return fmt.Errorf("Feature map must have two dimensions, but got %d", fm.Dims())
	}
	pal := moreland.SmoothBlueRed().Palette(255)
	heatmap := plotter.NewHeatMap(featureGrid{t: fm}, pal)
	p := plot.New()
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Y"
	p.Add(heatmap)
	// Save the plot to a PNG file.
	if err := p.Save(4*vg.Inch, 4*vg.Inch, fname); err != nil {
		return errors.Wrap(err, "Can't save plot")
	}
	return nil
}
