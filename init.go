package gan

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// InitScheme Weight initialization scheme applied once to every weight tensor of a network
type InitScheme uint16

const (
	// InitNone No explicit scheme: engine default (Glorot uniform) is used
	InitNone = InitScheme(iota)
	// InitOrtho Orthogonal initialization (QR of a Gaussian matrix)
	InitOrtho
	// InitN02 Gaussian with zero mean and 0.02 standard deviation
	InitN02
	// InitGlorotNormal Glorot (Xavier) normal
	InitGlorotNormal
	// InitGlorotUniform Glorot (Xavier) uniform
	InitGlorotUniform
)

func (s InitScheme) String() string {
	switch s {
	case InitNone:
		return "none"
	case InitOrtho:
		return "ortho"
	case InitN02:
		return "N02"
	case InitGlorotNormal:
		return "glorot"
	case InitGlorotUniform:
		return "xavier"
	default:
		return fmt.Sprintf("InitScheme(%d)", uint16(s))
	}
}

func (s InitScheme) validate() error {
	if s > InitGlorotUniform {
		return fmt.Errorf("Weight initialization scheme '%s' is not supported", s)
	}
	return nil
}

// fn Maps scheme onto Gorgonia's init function
func (s InitScheme) fn() gorgonia.InitWFn {
	switch s {
	case InitOrtho:
		return Orthogonal(1.0)
	case InitN02:
		return gorgonia.Gaussian(0.0, 0.02)
	case InitGlorotNormal:
		return gorgonia.GlorotN(1.0)
	default:
		return gorgonia.GlorotU(1.0)
	}
}

// Orthogonal Returns init function filling a tensor with a (semi-)orthogonal matrix scaled by gain.
// Tensors with more than two dimensions are treated as (shape[0], rest) matrices, the convolutional convention.
// Gorgonia has no orthogonal initializer of its own, so the Q factor is computed with gonum.
func Orthogonal(gain float64) gorgonia.InitWFn {
	return func(dt tensor.Dtype, s ...int) interface{} {
		rows := s[0]
		cols := 1
		for _, v := range s[1:] {
			cols *= v
		}
		flat := orthogonalMatrix(rows, cols, gain)
		switch dt {
		case tensor.Float32:
			data := make([]float32, len(flat))
			for i := range flat {
				data[i] = float32(flat[i])
			}
			return data
		default:
			return flat
		}
	}
}

func orthogonalMatrix(rows, cols int, gain float64) []float64 {
	transposed := rows < cols
	r, c := rows, cols
	if transposed {
		r, c = cols, rows
	}
	gaussian := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			gaussian.Set(i, j, rand.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(gaussian)
	var q mat.Dense
	qr.QTo(&q)
	flat := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if transposed {
				flat[i*cols+j] = gain * q.At(j, i)
			} else {
				flat[i*cols+j] = gain * q.At(i, j)
			}
		}
	}
	return flat
}
