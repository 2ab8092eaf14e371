package gan

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ActivationFunc Just an alias to Gorgonia'a api_gen.go - https://github.com/gorgonia/gorgonia/blob/master/api_gen.go#L1
type ActivationFunc func(a *gorgonia.Node) (*gorgonia.Node, error)

func NoActivation(a *gorgonia.Node) (*gorgonia.Node, error) { return a, nil }
func Tanh(a *gorgonia.Node) (*gorgonia.Node, error)         { return gorgonia.Tanh(a) }
func Sigmoid(a *gorgonia.Node) (*gorgonia.Node, error)      { return gorgonia.Sigmoid(a) }
func Rectify(a *gorgonia.Node) (*gorgonia.Node, error)      { return gorgonia.Rectify(a) }

// LeakyRectify Returns leaky ReLU activation with provided negative slope.
// Gorgonia v0.9 has no leaky ReLU op, so it is composed as relu(x) - alpha*relu(-x).
func LeakyRectify(alpha float64) ActivationFunc {
	return func(a *gorgonia.Node) (*gorgonia.Node, error) {
		pos, err := gorgonia.Rectify(a)
		if err != nil {
			return nil, err
		}
		neg, err := gorgonia.Neg(a)
		if err != nil {
			return nil, err
		}
		negPart, err := gorgonia.Rectify(neg)
		if err != nil {
			return nil, err
		}
		var slope *gorgonia.Node
		if a.Dtype() == tensor.Float32 {
			slope = gorgonia.NewConstant(float32(alpha))
		} else {
			slope = gorgonia.NewConstant(alpha)
		}
		scaled, err := gorgonia.Mul(negPart, slope)
		if err != nil {
			return nil, err
		}
		return gorgonia.Sub(pos, scaled)
	}
}
