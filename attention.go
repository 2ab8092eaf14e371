package gan

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// SelfAttention Non-local block letting distant spatial positions of a feature map influence each other.
// Query/key projections work at channels/8, the value path at channels/2, and key/value
// resolutions are max-pooled down by 2 to keep the attention map small. A learnable
// gamma (zero at start) gates the residual, so a freshly built block is an identity.
type SelfAttention struct {
	theta *Conv2d
	phi   *Conv2d
	g     *Conv2d
	o     *Conv2d

	GammaNode *gorgonia.Node
}

// NewSelfAttention Constructs self-attention block for feature maps with provided channel count.
// Spectral normalization of the four projections follows the owning network's factory.
func NewSelfAttention(m *Modules, name string, channels int) *SelfAttention {
	var gamma *gorgonia.Node
	if m.dtype == tensor.Float32 {
		gamma = gorgonia.NewScalar(m.graph, m.dtype, gorgonia.WithName(m.nodeName(name, "gamma")), gorgonia.WithValue(float32(0.0)))
	} else {
		gamma = gorgonia.NewScalar(m.graph, m.dtype, gorgonia.WithName(m.nodeName(name, "gamma")), gorgonia.WithValue(0.0))
	}
	return &SelfAttention{
		theta:     m.Conv2d(name+"_theta", channels, channels/8, 1, 1, 0, false),
		phi:       m.Conv2d(name+"_phi", channels, channels/8, 1, 1, 0, false),
		g:         m.Conv2d(name+"_g", channels, channels/2, 1, 1, 0, false),
		o:         m.Conv2d(name+"_o", channels/2, channels, 1, 1, 0, false),
		GammaNode: gamma,
	}
}

// Fwd Mixes feature map spatially, keeping its shape
func (sa *SelfAttention) Fwd(x *gorgonia.Node) (*gorgonia.Node, error) {
	shp := x.Shape()
	batch, channels, height, width := shp[0], shp[1], shp[2], shp[3]
	locations := height * width

	theta, err := sa.theta.Fwd(x)
	if err != nil {
		return nil, errors.Wrap(err, "Can't project queries")
	}
	theta, err = gorgonia.Reshape(theta, tensor.Shape{batch, channels / 8, locations})
	if err != nil {
		return nil, errors.Wrap(err, "Can't flatten queries spatially")
	}

	phi, err := sa.phi.Fwd(x)
	if err != nil {
		return nil, errors.Wrap(err, "Can't project keys")
	}
	phi, err = gorgonia.MaxPool2D(phi, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	if err != nil {
		return nil, errors.Wrap(err, "Can't maxpool[2D] keys")
	}
	phi, err = gorgonia.Reshape(phi, tensor.Shape{batch, channels / 8, locations / 4})
	if err != nil {
		return nil, errors.Wrap(err, "Can't flatten keys spatially")
	}

	g, err := sa.g.Fwd(x)
	if err != nil {
		return nil, errors.Wrap(err, "Can't project values")
	}
	g, err = gorgonia.MaxPool2D(g, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	if err != nil {
		return nil, errors.Wrap(err, "Can't maxpool[2D] values")
	}
	g, err = gorgonia.Reshape(g, tensor.Shape{batch, channels / 2, locations / 4})
	if err != nil {
		return nil, errors.Wrap(err, "Can't flatten values spatially")
	}

	thetaT, err := gorgonia.Transpose(theta, 0, 2, 1)
	if err != nil {
		return nil, errors.Wrap(err, "Can't transpose queries")
	}
	attn, err := gorgonia.BatchedMatMul(thetaT, phi)
	if err != nil {
		return nil, errors.Wrap(err, "Can't multiply queries and keys")
	}
	attn, err = gorgonia.SoftMax(attn, 2)
	if err != nil {
		return nil, errors.Wrap(err, "Can't softmax attention map")
	}
	attnT, err := gorgonia.Transpose(attn, 0, 2, 1)
	if err != nil {
		return nil, errors.Wrap(err, "Can't transpose attention map")
	}
	mixed, err := gorgonia.BatchedMatMul(g, attnT)
	if err != nil {
		return nil, errors.Wrap(err, "Can't apply attention map to values")
	}
	mixed, err = gorgonia.Reshape(mixed, tensor.Shape{batch, channels / 2, height, width})
	if err != nil {
		return nil, errors.Wrap(err, "Can't restore spatial dims of mixed values")
	}
	out, err := sa.o.Fwd(mixed)
	if err != nil {
		return nil, errors.Wrap(err, "Can't project mixed values back")
	}
	out, err = gorgonia.Mul(out, sa.GammaNode)
	if err != nil {
		return nil, errors.Wrap(err, "Can't gate attention output by gamma")
	}
	out, err = gorgonia.Add(x, out)
	if err != nil {
		return nil, errors.Wrap(err, "Can't add attention residual")
	}
	return out, nil
}

// Learnables Returns learnable nodes
func (sa *SelfAttention) Learnables() gorgonia.Nodes {
	out := gorgonia.Nodes{sa.GammaNode}
	out = append(out, sa.theta.Learnables()...)
	out = append(out, sa.phi.Learnables()...)
	out = append(out, sa.g.Learnables()...)
	out = append(out, sa.o.Learnables()...)
	return out
}
