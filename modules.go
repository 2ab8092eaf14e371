package gan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Modules Factory for weight-bearing primitives of a single network.
// Both networks of the family are assembled from the same small set of primitives,
// the factory only fixes graph, element type, node name prefix, init scheme and
// whether weights are read through spectral normalization.
//
// graph - Gorgonia's graph all weight nodes are created on
// dtype - element type of every weight (see Config.Dtype)
// prefix - node name prefix ("generator"/"discriminator")
// spectralNorm - read weights through an in-graph spectral normalization
// initWFn - weight initialization function applied at node construction
// activation - default nonlinearity of the owning network
//
type Modules struct {
	graph        *gorgonia.ExprGraph
	dtype        tensor.Dtype
	prefix       string
	spectralNorm bool
	initWFn      gorgonia.InitWFn
	activation   ActivationFunc
}

// GeneratorModules Returns primitive factory for generator part.
// Spectral normalization never applies to the generator in this family.
func GeneratorModules(g *gorgonia.ExprGraph, cfg Config) *Modules {
	return &Modules{
		graph:      g,
		dtype:      cfg.Dtype(),
		prefix:     "generator",
		initWFn:    cfg.GenInit.fn(),
		activation: Rectify,
	}
}

// DiscriminatorModules Returns primitive factory for discriminator part
func DiscriminatorModules(g *gorgonia.ExprGraph, cfg Config) *Modules {
	return &Modules{
		graph:        g,
		dtype:        cfg.Dtype(),
		prefix:       "discriminator",
		spectralNorm: cfg.SpectralNorm,
		initWFn:      cfg.DiscInit.fn(),
		activation:   LeakyRectify(0.1),
	}
}

func (m *Modules) nodeName(name, role string) string {
	return fmt.Sprintf("%s_%s_%s", m.prefix, name, role)
}

// Linear Fully-connected primitive.
// Weight is stored as (out, in) and transposed on use, same as the rest of the repo.
type Linear struct {
	WeightNode *gorgonia.Node
	BiasNode   *gorgonia.Node

	spectralNorm  bool
	powerIterSeed *gorgonia.Node
}

// Linear Constructs fully-connected primitive with out x in weight and optional 1 x out bias
func (m *Modules) Linear(name string, in, out int, bias bool) *Linear {
	l := &Linear{
		WeightNode:   gorgonia.NewMatrix(m.graph, m.dtype, gorgonia.WithShape(out, in), gorgonia.WithName(m.nodeName(name, "w")), gorgonia.WithInit(m.initWFn)),
		spectralNorm: m.spectralNorm,
	}
	if bias {
		l.BiasNode = gorgonia.NewMatrix(m.graph, m.dtype, gorgonia.WithShape(1, out), gorgonia.WithName(m.nodeName(name, "b")), gorgonia.WithInit(gorgonia.Zeroes()))
	}
	if m.spectralNorm {
		l.powerIterSeed = gorgonia.NewMatrix(m.graph, m.dtype, gorgonia.WithShape(1, out), gorgonia.WithName(m.nodeName(name, "u")), gorgonia.WithInit(gorgonia.Gaussian(0.0, 1.0)))
	}
	return l
}

// Weight Returns the weight node as read at forward time:
// either the stored parameter or its spectrally normalized copy.
func (l *Linear) Weight() (*gorgonia.Node, error) {
	if !l.spectralNorm {
		return l.WeightNode, nil
	}
	return spectralNormWeight(l.WeightNode, l.powerIterSeed)
}

// Fwd Applies x*W^T (+ bias broadcasted over batch)
func (l *Linear) Fwd(x *gorgonia.Node) (*gorgonia.Node, error) {
	w, err := l.Weight()
	if err != nil {
		return nil, errors.Wrap(err, "Can't read linear weight")
	}
	tOp, err := gorgonia.Transpose(w)
	if err != nil {
		return nil, errors.Wrap(err, "Can't transpose linear weight")
	}
	out, err := gorgonia.Mul(x, tOp)
	if err != nil {
		return nil, errors.Wrap(err, "Can't multiply input and linear weight")
	}
	if l.BiasNode != nil {
		out, err = gorgonia.BroadcastAdd(out, l.BiasNode, nil, []byte{0})
		if err != nil {
			return nil, errors.Wrap(err, "Can't add bias to linear output")
		}
	}
	return out, nil
}

// Learnables Returns learnable nodes
func (l *Linear) Learnables() gorgonia.Nodes {
	out := gorgonia.Nodes{l.WeightNode}
	if l.BiasNode != nil {
		out = append(out, l.BiasNode)
	}
	return out
}

// Conv2d Convolutional primitive with square kernel
type Conv2d struct {
	WeightNode *gorgonia.Node
	BiasNode   *gorgonia.Node

	Kernel  int
	Stride  int
	Padding int

	spectralNorm  bool
	powerIterSeed *gorgonia.Node
}

// Conv2d Constructs convolutional primitive with (out, in, kernel, kernel) weight
func (m *Modules) Conv2d(name string, in, out, kernel, stride, padding int, bias bool) *Conv2d {
	c := &Conv2d{
		WeightNode:   gorgonia.NewTensor(m.graph, m.dtype, 4, gorgonia.WithShape(out, in, kernel, kernel), gorgonia.WithName(m.nodeName(name, "w")), gorgonia.WithInit(m.initWFn)),
		Kernel:       kernel,
		Stride:       stride,
		Padding:      padding,
		spectralNorm: m.spectralNorm,
	}
	if bias {
		c.BiasNode = gorgonia.NewTensor(m.graph, m.dtype, 4, gorgonia.WithShape(1, out, 1, 1), gorgonia.WithName(m.nodeName(name, "b")), gorgonia.WithInit(gorgonia.Zeroes()))
	}
	if m.spectralNorm {
		c.powerIterSeed = gorgonia.NewMatrix(m.graph, m.dtype, gorgonia.WithShape(1, out), gorgonia.WithName(m.nodeName(name, "u")), gorgonia.WithInit(gorgonia.Gaussian(0.0, 1.0)))
	}
	return c
}

// Fwd Convolves input by kernel (+ bias broadcasted over batch and spatial dims)
func (c *Conv2d) Fwd(x *gorgonia.Node) (*gorgonia.Node, error) {
	w := c.WeightNode
	if c.spectralNorm {
		shp := w.Shape()
		flat, err := gorgonia.Reshape(w, tensor.Shape{shp[0], shp[1] * shp[2] * shp[3]})
		if err != nil {
			return nil, errors.Wrap(err, "Can't flatten convolutional weight for spectral normalization")
		}
		flatSN, err := spectralNormWeight(flat, c.powerIterSeed)
		if err != nil {
			return nil, errors.Wrap(err, "Can't spectrally normalize convolutional weight")
		}
		w, err = gorgonia.Reshape(flatSN, shp)
		if err != nil {
			return nil, errors.Wrap(err, "Can't restore convolutional weight shape")
		}
	}
	out, err := gorgonia.Conv2d(x, w, tensor.Shape{c.Kernel, c.Kernel}, []int{c.Padding, c.Padding}, []int{c.Stride, c.Stride}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't convolve[2D] input by kernel")
	}
	if c.BiasNode != nil {
		out, err = gorgonia.BroadcastAdd(out, c.BiasNode, nil, []byte{0, 2, 3})
		if err != nil {
			return nil, errors.Wrap(err, "Can't add bias to convolution output")
		}
	}
	return out, nil
}

// Learnables Returns learnable nodes
func (c *Conv2d) Learnables() gorgonia.Nodes {
	out := gorgonia.Nodes{c.WeightNode}
	if c.BiasNode != nil {
		out = append(out, c.BiasNode)
	}
	return out
}

// Deconv2d Upsampling convolution.
// Gorgonia has no transposed convolution, so resolution doubling is done as
// nearest-neighbour Upsample2D followed by a stride-1 convolution with kernel-1
// (4,2,1 transposed convolution arguments become upsample x2 + 3x3 convolution, padding 1).
type Deconv2d struct {
	conv  *Conv2d
	scale int
}

// Deconv2d Constructs upsampling convolutional primitive.
// kernel/stride/padding follow the transposed-convolution convention of the caller.
func (m *Modules) Deconv2d(name string, in, out, kernel, stride, padding int) *Deconv2d {
	return &Deconv2d{
		conv:  m.Conv2d(name, in, out, kernel-1, 1, (kernel-2)/2, true),
		scale: stride,
	}
}

// Fwd Upsamples input spatially and convolves it
func (d *Deconv2d) Fwd(x *gorgonia.Node) (*gorgonia.Node, error) {
	up, err := gorgonia.Upsample2D(x, d.scale)
	if err != nil {
		return nil, errors.Wrap(err, "Can't upsample[2D] input")
	}
	return d.conv.Fwd(up)
}

// Learnables Returns learnable nodes
func (d *Deconv2d) Learnables() gorgonia.Nodes {
	return d.conv.Learnables()
}

// Embedding Class-indexed lookup table.
// Lookups stay inside the static graph: the label argument is a one-hot (batch, numClasses)
// node and the lookup is a matrix multiplication with the (numClasses, dim) table.
type Embedding struct {
	WeightNode *gorgonia.Node
}

// Embedding Constructs lookup table with (numClasses, dim) weight
func (m *Modules) Embedding(name string, numClasses, dim int) *Embedding {
	return &Embedding{
		WeightNode: gorgonia.NewMatrix(m.graph, m.dtype, gorgonia.WithShape(numClasses, dim), gorgonia.WithName(m.nodeName(name, "w")), gorgonia.WithInit(m.initWFn)),
	}
}

// Fwd Looks rows of the table up by one-hot encoded labels
func (e *Embedding) Fwd(oneHotLabel *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := gorgonia.Mul(oneHotLabel, e.WeightNode)
	if err != nil {
		return nil, errors.Wrap(err, "Can't look embedding up by one-hot labels")
	}
	return out, nil
}

// Learnables Returns learnable nodes
func (e *Embedding) Learnables() gorgonia.Nodes {
	return gorgonia.Nodes{e.WeightNode}
}

// spectralNormWeight Returns a spectrally normalized copy of a 2D weight.
// One power iteration from a fixed non-learnable seed vector estimates the largest
// singular value; the stored parameter is never mutated, the division produces a
// fresh node on every wiring.
func spectralNormWeight(w, u *gorgonia.Node) (*gorgonia.Node, error) {
	v, err := gorgonia.Mul(u, w)
	if err != nil {
		return nil, errors.Wrap(err, "Can't compute right singular direction")
	}
	v, err = l2NormalizeRows(v)
	if err != nil {
		return nil, errors.Wrap(err, "Can't normalize right singular direction")
	}
	wT, err := gorgonia.Transpose(w)
	if err != nil {
		return nil, errors.Wrap(err, "Can't transpose weight")
	}
	uNext, err := gorgonia.Mul(v, wT)
	if err != nil {
		return nil, errors.Wrap(err, "Can't compute left singular direction")
	}
	uNext, err = l2NormalizeRows(uNext)
	if err != nil {
		return nil, errors.Wrap(err, "Can't normalize left singular direction")
	}
	uW, err := gorgonia.Mul(uNext, w)
	if err != nil {
		return nil, errors.Wrap(err, "Can't project weight onto singular directions")
	}
	prod, err := gorgonia.HadamardProd(uW, v)
	if err != nil {
		return nil, errors.Wrap(err, "Can't compute singular value product")
	}
	sigma, err := gorgonia.Sum(prod)
	if err != nil {
		return nil, errors.Wrap(err, "Can't reduce singular value estimate")
	}
	wSN, err := gorgonia.Div(w, sigma)
	if err != nil {
		return nil, errors.Wrap(err, "Can't divide weight by spectral norm")
	}
	return wSN, nil
}

// l2NormalizeRows Returns a row-wise L2-normalized copy of a 2D node.
// A pure read: the argument is left untouched.
func l2NormalizeRows(x *gorgonia.Node) (*gorgonia.Node, error) {
	sq, err := gorgonia.Square(x)
	if err != nil {
		return nil, errors.Wrap(err, "Can't square input")
	}
	sum, err := gorgonia.Sum(sq, 1)
	if err != nil {
		return nil, errors.Wrap(err, "Can't reduce squared input over feature axis")
	}
	var eps *gorgonia.Node
	if x.Dtype() == tensor.Float32 {
		eps = gorgonia.NewConstant(float32(1e-12))
	} else {
		eps = gorgonia.NewConstant(1e-12)
	}
	sum, err = gorgonia.Add(sum, eps)
	if err != nil {
		return nil, errors.Wrap(err, "Can't stabilize squared norm")
	}
	norm, err := gorgonia.Sqrt(sum)
	if err != nil {
		return nil, errors.Wrap(err, "Can't compute L2 norm")
	}
	normCol, err := gorgonia.Reshape(norm, tensor.Shape{x.Shape()[0], 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape L2 norm for broadcasting")
	}
	out, err := gorgonia.BroadcastHadamardDiv(x, normCol, nil, []byte{1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't divide input by its L2 norm")
	}
	return out, nil
}
