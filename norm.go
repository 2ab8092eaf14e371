package gan

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// BatchNorm Batch normalization over the channel axis of a (batch, channel, height, width) feature map.
// The underlying op is kept so eval mode can switch it to running statistics.
type BatchNorm struct {
	ScaleNode *gorgonia.Node
	BiasNode  *gorgonia.Node

	momentum  float64
	epsilon   float64
	learnable bool
	op        *gorgonia.BatchNormOp
}

// BatchNorm Constructs batch normalization with learnable affine parameters
func (m *Modules) BatchNorm(name string, features int) *BatchNorm {
	bn := m.unitBatchNorm(name, features)
	bn.learnable = true
	return bn
}

// unitBatchNorm Constructs batch normalization whose affine parameters stay at identity.
// Used as the base of class-conditional normalization, where the affine part comes from label lookups.
func (m *Modules) unitBatchNorm(name string, features int) *BatchNorm {
	return &BatchNorm{
		ScaleNode: gorgonia.NewTensor(m.graph, m.dtype, 4, gorgonia.WithShape(1, features, 1, 1), gorgonia.WithName(m.nodeName(name, "scale")), gorgonia.WithInit(gorgonia.Ones())),
		BiasNode:  gorgonia.NewTensor(m.graph, m.dtype, 4, gorgonia.WithShape(1, features, 1, 1), gorgonia.WithName(m.nodeName(name, "bias")), gorgonia.WithInit(gorgonia.Zeroes())),
		momentum:  0.1,
		epsilon:   1e-5,
	}
}

// Fwd Normalizes feature map keeping its shape
func (b *BatchNorm) Fwd(x *gorgonia.Node) (*gorgonia.Node, error) {
	out, _, _, op, err := gorgonia.BatchNorm(x, b.ScaleNode, b.BiasNode, b.momentum, b.epsilon)
	if err != nil {
		return nil, errors.Wrap(err, "Can't batch-normalize feature map")
	}
	b.op = op
	return out, nil
}

// SetTesting Switches the op to running statistics (eval mode)
func (b *BatchNorm) SetTesting() {
	if b.op != nil {
		b.op.SetTesting()
	}
}

// SetTraining Switches the op back to batch statistics
func (b *BatchNorm) SetTraining() {
	if b.op != nil {
		b.op.SetTraining()
	}
}

// Learnables Returns learnable nodes
func (b *BatchNorm) Learnables() gorgonia.Nodes {
	if !b.learnable {
		return nil
	}
	return gorgonia.Nodes{b.ScaleNode, b.BiasNode}
}

// CondBatchNorm Class-conditional batch normalization:
// the feature map is normalized with identity affine parameters, then scaled and
// shifted with per-class values looked up by label:
// out = normalized * (1 + gain(label)) + bias(label), broadcast over spatial dims.
type CondBatchNorm struct {
	bn   *BatchNorm
	Gain *Embedding
	Bias *Embedding
}

// CondBatchNorm Constructs class-conditional batch normalization with (numClasses, features) lookup tables
func (m *Modules) CondBatchNorm(name string, numClasses, features int) *CondBatchNorm {
	return &CondBatchNorm{
		bn:   m.unitBatchNorm(name, features),
		Gain: m.Embedding(name+"_gain", numClasses, features),
		Bias: m.Embedding(name+"_bias", numClasses, features),
	}
}

// Fwd Normalizes feature map and applies per-class affine transform.
// oneHotLabel must be a (batch, numClasses) one-hot node.
func (cb *CondBatchNorm) Fwd(x, oneHotLabel *gorgonia.Node) (*gorgonia.Node, error) {
	n, err := cb.bn.Fwd(x)
	if err != nil {
		return nil, err
	}
	gain, err := cb.Gain.Fwd(oneHotLabel)
	if err != nil {
		return nil, errors.Wrap(err, "Can't look class gains up")
	}
	bias, err := cb.Bias.Fwd(oneHotLabel)
	if err != nil {
		return nil, errors.Wrap(err, "Can't look class biases up")
	}
	batch, channels := x.Shape()[0], x.Shape()[1]
	gain4, err := gorgonia.Reshape(gain, tensor.Shape{batch, channels, 1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape class gains for broadcasting")
	}
	bias4, err := gorgonia.Reshape(bias, tensor.Shape{batch, channels, 1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape class biases for broadcasting")
	}
	scaled, err := gorgonia.BroadcastHadamardProd(n, gain4, nil, []byte{2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "Can't scale normalized feature map by class gains")
	}
	out, err := gorgonia.Add(n, scaled)
	if err != nil {
		return nil, errors.Wrap(err, "Can't combine normalized feature map with scaled one")
	}
	out, err = gorgonia.BroadcastAdd(out, bias4, nil, []byte{2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "Can't shift feature map by class biases")
	}
	return out, nil
}

// SetTesting Switches the base normalization to running statistics
func (cb *CondBatchNorm) SetTesting() { cb.bn.SetTesting() }

// SetTraining Switches the base normalization back to batch statistics
func (cb *CondBatchNorm) SetTraining() { cb.bn.SetTraining() }

// Learnables Returns learnable nodes
func (cb *CondBatchNorm) Learnables() gorgonia.Nodes {
	out := gorgonia.Nodes{}
	out = append(out, cb.Gain.Learnables()...)
	out = append(out, cb.Bias.Learnables()...)
	return out
}
