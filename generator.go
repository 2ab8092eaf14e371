package gan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// GenBlock One upsampling stage of the generator:
// deconvolution doubling spatial resolution, conditional normalization, activation
type GenBlock struct {
	deconv     *Deconv2d
	condMtd    GenCondMethod
	bn         *BatchNorm
	cbn        *CondBatchNorm
	activation ActivationFunc
}

// NewGenBlock Constructs one generator stage for provided channel widths.
// Unknown conditioning method is rejected here, never at forward time.
func NewGenBlock(m *Modules, name string, in, out int, condMtd GenCondMethod, numClasses int) (*GenBlock, error) {
	block := &GenBlock{
		deconv:     m.Deconv2d(name+"_deconv", in, out, 4, 2, 1),
		condMtd:    condMtd,
		activation: m.activation,
	}
	switch condMtd {
	case GenCondNone:
		block.bn = m.BatchNorm(name+"_bn", out)
	case GenCondBN:
		block.cbn = m.CondBatchNorm(name+"_bn", numClasses, out)
	default:
		return nil, fmt.Errorf("Generator conditioning method '%s' is not handled", condMtd)
	}
	return block, nil
}

// Fwd Upsamples, normalizes (consuming one-hot labels under cBN) and activates feature map
func (b *GenBlock) Fwd(x, oneHotLabel *gorgonia.Node) (*gorgonia.Node, error) {
	act, err := b.deconv.Fwd(x)
	if err != nil {
		return nil, errors.Wrap(err, "Can't upsample feature map")
	}
	switch b.condMtd {
	case GenCondNone:
		act, err = b.bn.Fwd(act)
	case GenCondBN:
		act, err = b.cbn.Fwd(act, oneHotLabel)
	}
	if err != nil {
		return nil, errors.Wrap(err, "Can't normalize feature map")
	}
	return b.activation(act)
}

func (b *GenBlock) setTesting() {
	if b.bn != nil {
		b.bn.SetTesting()
	}
	if b.cbn != nil {
		b.cbn.SetTesting()
	}
}

// Learnables Returns learnable nodes
func (b *GenBlock) Learnables() gorgonia.Nodes {
	out := b.deconv.Learnables()
	if b.bn != nil {
		out = append(out, b.bn.Learnables()...)
	}
	if b.cbn != nil {
		out = append(out, b.cbn.Learnables()...)
	}
	return out
}

// GenStage One entry of the generator's stage sequence.
// Exactly one of the two fields is set; dispatch is explicit, never by runtime type inspection.
type GenStage struct {
	Block *GenBlock
	Attn  *SelfAttention
}

// Generator Generator part of the family: latent projection to a 4x4 seed,
// upsampling stages with optional self-attention at configured positions,
// final RGB convolution with tanh bounding output to [-1;1].
//
// Stages - ordered stage sequence, built once at construction and never mutated
// out - alias to activated output of last layer
//
type Generator struct {
	cfg     Config
	linear0 *Linear
	Stages  []GenStage
	conv4   *Conv2d
	out     *gorgonia.Node
}

// NewGenerator Constructs generator for provided configuration.
// Self-attention is inserted immediately after the i-th block for every i in AttnGenLoc (1-based).
func NewGenerator(g *gorgonia.ExprGraph, cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := GeneratorModules(g, cfg)
	net := &Generator{
		cfg:     cfg,
		linear0: m.Linear("linear0", cfg.LatentDim, genInDims[0]*4*4, true),
	}
	for i := range genInDims {
		block, err := NewGenBlock(m, fmt.Sprintf("block%d", i), genInDims[i], genOutDims[i], cfg.GenCond, cfg.NumClasses)
		if err != nil {
			return nil, err
		}
		net.Stages = append(net.Stages, GenStage{Block: block})
		if cfg.ApplyAttn && containsInt(cfg.AttnGenLoc, i+1) {
			net.Stages = append(net.Stages, GenStage{Attn: NewSelfAttention(m, fmt.Sprintf("attn%d", i+1), genOutDims[i])})
		}
	}
	net.conv4 = m.Conv2d("conv4", genOutDims[len(genOutDims)-1], 3, 3, 1, 1, true)
	return net, nil
}

// Fwd Initializates feedforward for provided latent vectors and labels.
//
// z - (batchSize, LatentDim) input node holding latent vectors
// oneHotLabel - (batchSize, NumClasses) one-hot label node; may be nil unless conditioning is cBN
// batchSize - batch size
// eval - switch batch normalization to running statistics
//
func (net *Generator) Fwd(z, oneHotLabel *gorgonia.Node, batchSize int, eval bool) error {
	if net.cfg.GenCond == GenCondBN && oneHotLabel == nil {
		return fmt.Errorf("Generator with conditioning method '%s' needs a label node", net.cfg.GenCond)
	}
	act, err := net.linear0.Fwd(z)
	if err != nil {
		return errors.Wrap(err, "[Generator] Can't project latent vectors")
	}
	act, err = gorgonia.Reshape(act, tensor.Shape{batchSize, genInDims[0], 4, 4})
	if err != nil {
		return errors.Wrap(err, "[Generator] Can't reshape projected latent vectors into seed feature map")
	}
	gorgonia.WithName("generator_seed")(act)
	for i, stage := range net.Stages {
		switch {
		case stage.Block != nil:
			act, err = stage.Block.Fwd(act, oneHotLabel)
		case stage.Attn != nil:
			act, err = stage.Attn.Fwd(act)
		default:
			return fmt.Errorf("Generator's stage #%d is empty", i)
		}
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("[Generator, Stage #%d] Can't feedforward feature map", i))
		}
		gorgonia.WithName(fmt.Sprintf("generator_stage_%d", i))(act)
	}
	act, err = net.conv4.Fwd(act)
	if err != nil {
		return errors.Wrap(err, "[Generator] Can't convolve feature map into RGB image")
	}
	out, err := Tanh(act)
	if err != nil {
		return errors.Wrap(err, "[Generator] Can't apply bounding activation")
	}
	gorgonia.WithName("generator_out")(out)
	net.out = out
	if eval {
		net.SetTesting()
	}
	return nil
}

// Out Returns reference to output node
func (net *Generator) Out() *gorgonia.Node {
	return net.out
}

// SetTesting Switches every batch normalization of the network to running statistics
func (net *Generator) SetTesting() {
	for _, stage := range net.Stages {
		if stage.Block != nil {
			stage.Block.setTesting()
		}
	}
}

// Learnables Returns learnables nodes
func (net *Generator) Learnables() gorgonia.Nodes {
	out := net.linear0.Learnables()
	for _, stage := range net.Stages {
		if stage.Block != nil {
			out = append(out, stage.Block.Learnables()...)
		}
		if stage.Attn != nil {
			out = append(out, stage.Attn.Learnables()...)
		}
	}
	return append(out, net.conv4.Learnables()...)
}

func containsInt(sl []int, v int) bool {
	for _, item := range sl {
		if item == v {
			return true
		}
	}
	return false
}
