package gan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// GAN Composite network evaluating Discriminator(Generator(z, label)) on a single graph.
//
// generatorPart - reference to Generator
// discriminatorPart - reference to Discriminator
// modifiedDiscriminator - structural copy of Discriminator on the generator's graph whose
// weight nodes share the original values; its learnables are kept out of GeneratorLearnables
// so a solver driving the generator never touches discriminator weights
//
type GAN struct {
	generatorPart     *Generator
	discriminatorPart *Discriminator

	modifiedDiscriminator *Discriminator

	out           *DiscOutput
	learnables    gorgonia.Nodes
	learnablesGen gorgonia.Nodes
}

// NewGAN Constructor for GAN.
// definedGenerator must already be wired (Fwd called) on graph g;
// definedDiscriminator may live on its own graph, its weights are copied by value reference.
func NewGAN(g *gorgonia.ExprGraph, definedGenerator *Generator, definedDiscriminator *Discriminator) (*GAN, error) {
	if definedGenerator.Out() == nil {
		return nil, fmt.Errorf("Generator part must be wired (call Fwd) before composing GAN")
	}
	definedGAN := GAN{
		generatorPart:         definedGenerator,
		discriminatorPart:     definedDiscriminator,
		modifiedDiscriminator: definedDiscriminator.cloneTo(g),
		learnablesGen:         definedGenerator.Learnables(),
	}
	definedGAN.learnables = append(definedGAN.learnables, definedGAN.learnablesGen...)
	definedGAN.learnables = append(definedGAN.learnables, definedGAN.modifiedDiscriminator.Learnables()...)
	return &definedGAN, nil
}

// Fwd Initializates feedforward of the discriminator part over the generator's output.
//
// oneHotLabel - (batchSize, NumClasses) one-hot label node on the generator's graph; may be nil
// when nothing consumes labels
// batchSize - batch size
// eval/adcFake - same meaning as in Discriminator.Fwd
//
// Note: input node is not needed since input for Discriminator is just Generator's output
//
func (net *GAN) Fwd(oneHotLabel *gorgonia.Node, batchSize int, eval, adcFake bool) (*DiscOutput, error) {
	out, err := net.modifiedDiscriminator.Fwd(net.generatorPart.Out(), oneHotLabel, batchSize, eval, adcFake)
	if err != nil {
		return nil, errors.Wrap(err, "[GAN, Discriminator part]")
	}
	net.out = out
	return out, nil
}

// Out Returns reference to the output bundle of the discriminator part
func (net *GAN) Out() *DiscOutput {
	return net.out
}

// GeneratorOut Returns reference to output node of generator part
func (net *GAN) GeneratorOut() *gorgonia.Node {
	return net.generatorPart.Out()
}

// Learnables Returns learnables nodes
func (net *GAN) Learnables() gorgonia.Nodes {
	return net.learnables
}

// GeneratorLearnables Returns learnables nodes of generator part
func (net *GAN) GeneratorLearnables() gorgonia.Nodes {
	return net.learnablesGen
}

// cloneWeight Copies one weight node onto another graph, sharing the backing value
func cloneWeight(g *gorgonia.ExprGraph, n *gorgonia.Node, suffix string) *gorgonia.Node {
	if n == nil {
		return nil
	}
	if n.IsScalar() {
		return gorgonia.NewScalar(g, n.Dtype(), gorgonia.WithName(n.Name()+suffix), gorgonia.WithValue(n.Value()))
	}
	return gorgonia.NewTensor(g, n.Dtype(), n.Dims(), gorgonia.WithShape(n.Shape()...), gorgonia.WithName(n.Name()+suffix), gorgonia.WithValue(n.Value()))
}

func (l *Linear) cloneTo(g *gorgonia.ExprGraph) *Linear {
	if l == nil {
		return nil
	}
	return &Linear{
		WeightNode:    cloneWeight(g, l.WeightNode, "_gan"),
		BiasNode:      cloneWeight(g, l.BiasNode, "_gan"),
		spectralNorm:  l.spectralNorm,
		powerIterSeed: cloneWeight(g, l.powerIterSeed, "_gan"),
	}
}

func (c *Conv2d) cloneTo(g *gorgonia.ExprGraph) *Conv2d {
	if c == nil {
		return nil
	}
	return &Conv2d{
		WeightNode:    cloneWeight(g, c.WeightNode, "_gan"),
		BiasNode:      cloneWeight(g, c.BiasNode, "_gan"),
		Kernel:        c.Kernel,
		Stride:        c.Stride,
		Padding:       c.Padding,
		spectralNorm:  c.spectralNorm,
		powerIterSeed: cloneWeight(g, c.powerIterSeed, "_gan"),
	}
}

func (e *Embedding) cloneTo(g *gorgonia.ExprGraph) *Embedding {
	if e == nil {
		return nil
	}
	return &Embedding{WeightNode: cloneWeight(g, e.WeightNode, "_gan")}
}

func (b *BatchNorm) cloneTo(g *gorgonia.ExprGraph) *BatchNorm {
	if b == nil {
		return nil
	}
	return &BatchNorm{
		ScaleNode: cloneWeight(g, b.ScaleNode, "_gan"),
		BiasNode:  cloneWeight(g, b.BiasNode, "_gan"),
		momentum:  b.momentum,
		epsilon:   b.epsilon,
		learnable: b.learnable,
	}
}

func (sa *SelfAttention) cloneTo(g *gorgonia.ExprGraph) *SelfAttention {
	if sa == nil {
		return nil
	}
	return &SelfAttention{
		theta:     sa.theta.cloneTo(g),
		phi:       sa.phi.cloneTo(g),
		g:         sa.g.cloneTo(g),
		o:         sa.o.cloneTo(g),
		GammaNode: cloneWeight(g, sa.GammaNode, "_gan"),
	}
}

func (b *DiscBlock) cloneTo(g *gorgonia.ExprGraph) *DiscBlock {
	if b == nil {
		return nil
	}
	return &DiscBlock{
		conv0:      b.conv0.cloneTo(g),
		conv1:      b.conv1.cloneTo(g),
		bn0:        b.bn0.cloneTo(g),
		bn1:        b.bn1.cloneTo(g),
		activation: b.activation,
	}
}

func (net *Discriminator) cloneTo(g *gorgonia.ExprGraph) *Discriminator {
	clone := &Discriminator{
		cfg:         net.cfg,
		graph:       g,
		dtype:       net.dtype,
		conv1:       net.conv1.cloneTo(g),
		bn1:         net.bn1.cloneTo(g),
		activation:  net.activation,
		linear1:     net.linear1.cloneTo(g),
		linear2:     net.linear2.cloneTo(g),
		embedding:   net.embedding.cloneTo(g),
		linearMI:    net.linearMI.cloneTo(g),
		embeddingMI: net.embeddingMI.cloneTo(g),
	}
	for _, stage := range net.Stages {
		clone.Stages = append(clone.Stages, DiscStage{
			Block: stage.Block.cloneTo(g),
			Attn:  stage.Attn.cloneTo(g),
		})
	}
	return clone
}
