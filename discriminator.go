package gan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// DiscBlock One downsampling stage of the discriminator:
// stride-1 convolution, stride-2 convolution halving spatial resolution,
// each optionally batch-normalized and activated.
// Batch normalization is skipped when spectral normalization is active: the two
// are mutually substitutable normalization strategies and never coexist.
type DiscBlock struct {
	conv0      *Conv2d
	conv1      *Conv2d
	bn0        *BatchNorm
	bn1        *BatchNorm
	activation ActivationFunc
}

// NewDiscBlock Constructs one discriminator stage for provided channel widths
func NewDiscBlock(m *Modules, name string, in, out int) *DiscBlock {
	block := &DiscBlock{
		conv0:      m.Conv2d(name+"_conv0", in, out, 3, 1, 1, true),
		conv1:      m.Conv2d(name+"_conv1", out, out, 4, 2, 1, true),
		activation: m.activation,
	}
	if !m.spectralNorm {
		block.bn0 = m.BatchNorm(name+"_bn0", out)
		block.bn1 = m.BatchNorm(name+"_bn1", out)
	}
	return block
}

// Fwd Downsamples feature map to the stage's output channel count
func (b *DiscBlock) Fwd(x *gorgonia.Node) (*gorgonia.Node, error) {
	act, err := b.conv0.Fwd(x)
	if err != nil {
		return nil, errors.Wrap(err, "Can't convolve feature map")
	}
	if b.bn0 != nil {
		if act, err = b.bn0.Fwd(act); err != nil {
			return nil, err
		}
	}
	if act, err = b.activation(act); err != nil {
		return nil, errors.Wrap(err, "Can't activate feature map")
	}
	if act, err = b.conv1.Fwd(act); err != nil {
		return nil, errors.Wrap(err, "Can't downsample feature map")
	}
	if b.bn1 != nil {
		if act, err = b.bn1.Fwd(act); err != nil {
			return nil, err
		}
	}
	return b.activation(act)
}

func (b *DiscBlock) setTesting() {
	if b.bn0 != nil {
		b.bn0.SetTesting()
	}
	if b.bn1 != nil {
		b.bn1.SetTesting()
	}
}

// Learnables Returns learnable nodes
func (b *DiscBlock) Learnables() gorgonia.Nodes {
	out := b.conv0.Learnables()
	out = append(out, b.conv1.Learnables()...)
	if b.bn0 != nil {
		out = append(out, b.bn0.Learnables()...)
	}
	if b.bn1 != nil {
		out = append(out, b.bn1.Learnables()...)
	}
	return out
}

// DiscStage One entry of the discriminator's stage sequence.
// Exactly one of the two fields is set; dispatch is explicit, never by runtime type inspection.
type DiscStage struct {
	Block *DiscBlock
	Attn  *SelfAttention
}

// ClassOutputKind Tag of the class-conditioning output variant
type ClassOutputKind uint16

const (
	// ClassOutputNone Conditioning method produces no class output (W/O, PD, MD, MH)
	ClassOutputNone = ClassOutputKind(iota)
	// ClassOutputLogits Class logits over pooled features (AC)
	ClassOutputLogits
	// ClassOutputContrastive Data embedding plus class proxy (2C, D2DCE)
	ClassOutputContrastive
)

// ClassOutput Tagged class-conditioning output.
// Only the fields of the active variant are set, so illegal combinations
// (e.g. logits together with a proxy) are unrepresentable.
type ClassOutput struct {
	Kind   ClassOutputKind
	Logits *gorgonia.Node
	Embed  *gorgonia.Node
	Proxy  *gorgonia.Node
}

// DiscOutput Output bundle of one discriminator forward wiring, constructed fresh on every Fwd.
//
// H - (batch, 512) pooled features (L2-normalized under AC with NormalizeEmbed)
// AdvOut - adversarial scores: (batch,) for single-score modes, (batch, 1+numClasses) under MH
// Label - one-hot labels as consumed by conditioning heads; ADC recodes them (even = real, odd = fake)
// and callers must use this returned node for loss bookkeeping
// Class - class-conditioning output of the primary head
// MI - same-architecture output of the twin head (TAC only)
//
type DiscOutput struct {
	H      *gorgonia.Node
	AdvOut *gorgonia.Node
	Label  *gorgonia.Node
	Class  ClassOutput
	MI     ClassOutput
}

// Discriminator Discriminator part of the family: downsampling stages with optional
// self-attention, trailing 512-wide convolution, global sum-pooling and a
// configuration-selected set of adversarial/class-conditioning heads.
type Discriminator struct {
	cfg        Config
	graph      *gorgonia.ExprGraph
	dtype      tensor.Dtype
	Stages     []DiscStage
	conv1      *Conv2d
	bn1        *BatchNorm
	activation ActivationFunc

	// adversarial head
	linear1 *Linear

	// conditioning heads; which ones exist is fixed by (DiscCond, AuxCls) at construction
	linear2     *Linear
	embedding   *Embedding
	linearMI    *Linear
	embeddingMI *Embedding

	out *DiscOutput
}

// NewDiscriminator Constructs discriminator for provided configuration.
// Self-attention insertion mirrors the generator's rule over AttnDiscLoc.
// Unsupported conditioning combinations fail here, never at forward time.
func NewDiscriminator(g *gorgonia.ExprGraph, cfg Config) (*Discriminator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := DiscriminatorModules(g, cfg)
	net := &Discriminator{
		cfg:        cfg,
		graph:      g,
		dtype:      cfg.Dtype(),
		activation: m.activation,
	}
	for i := range discInDims {
		net.Stages = append(net.Stages, DiscStage{Block: NewDiscBlock(m, fmt.Sprintf("block%d", i), discInDims[i], discOutDims[i])})
		if cfg.ApplyAttn && containsInt(cfg.AttnDiscLoc, i+1) {
			net.Stages = append(net.Stages, DiscStage{Attn: NewSelfAttention(m, fmt.Sprintf("attn%d", i+1), discOutDims[i])})
		}
	}
	net.conv1 = m.Conv2d("conv1", discOutDims[len(discOutDims)-1], discFeatures, 3, 1, 1, true)
	if !cfg.SpectralNorm {
		net.bn1 = m.BatchNorm("bn1", discFeatures)
	}

	switch cfg.DiscCond {
	case DiscCondMH:
		net.linear1 = m.Linear("linear1", discFeatures, 1+cfg.NumClasses, true)
	case DiscCondMD:
		net.linear1 = m.Linear("linear1", discFeatures, cfg.NumClasses, true)
	default:
		net.linear1 = m.Linear("linear1", discFeatures, 1, true)
	}

	numClasses := cfg.effectiveClasses()
	switch cfg.DiscCond {
	case DiscCondAC:
		net.linear2 = m.Linear("linear2", discFeatures, numClasses, false)
	case DiscCondPD:
		net.embedding = m.Embedding("embed", numClasses, discFeatures)
	case DiscCond2C, DiscCondD2DCE:
		net.linear2 = m.Linear("linear2", discFeatures, cfg.EmbedDim, true)
		net.embedding = m.Embedding("embed", numClasses, cfg.EmbedDim)
	case DiscCondNone, DiscCondMD, DiscCondMH:
	default:
		return nil, fmt.Errorf("Discriminator conditioning method '%s' is not handled", cfg.DiscCond)
	}

	if cfg.AuxCls == AuxClsTAC {
		switch cfg.DiscCond {
		case DiscCondAC:
			net.linearMI = m.Linear("linear_mi", discFeatures, numClasses, false)
		case DiscCond2C, DiscCondD2DCE:
			net.linearMI = m.Linear("linear_mi", discFeatures, cfg.EmbedDim, true)
			net.embeddingMI = m.Embedding("embed_mi", numClasses, cfg.EmbedDim)
		default:
			return nil, fmt.Errorf("Auxiliary classifier type '%s' can not be combined with discriminator conditioning method '%s'", cfg.AuxCls, cfg.DiscCond)
		}
	}
	return net, nil
}

// Fwd Initializates feedforward for provided images and labels, returning a fresh output bundle.
//
// x - (batchSize, 3, ImgSize, ImgSize) input node holding images
// oneHotLabel - (batchSize, NumClasses) one-hot label node; may be nil when nothing consumes labels
// batchSize - batch size
// eval - switch batch normalization to running statistics
// adcFake - under ADC, recode labels as fake-class (odd) instead of real-class (even)
//
func (net *Discriminator) Fwd(x, oneHotLabel *gorgonia.Node, batchSize int, eval, adcFake bool) (*DiscOutput, error) {
	if oneHotLabel == nil && (net.cfg.DiscCond != DiscCondNone || net.cfg.AuxCls != AuxClsNone) {
		return nil, fmt.Errorf("Discriminator with conditioning method '%s' and auxiliary classifier type '%s' needs a label node", net.cfg.DiscCond, net.cfg.AuxCls)
	}

	h := x
	var err error
	for i, stage := range net.Stages {
		switch {
		case stage.Block != nil:
			h, err = stage.Block.Fwd(h)
		case stage.Attn != nil:
			h, err = stage.Attn.Fwd(h)
		default:
			return nil, fmt.Errorf("Discriminator's stage #%d is empty", i)
		}
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("[Discriminator, Stage #%d] Can't feedforward feature map", i))
		}
		gorgonia.WithName(fmt.Sprintf("discriminator_stage_%d", i))(h)
	}
	if h, err = net.conv1.Fwd(h); err != nil {
		return nil, errors.Wrap(err, "[Discriminator] Can't convolve feature map into 512 channels")
	}
	if net.bn1 != nil {
		if h, err = net.bn1.Fwd(h); err != nil {
			return nil, errors.Wrap(err, "[Discriminator]")
		}
	}
	if h, err = net.activation(h); err != nil {
		return nil, errors.Wrap(err, "[Discriminator] Can't activate trailing feature map")
	}
	// global spatial pooling by summation
	if h, err = gorgonia.Sum(h, 3); err != nil {
		return nil, errors.Wrap(err, "[Discriminator] Can't pool feature map over width")
	}
	if h, err = gorgonia.Sum(h, 2); err != nil {
		return nil, errors.Wrap(err, "[Discriminator] Can't pool feature map over height")
	}
	gorgonia.WithName("discriminator_h")(h)

	advRaw, err := net.linear1.Fwd(h)
	if err != nil {
		return nil, errors.Wrap(err, "[Discriminator] Can't compute adversarial scores")
	}
	adv := advRaw
	if net.cfg.DiscCond != DiscCondMH && net.cfg.DiscCond != DiscCondMD {
		if adv, err = gorgonia.Reshape(advRaw, tensor.Shape{batchSize}); err != nil {
			return nil, errors.Wrap(err, "[Discriminator] Can't squeeze adversarial scores")
		}
	}

	// ADC recodes labels before any conditioning head consumes them;
	// the recoded labels are part of the output bundle on purpose
	label := oneHotLabel
	if net.cfg.AuxCls == AuxClsADC {
		if label, err = net.expandLabelADC(label, adcFake); err != nil {
			return nil, errors.Wrap(err, "[Discriminator] Can't recode labels for ADC")
		}
	}

	classOut := ClassOutput{Kind: ClassOutputNone}
	switch net.cfg.DiscCond {
	case DiscCondAC:
		if net.cfg.NormalizeEmbed {
			if h, err = l2NormalizeRows(h); err != nil {
				return nil, errors.Wrap(err, "[Discriminator] Can't normalize pooled features")
			}
		}
		logits, err := net.classLogits(net.linear2, h)
		if err != nil {
			return nil, errors.Wrap(err, "[Discriminator] Can't compute class logits")
		}
		classOut = ClassOutput{Kind: ClassOutputLogits, Logits: logits}
	case DiscCondPD:
		emb, err := net.embedding.Fwd(label)
		if err != nil {
			return nil, errors.Wrap(err, "[Discriminator]")
		}
		prod, err := gorgonia.HadamardProd(emb, h)
		if err != nil {
			return nil, errors.Wrap(err, "[Discriminator] Can't project labels onto pooled features")
		}
		proj, err := gorgonia.Sum(prod, 1)
		if err != nil {
			return nil, errors.Wrap(err, "[Discriminator] Can't reduce label projection")
		}
		if adv, err = gorgonia.Add(adv, proj); err != nil {
			return nil, errors.Wrap(err, "[Discriminator] Can't add label projection to adversarial scores")
		}
	case DiscCond2C, DiscCondD2DCE:
		embed, proxy, err := net.contrastivePair(net.linear2, net.embedding, h, label)
		if err != nil {
			return nil, errors.Wrap(err, "[Discriminator]")
		}
		classOut = ClassOutput{Kind: ClassOutputContrastive, Embed: embed, Proxy: proxy}
	case DiscCondMD:
		if adv, err = gatherByLabel(advRaw, label); err != nil {
			return nil, errors.Wrap(err, "[Discriminator] Can't gather adversarial scores by labels")
		}
	case DiscCondNone, DiscCondMH:
	default:
		return nil, fmt.Errorf("Discriminator conditioning method '%s' is not handled", net.cfg.DiscCond)
	}

	miOut := ClassOutput{Kind: ClassOutputNone}
	if net.cfg.AuxCls == AuxClsTAC {
		switch net.cfg.DiscCond {
		case DiscCondAC:
			logits, err := net.classLogits(net.linearMI, h)
			if err != nil {
				return nil, errors.Wrap(err, "[Discriminator] Can't compute twin class logits")
			}
			miOut = ClassOutput{Kind: ClassOutputLogits, Logits: logits}
		case DiscCond2C, DiscCondD2DCE:
			embed, proxy, err := net.contrastivePair(net.linearMI, net.embeddingMI, h, label)
			if err != nil {
				return nil, errors.Wrap(err, "[Discriminator, twin head]")
			}
			miOut = ClassOutput{Kind: ClassOutputContrastive, Embed: embed, Proxy: proxy}
		}
	}

	gorgonia.WithName("discriminator_adv")(adv)
	if eval {
		net.SetTesting()
	}
	net.out = &DiscOutput{
		H:      h,
		AdvOut: adv,
		Label:  label,
		Class:  classOut,
		MI:     miOut,
	}
	return net.out, nil
}

// classLogits Computes class logits over pooled features.
// Under NormalizeEmbed the head's weight rows are read through an L2-normalized
// copy, leaving the stored parameter untouched.
func (net *Discriminator) classLogits(head *Linear, h *gorgonia.Node) (*gorgonia.Node, error) {
	if !net.cfg.NormalizeEmbed {
		return head.Fwd(h)
	}
	wN, err := l2NormalizeRows(head.WeightNode)
	if err != nil {
		return nil, errors.Wrap(err, "Can't normalize class head weight")
	}
	wT, err := gorgonia.Transpose(wN)
	if err != nil {
		return nil, errors.Wrap(err, "Can't transpose normalized class head weight")
	}
	return gorgonia.Mul(h, wT)
}

// contrastivePair Computes the data embedding and the class proxy of a contrastive head,
// L2-normalizing both copies under NormalizeEmbed. No score fusion happens here.
func (net *Discriminator) contrastivePair(head *Linear, table *Embedding, h, label *gorgonia.Node) (*gorgonia.Node, *gorgonia.Node, error) {
	embed, err := head.Fwd(h)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Can't embed pooled features")
	}
	proxy, err := table.Fwd(label)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Can't look class proxies up")
	}
	if net.cfg.NormalizeEmbed {
		if embed, err = l2NormalizeRows(embed); err != nil {
			return nil, nil, errors.Wrap(err, "Can't normalize data embedding")
		}
		if proxy, err = l2NormalizeRows(proxy); err != nil {
			return nil, nil, errors.Wrap(err, "Can't normalize class proxy")
		}
	}
	return embed, proxy, nil
}

// expandLabelADC Recodes a (batch, numClasses) one-hot into the doubled ADC label space
// (batch, 2*numClasses): class c maps to 2c for real samples and 2c+1 for fake ones.
// The recoding is a matmul with a fixed scatter matrix, so it stays inside the graph.
func (net *Discriminator) expandLabelADC(oneHotLabel *gorgonia.Node, fake bool) (*gorgonia.Node, error) {
	scatterName := "discriminator_adc_scatter_real"
	if fake {
		scatterName = "discriminator_adc_scatter_fake"
	}
	scatter := gorgonia.NewMatrix(net.graph, net.dtype,
		gorgonia.WithShape(net.cfg.NumClasses, 2*net.cfg.NumClasses),
		gorgonia.WithName(scatterName),
		gorgonia.WithValue(adcScatterDense(net.cfg.NumClasses, fake, net.dtype)))
	return gorgonia.Mul(oneHotLabel, scatter)
}

// adcScatterDense Builds the (numClasses, 2*numClasses) recoding matrix for ADC
func adcScatterDense(numClasses int, fake bool, dt tensor.Dtype) *tensor.Dense {
	offset := 0
	if fake {
		offset = 1
	}
	if dt == tensor.Float32 {
		data := make([]float32, numClasses*2*numClasses)
		for c := 0; c < numClasses; c++ {
			data[c*2*numClasses+2*c+offset] = 1
		}
		return tensor.New(tensor.WithShape(numClasses, 2*numClasses), tensor.WithBacking(data))
	}
	data := make([]float64, numClasses*2*numClasses)
	for c := 0; c < numClasses; c++ {
		data[c*2*numClasses+2*c+offset] = 1
	}
	return tensor.New(tensor.WithShape(numClasses, 2*numClasses), tensor.WithBacking(data))
}

// gatherByLabel Picks, per sample, the column of a (batch, classes) score matrix
// selected by the one-hot label: one score per sample instead of per class
func gatherByLabel(scores, oneHotLabel *gorgonia.Node) (*gorgonia.Node, error) {
	masked, err := gorgonia.HadamardProd(scores, oneHotLabel)
	if err != nil {
		return nil, errors.Wrap(err, "Can't mask scores by one-hot labels")
	}
	return gorgonia.Sum(masked, 1)
}

// Out Returns reference to the output bundle of the last Fwd
func (net *Discriminator) Out() *DiscOutput {
	return net.out
}

// SetTesting Switches every batch normalization of the network to running statistics
func (net *Discriminator) SetTesting() {
	for _, stage := range net.Stages {
		if stage.Block != nil {
			stage.Block.setTesting()
		}
	}
	if net.bn1 != nil {
		net.bn1.SetTesting()
	}
}

// Learnables Returns learnables nodes
func (net *Discriminator) Learnables() gorgonia.Nodes {
	out := gorgonia.Nodes{}
	for _, stage := range net.Stages {
		if stage.Block != nil {
			out = append(out, stage.Block.Learnables()...)
		}
		if stage.Attn != nil {
			out = append(out, stage.Attn.Learnables()...)
		}
	}
	out = append(out, net.conv1.Learnables()...)
	if net.bn1 != nil {
		out = append(out, net.bn1.Learnables()...)
	}
	out = append(out, net.linear1.Learnables()...)
	if net.linear2 != nil {
		out = append(out, net.linear2.Learnables()...)
	}
	if net.embedding != nil {
		out = append(out, net.embedding.Learnables()...)
	}
	if net.linearMI != nil {
		out = append(out, net.linearMI.Learnables()...)
	}
	if net.embeddingMI != nil {
		out = append(out, net.embeddingMI.Learnables()...)
	}
	return out
}
