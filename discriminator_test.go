package gan

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func wireDiscriminator(t *testing.T, cfg Config, batchSize int, adcFake bool) (*Discriminator, *DiscOutput, *gorgonia.ExprGraph, *gorgonia.Node, *gorgonia.Node) {
	t.Helper()
	g := gorgonia.NewGraph()
	net, err := NewDiscriminator(g, cfg)
	require.NoError(t, err)

	x := gorgonia.NewTensor(g, cfg.Dtype(), 4, gorgonia.WithShape(batchSize, 3, cfg.ImgSize, cfg.ImgSize), gorgonia.WithName("x"))
	var labels *gorgonia.Node
	if cfg.NumClasses > 0 {
		labels = gorgonia.NewMatrix(g, cfg.Dtype(), gorgonia.WithShape(batchSize, cfg.NumClasses), gorgonia.WithName("labels"))
	}
	out, err := net.Fwd(x, labels, batchSize, false, adcFake)
	require.NoError(t, err)
	return net, out, g, x, labels
}

func TestDiscriminatorHeadPresence(t *testing.T) {
	cases := []struct {
		cond          DiscCondMethod
		aux           AuxClsType
		wantLinear2   bool
		wantEmbedding bool
		wantTwin      bool
	}{
		{cond: DiscCondNone},
		{cond: DiscCondMH},
		{cond: DiscCondMD},
		{cond: DiscCondAC, wantLinear2: true},
		{cond: DiscCondPD, wantEmbedding: true},
		{cond: DiscCond2C, wantLinear2: true, wantEmbedding: true},
		{cond: DiscCondD2DCE, wantLinear2: true, wantEmbedding: true},
		{cond: DiscCondAC, aux: AuxClsTAC, wantLinear2: true, wantTwin: true},
		{cond: DiscCond2C, aux: AuxClsTAC, wantLinear2: true, wantEmbedding: true, wantTwin: true},
		{cond: DiscCondD2DCE, aux: AuxClsTAC, wantLinear2: true, wantEmbedding: true, wantTwin: true},
		{cond: DiscCondAC, aux: AuxClsADC, wantLinear2: true},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		cfg.DiscCond = tc.cond
		cfg.AuxCls = tc.aux
		g := gorgonia.NewGraph()
		net, err := NewDiscriminator(g, cfg)
		require.NoError(t, err, fmt.Sprintf("(%s, %s)", tc.cond, tc.aux))

		require.Equal(t, tc.wantLinear2, net.linear2 != nil, fmt.Sprintf("(%s, %s) linear2", tc.cond, tc.aux))
		require.Equal(t, tc.wantEmbedding, net.embedding != nil, fmt.Sprintf("(%s, %s) embedding", tc.cond, tc.aux))
		require.Equal(t, tc.wantTwin, net.linearMI != nil, fmt.Sprintf("(%s, %s) twin head", tc.cond, tc.aux))
		require.NotNil(t, net.linear1)
	}
}

func TestDiscriminatorConstructionFailsForTACOutsideClassifierModes(t *testing.T) {
	for _, cond := range []DiscCondMethod{DiscCondNone, DiscCondPD, DiscCondMD, DiscCondMH} {
		cfg := baseConfig()
		cfg.DiscCond = cond
		cfg.AuxCls = AuxClsTAC
		g := gorgonia.NewGraph()
		_, err := NewDiscriminator(g, cfg)
		require.Error(t, err, fmt.Sprintf("TAC with %s must be rejected", cond))
	}
}

func TestDiscriminatorHeadSizing(t *testing.T) {
	cfg := baseConfig()
	cfg.DiscCond = DiscCondAC
	g := gorgonia.NewGraph()
	net, err := NewDiscriminator(g, cfg)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{cfg.NumClasses, discFeatures}, net.linear2.WeightNode.Shape())
	require.Nil(t, net.linear2.BiasNode, "AC class head carries no bias")

	// ADC doubles the class-head label space, the adversarial head is untouched
	cfg.AuxCls = AuxClsADC
	g = gorgonia.NewGraph()
	net, err = NewDiscriminator(g, cfg)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{2 * cfg.NumClasses, discFeatures}, net.linear2.WeightNode.Shape())
	require.Equal(t, tensor.Shape{1, discFeatures}, net.linear1.WeightNode.Shape())

	cfg = baseConfig()
	cfg.DiscCond = DiscCondMH
	g = gorgonia.NewGraph()
	net, err = NewDiscriminator(g, cfg)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{1 + cfg.NumClasses, discFeatures}, net.linear1.WeightNode.Shape())

	cfg.DiscCond = DiscCondMD
	g = gorgonia.NewGraph()
	net, err = NewDiscriminator(g, cfg)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{cfg.NumClasses, discFeatures}, net.linear1.WeightNode.Shape())

	cfg.DiscCond = DiscCond2C
	g = gorgonia.NewGraph()
	net, err = NewDiscriminator(g, cfg)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{cfg.EmbedDim, discFeatures}, net.linear2.WeightNode.Shape())
	require.Equal(t, tensor.Shape{cfg.NumClasses, cfg.EmbedDim}, net.embedding.WeightNode.Shape())
}

func TestDiscriminatorOutputShapes(t *testing.T) {
	cfg := baseConfig()
	cfg.DiscCond = DiscCondPD
	_, out, _, _, _ := wireDiscriminator(t, cfg, 4, false)
	require.Equal(t, tensor.Shape{4, discFeatures}, out.H.Shape())
	require.Equal(t, tensor.Shape{4}, out.AdvOut.Shape())
	require.Equal(t, ClassOutputNone, out.Class.Kind)
	require.Equal(t, ClassOutputNone, out.MI.Kind)

	cfg.DiscCond = DiscCondMH
	_, out, _, _, _ = wireDiscriminator(t, cfg, 4, false)
	require.Equal(t, tensor.Shape{4, 1 + cfg.NumClasses}, out.AdvOut.Shape(), "MH keeps per-class scores")

	cfg.DiscCond = DiscCondMD
	_, out, _, _, _ = wireDiscriminator(t, cfg, 4, false)
	require.Equal(t, tensor.Shape{4}, out.AdvOut.Shape(), "MD gathers one score per sample")

	cfg.DiscCond = DiscCondAC
	_, out, _, _, _ = wireDiscriminator(t, cfg, 4, false)
	require.Equal(t, ClassOutputLogits, out.Class.Kind)
	require.Equal(t, tensor.Shape{4, cfg.NumClasses}, out.Class.Logits.Shape())

	cfg.DiscCond = DiscCond2C
	_, out, _, _, _ = wireDiscriminator(t, cfg, 4, false)
	require.Equal(t, ClassOutputContrastive, out.Class.Kind)
	require.Equal(t, tensor.Shape{4, cfg.EmbedDim}, out.Class.Embed.Shape())
	require.Equal(t, tensor.Shape{4, cfg.EmbedDim}, out.Class.Proxy.Shape())
}

func TestDiscriminatorTwinHeadOutputs(t *testing.T) {
	cfg := baseConfig()
	cfg.DiscCond = DiscCond2C
	cfg.AuxCls = AuxClsTAC
	_, out, _, _, _ := wireDiscriminator(t, cfg, 2, false)
	require.Equal(t, ClassOutputContrastive, out.MI.Kind)
	require.Equal(t, tensor.Shape{2, cfg.EmbedDim}, out.MI.Embed.Shape())
	require.Equal(t, tensor.Shape{2, cfg.EmbedDim}, out.MI.Proxy.Shape())

	cfg.DiscCond = DiscCondAC
	_, out, _, _, _ = wireDiscriminator(t, cfg, 2, false)
	require.Equal(t, ClassOutputLogits, out.MI.Kind)
	require.Equal(t, tensor.Shape{2, cfg.NumClasses}, out.MI.Logits.Shape())
}

func TestDiscriminatorADCRecodedLabelShape(t *testing.T) {
	cfg := baseConfig()
	cfg.DiscCond = DiscCondAC
	cfg.AuxCls = AuxClsADC
	_, out, _, _, labels := wireDiscriminator(t, cfg, 2, false)
	require.Equal(t, tensor.Shape{2, 2 * cfg.NumClasses}, out.Label.Shape(), "returned labels live in the doubled space")
	require.NotEqual(t, labels, out.Label)
	require.Equal(t, tensor.Shape{2, 2 * cfg.NumClasses}, out.Class.Logits.Shape())
}

func TestRecodeLabelsADC(t *testing.T) {
	labels := []int{0, 1, 2, 5}
	realCodes := RecodeLabelsADC(labels, false)
	fakeCodes := RecodeLabelsADC(labels, true)
	require.Equal(t, []int{0, 2, 4, 10}, realCodes)
	require.Equal(t, []int{1, 3, 5, 11}, fakeCodes)
	for i := range labels {
		require.Zero(t, realCodes[i]%2, "real-class codes are even")
		require.Equal(t, 1, fakeCodes[i]%2, "fake-class codes are odd")
		require.NotEqual(t, realCodes[i], fakeCodes[i])
	}
}

func TestADCScatterDense(t *testing.T) {
	scatter := adcScatterDense(3, false, tensor.Float64)
	require.Equal(t, tensor.Shape{3, 6}, scatter.Shape())
	data := scatter.Data().([]float64)
	for c := 0; c < 3; c++ {
		for j := 0; j < 6; j++ {
			want := 0.0
			if j == 2*c {
				want = 1.0
			}
			require.Equal(t, want, data[c*6+j])
		}
	}

	scatter = adcScatterDense(3, true, tensor.Float64)
	data = scatter.Data().([]float64)
	for c := 0; c < 3; c++ {
		require.Equal(t, 1.0, data[c*6+2*c+1])
	}
}

func TestGatherByLabelPicksLabelledColumn(t *testing.T) {
	g := gorgonia.NewGraph()
	scores := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(3, 4), gorgonia.WithName("scores"))
	labels := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(3, 4), gorgonia.WithName("labels"))
	gathered, err := gatherByLabel(scores, labels)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{3}, gathered.Shape())

	var out gorgonia.Value
	gorgonia.Read(gathered, &out)

	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()

	scoreValues := tensor.New(tensor.WithShape(3, 4), tensor.WithBacking([]float64{
		10, 11, 12, 13,
		20, 21, 22, 23,
		30, 31, 32, 33,
	}))
	oneHot, err := OneHotDense([]int{2, 0, 3}, 4, tensor.Float64)
	require.NoError(t, err)

	require.NoError(t, gorgonia.Let(scores, scoreValues))
	require.NoError(t, gorgonia.Let(labels, oneHot))
	require.NoError(t, vm.RunAll())

	require.Equal(t, []float64{12, 20, 33}, out.Data().([]float64))
}

func TestDiscriminatorACNormalizedFeatures(t *testing.T) {
	cfg := baseConfig()
	cfg.DiscCond = DiscCondAC
	cfg.NormalizeEmbed = true
	cfg.SpectralNorm = true

	batchSize := 2
	_, out, g, x, labels := wireDiscriminator(t, cfg, batchSize, false)

	var hVal gorgonia.Value
	gorgonia.Read(out.H, &hVal)

	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()

	images := NormRandDense(batchSize, 3*cfg.ImgSize*cfg.ImgSize, cfg.Dtype())
	require.NoError(t, images.Reshape(batchSize, 3, cfg.ImgSize, cfg.ImgSize))
	oneHot, err := OneHotDense([]int{1, 4}, cfg.NumClasses, cfg.Dtype())
	require.NoError(t, err)

	require.NoError(t, gorgonia.Let(x, images))
	require.NoError(t, gorgonia.Let(labels, oneHot))
	require.NoError(t, vm.RunAll())

	data := hVal.Data().([]float64)
	for r := 0; r < batchSize; r++ {
		norm := 0.0
		for c := 0; c < discFeatures; c++ {
			norm += data[r*discFeatures+c] * data[r*discFeatures+c]
		}
		require.InDelta(t, 1.0, math.Sqrt(norm), 1e-6, "pooled features are L2-normalized before the class dot product")
	}
}

func TestDiscriminatorRequiresLabelNodeWhenConditioned(t *testing.T) {
	cfg := baseConfig()
	cfg.DiscCond = DiscCondPD
	g := gorgonia.NewGraph()
	net, err := NewDiscriminator(g, cfg)
	require.NoError(t, err)

	x := gorgonia.NewTensor(g, cfg.Dtype(), 4, gorgonia.WithShape(2, 3, cfg.ImgSize, cfg.ImgSize), gorgonia.WithName("x"))
	_, err = net.Fwd(x, nil, 2, false, false)
	require.Error(t, err)
}

func TestDiscriminatorAttentionInsertion(t *testing.T) {
	cfg := baseConfig()
	cfg.ApplyAttn = true
	cfg.AttnDiscLoc = []int{1}
	g := gorgonia.NewGraph()
	net, err := NewDiscriminator(g, cfg)
	require.NoError(t, err)

	require.Len(t, net.Stages, 4)
	require.NotNil(t, net.Stages[0].Block)
	require.NotNil(t, net.Stages[1].Attn)
	require.NotNil(t, net.Stages[2].Block)
	require.NotNil(t, net.Stages[3].Block)
}

func TestDiscriminatorSpectralNormDisablesBatchNorm(t *testing.T) {
	cfg := baseConfig()
	cfg.SpectralNorm = true
	g := gorgonia.NewGraph()
	net, err := NewDiscriminator(g, cfg)
	require.NoError(t, err)
	require.Nil(t, net.bn1)
	for _, stage := range net.Stages {
		if stage.Block != nil {
			require.Nil(t, stage.Block.bn0)
			require.Nil(t, stage.Block.bn1)
		}
	}

	cfg.SpectralNorm = false
	g = gorgonia.NewGraph()
	net, err = NewDiscriminator(g, cfg)
	require.NoError(t, err)
	require.NotNil(t, net.bn1)
}
