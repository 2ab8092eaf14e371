package gan

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestNewGANRequiresWiredGenerator(t *testing.T) {
	cfg := baseConfig()
	ganGraph := gorgonia.NewGraph()
	generator, err := NewGenerator(ganGraph, cfg)
	require.NoError(t, err)

	discriminatorGraph := gorgonia.NewGraph()
	discriminator, err := NewDiscriminator(discriminatorGraph, cfg)
	require.NoError(t, err)

	_, err = NewGAN(ganGraph, generator, discriminator)
	require.Error(t, err, "composing over an unwired generator must fail")
}

func TestGANCompositeShapes(t *testing.T) {
	cfg := baseConfig()
	cfg.DiscCond = DiscCondPD
	batchSize := 4

	generator, ganGraph, _, labels := wireGenerator(t, cfg, batchSize)

	discriminatorGraph := gorgonia.NewGraph()
	discriminator, err := NewDiscriminator(discriminatorGraph, cfg)
	require.NoError(t, err)

	composite, err := NewGAN(ganGraph, generator, discriminator)
	require.NoError(t, err)

	out, err := composite.Fwd(labels, batchSize, false, false)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{batchSize, 3, cfg.ImgSize, cfg.ImgSize}, composite.GeneratorOut().Shape())
	require.Equal(t, tensor.Shape{batchSize, discFeatures}, out.H.Shape())
	require.Equal(t, tensor.Shape{batchSize}, out.AdvOut.Shape())
	require.Equal(t, out, composite.Out())
}

func TestGANDiscriminatorCopySharesWeightValues(t *testing.T) {
	cfg := baseConfig()
	cfg.DiscCond = DiscCondAC
	batchSize := 2

	generator, ganGraph, _, labels := wireGenerator(t, cfg, batchSize)

	discriminatorGraph := gorgonia.NewGraph()
	discriminator, err := NewDiscriminator(discriminatorGraph, cfg)
	require.NoError(t, err)

	composite, err := NewGAN(ganGraph, generator, discriminator)
	require.NoError(t, err)
	_, err = composite.Fwd(labels, batchSize, false, false)
	require.NoError(t, err)

	copied := composite.modifiedDiscriminator
	require.NotEqual(t, discriminator.linear1.WeightNode, copied.linear1.WeightNode)
	require.Equal(t, ganGraph, copied.linear1.WeightNode.Graph())
	require.Equal(t, discriminator.linear1.WeightNode.Value().Data(), copied.linear1.WeightNode.Value().Data(),
		"copied head reads the same backing values")
	require.NotNil(t, copied.linear2)
}

func TestGANGeneratorLearnablesExcludeDiscriminatorWeights(t *testing.T) {
	cfg := baseConfig()
	batchSize := 2

	generator, ganGraph, _, labels := wireGenerator(t, cfg, batchSize)

	discriminatorGraph := gorgonia.NewGraph()
	discriminator, err := NewDiscriminator(discriminatorGraph, cfg)
	require.NoError(t, err)

	composite, err := NewGAN(ganGraph, generator, discriminator)
	require.NoError(t, err)
	_, err = composite.Fwd(labels, batchSize, false, false)
	require.NoError(t, err)

	genLearnables := composite.GeneratorLearnables()
	require.Equal(t, len(generator.Learnables()), len(genLearnables))
	genSet := map[*gorgonia.Node]struct{}{}
	for _, n := range genLearnables {
		genSet[n] = struct{}{}
	}
	for _, n := range composite.modifiedDiscriminator.Learnables() {
		_, found := genSet[n]
		require.False(t, found, "discriminator weight %s leaked into generator learnables", n.Name())
	}
	require.Greater(t, len(composite.Learnables()), len(genLearnables))
}
