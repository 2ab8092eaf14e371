package main

import (
	"fmt"
	"math/rand"

	gan "github.com/maua-maua-maua/GAN"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	batchSize  = 4
	latentDim  = 128
	numClasses = 10

	modelConfig = gan.Config{
		LatentDim:    latentDim,
		ImgSize:      32,
		NumClasses:   numClasses,
		ApplyAttn:    true,
		AttnGenLoc:   []int{2},
		AttnDiscLoc:  []int{1},
		GenCond:      gan.GenCondBN,
		DiscCond:     gan.DiscCondPD,
		AuxCls:       gan.AuxClsNone,
		SpectralNorm: true,
		GenInit:      gan.InitOrtho,
		DiscInit:     gan.InitOrtho,
	}
)

func main() {
	rand.Seed(1337)

	/* Define Gorgonia's graphs: one for GAN (generator + shared-weight discriminator copy), one for standalone discriminator */
	ganGraph := gorgonia.NewGraph()
	discriminatorGraph := gorgonia.NewGraph()

	/* Define structure of both networks */
	generator, err := gan.NewGenerator(ganGraph, modelConfig)
	if err != nil {
		panic(err)
	}
	discriminator, err := gan.NewDiscriminator(discriminatorGraph, modelConfig)
	if err != nil {
		panic(err)
	}

	/* Prepare tensors for input values */
	inputGenerator := gorgonia.NewMatrix(ganGraph, modelConfig.Dtype(), gorgonia.WithShape(batchSize, latentDim), gorgonia.WithName("generator_input"))
	labelGenerator := gorgonia.NewMatrix(ganGraph, modelConfig.Dtype(), gorgonia.WithShape(batchSize, numClasses), gorgonia.WithName("generator_input_label"))
	inputDiscriminator := gorgonia.NewTensor(discriminatorGraph, modelConfig.Dtype(), 4, gorgonia.WithShape(batchSize, 3, modelConfig.ImgSize, modelConfig.ImgSize), gorgonia.WithName("discriminator_input"))
	labelDiscriminator := gorgonia.NewMatrix(discriminatorGraph, modelConfig.Dtype(), gorgonia.WithShape(batchSize, numClasses), gorgonia.WithName("discriminator_input_label"))

	/* Feedforward generator and compose GAN on top of its output */
	err = generator.Fwd(inputGenerator, labelGenerator, batchSize, false)
	if err != nil {
		panic(err)
	}
	definedGAN, err := gan.NewGAN(ganGraph, generator, discriminator)
	if err != nil {
		panic(err)
	}
	ganOut, err := definedGAN.Fwd(labelGenerator, batchSize, false, false)
	if err != nil {
		panic(err)
	}

	/* Feedforward standalone discriminator in eval mode */
	discriminatorOut, err := discriminator.Fwd(inputDiscriminator, labelDiscriminator, batchSize, true, false)
	if err != nil {
		panic(err)
	}

	/* Prepare variables for storing outputs */
	var generatedImages, ganAdvScores gorgonia.Value
	gorgonia.Read(generator.Out(), &generatedImages)
	gorgonia.Read(ganOut.AdvOut, &ganAdvScores)
	var pooledFeatures, advScores gorgonia.Value
	gorgonia.Read(discriminatorOut.H, &pooledFeatures)
	gorgonia.Read(discriminatorOut.AdvOut, &advScores)

	/* Define tape machines */
	vmGAN := gorgonia.NewTapeMachine(ganGraph)
	defer vmGAN.Close()
	vmDiscriminator := gorgonia.NewTapeMachine(discriminatorGraph)
	defer vmDiscriminator.Close()

	/* Sample latent vectors and class labels */
	latentSpaceSamples := gan.NormRandDense(batchSize, latentDim, modelConfig.Dtype())
	labels := gan.RandLabels(batchSize, numClasses)
	oneHotLabels, err := gan.OneHotDense(labels, numClasses, modelConfig.Dtype())
	if err != nil {
		panic(err)
	}

	/* Run generator + discriminator copy */
	err = gorgonia.Let(inputGenerator, latentSpaceSamples)
	if err != nil {
		panic(err)
	}
	err = gorgonia.Let(labelGenerator, oneHotLabels)
	if err != nil {
		panic(err)
	}
	err = vmGAN.RunAll()
	if err != nil {
		panic(err)
	}
	vmGAN.Reset()
	fmt.Printf("Labels: %v\n", labels)
	fmt.Printf("Generated images shape: %v\n", generatedImages.Shape())
	fmt.Printf("GAN adversarial scores: %v\n", ganAdvScores)

	/* Run standalone discriminator on the generated images */
	err = gorgonia.Let(inputDiscriminator, generatedImages.(*tensor.Dense))
	if err != nil {
		panic(err)
	}
	err = gorgonia.Let(labelDiscriminator, oneHotLabels)
	if err != nil {
		panic(err)
	}
	err = vmDiscriminator.RunAll()
	if err != nil {
		panic(err)
	}
	vmDiscriminator.Reset()
	fmt.Printf("Pooled features shape: %v\n", pooledFeatures.Shape())
	fmt.Printf("Adversarial scores: %v\n", advScores)

	/* Save the red channel of the first generated image as a heatmap */
	firstChannel, err := generatedImages.(*tensor.Dense).Slice(tensor.S(0), tensor.S(0))
	if err != nil {
		panic(err)
	}
	err = gan.PlotFeatureMap(firstChannel, "generated_channel.png")
	if err != nil {
		panic(err)
	}
	fmt.Println("Saved first generated channel to generated_channel.png")
}
