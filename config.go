package gan

import (
	"fmt"

	"gorgonia.org/tensor"
)

// GenCondMethod Conditioning method for generator part
type GenCondMethod uint16

const (
	// GenCondNone Unconditional generation: plain batch normalization, labels are ignored
	GenCondNone = GenCondMethod(iota)
	// GenCondBN Class-conditional batch normalization: per-class affine parameters after normalization
	GenCondBN
)

func (m GenCondMethod) String() string {
	switch m {
	case GenCondNone:
		return "W/O"
	case GenCondBN:
		return "cBN"
	default:
		return fmt.Sprintf("GenCondMethod(%d)", uint16(m))
	}
}

// DiscCondMethod Conditioning method for discriminator part
type DiscCondMethod uint16

const (
	// DiscCondNone Unconditional discrimination
	DiscCondNone = DiscCondMethod(iota)
	// DiscCondAC Auxiliary classifier head over pooled features
	DiscCondAC
	// DiscCondPD Projection discrimination: label embedding dotted with pooled features
	DiscCondPD
	// DiscCond2C Two contrastive embeddings (data embedding + class proxy)
	DiscCond2C
	// DiscCondD2DCE Data-to-data cross-entropy variant of the contrastive head
	DiscCondD2DCE
	// DiscCondMD Multi-dimensional head: per-class scores, gathered by label
	DiscCondMD
	// DiscCondMH Multi-hot head: single linear producing 1+num_classes scores
	DiscCondMH
)

func (m DiscCondMethod) String() string {
	switch m {
	case DiscCondNone:
		return "W/O"
	case DiscCondAC:
		return "AC"
	case DiscCondPD:
		return "PD"
	case DiscCond2C:
		return "2C"
	case DiscCondD2DCE:
		return "D2DCE"
	case DiscCondMD:
		return "MD"
	case DiscCondMH:
		return "MH"
	default:
		return fmt.Sprintf("DiscCondMethod(%d)", uint16(m))
	}
}

// AuxClsType Type of extra classifier attached to the discriminator
type AuxClsType uint16

const (
	// AuxClsNone No extra classifier
	AuxClsNone = AuxClsType(iota)
	// AuxClsTAC Twin auxiliary classifier: independent second head of the same architecture
	AuxClsTAC
	// AuxClsADC Auxiliary discriminative classifier: label space doubled into real/fake per class
	AuxClsADC
)

func (t AuxClsType) String() string {
	switch t {
	case AuxClsNone:
		return "None"
	case AuxClsTAC:
		return "TAC"
	case AuxClsADC:
		return "ADC"
	default:
		return fmt.Sprintf("AuxClsType(%d)", uint16(t))
	}
}

// Channel schedules are fixed for the 32x32 model family:
// generator goes 4x4x512 -> 32x32x64 before the final RGB convolution,
// discriminator mirrors it down to 256 channels before the trailing 512-wide convolution.
var (
	genInDims   = []int{512, 256, 128}
	genOutDims  = []int{256, 128, 64}
	discInDims  = []int{3, 64, 128}
	discOutDims = []int{64, 128, 256}
)

// discFeatures Width of pooled feature vector 'h' every discriminator head consumes
const discFeatures = 512

// Config Immutable description of the whole model family.
// A single Config value fixes which weight tensors exist in both networks,
// so every invalid combination must be rejected here (or in constructors) and
// never at forward time.
//
// LatentDim - size of generator's input noise vector
// ImgSize - spatial resolution of images (the channel schedule fixes it to 32)
// NumClasses - number of classes, labels are integers in [0, NumClasses)
// EmbedDim - dimensionality of contrastive embeddings (2C/D2DCE heads)
// ApplyAttn - whether to insert self-attention stages at all
// AttnGenLoc/AttnDiscLoc - 1-based block positions after which self-attention is inserted
// GenCond/DiscCond/AuxCls - conditioning strategy selectors
// SpectralNorm - spectral normalization for discriminator weights (mutually exclusive with its batch normalization)
// NormalizeEmbed - L2-normalize classifier weights and pooled features before dot products
// GenInit/DiscInit - weight initialization schemes
// MixedPrecision - build graphs in float32 instead of float64
//
type Config struct {
	LatentDim      int
	ImgSize        int
	NumClasses     int
	EmbedDim       int
	ApplyAttn      bool
	AttnGenLoc     []int
	AttnDiscLoc    []int
	GenCond        GenCondMethod
	DiscCond       DiscCondMethod
	AuxCls         AuxClsType
	SpectralNorm   bool
	NormalizeEmbed bool
	GenInit        InitScheme
	DiscInit       InitScheme
	MixedPrecision bool
}

// Dtype Returns tensor element type for the whole model family.
// Mixed precision in a static graph engine is a construction-time choice, not a runtime scope.
func (cfg Config) Dtype() tensor.Dtype {
	if cfg.MixedPrecision {
		return tensor.Float32
	}
	return tensor.Float64
}

// Validate Checks internal consistency of provided configuration.
// Both network constructors call it, so an invalid combination can not survive until forward time.
func (cfg Config) Validate() error {
	if cfg.LatentDim < 1 {
		return fmt.Errorf("Latent dimensionality must be >= 1, but got %d", cfg.LatentDim)
	}
	if cfg.ImgSize != 4<<len(genInDims) {
		return fmt.Errorf("Channel schedule is fixed for image size %d, but got %d", 4<<len(genInDims), cfg.ImgSize)
	}
	if cfg.GenCond > GenCondBN {
		return fmt.Errorf("Generator conditioning method '%s' is not supported", cfg.GenCond)
	}
	if cfg.DiscCond > DiscCondMH {
		return fmt.Errorf("Discriminator conditioning method '%s' is not supported", cfg.DiscCond)
	}
	if cfg.AuxCls > AuxClsADC {
		return fmt.Errorf("Auxiliary classifier type '%s' is not supported", cfg.AuxCls)
	}
	if cfg.AuxCls == AuxClsTAC {
		switch cfg.DiscCond {
		case DiscCondAC, DiscCond2C, DiscCondD2DCE:
		default:
			return fmt.Errorf("Auxiliary classifier type '%s' can not be combined with discriminator conditioning method '%s'", cfg.AuxCls, cfg.DiscCond)
		}
	}
	if cfg.needLabels() && cfg.NumClasses < 1 {
		return fmt.Errorf("Conditioning method '%s'/'%s'/'%s' needs number of classes >= 1, but got %d", cfg.GenCond, cfg.DiscCond, cfg.AuxCls, cfg.NumClasses)
	}
	if (cfg.DiscCond == DiscCond2C || cfg.DiscCond == DiscCondD2DCE) && cfg.EmbedDim < 1 {
		return fmt.Errorf("Discriminator conditioning method '%s' needs embedding dimensionality >= 1, but got %d", cfg.DiscCond, cfg.EmbedDim)
	}
	if err := cfg.GenInit.validate(); err != nil {
		return err
	}
	if err := cfg.DiscInit.validate(); err != nil {
		return err
	}
	return nil
}

func (cfg Config) needLabels() bool {
	return cfg.GenCond != GenCondNone || cfg.DiscCond != DiscCondNone || cfg.AuxCls != AuxClsNone
}

// effectiveClasses Class count used for sizing conditioning heads.
// ADC doubles the label space: even indices encode real-class, odd ones fake-class samples.
func (cfg Config) effectiveClasses() int {
	if cfg.AuxCls == AuxClsADC {
		return cfg.NumClasses * 2
	}
	return cfg.NumClasses
}
