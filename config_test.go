package gan

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		LatentDim:  128,
		ImgSize:    32,
		NumClasses: 10,
		EmbedDim:   256,
		GenCond:    GenCondBN,
	}
}

func TestConfigValidateSupportedPairs(t *testing.T) {
	condMethods := []DiscCondMethod{DiscCondNone, DiscCondAC, DiscCondPD, DiscCond2C, DiscCondD2DCE, DiscCondMD, DiscCondMH}
	auxTypes := []AuxClsType{AuxClsNone, AuxClsTAC, AuxClsADC}
	for _, cond := range condMethods {
		for _, aux := range auxTypes {
			cfg := baseConfig()
			cfg.DiscCond = cond
			cfg.AuxCls = aux
			err := cfg.Validate()
			tacSupported := cond == DiscCondAC || cond == DiscCond2C || cond == DiscCondD2DCE
			if aux == AuxClsTAC && !tacSupported {
				require.Error(t, err, fmt.Sprintf("pair (%s, %s) must be rejected", cond, aux))
				continue
			}
			require.NoError(t, err, fmt.Sprintf("pair (%s, %s) must be accepted", cond, aux))
		}
	}
}

func TestConfigValidateRejectsUnknownValues(t *testing.T) {
	cfg := baseConfig()
	cfg.GenCond = GenCondMethod(42)
	require.Error(t, cfg.Validate())

	cfg = baseConfig()
	cfg.DiscCond = DiscCondMethod(42)
	require.Error(t, cfg.Validate())

	cfg = baseConfig()
	cfg.AuxCls = AuxClsType(42)
	require.Error(t, cfg.Validate())

	cfg = baseConfig()
	cfg.GenInit = InitScheme(42)
	require.Error(t, cfg.Validate())
}

func TestConfigValidateDimensions(t *testing.T) {
	cfg := baseConfig()
	cfg.ImgSize = 64
	require.Error(t, cfg.Validate(), "channel schedule is fixed for 32x32")

	cfg = baseConfig()
	cfg.LatentDim = 0
	require.Error(t, cfg.Validate())

	cfg = baseConfig()
	cfg.NumClasses = 0
	require.Error(t, cfg.Validate(), "cBN needs classes")

	cfg = baseConfig()
	cfg.GenCond = GenCondNone
	cfg.NumClasses = 0
	require.NoError(t, cfg.Validate(), "fully unconditional family needs no classes")

	cfg = baseConfig()
	cfg.DiscCond = DiscCond2C
	cfg.EmbedDim = 0
	require.Error(t, cfg.Validate(), "contrastive heads need embedding dimensionality")
}

func TestConfigDtype(t *testing.T) {
	cfg := baseConfig()
	require.Equal(t, "float64", cfg.Dtype().Name())
	cfg.MixedPrecision = true
	require.Equal(t, "float32", cfg.Dtype().Name())
}

func TestConfigEffectiveClasses(t *testing.T) {
	cfg := baseConfig()
	require.Equal(t, 10, cfg.effectiveClasses())
	cfg.AuxCls = AuxClsADC
	require.Equal(t, 20, cfg.effectiveClasses())
}
