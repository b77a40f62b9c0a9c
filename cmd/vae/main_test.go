package main

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/nathanin/tfmodels/pkg/models/discriminator"
	"github.com/nathanin/tfmodels/pkg/models/vae"
	"github.com/nathanin/tfmodels/pkg/runner"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var (
	flagSettings *string
	muDemo       sync.Mutex
)

func init() {
	klog.InitFlags(nil)
	ctx := createDefaultContext()
	flagSettings = commandline.CreateContextSettingsFlag(ctx, "")
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// For testing, we use the CPU backend (and avoid GPU if not explicitly requested).
		must.M(os.Setenv(backends.ConfigEnvVar, "xla:cpu"))
	}
}

// TestDemo trains a small VAE-GAN for a few steps. It is disabled for short tests.
func TestDemo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}
	muDemo.Lock()
	defer muDemo.Unlock()

	dir := t.TempDir()
	*flagCheckpoint = filepath.Join(dir, "checkpoint")
	*flagSamples = filepath.Join(dir, "samples.png")
	*flagLossPlot = filepath.Join(dir, "loss.svg")
	*flagNumTrain, *flagNumValid, *flagNumSamples = 32, 4, 3
	*flagVerbosity = -1

	ctx := createDefaultContext()
	ctx.SetParams(map[string]any{
		runner.ParamTrainSteps:     5,
		runner.ParamBatchSize:      4,
		runner.ParamEvalBatchSize:  4,
		runner.ParamSummaryIters:   2,
		vae.ParamXDims:             []int{16, 16, 3},
		vae.ParamZDim:              4,
		vae.ParamEncKernels:        []int{4, 4, 8},
		vae.ParamGenKernels:        []int{4, 4},
		vae.ParamAdversarial:       true,
		discriminator.ParamKernels: []int{4, 4, 4, 8},
	})
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *flagSettings))
	require.NoError(t, trainModel(ctx, paramsSet))
	for _, name := range []string{"samples.png", "loss.svg", filepath.Join("checkpoint", runner.SettingsFileName)} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, "missing %s", name)
	}
}
