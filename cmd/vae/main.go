// vae trains a convolutional variational autoencoder, optionally with a discriminator on the
// reconstructions (VAE-GAN), on synthetic images.
//
// Hyperparameters are set with -set, e.g.:
//
//	vae -checkpoint_base=~/work/vae -set="z_dim=32;adversarial=true" -samples=samples.png
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/nathanin/tfmodels/pkg/datasets/synthetic"
	"github.com/nathanin/tfmodels/pkg/imageio"
	"github.com/nathanin/tfmodels/pkg/models/vae"
	"github.com/nathanin/tfmodels/pkg/runner"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. "+
		"If it has checkpoints, training continues from the latest one.")
	flagCheckpointBase = flag.String("checkpoint_base", "", "If -checkpoint is empty, a new checkpoint "+
		"directory named after the model and the run id is created under this one.")
	flagRestore = flag.String("restore", "", "Checkpoint directory with a snapshot to initialize the model from.")

	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagSamples    = flag.String("samples", "", "If set, save a PNG with validation images next to their reconstructions.")
	flagNumSamples = flag.Int("num_samples", 8, "Number of images generated from the prior, appended to -samples.")
	flagLossPlot   = flag.String("loss_plot", "", "If set, save the loss curves to this file (.png, .svg or .html).")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagNumTrain = flag.Int("num_train", 1024, "Number of synthetic training images.")
	flagNumValid = flag.Int("num_valid", 128, "Number of synthetic validation images.")
)

func createDefaultContext() *context.Context {
	ctx := vae.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		vae.ParamXDims:        []int{64, 64, 3},
		runner.ParamBatchSize: 32,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if err := trainModel(ctx, paramsSet); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

func trainModel(ctx *context.Context, paramsSet []string) error {
	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	var cfg *vae.Config
	r, err := runner.New(backend, ctx, runner.Config{
		Name:           "vae",
		CheckpointDir:  *flagCheckpoint,
		CheckpointBase: *flagCheckpointBase,
		ParamsSet:      paramsSet,
		ProgressBar:    *flagVerbosity >= 0,
		Prepare: func(ctx *context.Context, rc *runner.Config) (err error) {
			cfg, err = vae.NewConfig(ctx)
			if err != nil {
				return err
			}
			rc.ModelFn = vae.ModelFn(cfg)
			rc.LossFn = vae.Loss
			rc.TrainMetrics, rc.EvalMetrics = vae.Metrics(cfg)
			return nil
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	if *flagRestore != "" {
		r.Restore(*flagRestore)
	}

	batchSize := context.GetParamOr(ctx, runner.ParamBatchSize, 32)
	evalBatchSize := context.GetParamOr(ctx, runner.ParamEvalBatchSize, batchSize)
	dsCfg := synthetic.Config{
		Name:     "Training",
		N:        *flagNumTrain,
		Height:   cfg.XDims[0],
		Width:    cfg.XDims[1],
		Channels: cfg.XDims[2],
		Seed:     1,
	}
	baseTrain, err := synthetic.Images(backend, dsCfg)
	if err != nil {
		return err
	}
	dsCfg.Name, dsCfg.N, dsCfg.Seed = "Validation", *flagNumValid, 2
	baseValid, err := synthetic.Images(backend, dsCfg)
	if err != nil {
		return err
	}
	trainDS := baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS := baseTrain.BatchSize(evalBatchSize, false)
	validDS := baseValid.BatchSize(evalBatchSize, false)

	if _, err = r.Run(trainDS, nil); err != nil {
		return err
	}
	if *flagVerbosity >= 1 {
		runner.PrintInfo(os.Stdout, "VAE", r.Ctx)
		fmt.Printf("Trained %s steps\n", humanize.Comma(r.GlobalStep()))
	}
	if *flagEval {
		if err = r.Evaluate(validDS, trainEvalDS); err != nil {
			return err
		}
	}
	if *flagLossPlot != "" {
		if err = r.Summary.SaveLossPlot(*flagLossPlot); err != nil {
			return err
		}
	}
	if *flagSamples != "" {
		validDS.Reset()
		if err = saveSamples(backend, r.Ctx, cfg, validDS, *flagSamples); err != nil {
			return err
		}
	}
	return nil
}

// saveSamples saves a grid with the first batch of ds next to its reconstructions, followed by rows of
// images generated from the prior.
func saveSamples(backend backends.Backend, ctx *context.Context, cfg *vae.Config,
	ds train.Dataset, filePath string) error {
	_, inputs, _, err := ds.Yield()
	if err != nil {
		return errors.WithMessage(err, "reading samples")
	}
	predictor, err := vae.NewPredictor(backend, ctx, cfg)
	if err != nil {
		return err
	}
	reconstructed, err := predictor.Reconstruct(inputs[0])
	if err != nil {
		return err
	}
	originals, err := imageio.TensorToImages(inputs[0])
	if err != nil {
		return err
	}
	decoded, err := imageio.TensorToImages(reconstructed)
	if err != nil {
		return err
	}
	grid, err := imageio.SideBySide(originals, decoded)
	if err != nil {
		return err
	}
	if *flagNumSamples > 0 {
		// Pad the samples to an even count, to keep two columns.
		generated, err := predictor.Sample(*flagNumSamples + *flagNumSamples%2)
		if err != nil {
			return err
		}
		sampled, err := imageio.TensorToImages(generated)
		if err != nil {
			return err
		}
		grid = append(grid, sampled...)
	}
	if err = imageio.SaveGrid(filePath, grid, 2, 0); err != nil {
		return err
	}
	klog.Infof("saved %d reconstructions and %d samples to %q", len(originals), *flagNumSamples, filePath)
	return nil
}
