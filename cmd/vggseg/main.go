// vggseg trains the VGG-FCN segmentation model, optionally with an adversarial loss, on synthetic
// images of random shapes.
//
// Hyperparameters are set with -set, e.g.:
//
//	vggseg -checkpoint_base=~/work/vggseg -set="adversarial=true;train_steps=2000" -samples=samples.png
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
	"github.com/nathanin/tfmodels/pkg/models/segmentation"
	"github.com/nathanin/tfmodels/pkg/runner"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. "+
		"If it has checkpoints, training continues from the latest one.")
	flagCheckpointBase = flag.String("checkpoint_base", "", "If -checkpoint is empty, a new checkpoint "+
		"directory named after the model and the run id is created under this one. If both are empty, no "+
		"checkpoints are saved.")
	flagRestore = flag.String("restore", "", "Checkpoint directory with a snapshot to initialize the model from.")

	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagSamples   = flag.String("samples", "", "If set, save a PNG with validation images, true and predicted masks.")
	flagLossPlot  = flag.String("loss_plot", "", "If set, save the loss curves to this file (.png, .svg or .html).")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagNumTrain = flag.Int("num_train", 1024, "Number of synthetic training examples.")
	flagNumValid = flag.Int("num_valid", 128, "Number of synthetic validation examples.")
)

func createDefaultContext() *context.Context {
	ctx := segmentation.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		segmentation.ParamXDims:      []int{64, 64, 3},
		segmentation.ParamNumClasses: 4,
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

	var cfg *segmentation.Config
	r, err := runner.New(backend, ctx, runner.Config{
		Name:           "vggseg",
		CheckpointDir:  *flagCheckpoint,
		CheckpointBase: *flagCheckpointBase,
		ParamsSet:      paramsSet,
		ProgressBar:    *flagVerbosity >= 0,
		Prepare: func(ctx *context.Context, rc *runner.Config) (err error) {
			cfg, err = segmentation.NewConfig(ctx)
			if err != nil {
				return err
			}
			rc.ModelFn = segmentation.ModelFn(cfg)
			rc.LossFn = segmentation.Loss
			rc.TrainMetrics, rc.EvalMetrics = segmentation.Metrics(cfg)
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

	trainDS, trainEvalDS, validDS, err := createDatasets(backend, ctx, cfg)
	if err != nil {
		return err
	}
	if _, err = r.Run(trainDS, trainEvalDS); err != nil {
		return err
	}
	if *flagVerbosity >= 1 {
		runner.PrintInfo(os.Stdout, "VGG-FCN", r.Ctx)
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

func createDatasets(backend backends.Backend, ctx *context.Context, cfg *segmentation.Config) (
	trainDS, trainEvalDS, validDS train.Dataset, err error) {
	batchSize := context.GetParamOr(ctx, runner.ParamBatchSize, 16)
	evalBatchSize := context.GetParamOr(ctx, runner.ParamEvalBatchSize, batchSize)
	dsCfg := synthetic.Config{
		Name:       "Training",
		N:          *flagNumTrain,
		Height:     cfg.XDims[0],
		Width:      cfg.XDims[1],
		Channels:   cfg.XDims[2],
		NumClasses: cfg.NumClasses,
		Seed:       1,
	}
	baseTrain, err := synthetic.ImageMask(backend, dsCfg)
	if err != nil {
		return
	}
	dsCfg.Name, dsCfg.N, dsCfg.Seed = "Validation", *flagNumValid, 2
	baseValid, err := synthetic.ImageMask(backend, dsCfg)
	if err != nil {
		return
	}
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	validDS = baseValid.BatchSize(evalBatchSize, false)
	return
}

// saveSamples saves the first batch of ds as a grid with one row per example: the image, the true mask
// and the predicted mask.
func saveSamples(backend backends.Backend, ctx *context.Context, cfg *segmentation.Config,
	ds train.Dataset, filePath string) error {
	_, inputs, labels, err := ds.Yield()
	if err != nil {
		return errors.WithMessage(err, "reading samples")
	}
	if err = segmentation.ValidateMask(cfg, labels[0]); err != nil {
		return err
	}
	predictor, err := segmentation.NewPredictor(backend, ctx, cfg)
	if err != nil {
		return err
	}
	predicted, err := predictor.InferenceMask(inputs[0])
	if err != nil {
		return err
	}
	images, err := imageio.TensorToImages(inputs[0])
	if err != nil {
		return err
	}
	trueMasks, err := imageio.ColorizeMask(labels[0])
	if err != nil {
		return err
	}
	predictedMasks, err := imageio.ColorizeMask(predicted)
	if err != nil {
		return err
	}
	grid, err := imageio.SideBySide(images, trueMasks, predictedMasks)
	if err != nil {
		return err
	}
	if err = imageio.SaveGrid(filePath, grid, 3, 0); err != nil {
		return err
	}
	klog.Infof("saved %d samples to %q", len(images), filePath)
	return nil
}
