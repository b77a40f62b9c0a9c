// Package runner drives the training of the models: it owns the train.Trainer and train.Loop,
// the checkpoints, the periodic summaries (logged metrics and plot points) and the restoring of
// previous snapshots.
//
// The model itself is given as a train.ModelFn, a loss and the metrics, so the same runner
// trains the segmentation network and the generative models.
package runner

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SettingsFileName is the file, in the checkpoint directory, with the hyperparameters of the run.
const SettingsFileName = "settings.txt"

// Config of a Runner.
type Config struct {
	// Name of the model, used for the default checkpoint directory.
	Name string

	ModelFn      train.ModelFn
	LossFn       train.LossFn
	TrainMetrics []metrics.Interface
	EvalMetrics  []metrics.Interface

	// CheckpointDir where to save checkpoints. If it already holds checkpoints, training continues from the
	// latest one. If empty and CheckpointBase is set, a new directory named after the model and the run id
	// is created under CheckpointBase. If both are empty, no checkpoints are saved.
	CheckpointDir, CheckpointBase string

	// ParamsSet are the hyperparameters set in the command line: they are not overwritten by the values
	// stored in a checkpoint.
	ParamsSet []string

	// ProgressBar attaches a command-line progress bar to the training loop.
	ProgressBar bool

	// Prepare, if set, is called after the checkpoint is loaded and before the trainer is created. Models
	// use it to read their configuration from the (possibly restored) hyperparameters and set ModelFn,
	// LossFn and the metrics.
	Prepare func(ctx *context.Context, cfg *Config) error
}

// Runner trains a model.
type Runner struct {
	// RunID is a unique identifier of this training session, used in the logs.
	RunID string

	Backend    backends.Backend
	Ctx        *context.Context
	Trainer    *train.Trainer
	Loop       *train.Loop
	Checkpoint *checkpoints.Handler
	Summary    *Summary

	summaryIters int
	started      bool
}

// New creates the trainer and the loop for the model in cfg, with the optimizer configured in ctx.
//
// If a checkpoint directory is configured, it is created (or loaded, if it already exists), and
// the summary plot points are appended to plots.TrainingPlotFileName in it.
func New(backend backends.Backend, ctx *context.Context, cfg Config) (*Runner, error) {
	r := &Runner{
		RunID:        uuid.NewString(),
		Backend:      backend,
		Ctx:          ctx,
		summaryIters: summaryIters(ctx),
	}
	r.Summary = NewSummary(r.RunID)

	checkpointDir := cfg.CheckpointDir
	if checkpointDir == "" && cfg.CheckpointBase != "" {
		name := cfg.Name
		if name == "" {
			name = "model"
		}
		checkpointDir = filepath.Join(cfg.CheckpointBase, name+"_"+r.RunID)
	}
	if checkpointDir != "" {
		var err error
		r.Checkpoint, err = checkpoints.Build(ctx).
			Dir(checkpointDir).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 5)).
			ExcludeParams(append(cfg.ParamsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "creating checkpoints in %q", checkpointDir)
		}
		if err = r.Summary.WithFile(filepath.Join(r.Checkpoint.Dir(), plots.TrainingPlotFileName)); err != nil {
			return nil, err
		}
		settings := commandline.SprintContextSettings(ctx)
		if err = os.WriteFile(filepath.Join(r.Checkpoint.Dir(), SettingsFileName), []byte(settings+"\n"), 0644); err != nil {
			return nil, errors.Wrapf(err, "writing %s to %q", SettingsFileName, r.Checkpoint.Dir())
		}
		klog.Infof("[%s] checkpoints in %q (global step %d)", r.RunID, r.Checkpoint.Dir(), optimizers.GetGlobalStep(ctx))
	}

	if cfg.Prepare != nil {
		if err := cfg.Prepare(ctx, &cfg); err != nil {
			return nil, errors.WithMessagef(err, "preparing model %q", cfg.Name)
		}
	}
	if cfg.ModelFn == nil || cfg.LossFn == nil {
		return nil, errors.New("runner requires a ModelFn and a LossFn")
	}
	r.Trainer = train.NewTrainer(backend, ctx, cfg.ModelFn, cfg.LossFn,
		optimizers.FromContext(ctx), cfg.TrainMetrics, cfg.EvalMetrics)
	r.Loop = train.NewLoop(r.Trainer)
	if cfg.ProgressBar {
		commandline.AttachProgressBar(r.Loop, func() (string, string) { return "Run", r.RunID })
	}
	train.EveryNSteps(r.Loop, r.summaryIters, "summary", 100, r.Summary.Record)
	if r.Checkpoint != nil {
		period := time.Duration(context.GetParamOr(ctx, ParamCheckpointPeriod, 60)) * time.Second
		train.PeriodicCallback(r.Loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return r.Checkpoint.Save()
			})
	}
	return r, nil
}

// Restore loads the latest checkpoint in dir into the context. The variables are loaded as the model
// is built, so it must be called before the first training step.
//
// Failing to restore is not an error: it is logged and training continues from the current values.
// It returns whether a checkpoint was found.
func (r *Runner) Restore(dir string) bool {
	klog.Infof("[%s] restoring snapshot from %q", r.RunID, dir)
	if _, err := checkpoints.Load(r.Ctx).Dir(dir).Done(); err != nil {
		klog.Warningf("[%s] Failed! Continuing without loading snapshot: %v", r.RunID, err)
		return false
	}
	klog.Infof("[%s] restored global step %d", r.RunID, optimizers.GetGlobalStep(r.Ctx))
	return true
}

// Snapshot saves a checkpoint of the current model.
func (r *Runner) Snapshot() error {
	if r.Checkpoint == nil {
		return errors.New("no checkpoint directory configured, cannot save a snapshot")
	}
	if err := r.Checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "saving snapshot at step %d", r.GlobalStep())
	}
	klog.V(1).Infof("[%s] snapshot saved at step %d", r.RunID, r.GlobalStep())
	return nil
}

// GlobalStep is the number of training steps taken so far, including those of restored checkpoints.
func (r *Runner) GlobalStep() int64 {
	return optimizers.GetGlobalStep(r.Ctx)
}

// TrainStep runs one training step on the given batch. Every summary_iters steps the metrics are
// recorded in the Summary.
func (r *Runner) TrainStep(inputs, labels []*tensors.Tensor) ([]*tensors.Tensor, error) {
	r.reuseIfRestored()
	trainMetrics, err := r.Trainer.TrainStep(nil, inputs, labels)
	if err != nil {
		return nil, errors.WithMessagef(err, "train step %d", r.GlobalStep())
	}
	if r.GlobalStep()%int64(r.summaryIters) == 0 {
		if err = r.Summary.Record(r.Loop, trainMetrics); err != nil {
			return nil, err
		}
	}
	return trainMetrics, nil
}

// Run trains until the global step reaches the ParamTrainSteps hyperparameter.
//
// At the end, if bnDS is not nil, the batch normalization averages are updated with it, and a final
// checkpoint is saved.
func (r *Runner) Run(ds, bnDS train.Dataset) ([]*tensors.Tensor, error) {
	r.reuseIfRestored()
	targetStep := context.GetParamOr(r.Ctx, ParamTrainSteps, 0)
	globalStep := int(r.GlobalStep())
	if globalStep >= targetStep {
		klog.Infof("[%s] target %s=%d already reached (global step %d)", r.RunID, ParamTrainSteps, targetStep, globalStep)
		return nil, nil
	}
	klog.Infof("[%s] training from step %d to %d", r.RunID, globalStep, targetStep)
	trainMetrics, err := r.Loop.RunSteps(ds, targetStep-globalStep)
	if err != nil {
		return nil, errors.WithMessagef(err, "training loop of run %s", r.RunID)
	}
	klog.V(1).Infof("[%s] median train step: %s", r.RunID, commandline.FormatDuration(r.Loop.MedianTrainStepDuration()))

	if bnDS != nil {
		updated, err := batchnorm.UpdateAverages(r.Trainer, bnDS)
		if err != nil {
			return nil, err
		}
		if updated {
			klog.V(1).Infof("[%s] updated batch normalization averages", r.RunID)
		}
	}
	if r.Checkpoint != nil {
		if err = r.Snapshot(); err != nil {
			return nil, err
		}
	}
	return trainMetrics, nil
}

// Evaluate prints the evaluation metrics on each of the datasets.
func (r *Runner) Evaluate(datasets ...train.Dataset) error {
	return commandline.ReportEval(r.Trainer, datasets...)
}

// Close flushes the summary points.
func (r *Runner) Close() error {
	return r.Summary.Close()
}

// reuseIfRestored switches the trainer to reuse the variables if they came from a checkpoint.
// It only acts before the first training step.
func (r *Runner) reuseIfRestored() {
	if r.started {
		return
	}
	r.started = true
	if r.GlobalStep() > 0 {
		r.Trainer.SetContext(r.Ctx.Reuse())
	}
}
