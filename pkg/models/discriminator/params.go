package discriminator

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/nathanin/tfmodels/pkg/ops"
	"github.com/pkg/errors"
)

const (
	// Scope where the discriminator variables are created, relative to the context given to Adversarial.
	Scope = "adversary"

	// OptimizerScope holds the discriminator's own optimizer state (learning rate and step counters).
	OptimizerScope = "adversary_optimizer"

	// AdamScope is the absolute scope prefix of the discriminator's Adam moments, kept apart from the
	// main optimizer's.
	AdamScope = "adversary_adam"
)

// Hyperparameters read from the context.
const (
	// ParamKernels is the number of filters of the 3 convolution blocks, followed by the number of
	// units of the hidden dense layer. Default [32, 32, 32, 128].
	ParamKernels = "adversary_kernels"

	// ParamLearningRate for the discriminator's Adam optimizer. Default 5e-5.
	ParamLearningRate = "adversary_learning_rate"

	// ParamLambda is the weight of the adversarial term added to the generator's (or segmenter's) loss.
	// It is read by the models using the discriminator. Default 1.0.
	ParamLambda = "adversary_lambda"

	// ParamSoftenLabels enables adding N(0, stddev) noise to real inputs and to the real/fake targets.
	ParamSoftenLabels = "adversary_soften_labels"

	// ParamSoftenStddev is the standard deviation of the label softening noise. Default 0.01.
	ParamSoftenStddev = "adversary_soften_stddev"

	// ParamKeepProb is the keep probability of the dropout applied to the flattened features.
	ParamKeepProb = "adversary_keep_prob"

	// ParamNonlinearity is one of ops.ValidNonlinearities. Default "lrelu".
	ParamNonlinearity = "adversary_nonlinearity"
)

// DefaultParams returns the default discriminator hyperparameters, to be included in a
// model's default context with context.Context.SetParams.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamKernels:      []int{32, 32, 32, 128},
		ParamLearningRate: 5e-5,
		ParamLambda:       1.0,
		ParamSoftenLabels: true,
		ParamSoftenStddev: 0.01,
		ParamKeepProb:     0.5,
		ParamNonlinearity: "lrelu",
	}
}

// Config of the discriminator, usually built with FromContext.
type Config struct {
	Kernels      []int
	LearningRate float64
	Lambda       float64
	SoftenLabels bool
	SoftenStddev float64
	KeepProb     float64
	Nonlinearity string
}

// FromContext reads the discriminator configuration from the context hyperparameters,
// using DefaultParams for those not set.
func FromContext(ctx *context.Context) (*Config, error) {
	defaults := DefaultParams()
	cfg := &Config{
		Kernels:      context.GetParamOr(ctx, ParamKernels, defaults[ParamKernels].([]int)),
		LearningRate: context.GetParamOr(ctx, ParamLearningRate, defaults[ParamLearningRate].(float64)),
		Lambda:       context.GetParamOr(ctx, ParamLambda, defaults[ParamLambda].(float64)),
		SoftenLabels: context.GetParamOr(ctx, ParamSoftenLabels, defaults[ParamSoftenLabels].(bool)),
		SoftenStddev: context.GetParamOr(ctx, ParamSoftenStddev, defaults[ParamSoftenStddev].(float64)),
		KeepProb:     context.GetParamOr(ctx, ParamKeepProb, defaults[ParamKeepProb].(float64)),
		Nonlinearity: context.GetParamOr(ctx, ParamNonlinearity, defaults[ParamNonlinearity].(string)),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration values.
func (cfg *Config) Validate() error {
	if len(cfg.Kernels) != 4 {
		return errors.Errorf("%q must have 4 values (3 convolution blocks and the hidden layer), got %v",
			ParamKernels, cfg.Kernels)
	}
	for _, k := range cfg.Kernels {
		if k <= 0 {
			return errors.Errorf("%q values must be > 0, got %v", ParamKernels, cfg.Kernels)
		}
	}
	if cfg.LearningRate <= 0 {
		return errors.Errorf("%q must be > 0, got %g", ParamLearningRate, cfg.LearningRate)
	}
	if cfg.KeepProb <= 0 || cfg.KeepProb > 1 {
		return errors.Errorf("%q must be in (0, 1], got %g", ParamKeepProb, cfg.KeepProb)
	}
	if cfg.SoftenStddev < 0 {
		return errors.Errorf("%q must be >= 0, got %g", ParamSoftenStddev, cfg.SoftenStddev)
	}
	if !ops.IsValidNonlinearity(cfg.Nonlinearity) {
		return errors.Errorf("%q must be one of %q, got %q", ParamNonlinearity, ops.ValidNonlinearities, cfg.Nonlinearity)
	}
	return nil
}
