package segmentation

import (
	"maps"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/nathanin/tfmodels/pkg/models/discriminator"
	"github.com/nathanin/tfmodels/pkg/ops"
	"github.com/nathanin/tfmodels/pkg/runner"
	"github.com/pkg/errors"
)

// Hyperparameters, set in the context with CreateDefaultContext.
const (
	// ParamName is the scope under which the segmentation network variables are created.
	ParamName = "name"

	// ParamXDims is the input image shape [height, width, channels]. Height and width must be divisible by 16.
	ParamXDims = "x_dims"

	// ParamConvKernels is the number of filters for each of the 4 encoder blocks.
	ParamConvKernels = "conv_kernels"

	// ParamDeconvKernels is the number of filters of the 2 decoder blocks, from the top (highest resolution).
	ParamDeconvKernels = "deconv_kernels"

	// ParamNumClasses is the number of segmentation classes. It has no default and must be set.
	ParamNumClasses = "n_classes"

	// ParamKeepProb is the keep probability of the dropout in the last encoder block, during training.
	ParamKeepProb = "keep_prob"

	// ParamAdversarial enables the adversarial loss from a discriminator judging the predicted label maps.
	ParamAdversarial = "adversarial"

	// ParamDType is the dtype of the model, "float32" by default.
	ParamDType = "dtype"
)

// DefaultName of the segmentation model scope.
const DefaultName = "VGGSeg"

// CreateDefaultContext returns a context with the default hyperparameters of the VGG-FCN.
//
// ParamNumClasses is left at 0 and must be set before building the model.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	params := map[string]any{
		ParamName:          DefaultName,
		ParamXDims:         []int{256, 256, 3},
		ParamConvKernels:   []int{32, 64, 128, 256},
		ParamDeconvKernels: []int{32, 64},
		ParamNumClasses:    0,
		ParamKeepProb:      0.5,
		ParamAdversarial:   false,
		ParamDType:         "float32",

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	}
	maps.Copy(params, runner.DefaultParams())
	maps.Copy(params, discriminator.DefaultParams())
	// The segmentation model trains its discriminator faster than the default.
	params[discriminator.ParamLearningRate] = 1e-4
	ctx.SetParams(params)
	return ctx
}

// Config holds the VGG-FCN configuration, read from the context hyperparameters.
type Config struct {
	Name          string
	XDims         []int
	ConvKernels   []int
	DeconvKernels []int
	NumClasses    int
	KeepProb      float64
	Adversarial   bool
	DType         dtypes.DType

	// Adversary is the discriminator configuration, only set if Adversarial is true.
	Adversary *discriminator.Config
}

// NewConfig reads the configuration from the context and validates it.
func NewConfig(ctx *context.Context) (*Config, error) {
	dtype, err := ops.ParseDType(context.GetParamOr(ctx, ParamDType, "float32"))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Name:          context.GetParamOr(ctx, ParamName, DefaultName),
		XDims:         context.GetParamOr(ctx, ParamXDims, []int{256, 256, 3}),
		ConvKernels:   context.GetParamOr(ctx, ParamConvKernels, []int{32, 64, 128, 256}),
		DeconvKernels: context.GetParamOr(ctx, ParamDeconvKernels, []int{32, 64}),
		NumClasses:    context.GetParamOr(ctx, ParamNumClasses, 0),
		KeepProb:      context.GetParamOr(ctx, ParamKeepProb, 0.5),
		Adversarial:   context.GetParamOr(ctx, ParamAdversarial, false),
		DType:         dtype,
	}
	if cfg.Adversarial {
		cfg.Adversary, err = discriminator.FromContext(ctx)
		if err != nil {
			return nil, errors.WithMessage(err, "adversarial segmentation")
		}
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate the configuration.
func (cfg *Config) Validate() error {
	if cfg.Name == "" {
		return errors.Errorf("%q cannot be empty", ParamName)
	}
	if cfg.NumClasses < 2 {
		return errors.Errorf("%q must be set to the number of classes (>= 2), got %d", ParamNumClasses, cfg.NumClasses)
	}
	if len(cfg.XDims) != 3 {
		return errors.Errorf("%q must be [height, width, channels], got %v", ParamXDims, cfg.XDims)
	}
	if cfg.XDims[0]%16 != 0 || cfg.XDims[1]%16 != 0 || cfg.XDims[0] <= 0 || cfg.XDims[1] <= 0 || cfg.XDims[2] <= 0 {
		return errors.Errorf("%q height and width must be positive multiples of 16, got %v", ParamXDims, cfg.XDims)
	}
	if len(cfg.ConvKernels) != 4 {
		return errors.Errorf("%q must have 4 values, got %v", ParamConvKernels, cfg.ConvKernels)
	}
	if len(cfg.DeconvKernels) != 2 {
		return errors.Errorf("%q must have 2 values, got %v", ParamDeconvKernels, cfg.DeconvKernels)
	}
	for _, k := range append(append([]int{}, cfg.ConvKernels...), cfg.DeconvKernels...) {
		if k <= 0 {
			return errors.Errorf("%q and %q values must be > 0, got %v and %v",
				ParamConvKernels, ParamDeconvKernels, cfg.ConvKernels, cfg.DeconvKernels)
		}
	}
	if cfg.KeepProb <= 0 || cfg.KeepProb > 1 {
		return errors.Errorf("%q must be in (0, 1], got %g", ParamKeepProb, cfg.KeepProb)
	}
	return nil
}
