package vae

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
	// ParamName is the scope under which the VAE variables are created.
	ParamName = "name"

	// ParamXDims is the image shape [height, width, channels]. Height and width must be divisible by 4.
	ParamXDims = "x_dims"

	// ParamZDim is the dimension of the latent space.
	ParamZDim = "z_dim"

	// ParamEncKernels are the filters of the 2 encoder convolutions, followed by the units of the hidden dense layer.
	ParamEncKernels = "enc_kernels"

	// ParamGenKernels are the filters of the generator's layers: the projection and the 2 deconvolutions use
	// the first two values, extra values are ignored.
	ParamGenKernels = "gen_kernels"

	// ParamKeepProb is the keep probability of the dropout applied to the encoder's flattened features.
	ParamKeepProb = "keep_prob"

	// ParamNonlinearity is one of ops.ValidNonlinearities.
	ParamNonlinearity = "nonlinearity"

	// ParamAdversarial adds a discriminator judging the reconstructions (VAE-GAN).
	ParamAdversarial = "adversarial"

	// ParamDType is the dtype of the model, "float32" by default.
	ParamDType = "dtype"
)

// DefaultName of the VAE scope.
const DefaultName = "vae"

// CreateDefaultContext returns a context with the default hyperparameters of the VAE.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	params := map[string]any{
		ParamName:         DefaultName,
		ParamXDims:        []int{256, 256, 3},
		ParamZDim:         16,
		ParamEncKernels:   []int{32, 64, 128},
		ParamGenKernels:   []int{32, 64, 128, 256},
		ParamKeepProb:     0.5,
		ParamNonlinearity: "selu",
		ParamAdversarial:  false,
		ParamDType:        "float32",

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-4,
	}
	maps.Copy(params, runner.DefaultParams())
	maps.Copy(params, discriminator.DefaultParams())
	params[runner.ParamBatchSize] = 128
	ctx.SetParams(params)
	return ctx
}

// Config of the VAE, read from the context hyperparameters.
type Config struct {
	Name         string
	XDims        []int
	ZDim         int
	EncKernels   []int
	GenKernels   []int
	KeepProb     float64
	Nonlinearity string
	Adversarial  bool
	DType        dtypes.DType

	// Encoder and Generator networks. NewConfig sets them to ConvEncoder and ConvGenerator, and they
	// can be replaced by custom implementations before building the model.
	Encoder   Encoder
	Generator Generator

	// Adversary is the discriminator configuration, only set if Adversarial is true.
	Adversary *discriminator.Config
}

// NewConfig reads the configuration from the context, with the default convolutional encoder and generator.
func NewConfig(ctx *context.Context) (*Config, error) {
	dtype, err := ops.ParseDType(context.GetParamOr(ctx, ParamDType, "float32"))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Name:         context.GetParamOr(ctx, ParamName, DefaultName),
		XDims:        context.GetParamOr(ctx, ParamXDims, []int{256, 256, 3}),
		ZDim:         context.GetParamOr(ctx, ParamZDim, 16),
		EncKernels:   context.GetParamOr(ctx, ParamEncKernels, []int{32, 64, 128}),
		GenKernels:   context.GetParamOr(ctx, ParamGenKernels, []int{32, 64, 128, 256}),
		KeepProb:     context.GetParamOr(ctx, ParamKeepProb, 0.5),
		Nonlinearity: context.GetParamOr(ctx, ParamNonlinearity, "selu"),
		Adversarial:  context.GetParamOr(ctx, ParamAdversarial, false),
		DType:        dtype,
	}
	if cfg.Adversarial {
		cfg.Adversary, err = discriminator.FromContext(ctx)
		if err != nil {
			return nil, errors.WithMessage(err, "VAE-GAN")
		}
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Encoder = &ConvEncoder{
		Kernels:      cfg.EncKernels,
		ZDim:         cfg.ZDim,
		KeepProb:     cfg.KeepProb,
		Nonlinearity: cfg.Nonlinearity,
	}
	cfg.Generator = &ConvGenerator{
		XDims:        cfg.XDims,
		Kernels:      cfg.GenKernels,
		Nonlinearity: cfg.Nonlinearity,
	}
	return cfg, nil
}

// Validate the configuration. The Encoder and Generator are not checked.
func (cfg *Config) Validate() error {
	if cfg.Name == "" {
		return errors.Errorf("%q cannot be empty", ParamName)
	}
	if len(cfg.XDims) != 3 || cfg.XDims[0] <= 0 || cfg.XDims[1] <= 0 || cfg.XDims[2] <= 0 {
		return errors.Errorf("%q must be [height, width, channels], got %v", ParamXDims, cfg.XDims)
	}
	if cfg.XDims[0]%4 != 0 || cfg.XDims[1]%4 != 0 {
		return errors.Errorf("%q height and width must be multiples of 4, got %v", ParamXDims, cfg.XDims)
	}
	if cfg.ZDim <= 0 {
		return errors.Errorf("%q must be > 0, got %d", ParamZDim, cfg.ZDim)
	}
	if len(cfg.EncKernels) != 3 {
		return errors.Errorf("%q must have 3 values, got %v", ParamEncKernels, cfg.EncKernels)
	}
	if len(cfg.GenKernels) < 2 {
		return errors.Errorf("%q must have at least 2 values, got %v", ParamGenKernels, cfg.GenKernels)
	}
	for _, k := range append(append([]int{}, cfg.EncKernels...), cfg.GenKernels...) {
		if k <= 0 {
			return errors.Errorf("%q and %q values must be > 0, got %v and %v",
				ParamEncKernels, ParamGenKernels, cfg.EncKernels, cfg.GenKernels)
		}
	}
	if cfg.KeepProb <= 0 || cfg.KeepProb > 1 {
		return errors.Errorf("%q must be in (0, 1], got %g", ParamKeepProb, cfg.KeepProb)
	}
	if cfg.Adversarial && (cfg.XDims[0] < discriminator.MinSpatialSize || cfg.XDims[1] < discriminator.MinSpatialSize) {
		return errors.Errorf("adversarial VAE requires images of at least %dx%d, got %v",
			discriminator.MinSpatialSize, discriminator.MinSpatialSize, cfg.XDims)
	}
	if !ops.IsValidNonlinearity(cfg.Nonlinearity) {
		return errors.Errorf("%q must be one of %q, got %q", ParamNonlinearity, ops.ValidNonlinearities, cfg.Nonlinearity)
	}
	return nil
}
