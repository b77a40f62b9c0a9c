// Package ops holds the small layer building blocks shared by the models: convolutions, resize-convolutions
// ("deconv"), dense projections, pooling, dropout and the named non-linearities.
//
// Each function that creates variables takes the context already scoped for the layer, e.g.:
//
//	x = ops.Conv(ctx.In("c0_0"), x, 32, 3, 1)
//
// Calling it again with the same scope (and ctx.Reuse()) shares the weights.
package ops

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// LeakyReluAlpha is the negative slope used by the "lrelu" non-linearity.
const LeakyReluAlpha = 0.2

// ValidNonlinearities lists the names accepted by Nonlinearity.
var ValidNonlinearities = []string{"lrelu", "selu", "relu", "swish", "linear"}

// Nonlinearity returns the activation function for the given name.
// It panics (with exceptions.Panicf) for unknown names.
func Nonlinearity(name string) func(x *graph.Node) *graph.Node {
	switch name {
	case "lrelu":
		return func(x *graph.Node) *graph.Node { return activations.LeakyReluWithAlpha(x, LeakyReluAlpha) }
	case "selu":
		return activations.Selu
	case "relu":
		return activations.Relu
	case "swish":
		return activations.Swish
	case "linear", "":
		return func(x *graph.Node) *graph.Node { return x }
	}
	exceptions.Panicf("unknown non-linearity %q, valid values are %q", name, ValidNonlinearities)
	return nil
}

// IsValidNonlinearity reports whether name is accepted by Nonlinearity.
func IsValidNonlinearity(name string) bool {
	return name == "" || slices.Contains(ValidNonlinearities, name)
}

// Conv applies a 2D convolution with "SAME" padding and bias, channels-last.
// Variables are created directly in ctx.
func Conv(ctx *context.Context, x *graph.Node, channels, kernelSize, stride int) *graph.Node {
	if x.Rank() != 4 {
		exceptions.Panicf("ops.Conv requires x shaped [batch, height, width, channels], got %s", x.Shape())
	}
	return layers.Convolution(ctx, x).
		CurrentScope().
		Channels(channels).
		KernelSize(kernelSize).
		Strides(stride).
		PadSame().
		Done()
}

// UpSample resizes x (channels-last) by rate on both spatial axes, using nearest neighbour.
func UpSample(x *graph.Node, rate int) *graph.Node {
	if rate <= 1 {
		return x
	}
	return graph.Interpolate(x, images.GetUpSampledSizes(x, images.ChannelsLast, rate)...).Nearest().Done()
}

// Deconv is a learned up-sampling: x is resized by upsampleRate and then convolved with a
// kernelSize x kernelSize kernel to the given number of channels.
//
// The output spatial dimensions are the input's multiplied by upsampleRate.
func Deconv(ctx *context.Context, x *graph.Node, channels, kernelSize, upsampleRate int) *graph.Node {
	return Conv(ctx, UpSample(x, upsampleRate), channels, kernelSize, 1)
}

// Linear is a dense layer with bias applied on the last axis of x.
func Linear(ctx *context.Context, x *graph.Node, units int) *graph.Node {
	return layers.Dense(ctx, x, true, units)
}

// Flatten reshapes x to [batch, -1].
func Flatten(x *graph.Node) *graph.Node {
	return graph.Reshape(x, x.Shape().Dimensions[0], -1)
}

// Pool max-pools x with the given window, using the window also as stride and no padding.
func Pool(x *graph.Node, window int) *graph.Node {
	return graph.MaxPool(x).Window(window).Strides(window).NoPadding().Done()
}

// BatchNorm normalizes x over its channels (last) axis.
func BatchNorm(ctx *context.Context, x *graph.Node) *graph.Node {
	return batchnorm.New(ctx, x, -1).Done()
}

// Dropout drops elements of x with probability 1-keepProb, scaling the rest so the mean is preserved.
// It is only active while training (see context.Context.IsTraining) and a no-op if keepProb >= 1.
func Dropout(ctx *context.Context, x *graph.Node, keepProb float64) *graph.Node {
	if keepProb >= 1 {
		return x
	}
	if keepProb <= 0 {
		exceptions.Panicf("dropout keep probability must be in (0, 1], got %g", keepProb)
	}
	return layers.Dropout(ctx, x, graph.Scalar(x.Graph(), x.DType(), 1-keepProb))
}

var floatDTypes = map[string]dtypes.DType{
	"float32":  dtypes.Float32,
	"float64":  dtypes.Float64,
	"float16":  dtypes.Float16,
	"bfloat16": dtypes.BFloat16,
}

// ParseDType returns the float dtype for the "dtype" hyperparameter value (e.g. "float32").
func ParseDType(name string) (dtypes.DType, error) {
	dtype, found := floatDTypes[strings.ToLower(name)]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("invalid dtype %q, valid values are float32, float64, float16 and bfloat16", name)
	}
	return dtype, nil
}

// ScalarFloat returns the value of a scalar float tensor (e.g. a loss or a metric) as float64.
func ScalarFloat(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case float16.Float16:
		return float64(v.Float32())
	case bfloat16.BFloat16:
		return float64(v.Float32())
	}
	exceptions.Panicf("ScalarFloat requires a scalar float tensor, got %s", t.Shape())
	return 0
}
