// Package segmentation implements a VGG-style fully convolutional network (VGG-FCN) for per-pixel
// segmentation, with an optional adversarial loss from a discriminator judging the predicted label maps.
//
// The encoder has 4 blocks of two 3x3 convolutions, batch normalization and a 2x2 max-pool, so the
// input height and width must be divisible by 16. The decoder up-samples back to the input
// resolution in 3 steps (x4, x2, x2) and outputs the logits of each class for each pixel.
//
// Hyperparameters are read from the context, see CreateDefaultContext.
package segmentation

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/nathanin/tfmodels/pkg/ops"
)

// Model builds the VGG-FCN on the images x, shaped [batch, height, width, channels], and returns
// the per-pixel class logits, shaped [batch, height, width, cfg.NumClasses].
//
// Variables are created under ctx.In(cfg.Name). Dropout is only active while training.
func Model(ctx *context.Context, cfg *Config, x *Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("VGG-FCN input must be shaped [batch, height, width, channels], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	if dims[1]%16 != 0 || dims[2]%16 != 0 {
		exceptions.Panicf("VGG-FCN input height and width must be divisible by 16, got %s", x.Shape())
	}
	if dims[3] != cfg.XDims[2] {
		exceptions.Panicf("VGG-FCN configured for %d channels (%q=%v), got input shaped %s",
			cfg.XDims[2], ParamXDims, cfg.XDims, x.Shape())
	}
	ctx = ctx.In(cfg.Name)
	lrelu := ops.Nonlinearity("lrelu")
	h := x
	if h.DType() != cfg.DType {
		h = ConvertDType(h, cfg.DType)
	}

	// Encoder: 256 -> 128 -> 64 -> 32 -> 16 for the default x_dims.
	for block, channels := range cfg.ConvKernels {
		h = lrelu(ops.Conv(ctx.Inf("c%d_0", block), h, channels, 3, 1))
		if block == len(cfg.ConvKernels)-1 {
			h = ops.Dropout(ctx.Inf("c%d_0_dropout", block), h, cfg.KeepProb)
		}
		h = lrelu(ops.Conv(ctx.Inf("c%d_1", block), h, channels, 3, 1))
		h = ops.BatchNorm(ctx.Inf("c%d_1_bn", block), h)
		h = ops.Pool(h, 2)
	}

	// Decoder: 16 -> 64 -> 128 -> 256.
	d1 := ops.Deconv(ctx.In("d1"), h, cfg.DeconvKernels[1], 3, 4)
	d1 = ops.Conv(ctx.In("dc1"), d1, cfg.DeconvKernels[1], 3, 1)
	d1 = lrelu(ops.BatchNorm(ctx.In("d1_bn"), d1))

	d0 := ops.Deconv(ctx.In("d0"), d1, cfg.DeconvKernels[0], 3, 2)
	d0 = ops.Conv(ctx.In("dc0"), d0, cfg.DeconvKernels[0], 3, 1)
	d0 = lrelu(ops.BatchNorm(ctx.In("d0_bn"), d0))

	logits := ops.Deconv(ctx.In("y_hat"), d0, cfg.NumClasses, 3, 2)
	logits.AssertDims(dims[0], dims[1], dims[2], cfg.NumClasses)
	return logits
}
