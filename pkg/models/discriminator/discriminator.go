// Package discriminator implements a convolutional GAN discriminator, shared by the segmentation
// model (where it judges label maps conditioned on the input image) and the generative models
// (where it judges images alone).
//
// Besides the network itself (Model), it provides the adversarial wiring (Adversarial) used
// inside a train.ModelFn: it computes the generator's adversarial loss and applies the
// discriminator's own optimizer step, restricted to the discriminator's variables.
package discriminator

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/nathanin/tfmodels/pkg/ops"
)

// MinSpatialSize is the smallest height/width accepted: the convolution blocks pool by 4, 2 and 2.
const MinSpatialSize = 16

// Model builds the discriminator on y (the label map or image being judged), optionally conditioned
// on x, concatenated to y on the channels axis. x can be nil.
//
// The variables are created in ctx: calling it again with ctx.Reuse() shares the weights.
//
// It returns the logits of y being real, shaped [batch, 1], and the hidden features, shaped
// [batch, cfg.Kernels[3]].
func Model(ctx *context.Context, cfg *Config, y, x *Node) (pReal, features *Node) {
	if y.Rank() != 4 {
		exceptions.Panicf("discriminator input must be shaped [batch, height, width, channels], got %s", y.Shape())
	}
	if y.Shape().Dimensions[1] < MinSpatialSize || y.Shape().Dimensions[2] < MinSpatialSize {
		exceptions.Panicf("discriminator input spatial dimensions must be >= %d, got %s", MinSpatialSize, y.Shape())
	}
	nonlin := ops.Nonlinearity(cfg.Nonlinearity)

	h := y
	if x != nil {
		if x.DType() != y.DType() {
			x = ConvertDType(x, y.DType())
		}
		h = Concatenate([]*Node{y, x}, -1)
	}

	h = nonlin(ops.Conv(ctx.In("h0_0"), h, cfg.Kernels[0], 5, 1))
	h = nonlin(ops.Conv(ctx.In("h0_1"), h, cfg.Kernels[0], 5, 1))
	h = ops.Pool(h, 4)

	h = nonlin(ops.Conv(ctx.In("h1_0"), h, cfg.Kernels[1], 3, 1))
	h = nonlin(ops.Conv(ctx.In("h1_1"), h, cfg.Kernels[1], 3, 1))
	h = ops.Pool(h, 2)

	h = nonlin(ops.Conv(ctx.In("h2_0"), h, cfg.Kernels[2], 3, 1))
	h = nonlin(ops.Conv(ctx.In("h2_1"), h, cfg.Kernels[2], 3, 1))
	h = ops.Pool(h, 2)

	h = ops.Flatten(h)
	h = ops.Dropout(ctx.In("h_flat_dropout"), h, cfg.KeepProb)
	features = nonlin(ops.Linear(ctx.In("h3"), h, cfg.Kernels[3]))
	pReal = ops.Linear(ctx.In("p_real"), features, 1)
	return
}
