// Package vae implements a convolutional variational autoencoder, optionally trained with the
// adversarial loss of the shared discriminator (VAE-GAN).
//
// The encoder maps an image to the mean and log-variance of a Gaussian over the latent space, a latent
// is sampled with the reparametrization trick, and the generator decodes it back to an image. The loss
// is the reconstruction error plus the KL divergence to the standard normal prior.
package vae

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/nathanin/tfmodels/pkg/ops"
)

// Encoder maps images shaped [batch, height, width, channels] to the parameters of the posterior
// over the latent space, mu and logVar, both shaped [batch, z_dim].
type Encoder interface {
	Encode(ctx *context.Context, x *Node) (mu, logVar *Node)
}

// Generator decodes latents shaped [batch, z_dim] to images shaped [batch, height, width, channels].
type Generator interface {
	Generate(ctx *context.Context, z *Node) *Node
}

// ConvEncoder is the default Encoder: two 4x4 stride 2 convolutions, a dense hidden layer and the dense
// mu and log_var projections.
type ConvEncoder struct {
	// Kernels are the filters of the 2 convolutions and the units of the hidden layer.
	Kernels      []int
	ZDim         int
	KeepProb     float64
	Nonlinearity string
}

// Encode implements Encoder.
func (e *ConvEncoder) Encode(ctx *context.Context, x *Node) (mu, logVar *Node) {
	nonlin := ops.Nonlinearity(e.Nonlinearity)
	h := nonlin(ops.Conv(ctx.In("c0"), x, e.Kernels[0], 4, 2))
	h = nonlin(ops.Conv(ctx.In("c1"), h, e.Kernels[1], 4, 2))
	h = ops.Flatten(h)
	h = ops.Dropout(ctx.In("flat_dropout"), h, e.KeepProb)
	h = nonlin(ops.Linear(ctx.In("h0"), h, e.Kernels[2]))
	mu = ops.Linear(ctx.In("mu"), h, e.ZDim)
	logVar = ops.Linear(ctx.In("log_var"), h, e.ZDim)
	return
}

// ConvGenerator is the default Generator: a dense projection reshaped to 1/4 of the image size, two
// 4x4 deconvolutions doubling the resolution each, and a linear 3x3 convolution to the image channels.
type ConvGenerator struct {
	// XDims is the generated image shape [height, width, channels].
	XDims []int

	// Kernels are the filters of the projection (and first deconvolution) and of the second deconvolution.
	Kernels      []int
	Nonlinearity string
}

// Generate implements Generator.
func (gen *ConvGenerator) Generate(ctx *context.Context, z *Node) *Node {
	nonlin := ops.Nonlinearity(gen.Nonlinearity)
	batchSize := z.Shape().Dimensions[0]
	height, width := gen.XDims[0]/4, gen.XDims[1]/4
	h := nonlin(ops.Linear(ctx.In("projection"), z, height*width*gen.Kernels[0]))
	h = Reshape(h, batchSize, height, width, gen.Kernels[0])
	h = nonlin(ops.Deconv(ctx.In("h0"), h, gen.Kernels[0], 4, 2))
	h = nonlin(ops.Deconv(ctx.In("h1"), h, gen.Kernels[1], 4, 2))
	return ops.Conv(ctx.In("x_hat"), h, gen.XDims[2], 3, 1)
}

// Encode runs the configured encoder on x, under the "<name>/encoder" scope.
func Encode(ctx *context.Context, cfg *Config, x *Node) (mu, logVar *Node) {
	checkImages(cfg, x)
	if x.DType() != cfg.DType {
		x = ConvertDType(x, cfg.DType)
	}
	mu, logVar = cfg.Encoder.Encode(ctx.In(cfg.Name).In("encoder"), x)
	if mu.Rank() != 2 || mu.Shape().Dimensions[1] != cfg.ZDim || !mu.Shape().Equal(logVar.Shape()) {
		exceptions.Panicf("encoder must return mu and logVar shaped [batch, %d], got %s and %s",
			cfg.ZDim, mu.Shape(), logVar.Shape())
	}
	return
}

// Generate runs the configured generator on z, under the "<name>/generator" scope.
func Generate(ctx *context.Context, cfg *Config, z *Node) *Node {
	if z.Rank() != 2 || z.Shape().Dimensions[1] != cfg.ZDim {
		exceptions.Panicf("latent must be shaped [batch, %d], got %s", cfg.ZDim, z.Shape())
	}
	if z.DType() != cfg.DType {
		z = ConvertDType(z, cfg.DType)
	}
	xHat := cfg.Generator.Generate(ctx.In(cfg.Name).In("generator"), z)
	xHat.AssertDims(z.Shape().Dimensions[0], cfg.XDims[0], cfg.XDims[1], cfg.XDims[2])
	return xHat
}

// Sample draws z ~ N(mu, exp(logVar)) with the reparametrization trick: z = mu + eps * exp(logVar / 2),
// with eps ~ N(0, 1). The gradient flows to mu and logVar.
func Sample(ctx *context.Context, mu, logVar *Node) *Node {
	eps := ctx.RandomNormal(mu.Graph(), mu.Shape())
	return Add(mu, Mul(eps, Exp(MulScalar(logVar, 0.5))))
}

// KLDivergence between N(mu, exp(logVar)) and the standard normal prior, per example:
//
//	-0.5 * sum(1 + logVar - mu^2 - exp(logVar))
//
// It returns a tensor shaped [batch].
func KLDivergence(mu, logVar *Node) *Node {
	terms := Sub(Sub(OnePlus(logVar), Square(mu)), Exp(logVar))
	return MulScalar(ReduceSum(terms, -1), -0.5)
}

// ReconstructionLoss is the sum of squared errors of each example, shaped [batch].
func ReconstructionLoss(x, xHat *Node) *Node {
	if x.DType() != xHat.DType() {
		x = ConvertDType(x, xHat.DType())
	}
	diff := Sub(x, xHat)
	return ReduceSum(Reshape(Square(diff), diff.Shape().Dimensions[0], -1), -1)
}

func checkImages(cfg *Config, x *Node) {
	if x.Rank() != 4 {
		exceptions.Panicf("VAE input must be shaped [batch, height, width, channels], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	if dims[1] != cfg.XDims[0] || dims[2] != cfg.XDims[1] || dims[3] != cfg.XDims[2] {
		exceptions.Panicf("VAE input must be shaped [batch, %d, %d, %d], got %s",
			cfg.XDims[0], cfg.XDims[1], cfg.XDims[2], x.Shape())
	}
}
