package vae

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Predictor runs the trained VAE, with the variables of the context it was created with.
// Dropout is disabled and reconstructions decode the posterior mean.
type Predictor struct {
	cfg *Config

	generateExec, encodeExec, reconstructExec, sampleExec *context.Exec
}

// NewPredictor creates a Predictor for the model in ctx. The variables must already exist
// (trained or loaded from a checkpoint) in ctx.
func NewPredictor(backend backends.Backend, ctx *context.Context, cfg *Config) (*Predictor, error) {
	p := &Predictor{cfg: cfg}
	ctx = ctx.Reuse()
	var err error
	p.generateExec, err = context.NewExec(backend, ctx, func(ctx *context.Context, z *Node) *Node {
		return Generate(ctx, cfg, z)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating VAE generator")
	}
	p.encodeExec, err = context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) (mu, logVar *Node) {
		return Encode(ctx, cfg, x)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating VAE encoder")
	}
	p.reconstructExec, err = context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		mu, _ := Encode(ctx, cfg, x)
		return Generate(ctx, cfg, mu)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating VAE reconstruction")
	}
	// The input only gives the shape [n, z_dim] of the latents sampled from the prior.
	p.sampleExec, err = context.NewExec(backend, ctx, func(ctx *context.Context, zShape *Node) *Node {
		return Generate(ctx, cfg, ctx.RandomNormal(zShape.Graph(), zShape.Shape()))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating VAE sampler")
	}
	return p, nil
}

// Inference decodes the latents z, shaped [batch, z_dim], to images.
func (p *Predictor) Inference(z *tensors.Tensor) (*tensors.Tensor, error) {
	if z.Rank() != 2 || z.Shape().Dimensions[1] != p.cfg.ZDim {
		return nil, errors.Errorf("latents must be shaped [batch, %d], got %s", p.cfg.ZDim, z.Shape())
	}
	xHat, err := p.generateExec.Exec1(z)
	if err != nil {
		return nil, errors.WithMessage(err, "VAE inference")
	}
	return xHat, nil
}

// Encode returns the mean and log-variance of the posterior of each image, shaped [batch, z_dim].
func (p *Predictor) Encode(images *tensors.Tensor) (mu, logVar *tensors.Tensor, err error) {
	if err = p.checkImages(images); err != nil {
		return
	}
	mu, logVar, err = p.encodeExec.Exec2(images)
	if err != nil {
		err = errors.WithMessage(err, "VAE encoding")
	}
	return
}

// Reconstruct encodes and decodes images, using the posterior mean as latent.
func (p *Predictor) Reconstruct(images *tensors.Tensor) (*tensors.Tensor, error) {
	if err := p.checkImages(images); err != nil {
		return nil, err
	}
	xHat, err := p.reconstructExec.Exec1(images)
	if err != nil {
		return nil, errors.WithMessage(err, "VAE reconstruction")
	}
	return xHat, nil
}

// Sample generates n images from latents drawn from the standard normal prior.
func (p *Predictor) Sample(n int) (*tensors.Tensor, error) {
	if n <= 0 {
		return nil, errors.Errorf("number of samples must be > 0, got %d", n)
	}
	zShape := tensors.FromShape(shapes.Make(dtypes.Float32, n, p.cfg.ZDim))
	xHat, err := p.sampleExec.Exec1(zShape)
	if err != nil {
		return nil, errors.WithMessage(err, "VAE sampling")
	}
	return xHat, nil
}

func (p *Predictor) checkImages(images *tensors.Tensor) error {
	dims := images.Shape().Dimensions
	xDims := p.cfg.XDims
	if len(dims) != 4 || dims[1] != xDims[0] || dims[2] != xDims[1] || dims[3] != xDims[2] {
		return errors.Errorf("images must be shaped [batch, %d, %d, %d], got %s", xDims[0], xDims[1], xDims[2], images.Shape())
	}
	return nil
}
