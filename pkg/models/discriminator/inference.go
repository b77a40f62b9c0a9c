package discriminator

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Predictor evaluates a trained discriminator, with dropout disabled.
type Predictor struct {
	exec *context.Exec
}

// NewPredictor creates a Predictor for the discriminator trained with Adversarial on ctx: its
// variables are read from the Scope sub-scope of ctx.
func NewPredictor(backend backends.Backend, ctx *context.Context, cfg *Config) (*Predictor, error) {
	exec, err := context.NewExec(backend, ctx.Reuse().In(Scope), func(ctx *context.Context, inputs []*Node) *Node {
		var x *Node
		if len(inputs) > 1 {
			x = inputs[1]
		}
		pReal, _ := Model(ctx, cfg, inputs[0], x)
		return Sigmoid(pReal)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating discriminator predictor")
	}
	return &Predictor{exec: exec}, nil
}

// Inference returns the probability, shaped [batch, 1], of each y being real. x is the conditioning
// input and can be nil for unconditional discriminators.
func (p *Predictor) Inference(y, x *tensors.Tensor) (*tensors.Tensor, error) {
	if y.Rank() != 4 {
		return nil, errors.Errorf("discriminator input must be shaped [batch, height, width, channels], got %s", y.Shape())
	}
	args := []any{y}
	if x != nil {
		if x.Rank() != 4 || x.Shape().Dimensions[0] != y.Shape().Dimensions[0] {
			return nil, errors.Errorf("conditioning input %s does not match %s", x.Shape(), y.Shape())
		}
		args = append(args, x)
	}
	pReal, err := p.exec.Exec1(args...)
	if err != nil {
		return nil, errors.WithMessage(err, "discriminator inference")
	}
	return pReal, nil
}
