package segmentation

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Predictor runs the trained VGG-FCN on new images, with the variables of the context it was created with.
type Predictor struct {
	cfg  *Config
	exec *context.Exec
}

// NewPredictor creates a Predictor for the model in ctx. The variables must already exist
// (trained or loaded from a checkpoint) in ctx.
func NewPredictor(backend backends.Backend, ctx *context.Context, cfg *Config) (*Predictor, error) {
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) (probs, mask *Node) {
		logits := Model(ctx, cfg, x)
		return Softmax(logits, -1), PredictedMask(logits)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating VGG-FCN predictor")
	}
	return &Predictor{cfg: cfg, exec: exec}, nil
}

// Inference returns the per-pixel class probabilities for images, shaped
// [batch, height, width, n_classes].
func (p *Predictor) Inference(images *tensors.Tensor) (*tensors.Tensor, error) {
	probs, _, err := p.predict(images)
	return probs, err
}

// InferenceMask returns the most likely class for each pixel of the images, shaped
// [batch, height, width, 1] with dtype Int32.
func (p *Predictor) InferenceMask(images *tensors.Tensor) (*tensors.Tensor, error) {
	_, mask, err := p.predict(images)
	return mask, err
}

func (p *Predictor) predict(images *tensors.Tensor) (probs, mask *tensors.Tensor, err error) {
	dims := images.Shape().Dimensions
	if len(dims) != 4 || dims[1] != p.cfg.XDims[0] || dims[2] != p.cfg.XDims[1] || dims[3] != p.cfg.XDims[2] {
		return nil, nil, errors.Errorf("images must be shaped [batch, %d, %d, %d], got %s",
			p.cfg.XDims[0], p.cfg.XDims[1], p.cfg.XDims[2], images.Shape())
	}
	probs, mask, err = p.exec.Exec2(images)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "VGG-FCN inference")
	}
	return
}
