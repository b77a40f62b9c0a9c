package vae

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/nathanin/tfmodels/pkg/models/discriminator"
	"github.com/nathanin/tfmodels/pkg/ops"
)

// Indices of the outputs of the train.ModelFn returned by ModelFn.
const (
	OutputXHat = iota
	OutputLoss
	OutputReconstruction
	OutputKLD
	OutputMu
	OutputLogVar

	// OutputAdversarialLoss and OutputDiscriminatorLoss are only present for adversarial models.
	OutputAdversarialLoss
	OutputDiscriminatorLoss
)

// ModelFn returns the train.ModelFn for the VAE. The inputs are [images].
//
// It outputs [xHat, loss, recon, kld, mu, logVar], where loss is the mean over the batch of recon + kld,
// and recon and kld are the per-example reconstruction loss and KL divergence. A latent is always sampled
// from the posterior, also during evaluation.
//
// Adversarial models also output [adversarial loss, discriminator loss], both 0 if not training, and add
// the adversarial loss (times the discriminator lambda) to the training loss with train.AddLoss.
func ModelFn(cfg *Config) train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		x := inputs[0]
		mu, logVar := Encode(ctx, cfg, x)
		z := Sample(ctx, mu, logVar)
		xHat := Generate(ctx, cfg, z)
		recon := ReconstructionLoss(x, xHat)
		kld := KLDivergence(mu, logVar)
		loss := ReduceAllMean(Add(recon, kld))
		outputs := []*Node{xHat, loss, recon, kld, mu, logVar}
		if !cfg.Adversarial {
			return outputs
		}

		g := x.Graph()
		advLoss := ScalarZero(g, xHat.DType())
		discLoss := ScalarZero(g, xHat.DType())
		if ctx.IsTraining(g) {
			r := discriminator.Adversarial(ctx, cfg.Adversary, x, xHat, nil)
			advLoss = ConvertDType(r.GeneratorLoss, xHat.DType())
			discLoss = ConvertDType(r.Loss, xHat.DType())
			train.AddLoss(ctx, MulScalar(advLoss, cfg.Adversary.Lambda))
		}
		return append(outputs, advLoss, discLoss)
	}
}

// Loss returns the VAE loss computed by the model, mean(recon + kld). The labels are not used: the
// model reconstructs its own input.
func Loss(_, predictions []*Node) *Node {
	return predictions[OutputLoss]
}

// meanAt returns a metrics.BaseMetricGraph with the mean of a model output.
func meanAt(idx int) metrics.BaseMetricGraph {
	return func(_ *context.Context, _, predictions []*Node) *Node {
		return ReduceAllMean(predictions[idx])
	}
}

func lossPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.3f", ops.ScalarFloat(value))
}

// Metrics returns the training metrics (moving averages) and the evaluation metrics (means over
// the evaluation dataset) of the VAE.
func Metrics(cfg *Config) (trainMetrics, evalMetrics []metrics.Interface) {
	const weight = 0.05
	trainMetrics = []metrics.Interface{
		metrics.NewExponentialMovingAverageMetric("Moving Average Reconstruction Loss", "~recon",
			metrics.LossMetricType, meanAt(OutputReconstruction), lossPPrint, weight),
		metrics.NewExponentialMovingAverageMetric("Moving Average KL Divergence", "~kld",
			metrics.LossMetricType, meanAt(OutputKLD), lossPPrint, weight),
	}
	if cfg.Adversarial {
		trainMetrics = append(trainMetrics,
			metrics.NewExponentialMovingAverageMetric("Moving Average Adversarial Loss", "~adv",
				metrics.LossMetricType, meanAt(OutputAdversarialLoss), lossPPrint, weight),
			metrics.NewExponentialMovingAverageMetric("Moving Average Discriminator Loss", "~disc",
				metrics.LossMetricType, meanAt(OutputDiscriminatorLoss), lossPPrint, weight),
		)
	}
	evalMetrics = []metrics.Interface{
		metrics.NewMeanMetric("Mean Reconstruction Loss", "recon", metrics.LossMetricType,
			meanAt(OutputReconstruction), lossPPrint),
		metrics.NewMeanMetric("Mean KL Divergence", "kld", metrics.LossMetricType, meanAt(OutputKLD), lossPPrint),
	}
	return
}
