package segmentation

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/nathanin/tfmodels/pkg/models/discriminator"
	"github.com/nathanin/tfmodels/pkg/ops"
	"github.com/pkg/errors"
)

// Indices of the outputs of the train.ModelFn returned by ModelFn.
const (
	OutputLogits = iota
	OutputAdversarialLoss
	OutputDiscriminatorLoss
)

// ModelFn returns the train.ModelFn for the VGG-FCN.
//
// The inputs are [images] or [images, mask], where mask holds the true class of each pixel, shaped
// [batch, height, width, 1] with an integer dtype. The mask is required when training an adversarial model:
// the discriminator compares it against the predicted class probabilities.
//
// It outputs [logits, adversarial loss, discriminator loss]. The losses are 0 if the model is not
// adversarial or not training. The adversarial loss (times the discriminator lambda) is added to the
// training loss with train.AddLoss.
func ModelFn(cfg *Config) train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		x := inputs[0]
		g := x.Graph()
		logits := Model(ctx, cfg, x)
		advLoss := ScalarZero(g, logits.DType())
		discLoss := ScalarZero(g, logits.DType())
		if cfg.Adversarial && ctx.IsTraining(g) {
			if len(inputs) < 2 {
				exceptions.Panicf("adversarial VGG-FCN training requires the mask as the second input, got %d inputs", len(inputs))
			}
			yReal := OneHotMask(inputs[1], cfg.NumClasses, logits.DType())
			yFake := Softmax(logits, -1)
			r := discriminator.Adversarial(ctx, cfg.Adversary, yReal, yFake, x)
			advLoss = ConvertDType(r.GeneratorLoss, logits.DType())
			discLoss = ConvertDType(r.Loss, logits.DType())
			train.AddLoss(ctx, MulScalar(advLoss, cfg.Adversary.Lambda))
		}
		return []*Node{logits, advLoss, discLoss}
	}
}

// Loss is the per-pixel softmax cross-entropy between the true mask (labels[0]) and the
// predicted logits (predictions[0]), averaged over all pixels.
func Loss(labels, predictions []*Node) *Node {
	mask := labels[0]
	if !mask.DType().IsInt() {
		mask = ConvertDType(mask, dtypes.Int32)
	}
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{mask}, predictions[:1]))
}

// OneHotMask converts a mask of class indices, shaped [batch, height, width, 1], to its one-hot
// encoding shaped [batch, height, width, numClasses].
func OneHotMask(mask *Node, numClasses int, dtype dtypes.DType) *Node {
	if mask.Rank() != 4 || mask.Shape().Dimensions[3] != 1 {
		exceptions.Panicf("mask must be shaped [batch, height, width, 1], got %s", mask.Shape())
	}
	if !mask.DType().IsInt() {
		mask = ConvertDType(mask, dtypes.Int32)
	}
	return OneHot(Squeeze(mask, -1), numClasses, dtype)
}

// PredictedMask returns the most likely class for each pixel, shaped [batch, height, width, 1].
func PredictedMask(logits *Node) *Node {
	return InsertAxes(ArgMax(logits, -1, dtypes.Int32), -1)
}

// MeanIoUGraph returns the intersection over union of the predicted and true masks, averaged
// over the classes present in either one. It is a metrics.BaseMetricGraph.
func MeanIoUGraph(_ *context.Context, labels, predictions []*Node) *Node {
	logits := predictions[0]
	numClasses := logits.Shape().Dimensions[logits.Rank()-1]
	dtype := logits.DType()
	truth := OneHotMask(labels[0], numClasses, dtype)
	predicted := OneHot(ArgMax(logits, -1, dtypes.Int32), numClasses, dtype)

	// Sums over all axes but the class axis.
	sumAxes := []int{0, 1, 2}
	intersection := ReduceSum(Mul(truth, predicted), sumAxes...)
	union := Sub(ReduceSum(Add(truth, predicted), sumAxes...), intersection)
	present := ConvertDType(GreaterThan(union, ZerosLike(union)), dtype)
	iou := Div(intersection, Max(union, OnesLike(union)))
	return Div(ReduceAllSum(Mul(iou, present)), Max(ReduceAllSum(present), ScalarOne(logits.Graph(), dtype)))
}

// predictionAt returns a metrics.BaseMetricGraph that takes a scalar model output.
func predictionAt(idx int) metrics.BaseMetricGraph {
	return func(_ *context.Context, _, predictions []*Node) *Node {
		return predictions[idx]
	}
}

func lossPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.4f", ops.ScalarFloat(value))
}

func percentPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", ops.ScalarFloat(value)*100.0)
}

// Metrics returns the training metrics (moving averages) and the evaluation metrics (means over
// the evaluation dataset) of the VGG-FCN.
//
// The adversarial metrics are only included for adversarial models, and only during training.
func Metrics(cfg *Config) (trainMetrics, evalMetrics []metrics.Interface) {
	const weight = 0.05
	trainMetrics = []metrics.Interface{
		metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Pixel Accuracy", "~acc", weight),
		metrics.NewExponentialMovingAverageMetric("Moving Average Mean IoU", "~iou",
			metrics.AccuracyMetricType, MeanIoUGraph, percentPPrint, weight),
	}
	if cfg.Adversarial {
		trainMetrics = append(trainMetrics,
			metrics.NewExponentialMovingAverageMetric("Moving Average Adversarial Loss", "~adv",
				metrics.LossMetricType, predictionAt(OutputAdversarialLoss), lossPPrint, weight),
			metrics.NewExponentialMovingAverageMetric("Moving Average Discriminator Loss", "~disc",
				metrics.LossMetricType, predictionAt(OutputDiscriminatorLoss), lossPPrint, weight),
		)
	}
	evalMetrics = []metrics.Interface{
		metrics.NewSparseCategoricalAccuracy("Mean Pixel Accuracy", "acc"),
		metrics.NewMeanMetric("Mean IoU", "iou", metrics.AccuracyMetricType, MeanIoUGraph, percentPPrint),
	}
	return
}

// ValidateMask checks that a mask tensor has the shape and dtype expected by the model.
func ValidateMask(cfg *Config, mask *tensors.Tensor) error {
	dims := mask.Shape().Dimensions
	if len(dims) != 4 || dims[3] != 1 || dims[1] != cfg.XDims[0] || dims[2] != cfg.XDims[1] {
		return errors.Errorf("mask must be shaped [batch, %d, %d, 1], got %s", cfg.XDims[0], cfg.XDims[1], mask.Shape())
	}
	if !mask.DType().IsInt() {
		return errors.Errorf("mask must have an integer dtype, got %s", mask.DType())
	}
	return nil
}
