package runner

import "github.com/gomlx/gomlx/pkg/ml/context"

// Training loop hyperparameters, shared by all models.
const (
	ParamBatchSize     = "batch_size"
	ParamEvalBatchSize = "eval_batch_size"

	// ParamTrainSteps is the target global step: training continues from a restored checkpoint
	// until it is reached.
	ParamTrainSteps = "train_steps"

	// ParamNumCheckpoints is the number of checkpoints to keep, older ones are deleted.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamCheckpointPeriod is the period, in seconds, between checkpoints saved during training.
	ParamCheckpointPeriod = "checkpoint_period"

	// ParamSummaryIters is the number of steps between summaries: the training metrics are logged and
	// recorded as plot points.
	ParamSummaryIters = "summary_iters"
)

// ParamsExcludedFromSaving are parameters that are not loaded back from a checkpoint, so they can be
// changed when training continues.
var ParamsExcludedFromSaving = []string{
	ParamTrainSteps, ParamNumCheckpoints, ParamCheckpointPeriod, ParamSummaryIters,
}

// DefaultParams returns the default training loop hyperparameters. Models merge them into their
// default context.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamBatchSize:        16,
		ParamEvalBatchSize:    32,
		ParamTrainSteps:       1000,
		ParamNumCheckpoints:   5,
		ParamCheckpointPeriod: 60,
		ParamSummaryIters:     50,
	}
}

func summaryIters(ctx *context.Context) int {
	n := context.GetParamOr(ctx, ParamSummaryIters, 50)
	if n <= 0 {
		n = 1
	}
	return n
}
