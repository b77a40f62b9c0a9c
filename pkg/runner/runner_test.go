package runner

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/nathanin/tfmodels/pkg/datasets/synthetic"
	"github.com/nathanin/tfmodels/pkg/ops"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummary(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), plots.TrainingPlotFileName)
	s := NewSummary("run0")
	require.NoError(t, s.WithFile(filePath))
	for step := range 3 {
		s.AddPoint(plots.Point{MetricName: "Train: Loss", Short: "loss", MetricType: metrics.LossMetricType,
			Step: float64(step), Value: 1 / float64(step+1)})
		s.AddPoint(plots.Point{MetricName: "Train: Accuracy", Short: "acc", MetricType: metrics.AccuracyMetricType,
			Step: float64(step), Value: 0.5})
		s.DynamicSampleDone(false)
	}
	steps, values := s.Series("Train: Loss")
	assert.Equal(t, []float64{0, 1, 2}, steps)
	assert.InDeltaSlice(t, []float64{1, 0.5, 1.0 / 3}, values, 1e-9)
	assert.Len(t, s.Points(), 6)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is a no-op")

	// A new summary on the same file continues from the previous points.
	s2 := NewSummary("run1")
	require.NoError(t, s2.WithFile(filePath))
	s2.AddPoint(plots.Point{MetricName: "Train: Loss", MetricType: metrics.LossMetricType, Step: 3, Value: 0.1})
	require.NoError(t, s2.Close())
	steps, _ = s2.Series("Train: Loss")
	assert.Equal(t, []float64{0, 1, 2, 3}, steps)

	loaded, err := plots.LoadPoints(filePath)
	require.NoError(t, err)
	assert.Len(t, loaded, 7)
}

func TestSummaryCloseWhileAdding(t *testing.T) {
	s := NewSummary("run0")
	require.NoError(t, s.WithFile(filepath.Join(t.TempDir(), plots.TrainingPlotFileName)))
	var wg sync.WaitGroup
	for worker := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range 100 {
				s.AddPoint(plots.Point{MetricName: "Train: Loss", MetricType: metrics.LossMetricType,
					Step: float64(worker*100 + step), Value: 1})
			}
		}()
	}
	require.NoError(t, s.Close())
	wg.Wait()
	assert.Len(t, s.Points(), 400, "points added after Close are kept in memory")
}

func TestPrintInfo(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(DefaultParams())
	ctx.In("model").SetParam("n_classes", 3)
	_ = ctx.In("w").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})

	var buf bytes.Buffer
	PrintInfo(&buf, "Test Model", ctx)
	out := buf.String()
	for _, want := range []string{"Test Model", ParamBatchSize, ParamSummaryIters, "n_classes", "# parameters", "# variables"} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, ParamBatchSize), strings.Index(out, ParamTrainSteps), "params must be sorted")
}

func TestSaveLossPlot(t *testing.T) {
	s := NewSummary("plots")
	dir := t.TempDir()
	require.Error(t, s.SaveLossPlot(filepath.Join(dir, "empty.png")), "no points recorded")

	for step := range 10 {
		for _, name := range []string{"Train: Moving Average Loss", "Train: Reconstruction"} {
			s.AddPoint(plots.Point{MetricName: name, MetricType: metrics.LossMetricType,
				Step: float64(step * 10), Value: 1 / float64(step+1)})
		}
		s.AddPoint(plots.Point{MetricName: "Train: Accuracy", MetricType: metrics.AccuracyMetricType,
			Step: float64(step * 10), Value: 0.1 * float64(step)})
	}
	curves := lossCurves(s.Points())
	require.Len(t, curves, 2)
	assert.Equal(t, "Train: Moving Average Loss", curves[0].name)
	assert.Len(t, curves[1].steps, 10)

	for _, name := range []string{"loss.png", "loss.svg", "loss.html"} {
		filePath := filepath.Join(dir, name)
		require.NoError(t, s.SaveLossPlot(filePath), "saving %s", name)
		info, err := os.Stat(filePath)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
	contents, err := os.ReadFile(filepath.Join(dir, "loss.svg"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "<svg")
	require.Error(t, s.SaveLossPlot(filepath.Join(dir, "loss.pdf")))
}

// autoencoderConfig is a tiny one-layer autoencoder on 8x8 gray images.
func autoencoderConfig(checkpointDir string) Config {
	return Config{
		Name: "tiny",
		ModelFn: func(ctx *context.Context, _ any, inputs []*Node) []*Node {
			return []*Node{ops.Conv(ctx.In("conv"), inputs[0], 1, 3, 1)}
		},
		LossFn:        losses.MeanSquaredError,
		CheckpointDir: checkpointDir,
		ParamsSet:     []string{ParamTrainSteps},
	}
}

func tinyContext(trainSteps int) *context.Context {
	ctx := context.New()
	ctx.SetParams(DefaultParams())
	ctx.SetParams(map[string]any{
		ParamTrainSteps:              trainSteps,
		ParamSummaryIters:            2,
		ParamCheckpointPeriod:        3600,
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-2,
	})
	return ctx
}

func tinyDataset(t *testing.T, backend backends.Backend) *datasets.InMemoryDataset {
	ds, err := synthetic.Images(backend, synthetic.Config{N: 16, Height: 8, Width: 8, Channels: 1, Seed: 3})
	require.NoError(t, err)
	return ds
}

func TestRunner(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := filepath.Join(t.TempDir(), "checkpoints")
	ds := tinyDataset(t, backend)

	r, err := New(backend, tinyContext(6), autoencoderConfig(dir))
	require.NoError(t, err)
	assert.NotEmpty(t, r.RunID)
	_, err = r.Run(ds.Copy().BatchSize(4, true).Infinite(true).Shuffle(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), r.GlobalStep())
	require.NoError(t, r.Evaluate(ds.Copy().BatchSize(8, false)))
	assert.NotEmpty(t, r.Summary.Points(), "summaries every 2 steps")
	require.NoError(t, r.Close())

	_, err = os.Stat(filepath.Join(dir, SettingsFileName))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, plots.TrainingPlotFileName))
	require.NoError(t, err)

	// A new runner on the same directory continues training from the last checkpoint, up to the
	// new train_steps.
	r2, err := New(backend, tinyContext(10), autoencoderConfig(dir))
	require.NoError(t, err)
	assert.Equal(t, int64(6), r2.GlobalStep())
	_, err = r2.Run(ds.Copy().BatchSize(4, true).Infinite(true), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r2.GlobalStep())
	require.NoError(t, r2.Close())

	// Target already reached: nothing to do.
	r3, err := New(backend, tinyContext(10), autoencoderConfig(dir))
	require.NoError(t, err)
	trainMetrics, err := r3.Run(ds.Copy().BatchSize(4, true).Infinite(true), nil)
	require.NoError(t, err)
	assert.Nil(t, trainMetrics)
	assert.Equal(t, int64(10), r3.GlobalStep())
	require.NoError(t, r3.Close())
}

func TestRunnerWithoutCheckpoints(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := tinyDataset(t, backend)
	ds.BatchSize(4, true)

	r, err := New(backend, tinyContext(1), autoencoderConfig(""))
	require.NoError(t, err)
	assert.Nil(t, r.Checkpoint)
	require.Error(t, r.Snapshot())
	assert.False(t, r.Restore(filepath.Join(t.TempDir(), "missing")), "restoring a missing snapshot is not fatal")

	for step := 1; step <= 4; step++ {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		trainMetrics, err := r.TrainStep(inputs, labels)
		require.NoError(t, err)
		require.NotEmpty(t, trainMetrics)
		loss := tensors.ToScalar[float32](trainMetrics[0])
		assert.GreaterOrEqual(t, loss, float32(0))
		assert.Equal(t, int64(step), r.GlobalStep())
	}
	// Summaries every 2 steps: the moving average loss at steps 2 and 4.
	steps, _ := r.Summary.Series("Train: Moving Average Loss")
	assert.Equal(t, []float64{2, 4}, steps)
	require.NoError(t, r.Close())

	_, err = New(backend, tinyContext(1), Config{})
	require.Error(t, err)

	// Prepare sets the model from the hyperparameters.
	var prepared int
	cfg := Config{Prepare: func(ctx *context.Context, cfg *Config) error {
		prepared = context.GetParamOr(ctx, ParamTrainSteps, 0)
		tiny := autoencoderConfig("")
		cfg.ModelFn, cfg.LossFn = tiny.ModelFn, tiny.LossFn
		return nil
	}}
	r, err = New(backend, tinyContext(7), cfg)
	require.NoError(t, err)
	assert.Equal(t, 7, prepared)
	require.NoError(t, r.Close())

	cfg.Prepare = func(*context.Context, *Config) error { return errors.New("bad model") }
	_, err = New(backend, tinyContext(7), cfg)
	require.ErrorContains(t, err, "bad model")
}

var _ train.Dataset = (*datasets.InMemoryDataset)(nil)
