package vae

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/nathanin/tfmodels/pkg/models/discriminator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallContext returns a context for a tiny VAE on 16x16 RGB images.
func smallContext(adversarial bool) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamXDims:                      []int{16, 16, 3},
		ParamZDim:                       4,
		ParamEncKernels:                 []int{4, 4, 8},
		ParamGenKernels:                 []int{4, 4},
		ParamAdversarial:                adversarial,
		discriminator.ParamKernels:      []int{4, 4, 4, 8},
		discriminator.ParamLearningRate: 1e-3,
		optimizers.ParamLearningRate:    1e-3,
	})
	return ctx
}

func TestNewConfig(t *testing.T) {
	cfg, err := NewConfig(CreateDefaultContext())
	require.NoError(t, err)
	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, []int{256, 256, 3}, cfg.XDims)
	assert.Equal(t, 16, cfg.ZDim)
	assert.Equal(t, "selu", cfg.Nonlinearity)
	assert.IsType(t, &ConvEncoder{}, cfg.Encoder)
	assert.IsType(t, &ConvGenerator{}, cfg.Generator)
	assert.Nil(t, cfg.Adversary)

	ctx := CreateDefaultContext()
	ctx.SetParam(ParamXDims, []int{30, 32, 3})
	_, err = NewConfig(ctx)
	require.Error(t, err, "height not divisible by 4")

	ctx = smallContext(true)
	ctx.SetParam(ParamXDims, []int{8, 8, 1})
	_, err = NewConfig(ctx)
	require.Error(t, err, "images too small for the discriminator")

	for _, kernels := range [][]int{{4, 8}, {4, 8, 16, 32}} {
		ctx = CreateDefaultContext()
		ctx.SetParam(ParamEncKernels, kernels)
		_, err = NewConfig(ctx)
		require.Error(t, err, "encoder kernels %v", kernels)
	}

	ctx = CreateDefaultContext()
	ctx.SetParam(ParamNonlinearity, "tanh")
	_, err = NewConfig(ctx)
	require.Error(t, err)
}

func TestKLDivergenceAndReconstruction(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := context.MustExecOnceN(backend, context.New(), func(_ *context.Context, g *Graph) []*Node {
		mu := Const(g, [][]float32{{0, 0}, {1, 2}})
		logVar := Const(g, [][]float32{{0, 0}, {0, float32(math.Log(2))}})
		x := Const(g, [][][][]float32{{{{1}, {2}}}, {{{0}, {0}}}})
		xHat := Const(g, [][][][]float32{{{{0}, {0}}}, {{{0}, {3}}}})
		return []*Node{KLDivergence(mu, logVar), ReconstructionLoss(x, xHat)}
	})
	// N(0, 1) has no divergence to the prior; the second example: -0.5 * ((1-1-1) + (1+ln2-4-2)).
	kld := outputs[0].Value().([]float32)
	assert.InDelta(t, 0.0, kld[0], 1e-5)
	assert.InDelta(t, -0.5*(-1+(1+math.Ln2-4-2)), kld[1], 1e-5)
	assert.Equal(t, []float32{5, 9}, outputs[1].Value())
}

func TestSample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	// With a very negative logVar the samples collapse to mu.
	z := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		mu := Const(g, [][]float32{{1, -1, 3}})
		return Sample(ctx, mu, MulScalar(OnesLike(mu), -40))
	})
	for ii, want := range []float32{1, -1, 3} {
		assert.InDelta(t, want, z.Value().([][]float32)[0][ii], 1e-4)
	}

	// With logVar=0 the samples follow N(mu, 1).
	z = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		mu := Zeros(g, shapes.Make(dtypes.Float32, 1000, 2))
		return Sample(ctx, mu, ZerosLike(mu))
	})
	var sum, sum2 float64
	flat := tensors.MustCopyFlatData[float32](z)
	for _, v := range flat {
		sum += float64(v)
		sum2 += float64(v) * float64(v)
	}
	mean := sum / float64(len(flat))
	assert.InDelta(t, 0.0, mean, 0.15)
	assert.InDelta(t, 1.0, sum2/float64(len(flat))-mean*mean, 0.15)
}

func TestModelShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext(false)
	cfg, err := NewConfig(ctx)
	require.NoError(t, err)

	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		return ModelFn(cfg)(ctx, nil, []*Node{Ones(g, shapes.Make(dtypes.Float32, 2, 16, 16, 3))})
	})
	require.Len(t, outputs, 6)
	require.NoError(t, outputs[OutputXHat].Shape().Check(dtypes.Float32, 2, 16, 16, 3))
	require.NoError(t, outputs[OutputLoss].Shape().Check(dtypes.Float32))
	require.NoError(t, outputs[OutputReconstruction].Shape().Check(dtypes.Float32, 2))
	require.NoError(t, outputs[OutputKLD].Shape().Check(dtypes.Float32, 2))
	require.NoError(t, outputs[OutputMu].Shape().Check(dtypes.Float32, 2, 4))
	require.NoError(t, outputs[OutputLogVar].Shape().Check(dtypes.Float32, 2, 4))

	var numEncoder, numGenerator int
	for v := range ctx.IterVariables() {
		switch {
		case strings.HasPrefix(v.Scope(), "/vae/encoder/"):
			numEncoder++
		case strings.HasPrefix(v.Scope(), "/vae/generator/"):
			numGenerator++
		}
	}
	assert.Greater(t, numEncoder, 0)
	assert.Greater(t, numGenerator, 0)

	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, smallContext(false), func(ctx *context.Context, g *Graph) *Node {
			return ModelFn(cfg)(ctx, nil, []*Node{Ones(g, shapes.Make(dtypes.Float32, 2, 16, 16, 1))})[0]
		})
	})
}

// linearGenerator is a custom Generator: a single dense layer reshaped to the image.
type linearGenerator struct{ xDims []int }

func (gen linearGenerator) Generate(ctx *context.Context, z *Node) *Node {
	w := ctx.VariableWithShape("w", shapes.Make(z.DType(), z.Shape().Dimensions[1], gen.xDims[0]*gen.xDims[1]*gen.xDims[2]))
	return Reshape(MatMul(z, w.ValueGraph(z.Graph())), z.Shape().Dimensions[0], gen.xDims[0], gen.xDims[1], gen.xDims[2])
}

func TestCustomGenerator(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext(false)
	cfg, err := NewConfig(ctx)
	require.NoError(t, err)
	cfg.Generator = linearGenerator{xDims: cfg.XDims}
	xHat := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return Generate(ctx, cfg, Ones(g, shapes.Make(dtypes.Float32, 3, cfg.ZDim)))
	})
	require.NoError(t, xHat.Shape().Check(dtypes.Float32, 3, 16, 16, 3))
	assert.NotNil(t, ctx.InAbsPath("/vae/generator").GetVariable("w"))
}

func trainBatch(batchSize int) *tensors.Tensor {
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, 16, 16, 3))
	tensors.MutableFlatData(images, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i%11) / 11
		}
	})
	return images
}

func TestTrain(t *testing.T) {
	for _, adversarial := range []bool{false, true} {
		backend := graphtest.BuildTestBackend()
		ctx := smallContext(adversarial)
		cfg, err := NewConfig(ctx)
		require.NoError(t, err)
		trainMetrics, evalMetrics := Metrics(cfg)
		trainer := train.NewTrainer(backend, ctx, ModelFn(cfg), Loss,
			optimizers.FromContext(ctx), trainMetrics, evalMetrics)

		images := trainBatch(4)
		for range 3 {
			metrics, err := trainer.TrainStep(nil, []*tensors.Tensor{images}, []*tensors.Tensor{images})
			require.NoError(t, err)
			loss := tensors.ToScalar[float32](metrics[0])
			assert.False(t, math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0), "loss=%g", loss)
		}

		var numAdversary int
		for v := range ctx.IterVariables() {
			if discriminator.IsAdversaryVariable(ctx, v) {
				numAdversary++
				assert.False(t, v.Trainable)
			}
		}
		if adversarial {
			assert.Greater(t, numAdversary, 0)
		} else {
			assert.Zero(t, numAdversary)
		}

		predictor, err := NewPredictor(backend, ctx, cfg)
		require.NoError(t, err)
		reconstructed, err := predictor.Reconstruct(images)
		require.NoError(t, err)
		require.NoError(t, reconstructed.Shape().Check(dtypes.Float32, 4, 16, 16, 3))

		mu, logVar, err := predictor.Encode(images)
		require.NoError(t, err)
		require.NoError(t, mu.Shape().Check(dtypes.Float32, 4, 4))
		require.NoError(t, logVar.Shape().Check(dtypes.Float32, 4, 4))

		// Decoding the posterior mean is the same as reconstructing.
		decoded, err := predictor.Inference(mu)
		require.NoError(t, err)
		assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](reconstructed),
			tensors.MustCopyFlatData[float32](decoded), 1e-4)

		samples, err := predictor.Sample(5)
		require.NoError(t, err)
		require.NoError(t, samples.Shape().Check(dtypes.Float32, 5, 16, 16, 3))

		_, err = predictor.Sample(0)
		require.Error(t, err)
		_, err = predictor.Inference(images)
		require.Error(t, err)
		_, err = predictor.Reconstruct(mu)
		require.Error(t, err)
	}
}
