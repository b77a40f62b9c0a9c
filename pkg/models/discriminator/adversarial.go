package discriminator

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// SoftenLabels adds N(0, stddev) noise to y.
func SoftenLabels(ctx *context.Context, y *Node, stddev float64) *Node {
	if stddev <= 0 {
		return y
	}
	noise := ctx.RandomNormal(y.Graph(), y.Shape())
	return Add(y, MulScalar(noise, stddev))
}

// sigmoidCrossEntropy returns the mean sigmoid cross-entropy of logits with the given (possibly soft) targets.
func sigmoidCrossEntropy(targets, logits *Node) *Node {
	return ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{targets}, []*Node{logits}))
}

// GeneratorLoss is the adversarial loss the generator minimizes: the fake examples should be judged real.
func GeneratorLoss(pRealFake *Node) *Node {
	return sigmoidCrossEntropy(OnesLike(pRealFake), pRealFake)
}

// Loss is the discriminator loss: real examples judged real, plus fake examples judged fake.
// When cfg.SoftenLabels is set, the targets 1 and 0 get N(0, cfg.SoftenStddev) noise.
func Loss(ctx *context.Context, cfg *Config, pRealReal, pRealFake *Node) *Node {
	realTarget := OnesLike(pRealReal)
	fakeTarget := ZerosLike(pRealFake)
	if cfg.SoftenLabels {
		realTarget = SoftenLabels(ctx, realTarget, cfg.SoftenStddev)
		fakeTarget = SoftenLabels(ctx, fakeTarget, cfg.SoftenStddev)
	}
	return Add(sigmoidCrossEntropy(realTarget, pRealReal), sigmoidCrossEntropy(fakeTarget, pRealFake))
}

// Result of Adversarial.
type Result struct {
	// GeneratorLoss is the adversarial term for the generator, not yet multiplied by Config.Lambda.
	// Its gradient flows into yFake.
	GeneratorLoss *Node

	// Loss of the discriminator. It is computed on a pass over StopGradient(yFake), so it never
	// reaches the generator.
	Loss *Node

	// PRealReal and PRealFake are the discriminator logits for the real and fake inputs.
	PRealReal, PRealFake *Node

	// RealFeatures and FakeFeatures are the discriminator's hidden features.
	RealFeatures, FakeFeatures *Node
}

// Adversarial builds the discriminator for yReal and yFake (both conditioned on x, which may be nil),
// and returns the losses.
//
// If the context is training, it also applies the discriminator's Adam update (learning rate
// cfg.LearningRate) on the discriminator variables only. When it returns, the discriminator variables
// are marked as not trainable, so the caller's main optimizer only updates the generator's variables.
//
// The discriminator variables are created under ctx.In(Scope).
func Adversarial(ctx *context.Context, cfg *Config, yReal, yFake, x *Node) *Result {
	g := yFake.Graph()
	ctxD := ctx.In(Scope)
	if yReal.DType() != yFake.DType() {
		yReal = ConvertDType(yReal, yFake.DType())
	}
	if cfg.SoftenLabels {
		yReal = SoftenLabels(ctxD, yReal, cfg.SoftenStddev)
	}

	r := &Result{}
	r.PRealFake, r.FakeFeatures = Model(ctxD, cfg, yFake, x)
	r.PRealReal, r.RealFeatures = Model(ctxD.Reuse(), cfg, yReal, x)
	r.GeneratorLoss = GeneratorLoss(r.PRealFake)
	pRealFakeFrozen, _ := Model(ctxD.Reuse(), cfg, StopGradient(yFake), x)
	r.Loss = Loss(ctxD, cfg, r.PRealReal, pRealFakeFrozen)

	if ctx.IsTraining(g) {
		UpdateGraph(ctx, cfg, r.Loss)
	}
	return r
}

// UpdateGraph applies one Adam step of the discriminator loss to the variables under ctx.In(Scope).
//
// During the update every other variable is temporarily frozen. Afterwards the other variables
// are restored and the discriminator variables are left frozen.
func UpdateGraph(ctx *context.Context, cfg *Config, loss *Node) {
	scope := ctx.In(Scope).Scope()
	var frozen, adversary []*context.Variable
	for v := range ctx.IterVariables() {
		if inScope(v.Scope(), scope) {
			adversary = append(adversary, v)
			v.SetTrainable(true)
		} else if v.Trainable {
			frozen = append(frozen, v)
			v.SetTrainable(false)
		}
	}
	defer func() {
		for _, v := range frozen {
			v.SetTrainable(true)
		}
		for _, v := range adversary {
			v.SetTrainable(false)
		}
	}()

	optimizer := optimizers.Adam().
		Scope(AdamScope).
		LearningRate(cfg.LearningRate).
		Done()
	optimizer.UpdateGraph(ctx.In(OptimizerScope), loss.Graph(), loss)
}

// IsAdversaryVariable reports whether v is one of the discriminator's weights, created under ctx.In(Scope).
func IsAdversaryVariable(ctx *context.Context, v *context.Variable) bool {
	return inScope(v.Scope(), ctx.In(Scope).Scope())
}

func inScope(varScope, scope string) bool {
	return varScope == scope || strings.HasPrefix(varScope, scope+context.ScopeSeparator)
}
