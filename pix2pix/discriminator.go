package pix2pix

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// ScoreMode selects which objective DiscriminatorScores measures.
type ScoreMode int

const (
	// ScoreGenerator scores generated images toward "real": the
	// non-saturating generator objective.
	ScoreGenerator ScoreMode = iota

	// ScoreReal scores real images toward "real".
	ScoreReal

	// ScoreFake scores generated images toward "fake".
	ScoreFake
)

// DiscriminatorScores runs the multi-scale patch discriminator on images
// [batch, size, size, channels] in [-1, 1] and returns one score per sample:
// the binary cross-entropy of the per-patch logits against the mode's
// target, averaged over patches and scales. Lower is better for the party
// whose mode is being scored.
//
// Each scale has its own weights and sees the input mean-pooled one more
// time, so the patches of later scales cover larger image regions.
func DiscriminatorScores(ctx *context.Context, images *Node, mode ScoreMode) *Node {
	images.AssertRank(4)
	ctx = ctx.InAbsPath(context.ScopeSeparator + DiscriminatorScope).
		WithInitializer(initializers.XavierNormalFn(ctx))

	numScales := context.GetParamOr(ctx, ParamDiscScales, 2)
	baseChannels := context.GetParamOr(ctx, ParamDiscBaseChannels, 64)
	numLayers := context.GetParamOr(ctx, ParamDiscLayers, 3)

	x := images
	var total *Node
	for scale := 0; scale < numScales; scale++ {
		logits := patchLogits(ctx.Inf("scale_%d", scale), x, baseChannels, numLayers)
		scores := patchScores(logits, mode)
		if total == nil {
			total = scores
		} else {
			total = Add(total, scores)
		}
		if scale < numScales-1 {
			x = MeanPool(x).Window(2).NoPadding().Done()
		}
	}
	return DivScalar(total, float64(numScales))
}

// patchLogits is one PatchGAN tower: strided 4x4 convolutions with leaky
// ReLU, channel width doubling per layer (capped at 8x), closed by a stride-1
// convolution to a single logit per patch. Layer normalization plays the
// usual instance normalization role; the first layer goes without, as is
// customary for patch discriminators.
func patchLogits(ctx *context.Context, x *Node, baseChannels, numLayers int) *Node {
	layerNum := 0
	nextCtx := func(format string, args ...any) *context.Context {
		newCtx := ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return newCtx
	}

	for layer := 0; layer < numLayers; layer++ {
		multiplier := 1 << layer
		if multiplier > 8 {
			multiplier = 8
		}
		x = layers.Convolution(nextCtx("conv"), x).
			Channels(baseChannels * multiplier).KernelSize(4).Strides(2).PadSame().Done()
		if layer > 0 {
			x = layers.LayerNormalization(nextCtx("normalization"), x, 1, 2).Done()
		}
		x = activations.LeakyReluWithAlpha(x, 0.2)
	}
	return layers.Convolution(nextCtx("patch_logits"), x).
		Channels(1).KernelSize(4).PadSame().Done()
}

// patchScores reduces per-patch logits [batch, h, w, 1] to one score per
// sample: element-wise binary cross-entropy against the mode's target,
// averaged over the patch axes.
func patchScores(logits *Node, mode ScoreMode) *Node {
	var target *Node
	switch mode {
	case ScoreGenerator, ScoreReal:
		target = OnesLike(logits)
	case ScoreFake:
		target = ZerosLike(logits)
	}
	perPatch := losses.BinaryCrossentropyLogits([]*Node{target}, []*Node{logits})
	return ReduceMean(perPatch, 1, 2, 3)
}

// setDiscriminatorTrainable sets the trainable flag of every discriminator
// variable. The generator phases freeze the discriminator, the discriminator
// phases enable it.
func setDiscriminatorTrainable(ctx *context.Context, trainable bool) {
	discCtx := ctx.InAbsPath(context.ScopeSeparator + DiscriminatorScope)
	discCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(trainable)
	})
}
