package pix2pix

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// generatorTrainableSubstrings selects which generator variables train: the
// LoRA deltas, the conv stem and the skip convolutions. Base weights stay
// frozen, which is what makes loading a pretrained generator and adapting it
// cheap.
var generatorTrainableSubstrings = []string{"/lora", "conv_in", "skip_conv"}

// GeneratorForward runs the U-Net diffSteps times: the first pass translates
// the source, each further pass refines the previous prediction. All passes
// share the same weights.
//
// source is [batch, size, size, 3] in [-1, 1], tokens [batch, contextLen]
// prompt token ids. The result has the shape and range of source.
func GeneratorForward(ctx *context.Context, source, tokens *Node, diffSteps int, deterministic bool) *Node {
	pred := source
	for pass := 0; pass < diffSteps; pass++ {
		passCtx := ctx
		if pass > 0 {
			passCtx = ctx.Reuse()
		}
		pred = GeneratorGraph(passCtx, pred, tokens, deterministic)
	}
	return pred
}

// GeneratorGraph builds one U-Net pass. The variables live under the
// absolute scope GeneratorScope, so every trainer and executor resolves the
// same weights regardless of its own wrapper scope.
//
// Architecture: conv stem, then one residual-block level per entry of
// ParamChannels with a dedicated 1x1 skip convolution bridging each level's
// features to the matching decoder stage, a bottleneck of residual blocks
// with an optional transformer block cross-attending to the prompt token
// embeddings, and the mirrored up path. A Tanh head maps back to [-1, 1].
//
// Every dense projection is a loraDense: frozen base plus trainable low-rank
// delta. The down path and bottleneck use ParamLoraRankUNet, the up path
// (the decoder role) ParamLoraRankVAE.
func GeneratorGraph(ctx *context.Context, source, tokens *Node, deterministic bool) *Node {
	source.AssertRank(4)
	tokens.AssertRank(2)
	dtype := source.DType()
	sizeH := source.Shape().Dimensions[1]
	sizeW := source.Shape().Dimensions[2]
	imageChannels := source.Shape().Dimensions[3]

	ctx = ctx.InAbsPath(context.ScopeSeparator + GeneratorScope).
		WithInitializer(initializers.XavierNormalFn(ctx))

	// Unique scope per layer: the prefix keeps them ordered when listed.
	layerNum := 0
	nextCtx := func(format string, args ...any) *context.Context {
		newCtx := ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return newCtx
	}

	channelsList := context.GetParamOr(ctx, ParamChannels, []int{32, 64, 96, 128})
	numBlocks := context.GetParamOr(ctx, ParamNumResBlocks, 2)
	unetRank := context.GetParamOr(ctx, ParamLoraRankUNet, 8)
	vaeRank := context.GetParamOr(ctx, ParamLoraRankVAE, 4)
	numLevels := len(channelsList)
	if sizeH%(1<<numLevels) != 0 || sizeW%(1<<numLevels) != 0 {
		exceptions.Panicf("generator with %d levels needs the image size to be divisible by %d, got %dx%d",
			numLevels, 1<<numLevels, sizeH, sizeW)
	}

	textEmbed := textEmbeddings(nextCtx("text_embed"), tokens, dtype)

	x := layers.Convolution(nextCtx("conv_in"), source).
		Channels(channelsList[0]).KernelSize(3).PadSame().Done()

	// Down path: each level ends with a skip convolution of its features
	// (consumed by the matching up level) and a 2x pooling.
	skips := make([]*Node, 0, numLevels)
	for level, numChannels := range channelsList {
		for block := 0; block < numBlocks; block++ {
			x = residualBlock(nextCtx("down_%d", level), x, numChannels, unetRank, deterministic)
		}
		skip := layers.Convolution(nextCtx("skip_conv_%d", level), x).
			Channels(numChannels).KernelSize(1).Done()
		skips = append(skips, skip)
		x = MeanPool(x).Window(2).NoPadding().Done()
	}

	// Bottleneck.
	for block := 0; block < numBlocks; block++ {
		x = residualBlock(nextCtx("bottleneck"), x, channelsList[numLevels-1], unetRank, deterministic)
	}
	if context.GetParamOr(ctx, ParamAttention, true) {
		x = transformerBlock(nextCtx("bottleneck_attention"), x, textEmbed, unetRank, deterministic)
	}

	// Up path, mirroring the levels in reverse.
	for level := numLevels - 1; level >= 0; level-- {
		x = upSampleImages(x)
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		for block := 0; block < numBlocks; block++ {
			x = residualBlock(nextCtx("up_%d", level), x, channelsList[level], vaeRank, deterministic)
		}
	}
	if len(skips) != 0 {
		exceptions.Panicf("generator left %d skip connections unconsumed", len(skips))
	}

	x = loraDense(nextCtx("conv_out"), x, true, imageChannels, unetRank)
	return Tanh(x)
}

// loraDense is a dense layer with a frozen base weight and a trainable
// low-rank delta: base(x) + b(a(x)), where a projects to rank dimensions and
// b back to outputDim. b starts at zero, so the delta starts as identity
// with the base. Rank 0 leaves just the plain dense layer.
//
// Which part trains is not decided here: the phase model functions set the
// trainable flags by scope substring, and "/lora" selects the delta.
func loraDense(ctx *context.Context, x *Node, useBias bool, outputDim, rank int) *Node {
	base := layers.Dense(ctx.In("base"), x, useBias, outputDim)
	if rank <= 0 {
		return base
	}
	loraCtx := ctx.In("lora")
	down := layers.Dense(
		loraCtx.In("a").WithInitializer(initializers.RandomNormalFn(ctx, 1.0/float64(rank))),
		x, false, rank)
	up := layers.Dense(
		loraCtx.In("b").WithInitializer(initializers.Zero),
		down, false, outputDim)
	return Add(base, up)
}

// residualBlock: normalization, two 3x3 convolutions with the context
// activation in between, added to the input. On a channel change the
// residual goes through a loraDense projection.
func residualBlock(ctx *context.Context, x *Node, outputChannels, rank int, deterministic bool) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]

	residual := x
	if inputChannels != outputChannels {
		residual = loraDense(ctx.In("residual_projection"), x, true, outputChannels, rank)
	}
	x = normalizeImage(ctx.In("normalization"), x)
	x = layers.Convolution(ctx.In("conv_0"), x).
		Channels(outputChannels).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	if !deterministic {
		x = layers.DropoutFromContext(ctx, x)
	}
	x = layers.Convolution(ctx.In("conv_1"), x).
		Channels(outputChannels).KernelSize(3).PadSame().Done()
	return Add(x, residual)
}

// normalizeImage applies the normalization selected by
// layers.ParamNormalization over the spatial axes of a [batch, h, w,
// channels] feature map.
func normalizeImage(ctx *context.Context, x *Node) *Node {
	normalization := context.GetParamOr(ctx, layers.ParamNormalization, "layer")
	switch normalization {
	case "layer":
		return layers.LayerNormalization(ctx, x, 1, 2).Done()
	case "batch":
		return batchnorm.New(ctx, x, -1).Center(false).Scale(false).Done()
	case "none", "":
		return x
	}
	exceptions.Panicf("invalid %q normalization for the generator: valid values are layer, batch or none",
		normalization)
	return nil
}

// textEmbeddings maps prompt token ids [batch, contextLen] to embeddings
// [batch, contextLen, ParamTextEmbedDim], the keys and values of the
// bottleneck cross-attention.
func textEmbeddings(ctx *context.Context, tokens *Node, dtype dtypes.DType) *Node {
	embedDim := context.GetParamOr(ctx, ParamTextEmbedDim, 64)
	vocabSize := context.GetParamOr(ctx, ParamVocabSize, clipVocabSize)
	embedCtx := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0/float64(embedDim)))
	return layers.Embedding(embedCtx, tokens, dtype, vocabSize, embedDim)
}

// transformerBlock flattens the bottleneck feature map to a sequence, adds a
// learned positional embedding, cross-attends to the prompt token embeddings
// and applies a small feed-forward, both with residual connections and layer
// normalization. Queries come from the image, keys and values from the text:
// this is where the caption conditions the translation.
func transformerBlock(ctx *context.Context, x, textEmbed *Node, rank int, deterministic bool) *Node {
	g := x.Graph()
	dtype := x.DType()
	batchSize := x.Shape().Dimensions[0]
	height, width := x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	channels := x.Shape().Dimensions[3]
	tokenLen := textEmbed.Shape().Dimensions[1]

	numHeads := context.GetParamOr(ctx, ParamAttentionHeads, 4)
	if channels%numHeads != 0 {
		exceptions.Panicf("bottleneck channels (%d) must be divisible by the number of attention heads (%d)",
			channels, numHeads)
	}
	headDim := channels / numHeads
	spatialLen := height * width

	embed := Reshape(x, batchSize, spatialLen, channels)
	residual := embed

	posEmbedVar := ctx.VariableWithShape("positional", shapes.Make(dtype, 1, spatialLen, channels))
	embed = Add(embed, BroadcastToDims(posEmbedVar.ValueGraph(g), batchSize, spatialLen, channels))

	query := loraDense(ctx.In("to_q"), embed, false, channels, rank)
	key := loraDense(ctx.In("to_k"), textEmbed, false, channels, rank)
	value := loraDense(ctx.In("to_v"), textEmbed, false, channels, rank)
	query = Reshape(query, batchSize, spatialLen, numHeads, headDim)
	key = Reshape(key, batchSize, tokenLen, numHeads, headDim)
	value = Reshape(value, batchSize, tokenLen, numHeads, headDim)
	attended := attention.ScaledDotProductAttention(query, key, value).
		WithLayout(attention.LayoutBSHD).Done()
	attended = Reshape(attended, batchSize, spatialLen, channels)
	embed = loraDense(ctx.In("to_out"), attended, true, channels, rank)
	if !deterministic {
		embed = layers.DropoutFromContext(ctx, embed)
	}
	embed = layers.LayerNormalization(ctx.In("normalization_attention"), embed, -1).Done()

	attentionOutput := embed
	embed = loraDense(ctx.In("ffn_0"), embed, true, channels, rank)
	embed = activations.ApplyFromContext(ctx, embed)
	embed = loraDense(ctx.In("ffn_1"), embed, true, channels, rank)
	if !deterministic {
		embed = layers.DropoutFromContext(ctx, embed)
	}
	embed = Add(embed, attentionOutput)
	embed = layers.LayerNormalization(ctx.In("normalization_ffn"), embed, -1).Done()
	embed = Add(residual, embed)

	return Reshape(embed, batchSize, height, width, channels)
}

// upSampleImages doubles height and width by nearest neighbor, written as
// concatenations and reshapes.
func upSampleImages(x *Node) *Node {
	shape := x.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	numChannels := shape.Dimensions[3]
	upSampled := Concatenate([]*Node{x, x}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	upSampled = Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
	return upSampled
}

// applyGeneratorTrainable marks the generator variables that train per the
// scope-substring convention and freezes everything else. Called at the end
// of the phases that step the generator optimizer, so the gradients and the
// Adam update of that graph respect the selection.
func applyGeneratorTrainable(ctx *context.Context) {
	genCtx := ctx.InAbsPath(context.ScopeSeparator + GeneratorScope)
	genCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(generatorScopeTrains(v.Scope()))
	})
}

// setGeneratorTrainable sets the trainable flag of every generator variable,
// used by the discriminator phases to freeze the generator entirely.
func setGeneratorTrainable(ctx *context.Context, trainable bool) {
	genCtx := ctx.InAbsPath(context.ScopeSeparator + GeneratorScope)
	genCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(trainable)
	})
}

func generatorScopeTrains(scope string) bool {
	for _, substring := range generatorTrainableSubstrings {
		if strings.Contains(scope, substring) {
			return true
		}
	}
	return false
}
