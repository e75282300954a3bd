// Package perceptual measures the perceptual distance between generated and
// target images: the L2 distance between their InceptionV3 embeddings. It
// plays the LPIPS role in translation training — unlike a pixel loss it
// tolerates small spatial shifts while punishing structural differences.
package perceptual

import (
	"github.com/gomlx/gomlx/examples/inceptionv3"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ScopeName under which the InceptionV3 weights live in the context.
const ScopeName = "perceptual"

// Builder builds perceptual distance graphs over a frozen InceptionV3 tower.
type Builder struct {
	dataDir        string
	maxValue       float64
	channelsConfig timage.ChannelsAxisConfig
}

// New creates a Builder.
//
//   - dataDir: where the InceptionV3 weights are downloaded to and cached.
//   - maxImageValue: maximum channel value of the incoming images. Use 0 for
//     images already in [-1, 1] (see inceptionv3.PreprocessImage).
//   - channelsConfig: commonly timage.ChannelsLast.
//
// Call Download once before building any graph.
func New(dataDir string, maxImageValue float64, channelsConfig timage.ChannelsAxisConfig) *Builder {
	return &Builder{
		dataDir:        dataDir,
		maxValue:       maxImageValue,
		channelsConfig: channelsConfig,
	}
}

// Download fetches and unpacks the InceptionV3 weights if not yet cached.
func (b *Builder) Download() error {
	if err := inceptionv3.DownloadAndUnpackWeights(b.dataDir); err != nil {
		return errors.WithMessage(err, "failed to fetch the InceptionV3 weights")
	}
	return nil
}

// Distances returns the per-example L2 distance between the InceptionV3
// embeddings of predictions and targets, shaped [batch].
//
// The tower weights are frozen and gradients flow only through the
// predictions branch.
func (b *Builder) Distances(ctx *context.Context, predictions, targets *Node) *Node {
	predEmb := b.embed(ctx, predictions)
	targetEmb := StopGradient(b.embed(ctx, targets))
	return L2Norm(Sub(predEmb, targetEmb), -1)
}

// Loss returns the scalar perceptual loss, the mean of Distances over the
// batch.
func (b *Builder) Loss(ctx *context.Context, predictions, targets *Node) *Node {
	return ReduceAllMean(b.Distances(ctx, predictions, targets))
}

// embed runs the frozen InceptionV3 tower. The tower variables live under
// the absolute ScopeName scope, so every graph that measures the distance
// shares one copy of the weights no matter the scope it was built from.
func (b *Builder) embed(ctx *context.Context, images *Node) *Node {
	x := inceptionv3.PreprocessImage(images, b.maxValue, b.channelsConfig)
	towerCtx := ctx.InAbsPath(context.ScopeSeparator + ScopeName).Checked(false)
	return inceptionv3.BuildGraph(towerCtx, x).
		SetPooling(inceptionv3.MeanPooling).ClassificationTop(false).
		PreTrained(b.dataDir).ChannelsAxis(b.channelsConfig).Trainable(false).Done()
}
