package pix2pix

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constTerm stands in for the frozen scoring towers: loss and score are fixed
// values, connected to the inputs so gradients exist (all zero).
type constTerm struct {
	value float64
}

func (t constTerm) Loss(_ *context.Context, predictions, _ *Node) *Node {
	return AddScalar(MulScalar(ReduceAllMean(predictions), 0), t.value)
}

func (t constTerm) Score(_ *context.Context, images, _ *Node) *Node {
	return AddScalar(MulScalar(ReduceAllMean(images), 0), t.value)
}

func reconstructionTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Resolution = 8
	cfg.TrainBatchSize = 2
	cfg.GradAccumSteps = 1
	cfg.RecWeight = 1
	cfg.PerceptualWeight = 5
	return cfg
}

func reconstructionTestBatch(cfg Config) []*tensors.Tensor {
	return []*tensors.Tensor{
		tensors.FromScalarAndDimensions(float32(0.25), cfg.TrainBatchSize, cfg.Resolution, cfg.Resolution, 3),
		tensors.FromScalarAndDimensions(float32(0.75), cfg.TrainBatchSize, cfg.Resolution, cfg.Resolution, 3),
		tensors.FromScalarAndDimensions(int32(1), cfg.TrainBatchSize, 5),
	}
}

func TestClipSimilarityReplacesBackwardLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := reconstructionTestConfig()
	cfg.ClipSimWeight = 10

	ctx := smallModelContext()
	s := &session{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
		genCtx:  ctx.In(GenPhaseScope).Checked(false),
		discCtx: ctx.In(DiscPhaseScope).Checked(false),
		perc:    constTerm{value: 3},
		clip:    constTerm{value: 0.5},
	}
	require.NoError(t, s.buildTrainers())

	results, err := s.rec.TrainStep(nil, reconstructionTestBatch(cfg), nil)
	require.NoError(t, err)

	// With the similarity term enabled the backward loss is that term alone;
	// the pixel and perceptual terms are reported but not optimized.
	wantClip := 0.5 * cfg.ClipSimWeight
	assert.InDelta(t, wantClip, tensors.ToScalar[float32](results[0]), 1e-5)
	assert.InDelta(t, wantClip, metricValue(s.rec, results, "clipsim"), 1e-5)
	assert.InDelta(t, 3*cfg.PerceptualWeight, metricValue(s.rec, results, "lpips"), 1e-4)
	assert.Greater(t, metricValue(s.rec, results, "l2"), float32(0),
		"the pixel term must still be computed and reported")
}

func TestReconstructionLossSumsTermsWithoutSimilarity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := reconstructionTestConfig()
	cfg.ClipSimWeight = 0

	ctx := smallModelContext()
	s := &session{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
		genCtx:  ctx.In(GenPhaseScope).Checked(false),
		discCtx: ctx.In(DiscPhaseScope).Checked(false),
		perc:    constTerm{value: 3},
	}
	require.NoError(t, s.buildTrainers())

	results, err := s.rec.TrainStep(nil, reconstructionTestBatch(cfg), nil)
	require.NoError(t, err)

	l2 := metricValue(s.rec, results, "l2")
	lpips := metricValue(s.rec, results, "lpips")
	assert.Greater(t, l2, float32(0))
	assert.InDelta(t, 3*cfg.PerceptualWeight, lpips, 1e-4)
	assert.InDelta(t, float64(l2+lpips), tensors.ToScalar[float32](results[0]), 1e-5,
		"without the similarity term the backward loss is the weighted sum")
	for _, metric := range s.rec.TrainMetrics() {
		assert.NotEqual(t, "clipsim", metric.ShortName())
	}
}
