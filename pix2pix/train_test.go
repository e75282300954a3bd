package pix2pix

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-kichik/CVProj/imagepairs"
	"github.com/m-kichik/CVProj/lrschedule"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestSaveCheckpointKeepsOnlyGenerator(t *testing.T) {
	ctx := context.New()
	ctx.In(GeneratorScope).In("000-conv_in").VariableWithValue("weights", []float32{1, 2, 3})
	ctx.In(GeneratorScope).In("007-conv_out").In("lora").VariableWithValue("a", []float32{4})
	ctx.In(DiscriminatorScope).VariableWithValue("weights", []float32{5})
	ctx.In(GenPhaseScope).In("optimizers").VariableWithValue("moment", []float32{6})

	s := &session{ctx: ctx, checkpointDir: t.TempDir()}
	require.NoError(t, s.saveCheckpoint(7))
	dir := filepath.Join(s.checkpointDir, "model_7")
	require.DirExists(t, dir)

	loadCtx := context.New()
	handler, err := checkpoints.Load(loadCtx).Dir(dir).Done()
	require.NoError(t, err)
	loaded := handler.LoadedVariables()
	assert.Len(t, loaded, 2)
	for name := range loaded {
		scope, _ := context.VariableScopeAndNameFromParameterName(name)
		assert.Truef(t, strings.HasPrefix(scope, context.ScopeSeparator+GeneratorScope),
			"non-generator variable in the snapshot: %s", name)
	}
}

// The generator phases take two optimizer steps per synchronized step, the
// discriminator phases one, and their schedule counters advance accordingly.
func TestPhaseScheduleAsymmetry(t *testing.T) {
	ctx := context.New()
	genCtx := ctx.In(GenPhaseScope).Checked(false)
	discCtx := ctx.In(DiscPhaseScope).Checked(false)

	for step := 0; step < 5; step++ {
		lrschedule.Increment(genCtx, 2)
		lrschedule.Increment(discCtx, 1)
	}
	assert.EqualValues(t, 10, lrschedule.Step(genCtx))
	assert.EqualValues(t, 5, lrschedule.Step(discCtx))
}

// The schedule horizons must be expressed in the units of each phase's
// counter: 2 per synchronized step for the generator, 1 for the
// discriminator. A run of 1000 micro batches at accumulation 20 is 50
// synchronized steps, so the counters land exactly on their horizons at the
// end of the run.
func TestScheduleHorizonUnits(t *testing.T) {
	ctx := context.New()
	s := &session{
		ctx:        ctx,
		genCtx:     ctx.In(GenPhaseScope).Checked(false),
		discCtx:    ctx.In(DiscPhaseScope).Checked(false),
		cfg:        Config{GradAccumSteps: 20},
		totalSteps: 1000,
	}
	s.setScheduleHorizons()
	assert.Equal(t, 100, context.GetParamOr(s.genCtx, lrschedule.ParamTotalSteps, 0))
	assert.Equal(t, 50, context.GetParamOr(s.discCtx, lrschedule.ParamTotalSteps, 0))

	for step := 0; step < 50; step++ {
		lrschedule.Increment(s.genCtx, 2)
		lrschedule.Increment(s.discCtx, 1)
	}
	assert.EqualValues(t, 100, lrschedule.Step(s.genCtx))
	assert.EqualValues(t, 50, lrschedule.Step(s.discCtx))

	// An explicit horizon counts synchronized steps and is converted the
	// same way, warmup included.
	ctx = context.New()
	ctx.SetParam(lrschedule.ParamTotalSteps, 30)
	ctx.SetParam(lrschedule.ParamWarmUpSteps, 4)
	s = &session{
		ctx:        ctx,
		genCtx:     ctx.In(GenPhaseScope).Checked(false),
		discCtx:    ctx.In(DiscPhaseScope).Checked(false),
		cfg:        Config{GradAccumSteps: 1},
		totalSteps: 1000,
	}
	s.setScheduleHorizons()
	assert.Equal(t, 60, context.GetParamOr(s.genCtx, lrschedule.ParamTotalSteps, 0))
	assert.Equal(t, 30, context.GetParamOr(s.discCtx, lrschedule.ParamTotalSteps, 0))
	assert.Equal(t, 8, context.GetParamOr(s.genCtx, lrschedule.ParamWarmUpSteps, 0))
	assert.Equal(t, 4, context.GetParamOr(s.discCtx, lrschedule.ParamWarmUpSteps, 0))
}

// writePokemonFixture builds a caption-folder dataset with n examples.
func writePokemonFixture(t *testing.T, baseDir string, n, size int) {
	trainDir := filepath.Join(baseDir, "train")
	var csv strings.Builder
	csv.WriteString("name,caption\n")
	for ii := 0; ii < n; ii++ {
		name := fmt.Sprintf("img_%d.png", ii)
		for sub, c := range map[string]color.NRGBA{
			"source": {R: uint8(20 * ii), A: 255},
			"target": {B: uint8(20 * ii), A: 255},
		} {
			path := filepath.Join(trainDir, sub, name)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0777))
			require.NoError(t, imaging.Save(imaging.New(size, size, c), path))
		}
		csv.WriteString(fmt.Sprintf("%s,a drawing of creature %d\n", name, ii))
	}
	require.NoError(t, os.WriteFile(filepath.Join(trainDir, "captions.csv"), []byte(csv.String()), 0666))
}

// End-to-end: 10 examples, batch 5, 1 epoch and no accumulation make two
// synchronized steps; with every frequency at 2 the triggers fire at step 1
// only.
func TestTrainEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end training downloads the tokenizer and InceptionV3 weights")
	}
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	writePokemonFixture(t, filepath.Join(baseDir, "data"), 10, 32)

	cfg := DefaultConfig()
	cfg.OutputDir = filepath.Join(baseDir, "out")
	cfg.DataDir = filepath.Join(baseDir, "data")
	cfg.DatasetKind = "pokemon"
	cfg.Resolution = 32
	cfg.TrainBatchSize = 5
	cfg.NumEpochs = 1
	cfg.GradAccumSteps = 1
	cfg.ImageLogFreq = 2
	cfg.ModelLogFreq = 2
	cfg.EvalFreq = 2
	cfg.NumSamplesToEval = 2
	ctx := CreateDefaultContext(cfg)
	ctx.SetParams(map[string]any{
		ParamChannels:         []int{4, 8},
		ParamNumResBlocks:     1,
		ParamAttentionHeads:   2,
		ParamTextEmbedDim:     8,
		ParamDiscScales:       1,
		ParamDiscBaseChannels: 4,
		ParamDiscLayers:       2,
	})

	require.NoError(t, Train(backend, ctx, cfg))

	checkpointDir := filepath.Join(cfg.OutputDir, "checkpoints")
	assert.DirExists(t, filepath.Join(checkpointDir, "model_1"))
	assert.NoDirExists(t, filepath.Join(checkpointDir, "model_2"))

	metricsPath := filepath.Join(cfg.OutputDir, "tracker", "metrics.jsonl")
	require.FileExists(t, metricsPath)
	logged, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	for _, key := range []string{"train/loss_l2", "train/loss_lpips", "train/lossG", "train/lossD", "val/l2", "val/lpips"} {
		assert.Containsf(t, string(logged), key, "metric %s never logged", key)
	}
	assert.Contains(t, string(logged), `"step":2`, "10 examples at batch size 5 make 2 synchronized steps")
	assert.NotContains(t, string(logged), `"step":3`)
	assert.NotContains(t, string(logged), "train/loss_clipsim",
		"the similarity term is disabled by default")

	assert.DirExists(t, filepath.Join(cfg.OutputDir, "tracker", "media", "train_model_output"))
	entries, err := os.ReadDir(filepath.Join(cfg.OutputDir, "eval"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no FID samples expected with TrackValFID off")
}

// With accumulation 2, 8 examples at batch size 2 make 4 micro batches per
// epoch but only 2 synchronized steps: the step counter, the triggers and
// the schedule counters all follow the synchronized steps.
func TestTrainGradientAccumulation(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end training downloads the tokenizer and InceptionV3 weights")
	}
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	writePokemonFixture(t, filepath.Join(baseDir, "data"), 8, 32)

	cfg := DefaultConfig()
	cfg.OutputDir = filepath.Join(baseDir, "out")
	cfg.DataDir = filepath.Join(baseDir, "data")
	cfg.DatasetKind = "pokemon"
	cfg.Resolution = 32
	cfg.TrainBatchSize = 2
	cfg.NumEpochs = 1
	cfg.GradAccumSteps = 2
	cfg.ImageLogFreq = 2
	cfg.ModelLogFreq = 2
	cfg.EvalFreq = 2
	cfg.NumSamplesToEval = 1
	ctx := CreateDefaultContext(cfg)
	ctx.SetParams(map[string]any{
		ParamChannels:         []int{4, 8},
		ParamNumResBlocks:     1,
		ParamAttentionHeads:   2,
		ParamTextEmbedDim:     8,
		ParamDiscScales:       1,
		ParamDiscBaseChannels: 4,
		ParamDiscLayers:       2,
	})

	require.NoError(t, Train(backend, ctx, cfg))

	logged, err := os.ReadFile(filepath.Join(cfg.OutputDir, "tracker", "metrics.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), `"step":2`, "4 micro batches at accumulation 2 make 2 synchronized steps")
	assert.NotContains(t, string(logged), `"step":3`)
	assert.NotContains(t, string(logged), `"step":4`)

	checkpointDir := filepath.Join(cfg.OutputDir, "checkpoints")
	assert.DirExists(t, filepath.Join(checkpointDir, "model_1"))
	assert.NoDirExists(t, filepath.Join(checkpointDir, "model_2"))

	// The schedule counters advanced once per synchronized step, not per
	// micro batch.
	assert.EqualValues(t, 4, lrschedule.Step(ctx.In(GenPhaseScope).Checked(false)))
	assert.EqualValues(t, 2, lrschedule.Step(ctx.In(DiscPhaseScope).Checked(false)))
}

// fixedTokenizer maps caption runes to their code points, zero-padded. Enough
// to build datasets without downloading the CLIP vocabulary.
type fixedTokenizer struct{ contextLen int }

func (tok fixedTokenizer) Tokenize(text string) []int32 {
	ids := make([]int32, tok.contextLen)
	for ii, r := range []rune(text) {
		if ii >= tok.contextLen {
			break
		}
		ids[ii] = int32(r)
	}
	return ids
}

func (tok fixedTokenizer) Detokenize(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == 0 {
			break
		}
		sb.WriteRune(rune(id))
	}
	return sb.String()
}

func (tok fixedTokenizer) ContextLen() int { return tok.contextLen }

func TestEvaluateRequiresBatchOne(t *testing.T) {
	baseDir := t.TempDir()
	writePokemonFixture(t, filepath.Join(baseDir, "data"), 4, 8)
	_, valDS, err := imagepairs.New("pokemon", imagepairs.Config{
		BaseDir:    filepath.Join(baseDir, "data"),
		Resolution: 8,
		Tokenizer:  fixedTokenizer{contextLen: 16},
		BatchSize:  2,
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.NumSamplesToEval = 2
	s := &session{cfg: cfg, valDS: valDS.WithBatchSize(2)}
	err = exceptions.TryCatch[error](func() { _ = s.evaluate(1) })
	require.ErrorContains(t, err, "batch size 1")
}
