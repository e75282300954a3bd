package pix2pix

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-kichik/CVProj/lrschedule"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.OutputDir = "/tmp/run"
	cfg.DataDir = "/tmp/data"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 256, cfg.Resolution)
	assert.Equal(t, 4, cfg.TrainBatchSize)
	assert.Equal(t, 1, cfg.EvalBatchSize)
	assert.Equal(t, 5, cfg.NumEpochs)
	assert.Equal(t, 1e-5, cfg.LearningRate)
	assert.Equal(t, "constant", cfg.LRScheduler)
	assert.Equal(t, 500, cfg.LRWarmupSteps)
	assert.Equal(t, 20, cfg.GradAccumSteps)
	assert.Equal(t, 1.0, cfg.GradClip)
	assert.Equal(t, 1.0, cfg.RecWeight)
	assert.Equal(t, 5.0, cfg.PerceptualWeight)
	assert.Equal(t, 0.0, cfg.ClipSimWeight)
	assert.Equal(t, 0.5, cfg.GANWeight)
	assert.Equal(t, 8, cfg.LoraRankUNet)
	assert.Equal(t, 4, cfg.LoraRankVAE)
	assert.Equal(t, 1, cfg.DiffSteps)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing output dir", func(cfg *Config) { cfg.OutputDir = "" }},
		{"unknown dataset", func(cfg *Config) { cfg.DatasetKind = "imagenet" }},
		{"zero resolution", func(cfg *Config) { cfg.Resolution = 0 }},
		{"zero train batch", func(cfg *Config) { cfg.TrainBatchSize = 0 }},
		{"zero eval batch", func(cfg *Config) { cfg.EvalBatchSize = 0 }},
		{"zero epochs", func(cfg *Config) { cfg.NumEpochs = 0 }},
		{"zero learning rate", func(cfg *Config) { cfg.LearningRate = 0 }},
		{"zero accumulation", func(cfg *Config) { cfg.GradAccumSteps = 0 }},
		{"negative weight", func(cfg *Config) { cfg.PerceptualWeight = -1 }},
		{"zero image log freq", func(cfg *Config) { cfg.ImageLogFreq = 0 }},
		{"zero model log freq", func(cfg *Config) { cfg.ModelLogFreq = 0 }},
		{"zero eval freq", func(cfg *Config) { cfg.EvalFreq = 0 }},
		{"zero eval samples", func(cfg *Config) { cfg.NumSamplesToEval = 0 }},
		{"negative lora rank", func(cfg *Config) { cfg.LoraRankUNet = -1 }},
		{"zero diff steps", func(cfg *Config) { cfg.DiffSteps = 0 }},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := validConfig()
			testCase.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCreateDefaultContext(t *testing.T) {
	cfg := validConfig()
	cfg.LoraRankUNet = 16
	ctx := CreateDefaultContext(cfg)

	assert.Equal(t, cfg.LearningRate,
		context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, cfg.GradClip,
		context.GetParamOr(ctx, optimizers.ParamClipStepByValue, 0.0))
	assert.Equal(t, cfg.LRScheduler,
		context.GetParamOr(ctx, lrschedule.ParamScheduler, ""))
	assert.Equal(t, cfg.LRWarmupSteps,
		context.GetParamOr(ctx, lrschedule.ParamWarmUpSteps, 0))
	assert.Equal(t, 16, context.GetParamOr(ctx, ParamLoraRankUNet, 0))
	assert.Equal(t, cfg.LoraRankVAE, context.GetParamOr(ctx, ParamLoraRankVAE, 0))
	assert.Equal(t, []int{32, 64, 96, 128}, context.GetParamOr(ctx, ParamChannels, []int(nil)))

	// Train fills the schedule horizon from the dataset when it is unset.
	assert.Equal(t, 0, context.GetParamOr(ctx, lrschedule.ParamTotalSteps, 0))
}
