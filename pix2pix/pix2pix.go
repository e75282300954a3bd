// Package pix2pix trains a one-step image-to-image translation model with an
// adversarial objective: a LoRA-adapted conditional U-Net generator,
// regularized by reconstruction, perceptual and optionally CLIP-similarity
// losses, against a multi-scale patch discriminator.
//
// Each training batch runs four phases in a fixed order, each phase a
// train.Trainer of its own over the shared variables context:
//
//  1. Reconstruction: generator forward, pixel MSE plus perceptual distance.
//  2. Generator-adversarial: a fresh forward scored by the discriminator.
//  3. Discriminator-real: the target batch scored toward "real".
//  4. Discriminator-fake: a detached regeneration scored toward "fake".
//
// The two generator phases share one Adam (moments unify through the
// optimizer scope), the two discriminator phases share another. Gradient
// accumulation, learning rate warmup/decay schedules, periodic image logs,
// generator-only checkpoints and a bounded validation pass are all driven
// from Train.
//
// Model hyperparameters (channel widths, attention, discriminator scales)
// live as context parameters, so they can be overridden from the command
// line with commandline.ParseContextSettings. CreateDefaultContext sets
// them all.
package pix2pix

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"

	"github.com/m-kichik/CVProj/clipsim"
	"github.com/m-kichik/CVProj/imagepairs"
	"github.com/m-kichik/CVProj/lrschedule"
)

const (
	// GeneratorScope is the absolute context scope holding the generator
	// variables. All phase trainers resolve it with InAbsPath, so the
	// weights are shared no matter which wrapper context builds the graph.
	GeneratorScope = "generator"

	// DiscriminatorScope holds the discriminator variables, same scheme.
	DiscriminatorScope = "discriminator"

	// GenPhaseScope and DiscPhaseScope are the wrapper scopes of the phase
	// trainers: per-network learning rate variables, Adam global steps and
	// schedule counters live under them, generator-side state under one,
	// discriminator-side under the other.
	GenPhaseScope  = "train_gen"
	DiscPhaseScope = "train_disc"
)

// Context parameters of the models. All can be overridden per scope.
const (
	// ParamChannels is the channel width per U-Net level, a []int. Its
	// length fixes the number of levels, and therefore of skip
	// connections; the input resolution must be divisible by
	// 2^len(channels).
	ParamChannels = "unet_channels"

	// ParamNumResBlocks is the number of residual blocks per U-Net level.
	ParamNumResBlocks = "unet_res_blocks"

	// ParamAttention toggles the cross-attention transformer block in the
	// U-Net bottleneck. Without it the prompt tokens are ignored.
	ParamAttention = "unet_attention"

	// ParamAttentionHeads is the number of attention heads. The bottleneck
	// channels (last of ParamChannels) must be divisible by it.
	ParamAttentionHeads = "unet_attention_heads"

	// ParamTextEmbedDim is the dimension of the prompt token embeddings.
	ParamTextEmbedDim = "unet_text_embed_dim"

	// ParamVocabSize is the token vocabulary size of the text embedding
	// table. Train sets it from the tokenizer.
	ParamVocabSize = "unet_vocab_size"

	// ParamLoraRankUNet and ParamLoraRankVAE are the ranks of the LoRA
	// deltas: the U-Net rank covers the down path and the bottleneck, the
	// VAE rank the up path, which plays the decoder role. Rank 0 disables
	// the delta and leaves a plain dense layer.
	ParamLoraRankUNet = "lora_rank_unet"
	ParamLoraRankVAE  = "lora_rank_vae"

	// ParamDiscScales is how many downsampled scales of the input the
	// patch discriminator scores.
	ParamDiscScales = "disc_scales"

	// ParamDiscBaseChannels is the channel width of the first
	// discriminator convolution; it doubles per layer.
	ParamDiscBaseChannels = "disc_base_channels"

	// ParamDiscLayers is the number of strided convolutions per scale.
	ParamDiscLayers = "disc_layers"

	// ParamClipRepo is the HuggingFace repository of the CLIP export used
	// for the similarity loss and the caption tokenizer.
	ParamClipRepo = "clip_repo"

	// ParamCacheDir is where downloaded model weights (InceptionV3,
	// reference statistics) are cached.
	ParamCacheDir = "cache_dir"
)

// Config are the run parameters of a training session, the knobs that in the
// original experiments came from the command line. Model architecture
// parameters live in the context instead (see CreateDefaultContext).
type Config struct {
	// OutputDir receives checkpoints, eval images and tracker files.
	OutputDir string

	// PretrainedPath optionally points to a checkpoint directory to load
	// the generator from before training.
	PretrainedPath string

	// Seed of the random number generators.
	Seed int64

	// DataDir is the dataset folder. Required by the paired and sketchy
	// kinds; pokemon and pixel expect their caption-folder layout here
	// too.
	DataDir string

	// DatasetKind selects the dataset: "paired", "pokemon", "pixel" or
	// "sketchy".
	DatasetKind string

	// Resolution images are resized to. Must be divisible by 2 per U-Net
	// level, 16 with the default four levels.
	Resolution int

	// TrainBatchSize and EvalBatchSize are the batch sizes of the two
	// dataset views. Evaluation asserts batch size 1.
	TrainBatchSize int
	EvalBatchSize  int

	// NumWorkers is the parallelism of the dataset read-ahead. Zero keeps
	// loading synchronous in the training loop.
	NumWorkers int

	// NumEpochs over the training dataset.
	NumEpochs int

	// LearningRate is the peak learning rate of both networks.
	LearningRate float64

	// LRScheduler selects the decay family: "constant",
	// "constant_with_warmup", "linear", "cosine", "cosine_with_restarts"
	// or "polynomial".
	LRScheduler string

	// LRWarmupSteps, LRNumCycles and LRPower parameterize the schedule.
	LRWarmupSteps int
	LRNumCycles   float64
	LRPower       float64

	// GradAccumSteps is the number of micro-batches accumulated before
	// each synchronized optimizer application.
	GradAccumSteps int

	// GradClip bounds each step coordinate-wise, applied on synchronized
	// applications only. Zero disables clipping.
	GradClip float64

	// Loss weights. ClipSimWeight zero skips the CLIP model entirely: no
	// similarity graph is built. When positive, the reconstruction
	// phase's backward loss is the similarity term alone, replacing the
	// pixel and perceptual sum (kept from the original training recipe;
	// the replaced terms are still reported).
	RecWeight        float64
	PerceptualWeight float64
	ClipSimWeight    float64
	GANWeight        float64

	// ImageLogFreq, ModelLogFreq and EvalFreq gate the periodic work: a
	// trigger fires on synchronized steps where step % freq == 1.
	ImageLogFreq int
	ModelLogFreq int
	EvalFreq     int

	// NumSamplesToEval bounds each validation pass.
	NumSamplesToEval int

	// TrackValFID additionally writes validation predictions as PNGs and
	// reports a distributional distance against the validation targets.
	TrackValFID bool

	// LoraRankUNet and LoraRankVAE seed the corresponding context
	// parameters.
	LoraRankUNet int
	LoraRankVAE  int

	// DiffSteps is the number of refinement passes of the generator: each
	// pass after the first re-runs the U-Net on its own output.
	DiffSteps int

	// TrackerProject names the run in the tracker.
	TrackerProject string
}

// DefaultConfig returns the defaults of the original training recipe.
func DefaultConfig() Config {
	return Config{
		Seed:             42,
		DatasetKind:      "paired",
		Resolution:       256,
		TrainBatchSize:   4,
		EvalBatchSize:    1,
		NumEpochs:        5,
		LearningRate:     1e-5,
		LRScheduler:      "constant",
		LRWarmupSteps:    500,
		LRNumCycles:      1,
		LRPower:          1.0,
		GradAccumSteps:   20,
		GradClip:         1.0,
		RecWeight:        1.0,
		PerceptualWeight: 5.0,
		ClipSimWeight:    0,
		GANWeight:        0.5,
		ImageLogFreq:     100,
		ModelLogFreq:     500,
		EvalFreq:         100,
		NumSamplesToEval: 100,
		LoraRankUNet:     8,
		LoraRankVAE:      4,
		DiffSteps:        1,
		TrackerProject:   "cvproj",
	}
}

// Validate fails fast on configurations that cannot train, before any model
// or dataset is built.
func (cfg *Config) Validate() error {
	if cfg.OutputDir == "" {
		return errors.New("OutputDir is required")
	}
	if _, err := imagepairs.ParseKind(cfg.DatasetKind); err != nil {
		return err
	}
	if cfg.Resolution <= 0 {
		return errors.Errorf("Resolution must be positive, got %d", cfg.Resolution)
	}
	if cfg.TrainBatchSize < 1 || cfg.EvalBatchSize < 1 {
		return errors.Errorf("batch sizes must be at least 1, got train=%d eval=%d",
			cfg.TrainBatchSize, cfg.EvalBatchSize)
	}
	if cfg.NumEpochs < 1 {
		return errors.Errorf("NumEpochs must be at least 1, got %d", cfg.NumEpochs)
	}
	if cfg.LearningRate <= 0 {
		return errors.Errorf("LearningRate must be positive, got %g", cfg.LearningRate)
	}
	if cfg.GradAccumSteps < 1 {
		return errors.Errorf("GradAccumSteps must be at least 1, got %d", cfg.GradAccumSteps)
	}
	for name, v := range map[string]float64{
		"RecWeight": cfg.RecWeight, "PerceptualWeight": cfg.PerceptualWeight,
		"ClipSimWeight": cfg.ClipSimWeight, "GANWeight": cfg.GANWeight, "GradClip": cfg.GradClip,
	} {
		if v < 0 {
			return errors.Errorf("%s must not be negative, got %g", name, v)
		}
	}
	for name, v := range map[string]int{
		"ImageLogFreq": cfg.ImageLogFreq, "ModelLogFreq": cfg.ModelLogFreq, "EvalFreq": cfg.EvalFreq,
	} {
		if v < 1 {
			return errors.Errorf("%s must be at least 1, got %d", name, v)
		}
	}
	if cfg.NumSamplesToEval < 1 {
		return errors.Errorf("NumSamplesToEval must be at least 1, got %d", cfg.NumSamplesToEval)
	}
	if cfg.LoraRankUNet < 0 || cfg.LoraRankVAE < 0 {
		return errors.Errorf("LoRA ranks must not be negative, got unet=%d vae=%d",
			cfg.LoraRankUNet, cfg.LoraRankVAE)
	}
	if cfg.DiffSteps < 1 {
		return errors.Errorf("DiffSteps must be at least 1, got %d", cfg.DiffSteps)
	}
	return nil
}

// CreateDefaultContext creates a context with the model hyperparameters and
// the optimizer/schedule parameters seeded from cfg. Callers may override
// any of them (commandline.ParseContextSettings) before passing the context
// to Train.
func CreateDefaultContext(cfg Config) *context.Context {
	ctx := context.New()
	ctx.RngStateFromSeed(cfg.Seed)
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate:    cfg.LearningRate,
		optimizers.ParamClipStepByValue: cfg.GradClip,

		lrschedule.ParamScheduler:   cfg.LRScheduler,
		lrschedule.ParamWarmUpSteps: cfg.LRWarmupSteps,
		lrschedule.ParamNumCycles:   cfg.LRNumCycles,
		lrschedule.ParamPower:       cfg.LRPower,

		layers.ParamNormalization:   "layer",
		activations.ParamActivation: "swish",
		layers.ParamDropoutRate:     0.0,

		ParamChannels:         []int{32, 64, 96, 128},
		ParamNumResBlocks:     2,
		ParamAttention:        true,
		ParamAttentionHeads:   4,
		ParamTextEmbedDim:     64,
		ParamVocabSize:        clipVocabSize,
		ParamLoraRankUNet:     cfg.LoraRankUNet,
		ParamLoraRankVAE:      cfg.LoraRankVAE,
		ParamDiscScales:       2,
		ParamDiscBaseChannels: 64,
		ParamDiscLayers:       3,

		ParamClipRepo: clipsim.DefaultRepoID,
		ParamCacheDir: "~/.cache/cvproj",
	})
	return ctx
}

// clipVocabSize is CLIP's BPE vocabulary size, the default of the text
// embedding table so that tokenized captions are always in range.
const clipVocabSize = 49408
