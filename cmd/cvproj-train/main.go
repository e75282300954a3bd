// cvproj-train trains the one-step image-to-image translation model on one
// of the supported paired datasets.
//
// The run parameters (dataset, schedule, loss weights) are flags; the model
// architecture parameters are context hyperparameters set with --set, e.g.:
//
//	cvproj-train --data=~/work/facades --dataset=paired --download_facades \
//	    --output=~/work/facades/run1 --set="lora_rank_unet=16;unet_attention=false"
//
// Use -help for the full list of both.
package main

import (
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pbnjay/memory"
	"k8s.io/klog/v2"

	"github.com/m-kichik/CVProj/imagepairs"
	"github.com/m-kichik/CVProj/pix2pix"

	_ "github.com/gomlx/gomlx/backends/default"
)

var defaults = pix2pix.DefaultConfig()

var (
	flagOutput     = flag.String("output", "", "Directory that receives checkpoints, evaluation images and tracker files. Required.")
	flagData       = flag.String("data", "", "Dataset directory. Required by the paired and sketchy kinds; pokemon and pixel expect their caption-folder layout here too.")
	flagDataset    = flag.String("dataset", defaults.DatasetKind, "Dataset kind: \"paired\", \"pokemon\", \"pixel\" or \"sketchy\".")
	flagDownload   = flag.Bool("download_facades", false, "Download the CMP facades archive into --data and convert it to the paired layout before training. No-op when the layout already exists.")
	flagPretrained = flag.String("pretrained", "", "Checkpoint directory to load the generator from before training. If left empty the generator starts from scratch.")
	flagSeed       = flag.Int64("seed", defaults.Seed, "Seed of the random number generators.")
	flagProject    = flag.String("project", defaults.TrackerProject, "Run name in the tracker files.")
)

var (
	flagResolution = flag.Int("resolution", defaults.Resolution, "Images are resized to resolution x resolution. Must be divisible by 2 per U-Net level.")
	flagBatch      = flag.Int("batch", defaults.TrainBatchSize, "Training batch size.")
	flagEvalBatch  = flag.Int("eval_batch", defaults.EvalBatchSize, "Evaluation batch size. The evaluation pass asserts 1.")
	flagWorkers    = flag.Int("workers", 0, "Parallelism of the dataset read-ahead. 0 keeps loading synchronous in the training loop.")
	flagEpochs     = flag.Int("epochs", defaults.NumEpochs, "Number of epochs over the training dataset.")
	flagDiffSteps  = flag.Int("diff_steps", defaults.DiffSteps, "Number of generator refinement passes; each pass after the first re-runs the U-Net on its own output.")
	flagLoraUNet   = flag.Int("lora_unet", defaults.LoraRankUNet, "LoRA rank of the U-Net down path and bottleneck. 0 disables the deltas.")
	flagLoraVAE    = flag.Int("lora_vae", defaults.LoraRankVAE, "LoRA rank of the U-Net up path (the decoder role). 0 disables the deltas.")
)

var (
	flagLR          = flag.Float64("lr", defaults.LearningRate, "Peak learning rate of both networks.")
	flagLRScheduler = flag.String("lr_scheduler", defaults.LRScheduler, "Learning rate decay: \"constant\", \"constant_with_warmup\", \"linear\", \"cosine\", \"cosine_with_restarts\" or \"polynomial\".")
	flagLRWarmup    = flag.Int("lr_warmup", defaults.LRWarmupSteps, "Warm-up steps of the learning rate schedule.")
	flagLRCycles    = flag.Float64("lr_cycles", defaults.LRNumCycles, "Number of hard restarts of the cosine_with_restarts schedule.")
	flagLRPower     = flag.Float64("lr_power", defaults.LRPower, "Exponent of the polynomial schedule.")
	flagAccum       = flag.Int("accum", defaults.GradAccumSteps, "Micro-batches accumulated before each synchronized optimizer application.")
	flagGradClip    = flag.Float64("grad_clip", defaults.GradClip, "Coordinate-wise bound of each optimizer step. 0 disables clipping.")
)

var (
	flagLambdaL2      = flag.Float64("lambda_l2", defaults.RecWeight, "Weight of the pixel reconstruction loss.")
	flagLambdaLpips   = flag.Float64("lambda_lpips", defaults.PerceptualWeight, "Weight of the perceptual distance loss.")
	flagLambdaClipSim = flag.Float64("lambda_clipsim", defaults.ClipSimWeight, "Weight of the CLIP similarity loss. 0 skips the CLIP model entirely.")
	flagLambdaGAN     = flag.Float64("lambda_gan", defaults.GANWeight, "Weight of the adversarial loss.")
)

var (
	flagImageFreq      = flag.Int("image_freq", defaults.ImageLogFreq, "Synchronized steps between logging of training images.")
	flagCheckpointFreq = flag.Int("checkpoint_freq", defaults.ModelLogFreq, "Synchronized steps between generator checkpoints.")
	flagEvalFreq       = flag.Int("eval_freq", defaults.EvalFreq, "Synchronized steps between validation passes.")
	flagEvalSamples    = flag.Int("eval_samples", defaults.NumSamplesToEval, "Number of validation examples per validation pass.")
	flagFID            = flag.Bool("fid", false, "Write validation predictions as PNGs and report their FID against the validation targets.")
)

func configFromFlags() pix2pix.Config {
	cfg := defaults
	cfg.OutputDir = fsutil.MustReplaceTildeInDir(*flagOutput)
	cfg.DataDir = fsutil.MustReplaceTildeInDir(*flagData)
	cfg.DatasetKind = *flagDataset
	cfg.PretrainedPath = fsutil.MustReplaceTildeInDir(*flagPretrained)
	cfg.Seed = *flagSeed
	cfg.TrackerProject = *flagProject
	cfg.Resolution = *flagResolution
	cfg.TrainBatchSize = *flagBatch
	cfg.EvalBatchSize = *flagEvalBatch
	cfg.NumWorkers = *flagWorkers
	cfg.NumEpochs = *flagEpochs
	cfg.DiffSteps = *flagDiffSteps
	cfg.LoraRankUNet = *flagLoraUNet
	cfg.LoraRankVAE = *flagLoraVAE
	cfg.LearningRate = *flagLR
	cfg.LRScheduler = *flagLRScheduler
	cfg.LRWarmupSteps = *flagLRWarmup
	cfg.LRNumCycles = *flagLRCycles
	cfg.LRPower = *flagLRPower
	cfg.GradAccumSteps = *flagAccum
	cfg.GradClip = *flagGradClip
	cfg.RecWeight = *flagLambdaL2
	cfg.PerceptualWeight = *flagLambdaLpips
	cfg.ClipSimWeight = *flagLambdaClipSim
	cfg.GANWeight = *flagLambdaGAN
	cfg.ImageLogFreq = *flagImageFreq
	cfg.ModelLogFreq = *flagCheckpointFreq
	cfg.EvalFreq = *flagEvalFreq
	cfg.NumSamplesToEval = *flagEvalSamples
	cfg.TrackValFID = *flagFID
	return cfg
}

func main() {
	// The settings flag usage lists the context hyperparameters with their
	// default values, so it is built from a default context.
	settings := commandline.CreateContextSettingsFlag(
		pix2pix.CreateDefaultContext(defaults), "")
	klog.InitFlags(nil)
	flag.Parse()

	cfg := configFromFlags()
	if *flagDownload {
		must.M(imagepairs.PrepareFacades(cfg.DataDir))
	}
	ctx := pix2pix.CreateDefaultContext(cfg)
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	fmt.Printf("Backend: %s (%s)\n", backend.Name(), backend.Description())
	fmt.Printf("System memory: %s\n", humanize.Bytes(memory.TotalMemory()))

	err := exceptions.TryCatch[error](func() {
		must.M(pix2pix.Train(backend, ctx, cfg))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
