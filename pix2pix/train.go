package pix2pix

import (
	"fmt"
	"image"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/m-kichik/CVProj/clipsim"
	"github.com/m-kichik/CVProj/fidstats"
	"github.com/m-kichik/CVProj/imagepairs"
	"github.com/m-kichik/CVProj/lrschedule"
	"github.com/m-kichik/CVProj/perceptual"
	"github.com/m-kichik/CVProj/tracker"
)

// session holds everything a training run needs: the datasets, the frozen
// towers, the four phase trainers and the output sinks.
type session struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config

	// Phase wrapper contexts. Both share the root context's variables; the
	// per-phase scope separates the optimizer state and schedule counters
	// of the generator phases from the discriminator ones. They are
	// unchecked because the four phase graphs build the shared model
	// variables independently.
	genCtx  *context.Context
	discCtx *context.Context

	trainDS *imagepairs.Dataset
	valDS   *imagepairs.Dataset
	loopDS  train.Dataset

	tokenizer   *clipsim.Tokenizer
	clip        similarityTerm
	perc        perceptualTerm
	fid         *fidstats.Stats
	refFeatures *tensors.Tensor

	rec      *train.Trainer
	genAdv   *train.Trainer
	discReal *train.Trainer
	discFake *train.Trainer

	// forwardExec runs the deterministic generator forward for image
	// logging and evaluation.
	forwardExec *context.Exec

	track *tracker.Tracker

	checkpointDir string
	evalDir       string

	// totalSteps is the length of the run in micro batches.
	totalSteps int
}

// Train runs the adversarial fine-tuning recipe to completion: for every
// micro batch the reconstruction, generator-adversarial, discriminator-real
// and discriminator-fake phases each take one optimizer step, and once per
// synchronized step (every GradAccumSteps micro batches) the metrics are
// logged and the periodic image/checkpoint/evaluation triggers fire.
//
// ctx is usually built with CreateDefaultContext, possibly overridden by
// commandline.ParseContextSettings.
func Train(backend backends.Backend, ctx *context.Context, cfg Config) error {
	s, err := newSession(backend, ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()
	return s.run()
}

func newSession(backend backends.Backend, ctx *context.Context, cfg Config) (*session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &session{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
		genCtx:  ctx.In(GenPhaseScope).Checked(false),
		discCtx: ctx.In(DiscPhaseScope).Checked(false),
	}

	s.checkpointDir = filepath.Join(cfg.OutputDir, "checkpoints")
	s.evalDir = filepath.Join(cfg.OutputDir, "eval")
	for _, dir := range []string{s.checkpointDir, s.evalDir} {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, errors.Wrapf(err, "failed to create output directory %q", dir)
		}
	}

	// The datasets need the tokenizer even when the CLIP similarity term is
	// disabled; the full CLIP towers are only loaded when it isn't.
	repoID := context.GetParamOr(s.ctx, ParamClipRepo, clipsim.DefaultRepoID)
	if cfg.ClipSimWeight > 0 {
		clip, err := clipsim.New(s.ctx, repoID)
		if err != nil {
			return nil, err
		}
		s.clip = clip
		s.tokenizer = clip.Tokenizer()
	} else {
		repo := hub.New(repoID).WithAuth(os.Getenv("HF_TOKEN")).WithProgressBar(false)
		tokenizer, err := clipsim.NewTokenizer(repo)
		if err != nil {
			return nil, err
		}
		s.tokenizer = tokenizer
	}

	trainDS, valDS, err := imagepairs.New(cfg.DatasetKind, imagepairs.Config{
		BaseDir:    cfg.DataDir,
		Resolution: cfg.Resolution,
		Tokenizer:  s.tokenizer,
		BatchSize:  cfg.TrainBatchSize,
	})
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	s.trainDS = trainDS.Shuffle(rng).WithAugmentation()
	if valDS != nil {
		s.valDS = valDS.WithBatchSize(cfg.EvalBatchSize)
	} else {
		klog.Warningf("Dataset %q has no validation split, evaluation will be skipped.", cfg.DatasetKind)
	}

	batchesPerEpoch := (trainDS.NumExamples() + cfg.TrainBatchSize - 1) / cfg.TrainBatchSize
	s.totalSteps = cfg.NumEpochs * batchesPerEpoch
	s.setScheduleHorizons()

	cacheDir := fsutil.MustReplaceTildeInDir(
		context.GetParamOr(s.ctx, ParamCacheDir, "~/.cache/cvproj"))
	perc := perceptual.New(cacheDir, 0, timage.ChannelsLast)
	if err := perc.Download(); err != nil {
		return nil, err
	}
	s.perc = perc

	if cfg.TrackValFID && s.valDS != nil {
		s.fid, err = fidstats.New(backend, cacheDir, cfg.Resolution)
		if err != nil {
			return nil, err
		}
		s.refFeatures, err = s.fid.Features(s.valDS.TargetPaths())
		if err != nil {
			return nil, errors.WithMessage(err, "failed to compute the reference statistics for the validation split")
		}
	}

	s.track, err = tracker.New(filepath.Join(cfg.OutputDir, "tracker"), cfg.TrackerProject, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.PretrainedPath != "" {
		if _, err := checkpoints.Load(s.ctx).Dir(cfg.PretrainedPath).Done(); err != nil {
			return nil, errors.WithMessagef(err, "failed to load pretrained weights from %q", cfg.PretrainedPath)
		}
	}

	if err := s.buildTrainers(); err != nil {
		return nil, err
	}
	s.forwardExec, err = context.NewExec(backend, s.ctx.Checked(false), s.forwardGraph)
	if err != nil {
		return nil, err
	}

	if cfg.NumWorkers > 0 {
		s.loopDS = datasets.CustomParallel(s.trainDS).
			Parallelism(cfg.NumWorkers).Buffer(2 * cfg.NumWorkers).Start()
	} else {
		s.loopDS = s.trainDS
	}
	return s, nil
}

// setScheduleHorizons fills the per-phase schedule horizons in the units of
// each phase's counter. The counters advance only on synchronized steps, and
// the generator's advances twice per step, so the horizon and warmup must be
// scaled per phase or the decaying schedules run out early (or never finish).
// An explicit ParamTotalSteps in the context counts synchronized steps;
// otherwise the horizon is the whole run.
func (s *session) setScheduleHorizons() {
	syncSteps := context.GetParamOr(s.ctx, lrschedule.ParamTotalSteps, 0)
	if syncSteps == 0 {
		accum := s.cfg.GradAccumSteps
		syncSteps = (s.totalSteps + accum - 1) / accum
	}
	s.genCtx.SetParam(lrschedule.ParamTotalSteps, 2*syncSteps)
	s.discCtx.SetParam(lrschedule.ParamTotalSteps, syncSteps)
	if warmUp := context.GetParamOr(s.ctx, lrschedule.ParamWarmUpSteps, 0); warmUp > 0 {
		s.genCtx.SetParam(lrschedule.ParamWarmUpSteps, 2*warmUp)
	}
}

func (s *session) close() {
	if s.track != nil {
		if err := s.track.Close(); err != nil {
			klog.Errorf("Failed to close the metrics tracker: %+v", err)
		}
	}
}

// run is the training loop: epochs over the dataset, four phase steps per
// micro batch, bookkeeping once per synchronized step.
func (s *session) run() error {
	accum := s.cfg.GradAccumSteps
	syncTotal := (s.totalSteps + accum - 1) / accum
	bar := progressbar.NewOptions(syncTotal,
		progressbar.OptionSetDescription("training: "),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(commandline.ProgressbarStyle),
	)

	microStep, globalStep := 0, 0
	for epoch := 0; epoch < s.cfg.NumEpochs; epoch++ {
		s.loopDS.Reset()
		for {
			spec, inputs, labels, err := s.loopDS.Yield()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}

			recResults, err := s.rec.TrainStep(spec, inputs, labels)
			if err != nil {
				return errors.WithMessage(err, "reconstruction phase failed")
			}
			ganResults, err := s.genAdv.TrainStep(spec, inputs, labels)
			if err != nil {
				return errors.WithMessage(err, "generator adversarial phase failed")
			}
			realResults, err := s.discReal.TrainStep(spec, inputs, labels)
			if err != nil {
				return errors.WithMessage(err, "discriminator real phase failed")
			}
			fakeResults, err := s.discFake.TrainStep(spec, inputs, labels)
			if err != nil {
				return errors.WithMessage(err, "discriminator fake phase failed")
			}

			if microStep%accum == accum-1 {
				globalStep++
				// The generator schedule advances twice per synchronized
				// step (reconstruction and adversarial), the discriminator
				// schedule once, kept from the original training recipe.
				lrschedule.Increment(s.genCtx, 2)
				lrschedule.Increment(s.discCtx, 1)

				logs := s.stepLogs(recResults, ganResults, realResults, fakeResults)
				_ = bar.Add(1)
				bar.Describe(progressDescription(logs))
				if err := s.track.Log(int64(globalStep), logs); err != nil {
					return err
				}

				if globalStep%s.cfg.ImageLogFreq == 1 {
					if err := s.logTrainImages(globalStep, inputs); err != nil {
						return err
					}
				}
				if globalStep%s.cfg.ModelLogFreq == 1 {
					if err := s.saveCheckpoint(globalStep); err != nil {
						return err
					}
				}
				if globalStep%s.cfg.EvalFreq == 1 {
					if err := s.evaluate(globalStep); err != nil {
						return err
					}
				}
			}

			for _, t := range inputs {
				t.FinalizeAll()
			}
			microStep++
		}
	}
	_ = bar.Finish()
	fmt.Printf("\nTrained %d steps (%d micro batches).\n%s\n", globalStep, microStep, s.track.Summary())
	return nil
}

// stepLogs collects the phase losses of the last micro batch and the current
// learning rates into tracker values.
func (s *session) stepLogs(recResults, ganResults, realResults, fakeResults []*tensors.Tensor) map[string]any {
	lossDReal := metricValue(s.discReal, realResults, "disc_real")
	lossDFake := metricValue(s.discFake, fakeResults, "disc_fake")
	logs := map[string]any{
		"train/loss_l2":    metricValue(s.rec, recResults, "l2"),
		"train/loss_lpips": metricValue(s.rec, recResults, "lpips"),
		"train/lossG":      metricValue(s.genAdv, ganResults, "gan"),
		"train/lossD":      lossDReal + lossDFake,
		"train/lr_gen":     s.learningRate(s.genCtx),
		"train/lr_disc":    s.learningRate(s.discCtx),
	}
	if s.clip != nil {
		logs["train/loss_clipsim"] = metricValue(s.rec, recResults, "clipsim")
	}
	return logs
}

func progressDescription(logs map[string]any) string {
	return fmt.Sprintf("training: G=%.3f D=%.3f l2=%.3f lpips=%.3f ",
		logs["train/lossG"], logs["train/lossD"], logs["train/loss_l2"], logs["train/loss_lpips"])
}

// metricValue finds the trainer metric with the given short name among the
// TrainStep results.
func metricValue(trainer *train.Trainer, results []*tensors.Tensor, shortName string) float32 {
	for i, metric := range trainer.TrainMetrics() {
		if metric.ShortName() == shortName {
			return tensors.ToScalar[float32](results[i])
		}
	}
	exceptions.Panicf("trainer has no metric with short name %q", shortName)
	return 0
}

func (s *session) learningRate(ctx *context.Context) float32 {
	lrVar := optimizers.LearningRateVar(ctx, trainDType, s.cfg.LearningRate)
	return tensors.ToScalar[float32](lrVar.MustValue())
}

// logTrainImages re-runs the generator on the current micro batch and logs
// the source, target and prediction images with their captions.
func (s *session) logTrainImages(step int, inputs []*tensors.Tensor) error {
	results, err := s.forwardExec.Exec(inputs[0], inputs[1], inputs[2])
	if err != nil {
		return errors.WithMessage(err, "image logging forward pass failed")
	}
	defer func() {
		for _, t := range results {
			t.FinalizeAll()
		}
	}()
	captions := s.trainDS.Captions(inputs[2])
	converter := timage.ToImage()
	logs := map[string]any{
		"train/source":       imagesWithCaptions(converter.Batch(inputs[0]), captions),
		"train/target":       imagesWithCaptions(converter.Batch(inputs[1]), captions),
		"train/model_output": imagesWithCaptions(converter.Batch(results[0]), captions),
	}
	return s.track.Log(int64(step), logs)
}

func imagesWithCaptions(images []image.Image, captions []string) []tracker.Image {
	logged := make([]tracker.Image, len(images))
	for i, img := range images {
		logged[i] = tracker.Image{Image: img}
		if i < len(captions) {
			logged[i].Caption = captions[i]
		}
	}
	return logged
}

// saveCheckpoint writes the generator weights (and the context params) to
// checkpoints/model_<step>. Everything outside the generator scope is
// excluded: the discriminator, the frozen towers and all the optimizer
// state, matching the weights-only snapshots of the original recipe.
func (s *session) saveCheckpoint(step int) error {
	dir := filepath.Join(s.checkpointDir, fmt.Sprintf("model_%d", step))
	cpConfig := checkpoints.Build(s.ctx).Dir(dir)
	// Handler.Save creates the root global step variable if missing; it
	// must exist before the exclusion list below is built.
	optimizers.GetGlobalStep(s.ctx)
	generatorPrefix := context.ScopeSeparator + GeneratorScope
	s.ctx.EnumerateVariables(func(v *context.Variable) {
		if !strings.HasPrefix(v.Scope(), generatorPrefix) {
			cpConfig.ExcludeVars(v)
		}
	})
	handler, err := cpConfig.Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint at %q", dir)
	}
	return handler.Save()
}
