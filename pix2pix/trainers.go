package pix2pix

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/m-kichik/CVProj/lrschedule"
)

// trainDType is the compute dtype of the whole pipeline.
const trainDType = dtypes.Float32

// toSigned maps images from the [0, 1] range the datasets yield to the
// [-1, 1] range the networks work in.
func toSigned(x *Node) *Node {
	return AddScalar(MulScalar(x, 2), -1)
}

// toUnsigned is the inverse of toSigned, for images that leave the model.
func toUnsigned(x *Node) *Node {
	return DivScalar(OnePlus(x), 2)
}

// Each phase model returns its outputs with the backward loss at index 1,
// and phaseLoss hands it to the trainer. Losses are computed inside the
// model functions because they mix several terms and need model internals.
func phaseLoss(labels, predictions []*Node) *Node {
	return predictions[1]
}

// The frozen scoring towers enter the phase graphs through these two
// interfaces: perceptual.Builder and clipsim.Model in training runs, constant
// stand-ins in the trainer tests.

type perceptualTerm interface {
	// Loss is the mean perceptual distance between predictions and targets.
	Loss(ctx *context.Context, predictions, targets *Node) *Node
}

type similarityTerm interface {
	// Score is the per-sample similarity of images to their prompt tokens.
	Score(ctx *context.Context, images, tokens *Node) *Node
	// Loss is the scalar training objective derived from Score.
	Loss(ctx *context.Context, images, tokens *Node) *Node
}

// buildTrainers creates the four phase trainers. The generator phases share
// one Adam, the discriminator phases another: the moments live under the
// optimizer scope in absolute paths, so two trainers with the same optimizer
// scope step the exact same slots, like a single optimizer stepped twice.
//
// Phase wrapper contexts are Checked(false): the phases deliberately build
// the same model variables from four different graphs.
func (s *session) buildTrainers() error {
	adamGen := optimizers.Adam().Scope("AdamGenerator").Done()
	adamDisc := optimizers.Adam().Scope("AdamDiscriminator").Done()

	recMetrics := []metrics.Interface{
		lossTermMetric("Reconstruction L2 (weighted)", "l2", 2),
		lossTermMetric("Perceptual distance (weighted)", "lpips", 3),
	}
	if s.clip != nil {
		recMetrics = append(recMetrics, lossTermMetric("CLIP similarity loss (weighted)", "clipsim", 4))
	}

	s.rec = train.NewTrainer(s.backend, s.genCtx, s.recModelFn, phaseLoss,
		adamGen, recMetrics, nil)
	s.genAdv = train.NewTrainer(s.backend, s.genCtx, s.genAdvModelFn, phaseLoss,
		adamGen, []metrics.Interface{lossTermMetric("Generator adversarial", "gan", 1)}, nil)
	s.discReal = train.NewTrainer(s.backend, s.discCtx, s.discRealModelFn, phaseLoss,
		adamDisc, []metrics.Interface{lossTermMetric("Discriminator real", "disc_real", 1)}, nil)
	s.discFake = train.NewTrainer(s.backend, s.discCtx, s.discFakeModelFn, phaseLoss,
		adamDisc, []metrics.Interface{lossTermMetric("Discriminator fake", "disc_fake", 1)}, nil)

	if s.cfg.GradAccumSteps > 1 {
		for _, trainer := range s.phaseTrainers() {
			if err := trainer.AccumulateGradients(s.cfg.GradAccumSteps); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *session) phaseTrainers() []*train.Trainer {
	return []*train.Trainer{s.rec, s.genAdv, s.discReal, s.discFake}
}

// recModelFn is the reconstruction phase: generator forward, weighted pixel
// MSE plus weighted perceptual distance.
//
// When the CLIP similarity is enabled its weighted loss replaces the
// combined sum as the backward loss, kept from the original training recipe.
// The pixel and perceptual terms are still computed and reported.
func (s *session) recModelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	source, target, tokens := inputs[0], inputs[1], inputs[2]
	s.scheduleGraph(ctx, g)

	src, tgt := toSigned(source), toSigned(target)
	pred := GeneratorForward(ctx, src, tokens, s.cfg.DiffSteps, true)

	lossRec := MulScalar(losses.MeanSquaredError([]*Node{tgt}, []*Node{pred}), s.cfg.RecWeight)
	lossPerceptual := MulScalar(s.perc.Loss(ctx, pred, tgt), s.cfg.PerceptualWeight)
	loss := Add(lossRec, lossPerceptual)
	outputs := []*Node{pred, loss, lossRec, lossPerceptual}
	if s.clip != nil {
		lossClip := MulScalar(s.clip.Loss(ctx, pred, tokens), s.cfg.ClipSimWeight)
		outputs[1] = lossClip
		outputs = append(outputs, lossClip)
	}

	applyGeneratorTrainable(ctx)
	setDiscriminatorTrainable(ctx, false)
	return outputs
}

// genAdvModelFn is the generator adversarial phase: a fresh forward (the
// reconstruction phase's prediction is not reused), scored by the frozen
// discriminator toward "real".
func (s *session) genAdvModelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	source, tokens := inputs[0], inputs[2]
	s.scheduleGraph(ctx, g)

	pred := GeneratorForward(ctx, toSigned(source), tokens, s.cfg.DiffSteps, true)
	scores := DiscriminatorScores(ctx, pred, ScoreGenerator)
	loss := MulScalar(ReduceAllMean(scores), s.cfg.GANWeight)

	applyGeneratorTrainable(ctx)
	setDiscriminatorTrainable(ctx, false)
	return []*Node{pred, loss}
}

// discRealModelFn scores the target batch toward "real" and steps only the
// discriminator. The discriminator schedule is emitted here (and in
// discFakeModelFn, idempotently): its counter advances once per
// synchronized step, half the generator's rate.
func (s *session) discRealModelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	target := inputs[1]
	s.scheduleGraph(ctx, g)

	scores := DiscriminatorScores(ctx, toSigned(target), ScoreReal)
	loss := MulScalar(ReduceAllMean(scores), s.cfg.GANWeight)

	setDiscriminatorTrainable(ctx, true)
	setGeneratorTrainable(ctx, false)
	return []*Node{scores, loss}
}

// discFakeModelFn regenerates the prediction under StopGradient (the detach)
// and scores it toward "fake". Only the discriminator trains; the generator
// is frozen outright so its variables don't even get gradient slots here.
func (s *session) discFakeModelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	source, tokens := inputs[0], inputs[2]
	s.scheduleGraph(ctx, g)

	pred := StopGradient(GeneratorForward(ctx, toSigned(source), tokens, s.cfg.DiffSteps, true))
	scores := DiscriminatorScores(ctx, pred, ScoreFake)
	loss := MulScalar(ReduceAllMean(scores), s.cfg.GANWeight)

	setDiscriminatorTrainable(ctx, true)
	setGeneratorTrainable(ctx, false)
	return []*Node{pred, loss}
}

// scheduleGraph emits the learning rate schedule into a phase graph: it
// reads the phase's schedule counter and writes the phase's learning rate
// variable, which the optimizer then reads. Emitting it from every phase of
// a wrapper context is idempotent, they all write the same variable.
func (s *session) scheduleGraph(ctx *context.Context, g *Graph) {
	lrschedule.New(ctx, g, trainDType).FromContext().Done()
}

// lossTermMetric reports the model output at index as a training metric.
// The phase models return their loss terms as extra outputs for exactly
// this.
func lossTermMetric(name, shortName string, index int) metrics.Interface {
	return metrics.NewBaseMetric(name, shortName, metrics.LossMetricType,
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return predictions[index]
		}, nil)
}
