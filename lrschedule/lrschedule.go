// Package lrschedule implements learning rate schedules with linear warmup
// for training in this repo.
//
// Unlike schedules that advance once per graph execution, these schedules read
// their position from an explicit step counter variable, advanced by the
// training loop with Increment. With gradient accumulation the loop only
// advances the counter when an accumulation group completes, so warmup and
// decay are measured in synchronized optimizer steps, not in micro-batches.
// The generator and discriminator keep separate counters (they live in the
// scope of whatever context is passed in), and the loop advances them at
// different rates. Warmup and horizon parameters are expressed in counter
// units, so a counter advanced twice per step needs a doubled horizon.
package lrschedule

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// ParamScheduler selects the schedule family. Valid values are
	// "constant", "constant_with_warmup", "linear", "cosine",
	// "cosine_with_restarts" and "polynomial".
	ParamScheduler = "lr_scheduler"

	// ParamWarmUpSteps is the length of the linear ramp from 0 to the base
	// learning rate, in units of the schedule counter.
	ParamWarmUpSteps = "lr_warmup_steps"

	// ParamTotalSteps is the horizon the decaying schedules ("linear",
	// "cosine", "cosine_with_restarts" and "polynomial") are stretched over,
	// in units of the schedule counter. Required (> 0) for those families.
	// A loop that advances a counter by more than 1 per synchronized step
	// must scale the horizon it sets by the same factor.
	ParamTotalSteps = "lr_total_steps"

	// ParamNumCycles is the number of cosine cycles (or half-cycles for plain
	// "cosine", following the common convention of 0.5 meaning a single decay
	// to zero).
	ParamNumCycles = "lr_num_cycles"

	// ParamPower is the exponent of the "polynomial" schedule.
	ParamPower = "lr_power"

	// ParamEndLearningRate is the floor value the "polynomial" schedule decays
	// to.
	ParamEndLearningRate = "lr_end_learning_rate"
)

// Scope under optimizers.Scope where the schedule keeps its step counter.
const Scope = "lr_schedule"

// CounterName is the name of the schedule step counter variable.
const CounterName = "schedule_step"

// Config of a learning rate schedule. Create it with New, configure, then
// call Config.Done within a model graph building function.
type Config struct {
	ctx   *context.Context
	graph *Graph
	dtype dtypes.DType

	name            string
	learningRate    float64
	endLearningRate float64
	warmUpSteps     int
	totalSteps      int
	numCycles       float64
	power           float64
}

// New creates a schedule configuration bound to ctx and graph. Configure it
// (or call FromContext) and finish with Done, which emits the graph code that
// reads the schedule counter and overwrites the learning rate variable used
// by optimizers built over the same context.
func New(ctx *context.Context, graph *Graph, dtype dtypes.DType) *Config {
	return &Config{
		ctx:             ctx,
		graph:           graph,
		dtype:           dtype,
		name:            "constant",
		numCycles:       0.5,
		power:           1.0,
		endLearningRate: 0.0,
	}
}

// FromContext loads the schedule settings from the context hyperparameters.
// See ParamScheduler and friends for the keys.
func (opt *Config) FromContext() *Config {
	opt.name = context.GetParamOr(opt.ctx, ParamScheduler, "constant")
	opt.learningRate = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
	opt.warmUpSteps = context.GetParamOr(opt.ctx, ParamWarmUpSteps, 0)
	opt.totalSteps = context.GetParamOr(opt.ctx, ParamTotalSteps, 0)
	opt.numCycles = context.GetParamOr(opt.ctx, ParamNumCycles, 0.5)
	opt.power = context.GetParamOr(opt.ctx, ParamPower, 1.0)
	opt.endLearningRate = context.GetParamOr(opt.ctx, ParamEndLearningRate, 0.0)
	return opt
}

// Named selects the schedule family. See ParamScheduler for valid names.
func (opt *Config) Named(name string) *Config {
	opt.name = name
	return opt
}

// LearningRate sets the base learning rate the warmup ramps to. If not set it
// is read from the context parameter optimizers.ParamLearningRate.
func (opt *Config) LearningRate(lr float64) *Config {
	opt.learningRate = lr
	return opt
}

// WarmUpSteps sets the length of the linear warmup, in counter units.
func (opt *Config) WarmUpSteps(n int) *Config {
	opt.warmUpSteps = n
	return opt
}

// TotalSteps sets the horizon of the decaying schedules, in counter units.
func (opt *Config) TotalSteps(n int) *Config {
	opt.totalSteps = n
	return opt
}

// NumCycles sets the number of cosine cycles.
func (opt *Config) NumCycles(c float64) *Config {
	opt.numCycles = c
	return opt
}

// Power sets the exponent of the polynomial schedule.
func (opt *Config) Power(p float64) *Config {
	opt.power = p
	return opt
}

// StepVar returns the schedule step counter variable for ctx, creating it at
// zero if needed. The counter lives under "<scope>/optimizers/lr_schedule"
// so it is saved and restored with checkpoints like other optimizer state.
func StepVar(ctx *context.Context) *context.Variable {
	return ctx.Checked(false).
		In(optimizers.Scope).In(Scope).
		VariableWithValue(CounterName, int64(0))
}

// Increment advances the schedule counter by delta synchronized steps.
// It is a host-side update, meant to be called by the training loop between
// graph executions.
func Increment(ctx *context.Context, delta int) {
	v := StepVar(ctx)
	step := v.MustValue().Value().(int64)
	v.MustSetValue(tensors.FromScalar(step + int64(delta)))
}

// Step returns the current value of the schedule counter.
func Step(ctx *context.Context) int64 {
	return StepVar(ctx).MustValue().Value().(int64)
}

// At computes the learning rate the configuration yields at a given counter
// value, in pure Go. It mirrors exactly what Done emits in graph form and is
// convenient for reporting and tests.
func (opt *Config) At(step int64) float64 {
	lr := opt.learningRate
	s := float64(step)
	if opt.warmUpSteps > 0 && s < float64(opt.warmUpSteps) {
		return lr * s / float64(opt.warmUpSteps)
	}
	switch opt.name {
	case "constant", "constant_with_warmup":
		return lr
	case "linear":
		return lr * remaining(s, opt.warmUpSteps, opt.totalSteps)
	case "cosine":
		progress := 1.0 - remaining(s, opt.warmUpSteps, opt.totalSteps)
		return lr * 0.5 * (1.0 + math.Cos(math.Pi*opt.numCycles*2.0*progress))
	case "cosine_with_restarts":
		progress := 1.0 - remaining(s, opt.warmUpSteps, opt.totalSteps)
		frac := opt.numCycles * progress
		frac = frac - math.Floor(frac)
		if progress >= 1.0 {
			return 0
		}
		return lr * 0.5 * (1.0 + math.Cos(math.Pi*frac))
	case "polynomial":
		rem := remaining(s, opt.warmUpSteps, opt.totalSteps)
		return (lr-opt.endLearningRate)*math.Pow(rem, opt.power) + opt.endLearningRate
	}
	exceptions.Panicf("unknown lr_scheduler %q: valid values are constant, "+
		"constant_with_warmup, linear, cosine, cosine_with_restarts and polynomial", opt.name)
	return 0
}

// remaining is the fraction of the post-warmup horizon still ahead, in [0, 1].
func remaining(s float64, warmUp, total int) float64 {
	denom := float64(total - warmUp)
	if denom <= 0 {
		return 0
	}
	r := (float64(total) - s) / denom
	return math.Min(math.Max(r, 0), 1)
}

// Done emits the graph code: it reads the schedule counter and sets the
// learning rate variable of the optimizer scoped to the same context. It is a
// no-op outside of training graphs, and for the plain "constant" schedule
// without warmup.
//
// If the selected family needs a total-steps horizon and none was configured,
// it panics: the loop must set ParamTotalSteps before building the graphs.
func (opt *Config) Done() {
	ctx := opt.ctx.Checked(false)
	g := opt.graph
	if !ctx.IsTraining(g) {
		return
	}
	if opt.name == "constant" && opt.warmUpSteps == 0 {
		return
	}
	lrValue := opt.learningRate
	if lrValue == 0 {
		lrValue = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
		if lrValue == 0 {
			exceptions.Panicf("learning rate not configured for lrschedule and not "+
				"set in the context as parameter %q", optimizers.ParamLearningRate)
		}
	}
	switch opt.name {
	case "linear", "cosine", "cosine_with_restarts", "polynomial":
		if opt.totalSteps <= 0 {
			exceptions.Panicf("lr_scheduler %q requires %q > 0, got %d",
				opt.name, ParamTotalSteps, opt.totalSteps)
		}
	}

	step := ConvertDType(StepVar(ctx).ValueGraph(g), opt.dtype)
	var lr *Node
	warmUp := float64(opt.warmUpSteps)
	switch opt.name {
	case "constant", "constant_with_warmup":
		lr = MulScalar(OnesLike(step), lrValue)
	case "linear":
		lr = MulScalar(opt.remainingGraph(step), lrValue)
	case "cosine":
		progress := OneMinus(opt.remainingGraph(step))
		cos := Cos(MulScalar(progress, math.Pi*opt.numCycles*2.0))
		lr = MulScalar(DivScalar(OnePlus(cos), 2), lrValue)
	case "cosine_with_restarts":
		progress := OneMinus(opt.remainingGraph(step))
		frac := MulScalar(progress, opt.numCycles)
		frac = Sub(frac, Floor(frac))
		cos := Cos(MulScalar(frac, math.Pi))
		lr = MulScalar(DivScalar(OnePlus(cos), 2), lrValue)
		// Past the horizon the schedule stays at zero instead of restarting.
		lr = Where(LessThan(progress, OnesLike(progress)), lr, ZerosLike(lr))
	case "polynomial":
		rem := opt.remainingGraph(step)
		decayed := MulScalar(Pow(rem, ConstAs(rem, opt.power)), lrValue-opt.endLearningRate)
		lr = AddScalar(decayed, opt.endLearningRate)
	default:
		exceptions.Panicf("unknown lr_scheduler %q: valid values are constant, "+
			"constant_with_warmup, linear, cosine, cosine_with_restarts and polynomial", opt.name)
	}

	if opt.warmUpSteps > 0 {
		ramp := MulScalar(DivScalar(step, warmUp), lrValue)
		lr = Where(LessThan(step, ConstAs(step, warmUp)), ramp, lr)
	}

	lrVar := optimizers.LearningRateVarWithValue(ctx, opt.dtype, lrValue)
	lrVar.SetValueGraph(lr)
}

// remainingGraph is the graph-side counterpart of remaining.
func (opt *Config) remainingGraph(step *Node) *Node {
	denom := float64(opt.totalSteps - opt.warmUpSteps)
	if denom <= 0 {
		return ZerosLike(step)
	}
	r := DivScalar(Sub(ConstAs(step, float64(opt.totalSteps)), step), denom)
	return MinScalar(MaxScalar(r, 0), 1)
}
