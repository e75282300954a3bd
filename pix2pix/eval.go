package pix2pix

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// forwardGraph is the deterministic generator forward shared by image
// logging and evaluation. Inputs are [source, target, tokens] exactly as the
// datasets yield them; it returns the prediction mapped back to [0, 1]
// followed by the unweighted pixel and perceptual distances, plus the mean
// CLIP score when the similarity term is enabled.
func (s *session) forwardGraph(ctx *context.Context, inputs []*Node) []*Node {
	source, target, tokens := inputs[0], inputs[1], inputs[2]
	src, tgt := toSigned(source), toSigned(target)
	pred := GeneratorForward(ctx, src, tokens, s.cfg.DiffSteps, true)
	l2 := losses.MeanSquaredError([]*Node{tgt}, []*Node{pred})
	lpips := s.perc.Loss(ctx, pred, tgt)
	outputs := []*Node{toUnsigned(pred), l2, lpips}
	if s.clip != nil {
		outputs = append(outputs, ReduceAllMean(s.clip.Score(ctx, pred, tokens)))
	}
	return outputs
}

// evaluate runs the generator over up to NumSamplesToEval validation
// examples and logs the mean distances under the val/ prefix. When FID
// tracking is on, the predictions are also written as PNGs under
// eval/fid_<step> and scored against the reference statistics of the
// validation targets.
func (s *session) evaluate(step int) error {
	if s.valDS == nil {
		klog.Warningf("Evaluation skipped at step %d: no validation split.", step)
		return nil
	}
	s.valDS.Reset()

	fidDir := ""
	if s.fid != nil {
		fidDir = filepath.Join(s.evalDir, fmt.Sprintf("fid_%d", step))
		if err := os.MkdirAll(fidDir, 0777); err != nil {
			return errors.Wrapf(err, "failed to create evaluation directory %q", fidDir)
		}
	}

	var sumL2, sumLpips, sumClip float64
	count := 0
	for count < s.cfg.NumSamplesToEval {
		_, inputs, _, err := s.valDS.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if batch := inputs[0].Shape().Dimensions[0]; batch != 1 {
			exceptions.Panicf("evaluation requires batch size 1, got %d", batch)
		}
		results, err := s.forwardExec.Exec(inputs[0], inputs[1], inputs[2])
		if err != nil {
			return errors.WithMessage(err, "evaluation forward pass failed")
		}
		sumL2 += float64(tensors.ToScalar[float32](results[1]))
		sumLpips += float64(tensors.ToScalar[float32](results[2]))
		if s.clip != nil {
			sumClip += float64(tensors.ToScalar[float32](results[3]))
		}
		if fidDir != "" {
			img := timage.ToImage().Batch(results[0])[0]
			path := filepath.Join(fidDir, fmt.Sprintf("val_%d.png", count))
			if err := imaging.Save(imaging.Clone(img), path); err != nil {
				return errors.Wrapf(err, "failed to save evaluation sample %q", path)
			}
		}
		for _, t := range results {
			t.FinalizeAll()
		}
		for _, t := range inputs {
			t.FinalizeAll()
		}
		count++
	}
	if count == 0 {
		klog.Warningf("Evaluation skipped at step %d: the validation split yielded no examples.", step)
		return nil
	}

	logs := map[string]any{
		"val/l2":    sumL2 / float64(count),
		"val/lpips": sumLpips / float64(count),
	}
	if s.clip != nil {
		logs["val/clipsim"] = sumClip / float64(count)
	}
	if fidDir != "" {
		curFeatures, err := s.fid.FolderFeatures(fidDir)
		if err != nil {
			return errors.WithMessage(err, "failed to compute statistics of the generated samples")
		}
		distance, err := s.fid.Distance(s.refFeatures, curFeatures)
		curFeatures.FinalizeAll()
		if err != nil {
			return err
		}
		logs["val/clean_fid"] = distance
	}
	return s.track.Log(int64(step), logs)
}
