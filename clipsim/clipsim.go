// Package clipsim scores how well generated images match their captions,
// using a CLIP model served through ONNX. The score feeds the text-alignment
// loss term of the generator.
//
// The model files (tokenizer vocabulary, merges and the ONNX export with both
// the vision and the text towers) are downloaded from HuggingFace on first
// use and cached.
package clipsim

import (
	"os"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
)

const (
	// DefaultRepoID is the HuggingFace repository holding the ONNX export
	// of CLIP ViT-B/32.
	DefaultRepoID = "Xenova/clip-vit-base-patch32"

	// ImageSize is the input resolution of CLIP's vision tower.
	ImageSize = 224

	onnxFileName = "onnx/model.onnx"

	// ScopeName under which the CLIP weights live in the context.
	ScopeName = "clip"
)

// CLIP's pixel normalization constants, applied after rescaling images to
// [0, 1].
var (
	imageMean = []float32{0.48145466, 0.4578275, 0.40821073}
	imageStd  = []float32{0.26862954, 0.26130258, 0.27577711}
)

// Model wraps the CLIP ONNX export and its tokenizer. Its weights are loaded
// frozen: the similarity is a training signal, never a trained model.
type Model struct {
	onnxModel *onnx.Model
	tokenizer *Tokenizer
}

// New downloads (if needed) the CLIP files from the HuggingFace repository
// repoID — DefaultRepoID when empty — and loads the weights into ctx under
// the ScopeName scope, marked non-trainable.
func New(ctx *context.Context, repoID string) (*Model, error) {
	if repoID == "" {
		repoID = DefaultRepoID
	}
	repo := hub.New(repoID).WithAuth(os.Getenv("HF_TOKEN")).WithProgressBar(true)
	tokenizer, err := NewTokenizer(repo)
	if err != nil {
		return nil, err
	}
	onnxPath, err := repo.DownloadFile(onnxFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download %s from %q", onnxFileName, repoID)
	}
	onnxModel, err := onnx.ReadFile(onnxPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse ONNX model %q", onnxPath)
	}
	clipCtx := Scope(ctx)
	if err := onnxModel.VariablesToContext(clipCtx); err != nil {
		return nil, errors.WithMessage(err, "failed to load CLIP weights into the context")
	}
	clipCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.Trainable = false
	})
	return &Model{onnxModel: onnxModel, tokenizer: tokenizer}, nil
}

// Scope returns ctx scoped to where the CLIP weights live. The scope is
// absolute: graphs built from any scope resolve to the same tower.
func Scope(ctx *context.Context) *context.Context {
	return ctx.InAbsPath(context.ScopeSeparator + ScopeName)
}

// Tokenizer of the loaded model. It implements imagepairs.Tokenizer.
func (m *Model) Tokenizer() *Tokenizer { return m.tokenizer }

// Score returns 100 times the cosine similarity between each image and its
// caption, shaped [batch].
//
// Images are channels-last in [-1, 1]; tokens are Tokenize outputs shaped
// [batch, ContextLen]. Gradients flow into the images only.
func (m *Model) Score(ctx *context.Context, images, tokens *Node) *Node {
	g := images.Graph()
	ids := ConvertDType(tokens, dtypes.Int64)
	// No padding mask: CLIP's text tower is causal and pools at the
	// end-of-text position, padding positions never reach the embedding.
	mask := OnesLike(ids)
	outputs := m.onnxModel.CallGraph(Scope(ctx), g, map[string]*Node{
		"input_ids":      ids,
		"attention_mask": mask,
		"pixel_values":   preprocess(images),
	}, "image_embeds", "text_embeds")
	imageEmb := L2Normalize(outputs[0], -1)
	textEmb := L2Normalize(StopGradient(outputs[1]), -1)
	return MulScalar(ReduceSum(Mul(imageEmb, textEmb), -1), 100)
}

// Loss returns the scalar text-alignment loss, 1 - mean(Score)/100.
func (m *Model) Loss(ctx *context.Context, images, tokens *Node) *Node {
	return OneMinus(ReduceAllMean(DivScalar(m.Score(ctx, images, tokens), 100)))
}

// preprocess converts channels-last [-1, 1] images into CLIP's pixel_values:
// normalized with the CLIP constants, bilinearly resized to 224x224 and laid
// out channels-first.
func preprocess(images *Node) *Node {
	g := images.Graph()
	x := AddScalar(MulScalar(images, 0.5), 0.5)
	mean := InsertAxes(Const(g, imageMean), 0, 0, 0)
	std := InsertAxes(Const(g, imageStd), 0, 0, 0)
	x = Div(Sub(x, mean), std)
	x = Interpolate(x, NoInterpolation, ImageSize, ImageSize, NoInterpolation).
		Bilinear().HalfPixelCenters(true).AlignCorner(false).Done()
	return TransposeAllDims(x, 0, 3, 1, 2)
}
