// Package fidstats scores a folder of generated images against a reference
// set of images in InceptionV3 feature space: each image set is reduced to a
// [numImages, featDim] feature matrix, and two matrices are reduced to a
// single distance.
//
// The distance is the polynomial-kernel estimator of the Kernel Inception
// Distance (https://arxiv.org/abs/1801.01401). Unlike the Frechet distance
// it stays stable for the small evaluation sets written out during training.
package fidstats

import (
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/examples/inceptionv3"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	_ "image/jpeg"
	_ "image/png"
)

// featuresBatchSize is how many images go through InceptionV3 per device
// call when scanning a folder.
const featuresBatchSize = 32

// inceptionScope is where the InceptionV3 variables live in the private
// context held by Stats.
const inceptionScope = "inception"

// Stats extracts InceptionV3 features from folders of images and measures
// the kernel distance between feature sets.
//
// The InceptionV3 variables live in a private context: feature extraction is
// inference only and never touches a training context.
type Stats struct {
	backend    backends.Backend
	ctx        *context.Context
	dataDir    string
	resolution int
	exec       *context.Exec
}

// New downloads the InceptionV3 weights under dataDir, if not yet cached,
// and returns a Stats that scans folder images at the given resolution.
func New(backend backends.Backend, dataDir string, resolution int) (*Stats, error) {
	if err := inceptionv3.DownloadAndUnpackWeights(dataDir); err != nil {
		return nil, errors.WithMessage(err, "failed to fetch the InceptionV3 weights")
	}
	s := &Stats{
		backend:    backend,
		ctx:        context.New(),
		dataDir:    dataDir,
		resolution: resolution,
	}
	var err error
	s.exec, err = context.NewExec(backend, s.ctx, s.featuresGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to set up the InceptionV3 feature extractor")
	}
	return s, nil
}

// featuresGraph maps [batch, height, width, 3] images in [0, 1] to their
// mean-pooled InceptionV3 embeddings, shaped [batch, featDim].
func (s *Stats) featuresGraph(ctx *context.Context, images *Node) *Node {
	x := inceptionv3.PreprocessImage(images, 1.0, timage.ChannelsLast)
	return inceptionv3.BuildGraph(ctx.In(inceptionScope).Checked(false), x).
		SetPooling(inceptionv3.MeanPooling).ClassificationTop(false).
		PreTrained(s.dataDir).ChannelsAxis(timage.ChannelsLast).Trainable(false).Done()
}

// Features extracts the embeddings of the given image files, in order, and
// returns them as a [len(paths), featDim] tensor. Takes an explicit file
// list so callers can restrict the reference set to one dataset split even
// when several splits share a folder.
//
// Images are resized (Lanczos, center-cropped) to the configured resolution
// before the InceptionV3 preprocessing, so files of any size are accepted.
func (s *Stats) Features(paths []string) (*tensors.Tensor, error) {
	if len(paths) == 0 {
		return nil, errors.New("no image paths to extract features from")
	}
	var flat []float32
	var featDim int
	for start := 0; start < len(paths); start += featuresBatchSize {
		end := start + featuresBatchSize
		if end > len(paths) {
			end = len(paths)
		}
		batch := make([]image.Image, 0, end-start)
		for _, path := range paths[start:end] {
			img, err := loadImage(path)
			if err != nil {
				return nil, err
			}
			batch = append(batch, imaging.Fill(img, s.resolution, s.resolution, imaging.Center, imaging.Lanczos))
		}
		batchT := timage.ToTensor(dtypes.Float32).Batch(batch)
		outputs, err := s.exec.Exec(batchT)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to extract InceptionV3 features for the batch starting at %q", paths[start])
		}
		features := outputs[0]
		featDim = features.Shape().Dimensions[1]
		flat = append(flat, tensors.MustCopyFlatData[float32](features)...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(paths), featDim), nil
}

// FolderFeatures extracts the embeddings of every image directly under dir,
// sorted by file name, as a [numImages, featDim] tensor. See Features.
func (s *Stats) FolderFeatures(dir string) (*tensors.Tensor, error) {
	paths, err := listImages(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found in %q", dir)
	}
	return s.Features(paths)
}

// Distance reduces two feature matrices, [n, featDim] and [m, featDim], to
// the polynomial-kernel distance between the two sets. Lower is closer. It
// can come out slightly negative: the self-similarity terms exclude the
// kernel diagonal while the cross term has no diagonal to exclude.
func (s *Stats) Distance(ref, cur *tensors.Tensor) (float64, error) {
	for _, t := range []*tensors.Tensor{ref, cur} {
		if t.Shape().Rank() != 2 {
			return 0, errors.Errorf("feature matrices must be [numImages, featDim], got %s", t.Shape())
		}
		if t.Shape().Dimensions[0] < 2 {
			return 0, errors.Errorf("the kernel distance needs at least 2 images per set, got %s", t.Shape())
		}
	}
	if ref.Shape().Dimensions[1] != cur.Shape().Dimensions[1] {
		return 0, errors.Errorf("feature matrices disagree on featDim: %s vs %s", ref.Shape(), cur.Shape())
	}
	result, err := ExecOnce(s.backend, kernelDistanceGraph, ref, cur)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to compute the kernel distance")
	}
	return float64(result.Value().(float32)), nil
}

// kernelDistanceGraph is the unbiased MMD^2 estimator with the cubic
// polynomial kernel: mean self-similarity of each set, minus twice the mean
// cross-similarity.
func kernelDistanceGraph(ref, cur *Node) *Node {
	numRef := ref.Shape().Dimensions[0]
	numCur := cur.Shape().Dimensions[0]
	meanRefKernels := meanOffDiagonal(polynomialKernel(ref, ref), numRef)
	meanCurKernels := meanOffDiagonal(polynomialKernel(cur, cur), numCur)
	meanCrossKernels := ReduceAllMean(polynomialKernel(ref, cur))
	return Sub(
		Add(meanRefKernels, meanCurKernels),
		Add(meanCrossKernels, meanCrossKernels))
}

// polynomialKernel is (f0 * f1^T / featDim + 1)^3, shaped [rows(f0), rows(f1)].
func polynomialKernel(f0, f1 *Node) *Node {
	f0.AssertRank(2)
	numFeatures := f0.Shape().Dimensions[1]
	f1.AssertDims(-1, numFeatures)
	kernels := EinsumAxes(f0, f1, [][2]int{{1, 1}}, nil)
	kernels = AddScalar(MulScalar(kernels, 1.0/float64(numFeatures)), 1.0)
	return PowScalar(kernels, 3.0)
}

// meanOffDiagonal averages a square [n, n] kernel matrix excluding the
// diagonal, where each entry is the kernel of an image with itself.
func meanOffDiagonal(kernels *Node, n int) *Node {
	identity := DiagonalWithValue(ScalarOne(kernels.Graph(), kernels.DType()), n)
	sum := ReduceSum(Mul(kernels, OneMinus(identity)))
	return MulScalar(sum, 1.0/float64(n*(n-1)))
}

// listImages returns the paths of the image files (by extension) directly
// under dir, sorted by name.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return img, nil
}
