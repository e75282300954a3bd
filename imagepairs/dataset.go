package imagepairs

import (
	"image"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"

	_ "image/jpeg"
	_ "image/png"
)

// Dataset implements train.Dataset over a list of Examples. It yields whole
// batches:
//
//   - inputs[0]: conditioning images, shaped [batch, res, res, 3], float32
//     in [0, 1].
//   - inputs[1]: target images, same shape and range.
//   - inputs[2]: caption token ids, shaped [batch, contextLen], int32.
//   - labels[0]: the target images again, for loss and metric plumbing.
//
// One pass over the examples is one epoch: Yield returns io.EOF at the end
// and Reset rewinds (reshuffling when shuffling is on).
//
// Yield is safe for concurrent use, so the dataset can be wrapped with
// datasets.CustomParallel for parallel read-ahead: the batch indices are
// claimed under a lock, the expensive decoding happens outside it.
type Dataset struct {
	name       string
	examples   []Example
	tokenizer  Tokenizer
	resolution int

	mu        sync.Mutex
	batchSize int
	shuffle   *rand.Rand
	augment   bool
	order     []int
	next      int
}

func newDataset(name string, cfg Config, examples []Example) (*Dataset, error) {
	if len(examples) == 0 {
		return nil, errors.Errorf("dataset %q is empty", name)
	}
	if cfg.Resolution <= 0 {
		return nil, errors.Errorf("dataset %q: resolution must be positive, got %d", name, cfg.Resolution)
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be positive, got %d", name, cfg.BatchSize)
	}
	if cfg.Tokenizer == nil {
		return nil, errors.Errorf("dataset %q: a tokenizer is required", name)
	}
	ds := &Dataset{
		name:       name,
		examples:   examples,
		tokenizer:  cfg.Tokenizer,
		resolution: cfg.Resolution,
		batchSize:  cfg.BatchSize,
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples in one epoch.
func (ds *Dataset) NumExamples() int { return len(ds.examples) }

// TargetPaths returns the target image path of every example, sorted and
// deduplicated (the sketchy kind pairs several sketches with one photo).
// This is the reference set for distribution statistics: the examples of
// other splits may live in the same folder, so the folder itself is not a
// usable reference.
func (ds *Dataset) TargetPaths() []string {
	seen := make(map[string]bool, len(ds.examples))
	paths := make([]string, 0, len(ds.examples))
	for _, example := range ds.examples {
		if seen[example.TargetPath] {
			continue
		}
		seen[example.TargetPath] = true
		paths = append(paths, example.TargetPath)
	}
	sort.Strings(paths)
	return paths
}

// Shuffle makes the dataset visit examples in a different pseudo-random order
// at each epoch. Returns the dataset for chaining.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffle = rng
	ds.shuffleLocked()
	return ds
}

// WithAugmentation enables random horizontal flips. The same flip is applied
// to the conditioning and the target image, so pairs stay aligned.
func (ds *Dataset) WithAugmentation() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.augment = true
	return ds
}

// WithBatchSize overrides the batch size from Config. Used to rebatch the
// validation view, which is evaluated one example at a time.
func (ds *Dataset) WithBatchSize(n int) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.batchSize = n
	return ds
}

// Reset implements train.Dataset: it rewinds to the start of a new epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.order == nil {
		ds.order = make([]int, len(ds.examples))
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	ds.shuffleLocked()
}

func (ds *Dataset) shuffleLocked() {
	if ds.shuffle == nil || ds.order == nil {
		return
	}
	ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Yield implements train.Dataset. The final batch of an epoch may be smaller
// than the configured batch size.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	examples, flips := ds.claimBatch()
	if examples == nil {
		return nil, nil, nil, io.EOF
	}
	n := len(examples)
	sources := make([]image.Image, n)
	targets := make([]image.Image, n)
	tokens := make([][]int32, n)
	for ii, example := range examples {
		sources[ii], targets[ii], err = ds.loadPair(example, flips[ii])
		if err != nil {
			return nil, nil, nil, err
		}
		tokens[ii] = ds.tokenizer.Tokenize(example.Caption)
	}

	sourceT := timage.ToTensor(dtypes.Float32).Batch(sources)
	targetT := timage.ToTensor(dtypes.Float32).Batch(targets)
	tokensT := tensors.FromValue(tokens)
	return ds, []*tensors.Tensor{sourceT, targetT, tokensT}, []*tensors.Tensor{targetT}, nil
}

// claimBatch reserves the next batch of examples and draws their flip coins.
// Returns nil at the end of the epoch. Only this touches the iteration state,
// so concurrent Yield calls decode disjoint batches.
func (ds *Dataset) claimBatch() (examples []Example, flips []bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.order) {
		return nil, nil
	}
	n := ds.batchSize
	if remaining := len(ds.order) - ds.next; remaining < n {
		n = remaining
	}
	examples = make([]Example, n)
	flips = make([]bool, n)
	for ii := 0; ii < n; ii++ {
		examples[ii] = ds.examples[ds.order[ds.next+ii]]
		if ds.augment && ds.shuffle != nil {
			flips[ii] = ds.shuffle.Intn(2) == 1
		}
	}
	ds.next += n
	return examples, flips
}

// loadPair reads, resizes and (optionally) flips one example.
func (ds *Dataset) loadPair(example Example, flip bool) (source, target image.Image, err error) {
	source, err = loadImage(example.SourcePath)
	if err != nil {
		return nil, nil, err
	}
	target, err = loadImage(example.TargetPath)
	if err != nil {
		return nil, nil, err
	}
	source = imaging.Fill(source, ds.resolution, ds.resolution, imaging.Center, imaging.Lanczos)
	target = imaging.Fill(target, ds.resolution, ds.resolution, imaging.Center, imaging.Lanczos)
	if flip {
		source = imaging.FlipH(source)
		target = imaging.FlipH(target)
	}
	return source, target, nil
}

// Captions returns the caption for the token ids of a yielded batch row,
// reconstructed through the tokenizer. Used when logging sample images.
func (ds *Dataset) Captions(tokensT *tensors.Tensor) []string {
	shape := tokensT.Shape()
	batchSize, contextLen := shape.Dimensions[0], shape.Dimensions[1]
	flat := tensors.MustCopyFlatData[int32](tokensT)
	captions := make([]string, batchSize)
	for ii := range captions {
		captions[ii] = ds.tokenizer.Detokenize(flat[ii*contextLen : (ii+1)*contextLen])
	}
	return captions
}

func loadImage(filePath string) (image.Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", filePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", filePath)
	}
	return img, nil
}

// listImages returns the image files (by extension) directly under dir,
// sorted by name.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if isImageFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
