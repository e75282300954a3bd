package imagepairs

import (
	"fmt"
	"image/color"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticTokenizer maps each caption rune to its code point, zero-padded to
// contextLen. Round-trips ASCII captions, which is all the tests need.
type staticTokenizer struct{ contextLen int }

func (tok staticTokenizer) Tokenize(text string) []int32 {
	ids := make([]int32, tok.contextLen)
	for ii, r := range []rune(text) {
		if ii >= tok.contextLen {
			break
		}
		ids[ii] = int32(r)
	}
	return ids
}

func (tok staticTokenizer) Detokenize(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == 0 {
			break
		}
		sb.WriteRune(rune(id))
	}
	return sb.String()
}

func (tok staticTokenizer) ContextLen() int { return tok.contextLen }

func writeTestPNG(t *testing.T, filePath string, c color.NRGBA, size int) {
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0777))
	require.NoError(t, imaging.Save(imaging.New(size, size, c), filePath))
}

// writeCaptionFolderFixture builds a pokemon/pixel style tree with n examples
// and returns its base directory.
func writeCaptionFolderFixture(t *testing.T, n int) string {
	baseDir := t.TempDir()
	var csv strings.Builder
	csv.WriteString("name,caption\n")
	for ii := 0; ii < n; ii++ {
		name := fmt.Sprintf("img_%d.png", ii)
		writeTestPNG(t, filepath.Join(baseDir, "train", "source", name), color.NRGBA{R: 255, A: 255}, 8)
		writeTestPNG(t, filepath.Join(baseDir, "train", "target", name), color.NRGBA{B: 255, A: 255}, 8)
		csv.WriteString(fmt.Sprintf("%s,a tiny sprite %d\n", name, ii))
	}
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "train", "captions.csv"), []byte(csv.String()), 0666))
	return baseDir
}

func testConfig(baseDir string) Config {
	return Config{
		BaseDir:    baseDir,
		Resolution: 8,
		Tokenizer:  staticTokenizer{contextLen: 16},
		BatchSize:  2,
	}
}

func TestParseKind(t *testing.T) {
	for name, want := range map[string]Kind{
		"paired":  KindPaired,
		"pokemon": KindPokemon,
		"pixel":   KindPixel,
		"sketchy": KindSketchy,
	} {
		kind, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, want, kind)
		assert.Equal(t, name, kind.String())
	}

	_, err := ParseKind("imagenet")
	require.ErrorContains(t, err, `unknown dataset type "imagenet"`)
}

func TestNewPaired(t *testing.T) {
	baseDir := t.TempDir()
	var csv strings.Builder
	csv.WriteString("name,prompt\n")
	for ii := 0; ii < 3; ii++ {
		name := fmt.Sprintf("f_%d.png", ii)
		writeTestPNG(t, filepath.Join(baseDir, "train_A", name), color.NRGBA{R: 255, A: 255}, 8)
		writeTestPNG(t, filepath.Join(baseDir, "train_B", name), color.NRGBA{G: 255, A: 255}, 8)
		csv.WriteString(name + ",a photo of a building facade\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "prompts.csv"), []byte(csv.String()), 0666))

	trainDS, valDS, err := New("paired", testConfig(baseDir))
	require.NoError(t, err)
	require.NotNil(t, trainDS)
	assert.Nil(t, valDS, "the paired kind has no validation dataset")
	assert.Equal(t, 3, trainDS.NumExamples())
	assert.Equal(t, "paired-train", trainDS.Name())

	// A listed file missing on disk must fail at construction.
	csv.WriteString("ghost.png,a photo of a building facade\n")
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "prompts.csv"), []byte(csv.String()), 0666))
	_, _, err = New("paired", testConfig(baseDir))
	require.ErrorContains(t, err, "ghost.png")
}

func TestNewCaptionFolder(t *testing.T) {
	baseDir := writeCaptionFolderFixture(t, 4)
	trainDS, valDS, err := New("pokemon", testConfig(baseDir))
	require.NoError(t, err)
	require.NotNil(t, trainDS)
	require.NotNil(t, valDS)
	assert.Equal(t, 4, trainDS.NumExamples())
	assert.Equal(t, 4, valDS.NumExamples(), "val is a second view over the train split")
	assert.Equal(t, "pokemon-train", trainDS.Name())
	assert.Equal(t, "pokemon-train (val view)", valDS.Name())

	// Same tree serves the pixel kind.
	trainDS, _, err = New("pixel", testConfig(baseDir))
	require.NoError(t, err)
	assert.Equal(t, "pixel-train", trainDS.Name())
}

func TestDatasetYield(t *testing.T) {
	baseDir := writeCaptionFolderFixture(t, 5)
	ds, _, err := New("pokemon", testConfig(baseDir))
	require.NoError(t, err)

	// 5 examples at batch size 2: two full batches, then a partial one.
	for _, wantBatch := range []int{2, 2, 1} {
		spec, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Same(t, ds, spec, "spec must be the stable dataset pointer")
		require.Len(t, inputs, 3)
		require.Len(t, labels, 1)

		source, target, tokens := inputs[0], inputs[1], inputs[2]
		assert.Equal(t, []int{wantBatch, 8, 8, 3}, source.Shape().Dimensions)
		assert.Equal(t, []int{wantBatch, 8, 8, 3}, target.Shape().Dimensions)
		assert.Equal(t, dtypes.Float32, source.DType())
		assert.Equal(t, []int{wantBatch, 16}, tokens.Shape().Dimensions)
		assert.Equal(t, dtypes.Int32, tokens.DType())
		assert.Same(t, target, labels[0])

		// Sources are pure red, targets pure blue, both scaled to [0, 1].
		sourceData := tensors.MustCopyFlatData[float32](source)
		assert.Equal(t, float32(1), sourceData[0], "red channel")
		assert.Equal(t, float32(0), sourceData[1], "green channel")
		targetData := tensors.MustCopyFlatData[float32](target)
		assert.Equal(t, float32(1), targetData[2], "blue channel")
	}
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	// Reset starts a new epoch.
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 2, inputs[0].Shape().Dimensions[0])
}

func TestDatasetCaptions(t *testing.T) {
	baseDir := writeCaptionFolderFixture(t, 3)
	ds, _, err := New("pokemon", testConfig(baseDir))
	require.NoError(t, err)

	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	captions := ds.Captions(inputs[2])
	assert.Equal(t, []string{"a tiny sprite 0", "a tiny sprite 1"}, captions)
}

// TargetPaths must cover exactly the dataset's own targets: files that sit in
// the same folder but belong to no example (e.g. another split's photos) stay
// out, and a target shared by several examples appears once.
func TestTargetPaths(t *testing.T) {
	baseDir := writeCaptionFolderFixture(t, 3)
	writeTestPNG(t, filepath.Join(baseDir, "train", "target", "stray.png"), color.NRGBA{A: 255}, 8)

	ds, _, err := New("pokemon", testConfig(baseDir))
	require.NoError(t, err)
	want := make([]string, 3)
	for ii := range want {
		want[ii] = filepath.Join(baseDir, "train", "target", fmt.Sprintf("img_%d.png", ii))
	}
	assert.Equal(t, want, ds.TargetPaths())

	shared, err := newDataset("shared", testConfig(baseDir), []Example{
		{TargetPath: "b.png"},
		{TargetPath: "a.png"},
		{TargetPath: "b.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, shared.TargetPaths())
}

func TestDatasetShuffle(t *testing.T) {
	baseDir := writeCaptionFolderFixture(t, 5)
	ds, _, err := New("pokemon", testConfig(baseDir))
	require.NoError(t, err)
	ds.Shuffle(rand.New(rand.NewSource(42))).WithAugmentation()

	// Each epoch must still visit every example exactly once.
	for epoch := 0; epoch < 3; epoch++ {
		seen := make(map[string]int)
		for {
			_, inputs, _, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			for _, caption := range ds.Captions(inputs[2]) {
				seen[caption]++
			}
		}
		require.Len(t, seen, 5, "epoch %d", epoch)
		for caption, count := range seen {
			assert.Equalf(t, 1, count, "caption %q in epoch %d", caption, epoch)
		}
		ds.Reset()
	}
}

func TestDatasetConfigErrors(t *testing.T) {
	baseDir := writeCaptionFolderFixture(t, 2)

	cfg := testConfig(baseDir)
	cfg.Resolution = 0
	_, _, err := New("pokemon", cfg)
	require.ErrorContains(t, err, "resolution")

	cfg = testConfig(baseDir)
	cfg.BatchSize = 0
	_, _, err = New("pokemon", cfg)
	require.ErrorContains(t, err, "batch size")

	cfg = testConfig(baseDir)
	cfg.Tokenizer = nil
	_, _, err = New("pokemon", cfg)
	require.ErrorContains(t, err, "tokenizer")
}

func TestSketchySplits(t *testing.T) {
	_, err := newSketchy(testConfig(t.TempDir()), "test")
	require.ErrorContains(t, err, `no "test" split`)

	// Without the photos directory construction fails early.
	_, _, err = New("sketchy", testConfig(t.TempDir()))
	require.ErrorContains(t, err, "photos")
}

func TestPrepareFacadesNoOp(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "train_A"), 0777))
	// train_A already present: no download, no error.
	require.NoError(t, PrepareFacades(baseDir))
}
