package imagepairs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Sketchy layout, under Config.BaseDir:
//
//	photos/<name>     target photographs.
//	sketches/<name>   conditioning sketches, same file names.
//	info.mat          MATLAB file with two uint8 vectors aligned with the
//	                  sorted photo names: "labels" (1-based class ids) and
//	                  "split" (1 = train, 2 = val).
//	classes.txt       one class name per line, in label order.
//
// Captions are synthesized per class as "a photo of a <class>".
const (
	sketchySplitTrain uint8 = 1
	sketchySplitVal   uint8 = 2
)

func newSketchy(cfg Config, split string) (*Dataset, error) {
	var wantSplit uint8
	switch split {
	case "train":
		wantSplit = sketchySplitTrain
	case "val":
		wantSplit = sketchySplitVal
	default:
		return nil, errors.Errorf("sketchy dataset has no %q split", split)
	}
	base := fsutil.MustReplaceTildeInDir(cfg.BaseDir)
	photosDir := filepath.Join(base, "photos")
	names, err := listImages(photosDir)
	if err != nil {
		return nil, err
	}
	labels, splits, err := readSketchyInfo(filepath.Join(base, "info.mat"))
	if err != nil {
		return nil, err
	}
	if len(labels) != len(names) {
		return nil, errors.Errorf("info.mat lists %d examples but %q holds %d photos", len(labels), photosDir, len(names))
	}
	classes, err := readClasses(filepath.Join(base, "classes.txt"))
	if err != nil {
		return nil, err
	}
	sketchesDir := filepath.Join(base, "sketches")
	var examples []Example
	for ii, name := range names {
		if splits[ii] != wantSplit {
			continue
		}
		label := int(labels[ii])
		if label < 0 || label >= len(classes) {
			return nil, errors.Errorf("photo %q has class id %d, but classes.txt only names %d classes", name, label, len(classes))
		}
		sketchPath := filepath.Join(sketchesDir, name)
		if !fsutil.MustFileExists(sketchPath) {
			return nil, errors.Errorf("photo %q has no matching sketch in %q", name, sketchesDir)
		}
		examples = append(examples, Example{
			SourcePath: sketchPath,
			TargetPath: filepath.Join(photosDir, name),
			Caption:    "a photo of a " + classes[label],
		})
	}
	return newDataset("sketchy-"+split, cfg, examples)
}

// readSketchyInfo parses the "labels" and "split" vectors from info.mat.
// Labels are 1-based in the file and returned 0-based.
func readSketchyInfo(filePath string) (labels []int32, splits []uint8, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open metadata file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	matFile, err := matlab.NewFileFromReader(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse metadata file %q", filePath)
	}
	getUint8 := func(name string) ([]uint8, error) {
		matVar, found := matFile.GetVar(name)
		if !found {
			return nil, errors.Errorf("failed to parse var %q in Matlab file %q", name, filePath)
		}
		values := matVar.Value()
		out := make([]uint8, len(values))
		for ii, value := range values {
			b, ok := value.(uint8)
			if !ok {
				return nil, errors.Errorf("var %q in %q: expected uint8 entries, got %T", name, filePath, value)
			}
			out[ii] = b
		}
		return out, nil
	}
	labelValues, err := getUint8("labels")
	if err != nil {
		return nil, nil, err
	}
	splitValues, err := getUint8("split")
	if err != nil {
		return nil, nil, err
	}
	if len(labelValues) != len(splitValues) {
		return nil, nil, errors.Errorf("%q: %d labels but %d split entries", filePath, len(labelValues), len(splitValues))
	}
	labels = make([]int32, len(labelValues))
	for ii, value := range labelValues {
		labels[ii] = int32(value) - 1 // The original labels are 1-based.
	}
	return labels, splitValues, nil
}

func readClasses(filePath string) ([]string, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read class names from %q", filePath)
	}
	var classes []string
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			classes = append(classes, line)
		}
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("no class names found in %q", filePath)
	}
	return classes, nil
}
