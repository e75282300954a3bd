package imagepairs

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Paired layout, under Config.BaseDir:
//
//	<split>_A/<name>    conditioning images.
//	<split>_B/<name>    target images, same file names as <split>_A.
//	prompts.csv         columns "name,prompt", one row per image.
//
// Only the "train" split is ever loaded: the paired kind has no validation
// dataset (see New).
func newPaired(cfg Config, split string) (*Dataset, error) {
	base := fsutil.MustReplaceTildeInDir(cfg.BaseDir)
	names, prompts, err := readCaptionsCSV(filepath.Join(base, "prompts.csv"), "prompt")
	if err != nil {
		return nil, err
	}
	examples, err := pairUp(names, prompts,
		filepath.Join(base, split+"_A"), filepath.Join(base, split+"_B"))
	if err != nil {
		return nil, err
	}
	return newDataset("paired-"+split, cfg, examples)
}

// readCaptionsCSV parses a two-column "name,<textCol>" CSV into parallel
// slices.
func readCaptionsCSV(csvPath, textCol string) (names, texts []string, err error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", csvPath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{
			"name":  series.String,
			textCol: series.String,
		}))
	if df.Error() != nil {
		return nil, nil, errors.Wrapf(df.Error(), "failed to parse %q", csvPath)
	}
	names = df.Col("name").Records()
	texts = df.Col(textCol).Records()
	if len(names) != len(texts) {
		return nil, nil, errors.Errorf("%q: %d names but %d %s values", csvPath, len(names), len(texts), textCol)
	}
	return names, texts, nil
}

// pairUp joins per-name captions with the conditioning and target folders,
// failing on any listed file that is missing from either side.
func pairUp(names, captions []string, sourceDir, targetDir string) ([]Example, error) {
	examples := make([]Example, 0, len(names))
	for ii, name := range names {
		sourcePath := filepath.Join(sourceDir, name)
		targetPath := filepath.Join(targetDir, name)
		if !fsutil.MustFileExists(sourcePath) {
			return nil, errors.Errorf("image %q listed in the captions CSV but missing from %q", name, sourceDir)
		}
		if !fsutil.MustFileExists(targetPath) {
			return nil, errors.Errorf("image %q listed in the captions CSV but missing from %q", name, targetDir)
		}
		examples = append(examples, Example{
			SourcePath: sourcePath,
			TargetPath: targetPath,
			Caption:    captions[ii],
		})
	}
	return examples, nil
}

const (
	// FacadesURL points to the CMP Facades archive re-packaged for pix2pix:
	// composite JPEGs with the photo on the left half and the architectural
	// label map on the right half.
	FacadesURL = "http://efrosgans.eecs.berkeley.edu/pix2pix/datasets/facades.tar.gz"

	facadesTarFile  = "facades.tar.gz"
	facadesUntarDir = "facades"
	facadesCaption  = "a photo of a building facade"
)

// PrepareFacades downloads the facades archive into baseDir (if missing) and
// converts its train split into the paired layout: label maps under train_A,
// photos under train_B and a prompts.csv with a fixed caption. The archive's
// val and test splits are left untouched.
//
// It is a no-op when train_A already exists.
func PrepareFacades(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if fsutil.MustFileExists(filepath.Join(baseDir, "train_A")) {
		return nil
	}
	err := downloader.DownloadAndUntarIfMissing(FacadesURL, baseDir, facadesTarFile, facadesUntarDir, "")
	if err != nil {
		return errors.WithMessage(err, "failed to download the facades archive")
	}
	compositeDir := filepath.Join(baseDir, facadesUntarDir, "train")
	names, err := listImages(compositeDir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errors.Errorf("no composite images found in %q", compositeDir)
	}
	sourceDir := filepath.Join(baseDir, "train_A")
	targetDir := filepath.Join(baseDir, "train_B")
	for _, dir := range []string{sourceDir, targetDir} {
		if err = os.MkdirAll(dir, 0777); err != nil {
			return errors.Wrapf(err, "failed to create %q", dir)
		}
	}
	records := [][]string{{"name", "prompt"}}
	for _, name := range names {
		composite, err := imaging.Open(filepath.Join(compositeDir, name))
		if err != nil {
			return errors.Wrapf(err, "failed to open composite %q", name)
		}
		bounds := composite.Bounds()
		half := bounds.Dx() / 2
		photo := imaging.Crop(composite, image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+half, bounds.Max.Y))
		labels := imaging.Crop(composite, image.Rect(bounds.Min.X+half, bounds.Min.Y, bounds.Max.X, bounds.Max.Y))
		// PNG: label maps are flat-colored and suffer from JPEG artifacts.
		outName := strings.TrimSuffix(name, filepath.Ext(name)) + ".png"
		if err = imaging.Save(labels, filepath.Join(sourceDir, outName)); err != nil {
			return errors.Wrapf(err, "failed to save label map for %q", name)
		}
		if err = imaging.Save(photo, filepath.Join(targetDir, outName)); err != nil {
			return errors.Wrapf(err, "failed to save photo for %q", name)
		}
		records = append(records, []string{outName, facadesCaption})
	}
	csvPath := filepath.Join(baseDir, "prompts.csv")
	f, err := os.Create(csvPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", csvPath)
	}
	df := dataframe.LoadRecords(records)
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", csvPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", csvPath)
	}
	fmt.Printf("Prepared %d facade pairs under %q\n", len(names), baseDir)
	return nil
}
