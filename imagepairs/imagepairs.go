// Package imagepairs provides the paired image-translation datasets used for
// training: a conditioning image, a target image and a caption per example.
//
// Four dataset kinds are supported, each with its own on-disk layout:
//
//   - "paired": generic pix2pix-style folder with train_A/ (conditioning),
//     train_B/ (targets, same file names) and prompts.csv. It has no
//     validation split.
//   - "pokemon": caption-folder layout, source/ + target/ + captions.csv.
//     The validation dataset is a second view over the training split.
//   - "pixel": same layout as "pokemon", also validated on its training
//     split.
//   - "sketchy": photo/sketch pairs with class metadata in info.mat and
//     proper train and val splits.
//
// Datasets yield ready-to-train batches: images are decoded, resized and
// center-cropped to the configured resolution, scaled to [0, 1] (model
// graphs rescale to [-1, 1]), and captions are tokenized once per yield.
package imagepairs

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Kind identifies a dataset layout.
type Kind int

const (
	KindUnknown Kind = iota
	KindPaired
	KindPokemon
	KindPixel
	KindSketchy
)

var kindNames = map[Kind]string{
	KindPaired:  "paired",
	KindPokemon: "pokemon",
	KindPixel:   "pixel",
	KindSketchy: "sketchy",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return "unknown"
}

// ParseKind converts a dataset type name to its Kind. Unknown names return an
// error listing the valid values.
func ParseKind(name string) (Kind, error) {
	for kind, kindName := range kindNames {
		if name == kindName {
			return kind, nil
		}
	}
	valid := maps.Values(kindNames)
	sort.Strings(valid)
	return KindUnknown, errors.Errorf(
		"unknown dataset type %q: valid values are %v", name, valid)
}

// Example is one (conditioning, target, caption) triple on disk.
type Example struct {
	SourcePath string
	TargetPath string
	Caption    string
}

// Tokenizer converts a caption into a fixed-length sequence of token ids.
// The CLIP tokenizer in package clipsim implements it; tests use trivial
// stand-ins.
type Tokenizer interface {
	// Tokenize returns exactly ContextLen ids, truncating or padding as
	// needed.
	Tokenize(text string) []int32

	// Detokenize restores the text of a Tokenize output, dropping special
	// and padding tokens. Used to recover captions for logging.
	Detokenize(ids []int32) string

	// ContextLen is the fixed length of Tokenize results.
	ContextLen() int
}

// Config bundles the parameters shared by all dataset constructors.
type Config struct {
	// BaseDir is the dataset folder.
	BaseDir string

	// Resolution images are resized and center-cropped to.
	Resolution int

	// Tokenizer for the captions.
	Tokenizer Tokenizer

	// BatchSize of the yielded batches. The last batch of an epoch may be
	// smaller.
	BatchSize int
}

// New constructs the training and validation datasets for the named kind.
//
// The split pairing follows the original experiments: "sketchy" has a real
// validation split; "pokemon" and "pixel" validate on their training data;
// "paired" has no validation dataset at all and valDS is returned nil.
// An unknown name fails here, before any model is built.
func New(name string, cfg Config) (trainDS, valDS *Dataset, err error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, nil, err
	}
	switch kind {
	case KindPaired:
		trainDS, err = newPaired(cfg, "train")
		if err != nil {
			return nil, nil, err
		}
		return trainDS, nil, nil
	case KindPokemon, KindPixel:
		trainDS, err = newCaptionFolder(kind, cfg, "train")
		if err != nil {
			return nil, nil, err
		}
		valDS, err = newCaptionFolder(kind, cfg, "train")
		if err != nil {
			return nil, nil, err
		}
		valDS.name = valDS.name + " (val view)"
		return trainDS, valDS, nil
	case KindSketchy:
		trainDS, err = newSketchy(cfg, "train")
		if err != nil {
			return nil, nil, err
		}
		valDS, err = newSketchy(cfg, "val")
		if err != nil {
			return nil, nil, err
		}
		return trainDS, valDS, nil
	}
	return nil, nil, errors.Errorf("dataset kind %v not wired", kind)
}
