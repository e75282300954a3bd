package imagepairs

import (
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
)

// Caption-folder layout, under Config.BaseDir:
//
//	<split>/source/<name>    conditioning images (typically edge maps).
//	<split>/target/<name>    target images, same file names.
//	<split>/captions.csv     columns "name,caption".
//
// Both the pokemon and pixel kinds use it. Neither ships a validation split,
// which is why New loads "train" twice for them.
func newCaptionFolder(kind Kind, cfg Config, split string) (*Dataset, error) {
	splitDir := filepath.Join(fsutil.MustReplaceTildeInDir(cfg.BaseDir), split)
	names, captions, err := readCaptionsCSV(filepath.Join(splitDir, "captions.csv"), "caption")
	if err != nil {
		return nil, err
	}
	examples, err := pairUp(names, captions,
		filepath.Join(splitDir, "source"), filepath.Join(splitDir, "target"))
	if err != nil {
		return nil, err
	}
	return newDataset(kind.String()+"-"+split, cfg, examples)
}
