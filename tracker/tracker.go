// Package tracker records training runs to a local run directory: scalar
// metrics, logged images and the run configuration.
//
// A run directory holds:
//
//   - config.json: the configuration the run was started with.
//   - metrics.jsonl: one JSON object per logged step, keyed by metric name.
//   - training_plot_points.json: the same scalars in the plot-points format
//     used by the gomlx plotting tools, so they can render the run directly.
//   - media/<key>/step_<step>_<i>.png: logged images, with captions recorded
//     in an index file next to them.
package tracker

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Image is an image value for Tracker.Log, with an optional caption.
type Image struct {
	Image   image.Image
	Caption string
}

// Tracker writes metrics and media for one training run.
type Tracker struct {
	dir     string
	project string

	metricsFile *os.File
	metricsEnc  *json.Encoder

	pointsWriter chan<- plots.Point
	pointsErr    <-chan error

	// last value seen per scalar key, for the final summary table.
	lastValues map[string]float64
	lastStep   map[string]int64
}

// New creates the run directory (if needed) and starts a tracker for it.
// config is serialized to config.json as a record of the run parameters.
func New(runDir, project string, config any) (*Tracker, error) {
	if err := os.MkdirAll(runDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create run directory %q", runDir)
	}
	configBytes, err := json.MarshalIndent(map[string]any{
		"project": project,
		"config":  config,
	}, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize run config")
	}
	if err := os.WriteFile(filepath.Join(runDir, "config.json"), configBytes, 0664); err != nil {
		return nil, errors.Wrapf(err, "failed to write config.json in %q", runDir)
	}
	metricsFile, err := os.OpenFile(filepath.Join(runDir, "metrics.jsonl"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics.jsonl in %q", runDir)
	}
	pointsWriter, pointsErr := plots.CreatePointsWriter(
		filepath.Join(runDir, plots.TrainingPlotFileName))
	return &Tracker{
		dir:          runDir,
		project:      project,
		metricsFile:  metricsFile,
		metricsEnc:   json.NewEncoder(metricsFile),
		pointsWriter: pointsWriter,
		pointsErr:    pointsErr,
		lastValues:   make(map[string]float64),
		lastStep:     make(map[string]int64),
	}, nil
}

// Dir returns the run directory.
func (t *Tracker) Dir() string { return t.dir }

// Log records the given values at a step. Values may be any numeric Go type,
// an Image, or a slice of Image. Scalars go to metrics.jsonl and the plot
// points file; images are saved as PNGs under media/.
func (t *Tracker) Log(step int64, values map[string]any) error {
	record := map[string]any{"step": step}
	for key, value := range values {
		switch v := value.(type) {
		case Image:
			paths, err := t.saveImages(step, key, []Image{v})
			if err != nil {
				return err
			}
			record[key] = paths
		case []Image:
			paths, err := t.saveImages(step, key, v)
			if err != nil {
				return err
			}
			record[key] = paths
		default:
			f, ok := toFloat64(value)
			if !ok {
				return errors.Errorf("tracker: cannot log value of type %T for key %q", value, key)
			}
			record[key] = f
			t.lastValues[key] = f
			t.lastStep[key] = step
			t.pointsWriter <- plots.Point{
				MetricName: key,
				Short:      shortName(key),
				MetricType: metricType(key),
				Step:       float64(step),
				Value:      f,
			}
		}
	}
	if err := t.metricsEnc.Encode(record); err != nil {
		return errors.Wrap(err, "tracker: failed to append to metrics.jsonl")
	}
	return nil
}

// saveImages writes the PNGs for one key at one step and updates the caption
// index for that key. It returns the saved paths, relative to the run dir.
func (t *Tracker) saveImages(step int64, key string, images []Image) ([]string, error) {
	mediaDir := filepath.Join(t.dir, "media", sanitizeKey(key))
	if err := os.MkdirAll(mediaDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create media directory %q", mediaDir)
	}
	indexFile, err := os.OpenFile(filepath.Join(mediaDir, "index.jsonl"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image index in %q", mediaDir)
	}
	defer func() { _ = indexFile.Close() }()
	indexEnc := json.NewEncoder(indexFile)

	paths := make([]string, 0, len(images))
	for ii, img := range images {
		name := fmt.Sprintf("step_%06d_%02d.png", step, ii)
		fullPath := filepath.Join(mediaDir, name)
		if err := imaging.Save(imaging.Clone(img.Image), fullPath); err != nil {
			return nil, errors.Wrapf(err, "failed to save image %q", fullPath)
		}
		relPath, err := filepath.Rel(t.dir, fullPath)
		if err != nil {
			relPath = fullPath
		}
		paths = append(paths, relPath)
		err = indexEnc.Encode(map[string]any{
			"step":    step,
			"file":    name,
			"caption": img.Caption,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to append to image index")
		}
	}
	return paths, nil
}

// Summary renders a table with the last logged value of every scalar metric.
func (t *Tracker) Summary() string {
	if len(t.lastValues) == 0 {
		return "(no metrics logged)"
	}
	keys := make([]string, 0, len(t.lastValues))
	for key := range t.lastValues {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	table.Headers("Metric", "Step", "Value")
	for _, key := range keys {
		table.Row(key,
			fmt.Sprintf("%d", t.lastStep[key]),
			fmt.Sprintf("%f", t.lastValues[key]))
	}
	return table.String()
}

// Close flushes and closes the tracker files. The tracker cannot be used
// afterwards.
func (t *Tracker) Close() error {
	close(t.pointsWriter)
	if err := <-t.pointsErr; err != nil {
		klog.Warningf("tracker: error writing plot points: %+v", err)
	}
	return errors.Wrap(t.metricsFile.Close(), "tracker: failed to close metrics.jsonl")
}

func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

// shortName is the last path component of a namespaced key, e.g.
// "train/lossG" -> "lossG".
func shortName(key string) string {
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		return key[idx+1:]
	}
	return key
}

// metricType groups metrics by namespace so plotting tools aggregate related
// curves, e.g. "train/lossG" and "train/lossD" share one plot.
func metricType(key string) string {
	if idx := strings.Index(key, "/"); idx >= 0 {
		return key[:idx]
	}
	return "train"
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
