package perceptual

import (
	"flag"
	"fmt"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var flagDataDir = flag.String("data", "/tmp/gomlx_inceptionv3", "Directory where to save and load model data.")

func TestDistances(t *testing.T) {
	if testing.Short() {
		fmt.Println("- perceptual: TestDistances disabled for go test --short because it requires downloading InceptionV3 weights.")
		return
	}
	backend := graphtest.BuildTestBackend()
	builder := New(*flagDataDir, 0, timage.ChannelsLast)
	require.NoError(t, builder.Download())

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images []*Node) *Node {
		return builder.Distances(ctx, images[0], images[1])
	})

	// Identical images are at distance zero; shifting one away increases it.
	base := make([][][][]float32, 2)
	shifted := make([][][][]float32, 2)
	for b := 0; b < 2; b++ {
		base[b] = make([][][]float32, 96)
		shifted[b] = make([][][]float32, 96)
		for y := 0; y < 96; y++ {
			base[b][y] = make([][]float32, 96)
			shifted[b][y] = make([][]float32, 96)
			for x := 0; x < 96; x++ {
				v := float32(x%17)/17.0*2.0 - 1.0
				base[b][y][x] = []float32{v, -v, v}
				w := float32((x+5)%17) / 17.0 * 2.0
				shifted[b][y][x] = []float32{w - 1.0, 1.0 - w, w - 1.0}
			}
		}
	}

	results := exec.MustExec(base, base)
	same := results[0]
	for _, d := range same.Value().([]float32) {
		assert.InDelta(t, 0.0, d, 1e-3, "identical images should be at zero perceptual distance")
	}

	results = exec.MustExec(base, shifted)
	moved := results[0]
	for _, d := range moved.Value().([]float32) {
		assert.Greater(t, d, float32(0), "different images should be at positive perceptual distance")
	}
}
