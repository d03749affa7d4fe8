// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScaleMode(t *testing.T) {
	for _, name := range []string{"log_variance", "LOG_VARIANCE", " logvar "} {
		mode, err := ParseScaleMode(name)
		require.NoError(t, err)
		assert.Equal(t, ScaleLogVariance, mode)
	}
	mode, err := ParseScaleMode("direct")
	require.NoError(t, err)
	assert.Equal(t, ScaleDirect, mode)
	assert.Equal(t, "direct", mode.String())

	_, err = ParseScaleMode("variance")
	require.Error(t, err)
}

func TestReparameterize(t *testing.T) {
	outputs := runGraph(t, func(ctx *context.Context, g *Graph) []*Node {
		mean := Const(g, [][]float32{{1, -2, 3}})
		zeros := ZerosLike(mean)
		ones := OnesLike(mean)
		logVar := Const(g, [][]float32{{0, math.Ln2 * 2, 0}})
		return []*Node{
			// Zero scale and zero noise: the mean itself.
			Reparameterize(mean, zeros, zeros, ScaleDirect),
			// Any scale with zero noise.
			Reparameterize(mean, logVar, zeros, ScaleLogVariance),
			// Unit noise: mean + stddev.
			Reparameterize(mean, ones, ones, ScaleDirect),
			Reparameterize(mean, logVar, ones, ScaleLogVariance),
		}
	})
	assert.Equal(t, [][]float32{{1, -2, 3}}, outputs[0].Value())
	assert.Equal(t, [][]float32{{1, -2, 3}}, outputs[1].Value())
	assert.Equal(t, [][]float32{{2, -1, 4}}, outputs[2].Value())
	got := tensors.CopyFlatData[float32](outputs[3])
	assert.InDeltaSlice(t, []float32{2, 0, 4}, got, 1e-5)
}

func TestSample(t *testing.T) {
	backend := testBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	const numSamples, latentDim = 4096, 4
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		meanShape := shapes.Make(dtypes.Float32, numSamples, latentDim)
		mean := AddScalar(Zeros(g, meanShape), 3)
		logVar := Zeros(g, meanShape)
		return Sample(ctx, mean, logVar, ScaleLogVariance)
	})
	first := tensors.CopyFlatData[float32](exec.MustExec()[0])
	second := tensors.CopyFlatData[float32](exec.MustExec()[0])

	// Fresh noise at every execution.
	assert.NotEqual(t, first, second)

	var sum, sumSquares float64
	for _, v := range first {
		sum += float64(v)
		sumSquares += float64(v) * float64(v)
	}
	n := float64(len(first))
	mean := sum / n
	variance := sumSquares/n - mean*mean
	assert.InDelta(t, 3.0, mean, 0.1)
	assert.InDelta(t, 1.0, variance, 0.1)
}
