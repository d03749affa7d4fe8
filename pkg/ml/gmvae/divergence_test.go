// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scalarValue(t *testing.T, tensor *tensors.Tensor) float64 {
	t.Helper()
	return float64(tensors.ToScalar[float32](tensor))
}

func TestKLTwoGaussians(t *testing.T) {
	t.Run("identical", func(t *testing.T) {
		outputs := runGraph(t, func(ctx *context.Context, g *Graph) []*Node {
			mean := Const(g, [][]float32{{0.5, -1, 3}, {0, 2, -0.25}})
			scale := Const(g, [][]float32{{0.1, 1, 2.5}, {0.7, 0.3, 4}})
			return []*Node{KLTwoGaussians(mean, scale, mean, scale)}
		})
		assert.InDelta(t, 0.0, scalarValue(t, outputs[0]), 1e-6)
	})

	t.Run("known value", func(t *testing.T) {
		outputs := runGraph(t, func(ctx *context.Context, g *Graph) []*Node {
			mean1 := Const(g, [][]float32{{0}})
			scale1 := Const(g, [][]float32{{1}})
			mean2 := Const(g, [][]float32{{1}})
			scale2 := Const(g, [][]float32{{2}})
			return []*Node{KLTwoGaussians(mean1, scale1, mean2, scale2)}
		})
		// log(2) - log(1) + (1 + 1)/(2·4) - 0.5
		want := math.Log(2) + 0.25 - 0.5
		assert.InDelta(t, want, scalarValue(t, outputs[0]), 1e-5)
	})

	t.Run("averages latent then batch", func(t *testing.T) {
		outputs := runGraph(t, func(ctx *context.Context, g *Graph) []*Node {
			mean1 := Const(g, [][]float32{{0, 0}, {0, 0}})
			scale1 := Const(g, [][]float32{{1, 1}, {1, 1}})
			mean2 := Const(g, [][]float32{{2, 0}, {0, 0}})
			scale2 := Const(g, [][]float32{{1, 1}, {1, 1}})
			return []*Node{KLTwoGaussians(mean1, scale1, mean2, scale2)}
		})
		// Only one element differs: (0-2)²/2 = 2, averaged over 4 elements.
		assert.InDelta(t, 0.5, scalarValue(t, outputs[0]), 1e-5)
	})

	t.Run("non-negative", func(t *testing.T) {
		outputs := runGraph(t, func(ctx *context.Context, g *Graph) []*Node {
			mean1 := Const(g, [][]float32{{0.3, -2, 1}, {4, 0, 0.1}})
			scale1 := Const(g, [][]float32{{0.2, 1.5, 3}, {1, 0.01, 2}})
			mean2 := Const(g, [][]float32{{-1, 0.5, 1}, {0, 0, 0}})
			scale2 := Const(g, [][]float32{{1, 0.5, 0.1}, {2, 1, 2}})
			return []*Node{KLTwoGaussians(mean1, scale1, mean2, scale2)}
		})
		assert.Greater(t, scalarValue(t, outputs[0]), 0.0)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		require.Panics(t, func() {
			_ = context.MustExecOnceN(testBackend(), context.New(), func(ctx *context.Context, g *Graph) []*Node {
				a := Const(g, [][]float32{{0, 1}})
				b := Const(g, [][]float32{{0, 1, 2}})
				return []*Node{KLTwoGaussians(a, a, b, b)}
			})
		})
	})
}

func TestCategoricalKLUniform(t *testing.T) {
	outputs := runGraph(t, func(ctx *context.Context, g *Graph) []*Node {
		uniform := Const(g, [][]float32{{0.25, 0.25, 0.25, 0.25}, {0.25, 0.25, 0.25, 0.25}})
		oneHot := Const(g, [][]float32{{1, 0, 0, 0}})
		skewed := Const(g, [][]float32{{0.7, 0.1, 0.1, 0.1}, {0.4, 0.3, 0.2, 0.1}})
		return []*Node{
			CategoricalKLUniform(uniform),
			CategoricalKLUniform(oneHot),
			CategoricalKLUniform(skewed),
		}
	})
	assert.InDelta(t, 0.0, scalarValue(t, outputs[0]), 1e-5)

	// Zero probabilities contribute nothing thanks to the epsilon: log(1) - log(1/4).
	assert.InDelta(t, math.Log(4), scalarValue(t, outputs[1]), 1e-5)

	skewed := scalarValue(t, outputs[2])
	assert.Greater(t, skewed, 0.0)
	want := 0.0
	for _, row := range [][]float64{{0.7, 0.1, 0.1, 0.1}, {0.4, 0.3, 0.2, 0.1}} {
		for _, p := range row {
			want += p * (math.Log(p) - math.Log(0.25))
		}
	}
	assert.InDelta(t, want/2, skewed, 1e-5)
}

func TestStandardNormalKL(t *testing.T) {
	outputs := runGraph(t, func(ctx *context.Context, g *Graph) []*Node {
		zeros := Const(g, [][]float32{{0, 0}, {0, 0}})
		mean := Const(g, [][]float32{{1, 1}, {1, 1}})
		logVar := Const(g, [][]float32{{math.Ln2, math.Ln2}, {math.Ln2, math.Ln2}})
		return []*Node{
			StandardNormalKL(zeros, zeros),
			StandardNormalKL(mean, zeros),
			StandardNormalKL(zeros, logVar),
		}
	})
	assert.InDelta(t, 0.0, scalarValue(t, outputs[0]), 1e-6)
	// -0.5·(1 + 0 - 1 - 1)
	assert.InDelta(t, 0.5, scalarValue(t, outputs[1]), 1e-6)
	// -0.5·(1 + ln2 - 2)
	assert.InDelta(t, -0.5*(math.Ln2-1), scalarValue(t, outputs[2]), 1e-5)
}
