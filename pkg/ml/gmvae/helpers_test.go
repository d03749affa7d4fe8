// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

var testBackend = sync.OnceValue(func() backends.Backend { return backends.MustNew() })

// runGraph executes graphFn once on a new context and returns its outputs.
func runGraph(t *testing.T, graphFn func(ctx *context.Context, g *Graph) []*Node) []*tensors.Tensor {
	t.Helper()
	var outputs []*tensors.Tensor
	require.NotPanics(t, func() {
		outputs = context.MustExecOnceN(testBackend(), context.New(), graphFn)
	})
	return outputs
}

// randomImages returns a batch of images with uniform random pixels in [0, 1).
func randomImages(seed uint64, batchSize int, shape ImageShape) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	flat := make([]float32, batchSize*shape.Height*shape.Width*shape.Channels)
	for ii := range flat {
		flat[ii] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(flat, shape.Dims(batchSize)...)
}

// snapshotScope copies the values of all variables under scope.
func snapshotScope(ctx *context.Context, scope string) map[string][]float32 {
	snapshot := make(map[string][]float32)
	for v := range ctx.In(scope).IterVariablesInScope() {
		snapshot[v.ScopeAndName()] = tensors.CopyFlatData[float32](v.Value())
	}
	return snapshot
}

// testModel builds an encoder and a decoder without regularization or dropout.
func testModel(t *testing.T, latentDim int, shape ImageShape, numClusters int, decoderName string) (*Encoder, *Decoder) {
	t.Helper()
	opts := []Option{WithRegularization(NoRegularization), WithDropoutRate(0)}
	encoder, err := BuildEncoder(latentDim, shape, numClusters, opts...)
	require.NoError(t, err)
	decoder, err := BuildDecoder(latentDim, shape, decoderName, opts...)
	require.NoError(t, err)
	return encoder, decoder
}
