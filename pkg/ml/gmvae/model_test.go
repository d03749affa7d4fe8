// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildValidation(t *testing.T) {
	valid := ImageShape{32, 32, 3}
	_, err := BuildEncoder(16, valid, 10)
	require.NoError(t, err)

	for _, tc := range []struct {
		name        string
		latentDim   int
		shape       ImageShape
		numClusters int
	}{
		{"one cluster", 16, valid, 1},
		{"no clusters", 16, valid, 0},
		{"height not divisible by 4", 16, ImageShape{30, 32, 3}, 10},
		{"width not divisible by 4", 16, ImageShape{32, 34, 3}, 10},
		{"no channels", 16, ImageShape{32, 32, 0}, 10},
		{"no latent", 0, valid, 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildEncoder(tc.latentDim, tc.shape, tc.numClusters)
			require.Error(t, err)
		})
	}

	_, err = BuildDecoder(16, ImageShape{28, 30, 1}, "decoder")
	require.Error(t, err)
	_, err = BuildDecoder(16, valid, "")
	require.Error(t, err)
	_, err = BuildDecoder(16, valid, "a/b")
	require.Error(t, err)
	_, err = BuildDecoder(16, valid, EncoderScope)
	require.Error(t, err)
	_, err = BuildEncoder(16, valid, 10, WithRegularization(Regularization{L1: -1}))
	require.Error(t, err)
	_, err = BuildEncoder(16, valid, 10, WithDropoutRate(1))
	require.Error(t, err)
}

// TestEncoderDecoderShapes covers a batch of 4 images 32×32×3 with latent dimension 16 and 10 clusters.
func TestEncoderDecoderShapes(t *testing.T) {
	shape := ImageShape{32, 32, 3}
	const batchSize, latentDim, numClusters = 4, 16, 10
	encoder, err := BuildEncoder(latentDim, shape, numClusters)
	require.NoError(t, err)
	decoder, err := BuildDecoder(latentDim, shape, DefaultDecoderName)
	require.NoError(t, err)

	ctx := context.New()
	ctx.RngStateFromSeed(1)
	images := randomImages(1, batchSize, shape)
	var outputs []*tensors.Tensor
	require.NotPanics(t, func() {
		outputs = context.MustExecOnceN(testBackend(), ctx, func(ctx *context.Context, images *Node) []*Node {
			encoded := encoder.Encode(ctx, images)
			return append(encoded.Nodes(), decoder.Decode(ctx, encoded.Z))
		}, images)
	})
	require.Len(t, outputs, 8)

	wantDims := [][]int{
		{batchSize, latentDim}, {batchSize, latentDim}, {batchSize, latentDim},
		{batchSize, numClusters}, {batchSize, numClusters},
		{batchSize, latentDim}, {batchSize, latentDim},
		shape.Dims(batchSize),
	}
	for ii, output := range outputs {
		name := "reconstruction"
		if ii < len(EncoderOutputNames) {
			name = EncoderOutputNames[ii]
		}
		assert.Equalf(t, wantDims[ii], output.Shape().Dimensions, "shape of %s", name)
	}

	// Positive scales.
	for _, idx := range []int{2, 6} {
		for _, v := range tensors.CopyFlatData[float32](outputs[idx]) {
			require.Greaterf(t, v, float32(0), "%s must be positive", EncoderOutputNames[idx])
		}
	}

	// Normalized cluster distribution and "logits".
	for _, idx := range []int{3, 4} {
		flat := tensors.CopyFlatData[float32](outputs[idx])
		for row := range batchSize {
			var sum float32
			for _, v := range flat[row*numClusters : (row+1)*numClusters] {
				require.GreaterOrEqual(t, v, float32(0))
				sum += v
			}
			assert.InDeltaf(t, 1.0, sum, 1e-5, "row %d of %s", row, EncoderOutputNames[idx])
		}
	}

	// Reconstruction pixels in [0, 1].
	for _, v := range tensors.CopyFlatData[float32](outputs[7]) {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestRoundTripShape(t *testing.T) {
	for _, shape := range []ImageShape{{8, 12, 1}, {16, 16, 3}, {4, 4, 2}} {
		for _, batchSize := range []int{1, 3} {
			t.Run(fmt.Sprintf("%s_batch_%d", shape, batchSize), func(t *testing.T) {
				encoder, decoder := testModel(t, 5, shape, 3, DefaultDecoderName)
				images := randomImages(7, batchSize, shape)
				var outputs []*tensors.Tensor
				require.NotPanics(t, func() {
					outputs = context.MustExecOnceN(testBackend(), context.New(),
						func(ctx *context.Context, images *Node) []*Node {
							return []*Node{decoder.Decode(ctx, encoder.Encode(ctx, images).Z)}
						}, images)
				})
				assert.Equal(t, images.Shape().Dimensions, outputs[0].Shape().Dimensions)
			})
		}
	}
}

func TestRawClusterLogits(t *testing.T) {
	shape := ImageShape{8, 8, 1}
	encoder, err := BuildEncoder(4, shape, 3, WithRawClusterLogits(true), WithRegularization(NoRegularization))
	require.NoError(t, err)
	require.True(t, encoder.RawClusterLogits())
	images := randomImages(3, 2, shape)
	outputs := context.MustExecOnceN(testBackend(), context.New(), func(ctx *context.Context, images *Node) []*Node {
		encoded := encoder.Encode(ctx, images)
		return []*Node{encoded.Y, Softmax(encoded.YLogits, -1)}
	}, images)
	// y is the softmax of the raw logits.
	assert.InDeltaSlice(t,
		tensors.CopyFlatData[float32](outputs[0]),
		tensors.CopyFlatData[float32](outputs[1]), 1e-6)
}

func TestRegularizationAddsLoss(t *testing.T) {
	shape := ImageShape{4, 4, 1}
	decoder, err := BuildDecoder(2, shape, "decoder", WithRegularization(ElasticNet(0.01)))
	require.NoError(t, err)
	outputs := context.MustExecOnceN(testBackend(), context.New(), func(ctx *context.Context, g *Graph) []*Node {
		z := Const(g, [][]float32{{0.1, 0.2}})
		_ = decoder.Decode(ctx, z)
		return []*Node{train.GetLosses(ctx, g)}
	})
	assert.Greater(t, scalarValue(t, outputs[0]), 0.0)
}

func TestModelInference(t *testing.T) {
	shape := ImageShape{8, 8, 1}
	const numClusters = 3
	encoder, decoder := testModel(t, 4, shape, numClusters, DefaultDecoderName)
	ctx := context.New()
	ctx.RngStateFromSeed(5)
	images := randomImages(11, 5, shape)

	// Create the weights.
	_ = context.MustExecOnceN(testBackend(), ctx, func(ctx *context.Context, images *Node) []*Node {
		return []*Node{decoder.Decode(ctx, encoder.Encode(ctx, images).Z)}
	}, images)

	model := NewModel(testBackend(), ctx, encoder)
	encoded, err := model.Encode(images)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, encoded.ZMean.Shape().Dimensions)
	encoded.FinalizeAll()

	clusters, err := model.AssignClusters(images)
	require.NoError(t, err)
	require.Len(t, clusters, 5)
	for _, c := range clusters {
		assert.True(t, c >= 0 && c < numClusters)
	}

	reconstruction, err := model.Reconstruct(decoder, images)
	require.NoError(t, err)
	assert.Equal(t, images.Shape().Dimensions, reconstruction.Shape().Dimensions)

	generated, err := model.Generate(decoder, 2, 6)
	require.NoError(t, err)
	assert.Equal(t, shape.Dims(6), generated.Shape().Dimensions)

	_, err = model.Generate(decoder, numClusters, 1)
	require.Error(t, err)
	_, err = model.Encode(randomImages(1, 2, ImageShape{12, 8, 1}))
	require.Error(t, err)
}

func TestArgMaxRows(t *testing.T) {
	probs := tensors.FromValue([][]float32{{0.1, 0.7, 0.2}, {0.5, 0.2, 0.3}, {0.2, 0.2, 0.6}})
	clusters, err := ArgMaxRows(probs)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 2}, clusters)

	_, err = ArgMaxRows(tensors.FromValue([]float32{1, 2}))
	require.Error(t, err)
	_, err = ArgMaxRows(tensors.FromValue([][]float64{{1, 2}}))
	require.Error(t, err)
}
