// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// convSpec describes one 3x3 same-padded convolution of the encoder or decoder stacks.
type convSpec struct {
	channels, stride int
}

var (
	// encoderConvs halve the spatial dimensions twice.
	encoderConvs = []convSpec{{16, 1}, {32, 2}, {48, 1}, {72, 2}, {128, 1}}

	// decoderConvs mirror encoderConvs: stride 2 here means a 2x up-sampling.
	decoderConvs = []convSpec{{128, 1}, {72, 2}, {48, 1}, {32, 2}, {16, 1}}
)

const (
	kernelSize = 3

	// decoderSeedChannels is the channel depth of the volume the decoder starts from, at
	// 1/DownSamplingFactor of the image height and width.
	decoderSeedChannels = 256

	categoricalHiddenDims = 256
	categoricalBottleneck = 32
	continuousHiddenDims  = 128
)

// dense is a fully connected layer with an optional kernel regularizer: x is shaped [batch, inputDim]
// and it returns [batch, units].
func dense(ctx *context.Context, x *Node, units int, reg regularizers.Regularizer) *Node {
	g := x.Graph()
	if x.Rank() != 2 {
		Panicf("dense layer requires x shaped [batch, features], got %s", x.Shape())
	}
	inputDim := x.Shape().Dimensions[1]
	weightsVar := ctx.VariableWithShape("weights", shapes.Make(x.DType(), inputDim, units))
	if reg != nil {
		reg(ctx, g, weightsVar)
	}
	output := Einsum("bi,io->bo", x, weightsVar.ValueGraph(g))
	biasesVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("biases", shapes.Make(x.DType(), units))
	return Add(output, Reshape(biasesVar.ValueGraph(g), 1, units))
}

// conv is a 3x3 same-padded convolution with bias. The regularizer is always set explicitly, so the
// convolution never picks one up from the context hyperparameters.
func conv(ctx *context.Context, x *Node, channels, stride int, reg regularizers.Regularizer) *Node {
	return layers.Convolution(ctx, x).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(stride).
		PadSame().
		Regularizer(reg).
		Done()
}

// upSample2x doubles height and width of images shaped [batch, height, width, channels], repeating
// each pixel in a 2x2 block.
func upSample2x(images *Node) *Node {
	dims := images.Shape().Dimensions
	batchSize, height, width, numChannels := dims[0], dims[1], dims[2], dims[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	return Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
}

// transposedConv plays the role of a same-padded transposed convolution: for stride 2 the input
// is up-sampled before a stride-1 convolution.
func transposedConv(ctx *context.Context, x *Node, spec convSpec, reg regularizers.Regularizer) *Node {
	if spec.stride == 2 {
		x = upSample2x(x)
	} else if spec.stride != 1 {
		Panicf("transposed convolution only supports strides 1 and 2, got %d", spec.stride)
	}
	return conv(ctx, x, spec.channels, 1, reg)
}

// l1Penalty adds amount·Σ|w| to the loss.
//
// Unlike regularizers.L1 it doesn't zero small weights after each step: with the amounts used here that
// would wipe out freshly initialized kernels.
func l1Penalty(amount float64) regularizers.Regularizer {
	if amount == 0 {
		return nil
	}
	return func(ctx *context.Context, g *Graph, weights ...*context.Variable) {
		if len(weights) == 0 {
			Panicf("no weights given to the L1 penalty")
		}
		var loss *Node
		for _, v := range weights {
			l1 := ReduceAllSum(Abs(v.ValueGraph(g)))
			if loss == nil {
				loss = l1
			} else {
				loss = Add(loss, l1)
			}
		}
		train.AddLoss(ctx, MulScalar(loss, amount))
	}
}
