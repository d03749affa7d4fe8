// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/pkg/errors"
)

// EncoderScope is the context scope owning the encoder variables.
const EncoderScope = "encoder"

// Encoder maps images to a continuous latent code, a cluster distribution and the cluster-conditional
// prior of the latent code.
//
// It only holds the configuration: the weights live in the context passed to Encode, under EncoderScope.
type Encoder struct {
	LatentDim, NumClusters int
	Shape                  ImageShape

	opts buildOptions
}

// EncoderOutputs are the seven outputs of the encoder, all shaped [batch, latentDim] or [batch, numClusters].
type EncoderOutputs struct {
	// Z is the continuous code sampled from (ZMean, ZSig).
	Z *Node

	// ZMean and ZSig are the posterior Gaussian parameters of the continuous code; ZSig > 0.
	ZMean, ZSig *Node

	// Y is the cluster distribution: rows are non-negative and sum to 1.
	Y *Node

	// YLogits are the cluster "logits". Unless built WithRawClusterLogits, they are also normalized.
	YLogits *Node

	// ZPriorMean and ZPriorSig are the cluster-conditional prior of the continuous code; ZPriorSig > 0.
	ZPriorMean, ZPriorSig *Node
}

// Nodes returns the outputs in order: z, z_mean, z_sig, y, y_logits, z_prior_mean, z_prior_sig.
func (o *EncoderOutputs) Nodes() []*Node {
	return []*Node{o.Z, o.ZMean, o.ZSig, o.Y, o.YLogits, o.ZPriorMean, o.ZPriorSig}
}

// EncoderOutputNames are the names of the encoder outputs, in the order returned by EncoderOutputs.Nodes.
var EncoderOutputNames = []string{"z", "z_mean", "z_sig", "y", "y_logits", "z_prior_mean", "z_prior_sig"}

// BuildEncoder validates the configuration and returns an Encoder.
//
// Misconfigurations (latentDim < 1, numClusters <= 1, image height or width not divisible by 4) are
// reported here, before any graph is built.
func BuildEncoder(latentDim int, shape ImageShape, numClusters int, options ...Option) (*Encoder, error) {
	if latentDim < 1 {
		return nil, errors.Errorf("encoder latent dimension must be >= 1, got %d", latentDim)
	}
	if numClusters <= 1 {
		return nil, errors.Errorf("encoder requires more than one cluster, got %d", numClusters)
	}
	if err := shape.Validate(); err != nil {
		return nil, errors.WithMessage(err, "BuildEncoder")
	}
	e := &Encoder{
		LatentDim:   latentDim,
		NumClusters: numClusters,
		Shape:       shape,
		opts:        defaultBuildOptions(),
	}
	for _, option := range options {
		option(&e.opts)
	}
	if err := e.opts.regularization.Validate(); err != nil {
		return nil, errors.WithMessage(err, "BuildEncoder")
	}
	if e.opts.dropoutRate < 0 || e.opts.dropoutRate >= 1 {
		return nil, errors.Errorf("encoder dropout rate must be in [0, 1), got %g", e.opts.dropoutRate)
	}
	return e, nil
}

// SamplingScale returns how the encoder sampler reads z_sig.
func (e *Encoder) SamplingScale() ScaleMode { return e.opts.samplingScale }

// RawClusterLogits reports whether y_logits are emitted without normalization.
func (e *Encoder) RawClusterLogits() bool { return e.opts.rawLogits }

// Encode builds the encoder graph for images shaped [batch, height, width, channels] and returns its
// outputs. Variables are created (or reused) under ctx.In(EncoderScope).
//
// It panics (with exceptions.Panicf) on shape mismatches, as any graph building function.
func (e *Encoder) Encode(ctx *context.Context, images *Node) *EncoderOutputs {
	return e.encode(ctx, images, false)
}

// EncodeFrozen builds the encoder graph for use as a fixed feature extractor: batch normalization uses its
// stored averages, no kernel penalty is added, gradients are stopped at the outputs and the encoder
// variables are marked as not trainable.
//
// Dropout still follows ctx.IsTraining, as a frozen encoder still samples during training.
func (e *Encoder) EncodeFrozen(ctx *context.Context, images *Node) *EncoderOutputs {
	outputs := e.encode(ctx, images, true)
	e.Freeze(ctx)
	return &EncoderOutputs{
		Z:          StopGradient(outputs.Z),
		ZMean:      StopGradient(outputs.ZMean),
		ZSig:       StopGradient(outputs.ZSig),
		Y:          StopGradient(outputs.Y),
		YLogits:    StopGradient(outputs.YLogits),
		ZPriorMean: StopGradient(outputs.ZPriorMean),
		ZPriorSig:  StopGradient(outputs.ZPriorSig),
	}
}

// Freeze marks every variable under the encoder scope as not trainable, so no optimizer updates them.
//
// It must be called after the graph is built, since batch normalization re-marks its scale and offset as
// trainable whenever it is built. There is no Unfreeze: once frozen, the encoder stays frozen.
func (e *Encoder) Freeze(ctx *context.Context) {
	for v := range ctx.In(EncoderScope).IterVariablesInScope() {
		v.SetTrainable(false)
	}
}

func (e *Encoder) encode(ctx *context.Context, images *Node, frozen bool) *EncoderOutputs {
	images.AssertDims(-1, e.Shape.Height, e.Shape.Width, e.Shape.Channels)
	batchSize := images.Shape().Dimensions[0]
	ctx = ctx.In(EncoderScope)

	var reg regularizers.Regularizer
	if !frozen {
		reg = e.opts.regularization.Regularizer()
	}

	// Shared convolutional features.
	x := images
	for ii, spec := range encoderConvs {
		x = conv(ctx.Inf("%03d_conv", ii), x, spec.channels, spec.stride, reg)
		x = activations.Relu(x)
	}
	x.AssertDims(batchSize, e.Shape.Height/DownSamplingFactor, e.Shape.Width/DownSamplingFactor,
		encoderConvs[len(encoderConvs)-1].channels)
	x = batchnorm.New(ctx.In("features"), x, -1).Trainable(!frozen).Done()
	features := Reshape(x, batchSize, -1)

	// Cluster distribution.
	yCtx := ctx.In("categorical")
	h := activations.Relu(dense(yCtx.In("hidden_0"), features, categoricalHiddenDims, nil))
	h = activations.Relu(dense(yCtx.In("hidden_1"), h, categoricalBottleneck, nil))
	clusterLogits := dense(yCtx.In("logits"), h, e.NumClusters, nil)
	y := Softmax(clusterLogits, -1)
	yLogits := clusterLogits
	if !e.opts.rawLogits {
		yLogits = Softmax(clusterLogits, -1)
	}

	// Cluster-conditional prior.
	zPriorMean, zPriorSig := e.prior(ctx, y)

	// Continuous code.
	zCtx := ctx.In("continuous")
	h = layers.DropoutStatic(zCtx, features, e.opts.dropoutRate)
	h = activations.Relu(dense(zCtx.In("hidden"), h, continuousHiddenDims, nil))
	zMean := dense(zCtx.In("z_mean"), h, e.LatentDim, nil)
	zSig := Softplus(dense(zCtx.In("z_sig"), h, e.LatentDim, nil))
	z := Sample(zCtx, zMean, zSig, e.opts.samplingScale)

	return &EncoderOutputs{
		Z:          z,
		ZMean:      zMean,
		ZSig:       zSig,
		Y:          y,
		YLogits:    yLogits,
		ZPriorMean: zPriorMean,
		ZPriorSig:  zPriorSig,
	}
}

// prior maps cluster probabilities y, shaped [batch, numClusters], to the mean and scale of the
// cluster-conditional prior of the continuous code. ctx must already be in the encoder scope.
func (e *Encoder) prior(ctx *context.Context, y *Node) (mean, scale *Node) {
	y.AssertDims(-1, e.NumClusters)
	priorCtx := ctx.In("prior")
	mean = dense(priorCtx.In("mean"), y, e.LatentDim, nil)
	scale = Softplus(dense(priorCtx.In("scale"), y, e.LatentDim, nil))
	return
}

// Prior builds only the cluster-conditional prior for the given cluster probabilities, shaped
// [batch, numClusters]. It reuses the weights created by Encode.
func (e *Encoder) Prior(ctx *context.Context, y *Node) (mean, scale *Node) {
	return e.prior(ctx.In(EncoderScope), y)
}

// checkShape returns an error if images don't match the encoder image shape.
func (e *Encoder) checkShape(dims []int) error {
	if len(dims) != 4 || dims[1] != e.Shape.Height || dims[2] != e.Shape.Width || dims[3] != e.Shape.Channels {
		return errors.Errorf("images shaped %v don't match the encoder image shape %s", dims, e.Shape)
	}
	return nil
}
