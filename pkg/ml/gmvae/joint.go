// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Metric names reported by the trainers.
const (
	MetricReconstructionLoss = "reconstruction_loss"
	MetricXKLLoss            = "x_kl_loss"
	MetricYKLLoss            = "y_kl_loss"
	MetricLoss               = "loss"
)

// DefaultXKLWeight down-weights the continuous-code divergence in the joint objective.
const DefaultXKLWeight = 0.01

// Prediction layout of the joint model function.
const (
	jointReconstruction = iota
	jointReconstructionScale
	jointXKL
	jointYKL
)

// JointTrainer updates encoder and decoder together. Each step minimizes
//
//	reconstruction_loss + y_kl_loss + XKLWeight·x_kl_loss
//
// where reconstruction_loss is the pixel mean squared error scaled by the configured height × width,
// x_kl_loss is the divergence of the continuous code posterior (ZSig read as a standard deviation) from
// its cluster-conditional prior, and y_kl_loss is the divergence of the cluster "logits" from uniform.
//
// Kernel penalties of the regularized layers are added to the optimized loss, but not to the metrics.
type JointTrainer struct {
	Encoder *Encoder
	Decoder *Decoder

	// XKLWeight multiplies x_kl_loss in the total loss.
	XKLWeight float64

	runner *stepRunner
}

var _ Stepper = (*JointTrainer)(nil)

// NewJointTrainer creates the joint trainer for encoder and decoder, with weights in ctx.
//
// The optimizer is taken from the context hyperparameters (optimizers.FromContext), and the weight of
// the continuous divergence from ParamXKLWeight.
func NewJointTrainer(backend backends.Backend, ctx *context.Context, encoder *Encoder, decoder *Decoder) (*JointTrainer, error) {
	if encoder == nil || decoder == nil {
		return nil, errors.New("joint trainer requires an encoder and a decoder")
	}
	if err := decoder.Compatible(encoder); err != nil {
		return nil, errors.WithMessage(err, "NewJointTrainer")
	}
	t := &JointTrainer{
		Encoder:   encoder,
		Decoder:   decoder,
		XKLWeight: context.GetParamOr(ctx, ParamXKLWeight, DefaultXKLWeight),
	}
	if t.XKLWeight < 0 {
		return nil, errors.Errorf("invalid %s=%g, it must be >= 0", ParamXKLWeight, t.XKLWeight)
	}
	stepMetrics := []metrics.Interface{
		metrics.NewBaseMetric(MetricReconstructionLoss, "recon", metrics.LossMetricType, reconstructionMetric, nil),
		predictionMetric(MetricXKLLoss, "x_kl", jointXKL),
		predictionMetric(MetricYKLLoss, "y_kl", jointYKL),
	}
	err := exceptions.TryCatch[error](func() {
		t.runner = newStepRunner(backend, ctx, t.modelGraph, t.lossGraph, optimizers.FromContext(ctx), stepMetrics)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "NewJointTrainer")
	}
	return t, nil
}

// Kind implements Stepper.
func (t *JointTrainer) Kind() Kind { return KindJoint }

// Step implements Stepper. The returned metrics are MetricReconstructionLoss, MetricXKLLoss and MetricYKLLoss.
func (t *JointTrainer) Step(batch Batch) (map[string]float64, error) {
	return t.runner.step(batch)
}

// MetricNames implements Stepper.
func (t *JointTrainer) MetricNames() []string { return t.runner.metricNames() }

// Context implements Stepper.
func (t *JointTrainer) Context() *context.Context { return t.runner.ctx }

// GlobalStep implements Stepper.
func (t *JointTrainer) GlobalStep() int64 { return t.runner.globalStep() }

// modelGraph returns the reconstruction, its loss scale and the two divergences.
func (t *JointTrainer) modelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	ctx = ctx.Checked(false)
	images := inputs[0]
	g := images.Graph()
	encoded := t.Encoder.Encode(ctx, images)
	reconstruction := t.Decoder.Decode(ctx, encoded.Z)

	// Scaled by the configured shape, not the batch's.
	scale := Scalar(g, reconstruction.DType(), float64(t.Encoder.Shape.Pixels()))
	xKL := KLTwoGaussians(encoded.ZMean, encoded.ZSig, encoded.ZPriorMean, encoded.ZPriorSig)
	yKL := categoricalDivergence(t.Encoder, encoded)
	return []*Node{reconstruction, scale, xKL, yKL}
}

func (t *JointTrainer) lossGraph(labels, predictions []*Node) *Node {
	loss := reconstructionLoss(labels[0], predictions[jointReconstruction], predictions[jointReconstructionScale])
	loss = Add(loss, predictions[jointYKL])
	return Add(loss, MulScalar(predictions[jointXKL], t.XKLWeight))
}

// categoricalDivergence compares the cluster "logits" to the uniform distribution. If the encoder emits raw
// logits they are normalized first.
func categoricalDivergence(encoder *Encoder, encoded *EncoderOutputs) *Node {
	if encoder.RawClusterLogits() {
		return CategoricalKLUniform(Softmax(encoded.YLogits, -1))
	}
	return CategoricalKLUniform(encoded.YLogits)
}

// reconstructionMetric expects predictions[0] to be the reconstruction and predictions[1] its loss scale.
func reconstructionMetric(_ *context.Context, labels, predictions []*Node) *Node {
	return reconstructionLoss(labels[0], predictions[0], predictions[1])
}
