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

// Prediction layout of the fine-tuning model function.
const (
	finetuneReconstruction = iota
	finetuneReconstructionScale
	finetuneKL
)

// FinetuneTrainer trains a decoder against a pretrained encoder that is never updated. Each step minimizes
//
//	reconstruction_loss + kl
//
// where reconstruction_loss is the pixel mean squared error scaled by the height × width of the batch
// being trained, and kl = -0.5·mean(1 + z_sig - z_mean² - exp(z_sig)), reading z_sig as a log-variance.
// The divergence only depends on the frozen encoder, so the decoder gradients come from the reconstruction.
//
// The only reported metric is MetricLoss, the reconstruction loss.
type FinetuneTrainer struct {
	Encoder *Encoder
	Decoder *Decoder

	runner *stepRunner
}

var _ Stepper = (*FinetuneTrainer)(nil)

// FinetuneOptimizerScope is the scope of the optimizer variables of fine-tuning decoder name, kept apart
// from the joint optimizer.
func FinetuneOptimizerScope(decoderName string) string {
	return "finetune_" + decoderName
}

// NewFinetuneTrainer creates a trainer for decoder against the frozen encoder. The encoder weights in ctx are
// expected to be already trained (or loaded from a checkpoint); they are marked as not trainable as soon as
// the first step is built, and EncodeFrozen makes sure no gradient reaches them.
//
// The decoder must not be the one being trained jointly with the encoder.
func NewFinetuneTrainer(backend backends.Backend, ctx *context.Context, encoder *Encoder, decoder *Decoder) (*FinetuneTrainer, error) {
	if encoder == nil || decoder == nil {
		return nil, errors.New("fine-tuning trainer requires an encoder and a decoder")
	}
	if err := decoder.Compatible(encoder); err != nil {
		return nil, errors.WithMessage(err, "NewFinetuneTrainer")
	}
	t := &FinetuneTrainer{
		Encoder: encoder,
		Decoder: decoder,
	}
	stepMetrics := []metrics.Interface{
		metrics.NewBaseMetric(MetricLoss, "loss", metrics.LossMetricType, reconstructionMetric, nil),
	}
	err := exceptions.TryCatch[error](func() {
		optimizer := optimizers.Adam().
			FromContext(ctx).
			Scope(FinetuneOptimizerScope(decoder.Name)).
			Done()
		t.runner = newStepRunner(backend, ctx, t.modelGraph, t.lossGraph, optimizer, stepMetrics)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "NewFinetuneTrainer")
	}
	// Variables that already exist (e.g. after joint training) are frozen right away.
	encoder.Freeze(ctx)
	return t, nil
}

// Kind implements Stepper.
func (t *FinetuneTrainer) Kind() Kind { return KindFinetune }

// Step implements Stepper. The returned metric is MetricLoss.
func (t *FinetuneTrainer) Step(batch Batch) (map[string]float64, error) {
	return t.runner.step(batch)
}

// MetricNames implements Stepper.
func (t *FinetuneTrainer) MetricNames() []string { return t.runner.metricNames() }

// Context implements Stepper.
func (t *FinetuneTrainer) Context() *context.Context { return t.runner.ctx }

// GlobalStep implements Stepper.
func (t *FinetuneTrainer) GlobalStep() int64 { return t.runner.globalStep() }

func (t *FinetuneTrainer) modelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	ctx = ctx.Checked(false)
	images := inputs[0]
	g := images.Graph()
	encoded := t.Encoder.EncodeFrozen(ctx, images)
	reconstruction := t.Decoder.Decode(ctx, encoded.Z)

	// Scaled by the height and width of the images actually fed, not the configured shape.
	dims := images.Shape().Dimensions
	scale := Scalar(g, reconstruction.DType(), float64(dims[1]*dims[2]))
	kl := StandardNormalKL(encoded.ZMean, encoded.ZSig)
	return []*Node{reconstruction, scale, kl}
}

func (t *FinetuneTrainer) lossGraph(labels, predictions []*Node) *Node {
	loss := reconstructionLoss(labels[0], predictions[finetuneReconstruction], predictions[finetuneReconstructionScale])
	return Add(loss, predictions[finetuneKL])
}
