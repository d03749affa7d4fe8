// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Kind tags the two trainer variants.
type Kind int

const (
	// KindJoint trains encoder and decoder together with the Gaussian-mixture objective.
	KindJoint Kind = iota

	// KindFinetune trains only a decoder against a frozen encoder.
	KindFinetune
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindJoint:
		return "joint"
	case KindFinetune:
		return "finetune"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Batch pairs the images fed to the encoder with the images the reconstruction is compared against.
// Both are shaped [batch, height, width, channels].
type Batch struct {
	Inputs, Targets *tensors.Tensor
}

// Stepper is the one-step capability shared by JointTrainer and FinetuneTrainer. A training loop
// only needs this to drive either of them.
type Stepper interface {
	// Kind of the trainer.
	Kind() Kind

	// Step runs one gradient step on the batch and returns the step metrics by name.
	// If it fails, no weights are updated.
	Step(batch Batch) (map[string]float64, error)

	// MetricNames returns the names of the metrics returned by Step, in a stable order.
	MetricNames() []string

	// Context holding the weights and hyperparameters.
	Context() *context.Context

	// GlobalStep returns the number of optimizer steps taken so far on the context.
	GlobalStep() int64
}

// stepRunner wraps a train.Trainer with the parts common to both trainers: executing the step and
// converting the metrics it owns to float64.
type stepRunner struct {
	ctx     *context.Context
	trainer *train.Trainer
	metrics []metrics.Interface
}

func newStepRunner(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, lossFn train.LossFn,
	optimizer optimizers.Interface, stepMetrics []metrics.Interface) *stepRunner {
	return &stepRunner{
		ctx:     ctx,
		trainer: train.NewTrainer(backend, ctx, modelFn, lossFn, optimizer, stepMetrics, nil),
		metrics: stepMetrics,
	}
}

func (r *stepRunner) metricNames() []string {
	names := make([]string, len(r.metrics))
	for ii, m := range r.metrics {
		names[ii] = m.Name()
	}
	return names
}

func (r *stepRunner) globalStep() int64 {
	var step int64
	err := exceptions.TryCatch[error](func() { step = optimizers.GetGlobalStep(r.ctx) })
	if err != nil {
		return 0
	}
	return step
}

// step executes one train step. The batch tensors are not finalized: they remain owned by the caller.
func (r *stepRunner) step(batch Batch) (map[string]float64, error) {
	if batch.Inputs == nil || batch.Targets == nil {
		return nil, errors.New("training step requires both input and target images")
	}
	if !batch.Inputs.Shape().Equal(batch.Targets.Shape()) {
		return nil, errors.Errorf("input images %s and target images %s have different shapes",
			batch.Inputs.Shape(), batch.Targets.Shape())
	}
	var results []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		results = r.trainer.TrainStep(nil, []*tensors.Tensor{batch.Inputs}, []*tensors.Tensor{batch.Targets})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed train step (global step %d)", r.globalStep())
	}
	defer func() {
		for _, t := range results {
			t.FinalizeAll()
		}
	}()
	return metricValues(r.trainer.TrainMetrics(), r.metrics, results)
}

// metricValues picks, from the results of a train step (one per metric in all), the values of the
// metrics in own.
func metricValues(all, own []metrics.Interface, results []*tensors.Tensor) (map[string]float64, error) {
	if len(results) != len(all) {
		return nil, errors.Errorf("train step returned %d metrics, expected %d", len(results), len(all))
	}
	values := make(map[string]float64, len(own))
	for ii, m := range all {
		if slices.Contains(own, m) {
			values[m.Name()] = shapes.ConvertTo[float64](results[ii].Value())
		}
	}
	if len(values) != len(own) {
		return nil, errors.Errorf("train step returned %d of the %d metrics of the trainer", len(values), len(own))
	}
	return values, nil
}

// predictionMetric reports predictions[index] as a scalar metric.
func predictionMetric(name, shortName string, index int) metrics.Interface {
	return metrics.NewBaseMetric(name, shortName, metrics.LossMetricType,
		func(_ *context.Context, _, predictions []*Node) *Node {
			return predictions[index]
		}, nil)
}

// reconstructionLoss is the mean squared error between target and reconstruction, over all elements,
// multiplied by scale.
func reconstructionLoss(target, reconstruction, scale *Node) *Node {
	mse := ReduceAllMean(Square(Sub(target, reconstruction)))
	return Mul(mse, ConvertDType(scale, mse.DType()))
}
