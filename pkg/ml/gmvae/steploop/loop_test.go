// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package steploop

import (
	"io"
	"math"
	"testing"
	"time"

	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStepper counts steps and reports the count as its "loss".
type fakeStepper struct {
	steps   int64
	failAt  int64
	batches []gmvae.Batch
	failed  *gmvae.Batch
}

func (s *fakeStepper) Kind() gmvae.Kind { return gmvae.KindJoint }
func (s *fakeStepper) MetricNames() []string { return []string{"loss"} }
func (s *fakeStepper) Context() *context.Context { return nil }
func (s *fakeStepper) GlobalStep() int64 { return s.steps }
func (s *fakeStepper) Step(batch gmvae.Batch) (map[string]float64, error) {
	if s.failAt > 0 && s.steps+1 == s.failAt {
		s.failed = &batch
		return nil, errors.New("step failed")
	}
	s.steps++
	s.batches = append(s.batches, batch)
	if s.steps == 3 {
		return map[string]float64{"loss": math.NaN()}, nil
	}
	return map[string]float64{"loss": float64(s.steps)}, nil
}

// countingDataset yields size batches per epoch, unless infinite.
type countingDataset struct {
	size, yielded, resets int
	infinite, keep        bool
}

func (ds *countingDataset) Name() string { return "counting" }
func (ds *countingDataset) Reset() {
	ds.yielded = 0
	ds.resets++
}
func (ds *countingDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if !ds.infinite && ds.yielded >= ds.size {
		return nil, nil, nil, io.EOF
	}
	ds.yielded++
	value := float32(ds.yielded)
	inputs = []*tensors.Tensor{tensors.FromValue([][]float32{{value}})}
	labels = []*tensors.Tensor{tensors.FromValue([][]float32{{-value}})}
	return
}
func (ds *countingDataset) IsOwnershipTransferred() bool { return !ds.keep }

var _ train.DatasetCustomOwnership = (*countingDataset)(nil)

func TestRunSteps(t *testing.T) {
	stepper := &fakeStepper{}
	loop := New(stepper)
	var calls []string
	loop.OnStart("start", 0, func(loop *Loop, ds train.Dataset) error {
		calls = append(calls, "start:"+ds.Name())
		return nil
	})
	loop.OnStep("second", 1, func(loop *Loop, metrics map[string]float64) error {
		calls = append(calls, "second")
		return nil
	})
	loop.OnStep("first", -1, func(loop *Loop, metrics map[string]float64) error {
		calls = append(calls, "first")
		return nil
	})
	loop.OnEnd("end", 0, func(loop *Loop, metrics map[string]float64) error {
		calls = append(calls, "end")
		return nil
	})

	ds := &countingDataset{infinite: true, keep: true}
	metrics, err := loop.RunSteps(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"loss": 2}, metrics)
	assert.Equal(t, []string{"start:counting", "first", "second", "first", "second", "end"}, calls)
	assert.Equal(t, 2, loop.LoopStep)
	assert.Len(t, loop.TrainStepDurations, 2)

	// Batches are passed as inputs and targets.
	require.Len(t, stepper.batches, 2)
	assert.Equal(t, [][]float32{{2}}, stepper.batches[1].Inputs.Value())
	assert.Equal(t, [][]float32{{-2}}, stepper.batches[1].Targets.Value())

	// Continue where it stopped: the NaN at step 3 is only logged.
	_, err = loop.RunSteps(ds, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, loop.StartStep)
	assert.Equal(t, 5, loop.EndStep)
	steps, values := loop.MetricSeries("loss")
	assert.Equal(t, []int{0, 1, 2, 3, 4}, steps)
	require.Len(t, values, 5)
	assert.True(t, math.IsNaN(values[2]))
	assert.Equal(t, 5.0, values[4])
}

func TestRunStepsErrors(t *testing.T) {
	t.Run("end of dataset", func(t *testing.T) {
		loop := New(&fakeStepper{})
		_, err := loop.RunSteps(&countingDataset{size: 2}, 5)
		require.Error(t, err)
	})
	t.Run("step failure", func(t *testing.T) {
		stepper := &fakeStepper{failAt: 2}
		loop := New(stepper)
		_, err := loop.RunSteps(&countingDataset{infinite: true}, 5)
		require.ErrorContains(t, err, "step failed")
		assert.Len(t, loop.History(), 1)
		// The batch of the failed step is still freed.
		require.NotNil(t, stepper.failed)
		assert.False(t, stepper.failed.Inputs.Ok())
		assert.False(t, stepper.failed.Targets.Ok())
	})
	t.Run("step failure keeps dataset owned tensors", func(t *testing.T) {
		stepper := &fakeStepper{failAt: 1}
		_, err := New(stepper).RunSteps(&countingDataset{infinite: true, keep: true}, 2)
		require.Error(t, err)
		require.NotNil(t, stepper.failed)
		assert.True(t, stepper.failed.Inputs.Ok())
		assert.Equal(t, [][]float32{{1}}, stepper.failed.Inputs.Value())
	})
	t.Run("hook failure", func(t *testing.T) {
		loop := New(&fakeStepper{})
		endCalled := false
		loop.OnStep("failing", 0, func(loop *Loop, metrics map[string]float64) error {
			return errors.New("hook failed")
		})
		loop.OnEnd("end", 0, func(*Loop, map[string]float64) error {
			endCalled = true
			return nil
		})
		_, err := loop.RunSteps(&countingDataset{infinite: true}, 5)
		require.ErrorContains(t, err, "failing")
		assert.False(t, endCalled)
	})
	t.Run("finalized tensors", func(t *testing.T) {
		stepper := &fakeStepper{}
		_, err := New(stepper).RunSteps(&countingDataset{infinite: true}, 1)
		require.NoError(t, err)
		assert.False(t, stepper.batches[0].Inputs.Ok())
	})
}

func TestRunEpochs(t *testing.T) {
	stepper := &fakeStepper{}
	loop := New(stepper)
	ds := &countingDataset{size: 4, keep: true}
	var endSteps []int
	loop.OnStep("end steps", 0, func(loop *Loop, metrics map[string]float64) error {
		endSteps = append(endSteps, loop.EndStep)
		return nil
	})
	metrics, err := loop.RunEpochs(ds, 3)
	require.NoError(t, err)
	assert.Equal(t, 12.0, metrics["loss"])
	assert.Equal(t, 12, loop.LoopStep)
	assert.Equal(t, 3, ds.resets)
	// EndStep is unknown during the first epoch.
	assert.Equal(t, []int{-1, -1, -1, -1, 12, 12, 12, 12, 12, 12, 12, 12}, endSteps)

	_, err = New(&fakeStepper{}).RunEpochs(&countingDataset{}, 1)
	require.Error(t, err)
}

func TestCallbacks(t *testing.T) {
	loop := New(&fakeStepper{})
	var everyThree, nTimes []int
	EveryNSteps(loop, 3, "every 3", 0, func(loop *Loop, metrics map[string]float64) error {
		everyThree = append(everyThree, loop.LoopStep)
		return nil
	})
	NTimesDuringLoop(loop, 2, "twice", 0, func(loop *Loop, metrics map[string]float64) error {
		nTimes = append(nTimes, loop.LoopStep)
		return nil
	})
	periodicEnd := 0
	Periodic(loop, time.Hour, true, "hourly", 0, func(loop *Loop, metrics map[string]float64) error {
		periodicEnd++
		return nil
	})
	_, err := loop.RunSteps(&countingDataset{infinite: true}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 8}, everyThree)
	assert.Equal(t, []int{0, 4, 9}, nTimes)
	assert.Equal(t, 1, periodicEnd)
}
