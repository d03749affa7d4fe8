// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package steploop drives a gmvae.Stepper over a dataset, calling hooks at the start, at every step and at
// the end of a run.
//
// The loop knows nothing of the model: any trainer variant (joint or fine-tuning) can be run by the same
// Loop, and tools like progress bars, checkpointing or metrics history are attached as hooks.
package steploop

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds train.Dataset) error

// OnStepFn is the type of OnStep hooks. metrics maps each of the Stepper.MetricNames to its value.
type OnStepFn func(loop *Loop, metrics map[string]float64) error

// OnEndFn is the type of OnEnd hooks. metrics are those of the last step, nil if no step was run.
type OnEndFn func(loop *Loop, metrics map[string]float64) error

// Record is the metrics of one step.
type Record struct {
	Step    int
	Metrics map[string]float64
}

// Loop runs a Stepper, one batch at a time, calling the appropriate hooks.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Stepper driven by the loop.
	Stepper gmvae.Stepper

	// LoopStep currently being executed. It is initialized with the Stepper's global step, which is 0
	// for a new context.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed. It is -1 while unknown: when running epochs,
	// it is extrapolated after the first epoch is done.
	EndStep int

	// Epoch is set by RunEpochs to the current running epoch, starting from 0.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information.
	SharedData map[string]any

	// TrainStepDurations of the current run.
	TrainStepDurations []time.Duration

	history []Record

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]

	finalizeYieldedTensors bool
}

// New creates a loop for stepper.
func New(stepper gmvae.Stepper) *Loop {
	return &Loop{
		Stepper:    stepper,
		SharedData: make(map[string]any),
		LoopStep:   int(stepper.GlobalStep()),
		EndStep:    -1,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// History returns the metrics of every step run by the loop so far, across runs.
func (loop *Loop) History() []Record {
	return loop.history
}

// MetricSeries returns the values of metric name from History, along with the corresponding steps.
func (loop *Loop) MetricSeries(name string) (steps []int, values []float64) {
	for _, record := range loop.history {
		if v, found := record.Metrics[name]; found {
			steps = append(steps, record.Step)
			values = append(values, v)
		}
	}
	return
}

func (loop *Loop) start(ds train.Dataset) error {
	loop.finalizeYieldedTensors = isOwnershipTransferred(ds)
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// isOwnershipTransferred checks whether the tensors yielded by the dataset should be finalized after use.
func isOwnershipTransferred(ds train.Dataset) bool {
	dsOwnership, ok := ds.(train.DatasetCustomOwnership)
	if !ok {
		return true
	}
	return dsOwnership.IsOwnershipTransferred()
}

// yieldBatch reads the next batch: inputs[0] are the images fed to the encoder, labels[0] the reconstruction
// targets.
func yieldBatch(ds train.Dataset) (gmvae.Batch, error) {
	_, inputs, labels, err := ds.Yield()
	if err != nil {
		return gmvae.Batch{}, err
	}
	if len(inputs) != 1 || len(labels) != 1 {
		return gmvae.Batch{}, errors.Errorf("dataset %q yielded %d inputs and %d labels, expected one of each",
			ds.Name(), len(inputs), len(labels))
	}
	for _, t := range []*tensors.Tensor{inputs[0], labels[0]} {
		if !t.Ok() {
			return gmvae.Batch{}, errors.Errorf(
				"dataset %q yielded an invalid tensor, likely it has already been finalized: the loop frees "+
					"yielded tensors after use, unless the dataset implements IsOwnershipTransferred() "+
					"returning false", ds.Name())
		}
	}
	return gmvae.Batch{Inputs: inputs[0], Targets: labels[0]}, nil
}

// step executes one step and calls the OnStep hooks.
func (loop *Loop) step(batch gmvae.Batch) (map[string]float64, error) {
	startTime := time.Now()
	metrics, err := loop.Stepper.Step(batch)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if loop.finalizeYieldedTensors {
		batch.Inputs.FinalizeAll()
		batch.Targets.FinalizeAll()
	}
	if err != nil {
		return nil, err
	}

	// Non-finite metrics don't stop training, the optimizer may recover (see optimizers.ParamClipNaN).
	for name, value := range metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			klog.Warningf("%s step %d: metric %q is %g", loop.Stepper.Kind(), loop.LoopStep, name, value)
		}
	}
	loop.history = append(loop.history, Record{Step: loop.LoopStep, Metrics: metrics})

	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return nil, errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return metrics, nil
}

func (loop *Loop) end(metrics map[string]float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current LoopStep, so it can be
// called multiple times, and it will simply pick up where it left of last time.
//
// The dataset must yield at least steps batches: reaching its end (io.EOF) is an error.
// It returns the metrics of the last step.
func (loop *Loop) RunSteps(ds train.Dataset, steps int) (metrics map[string]float64, err error) {
	if steps <= 0 {
		return nil, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	if err = loop.start(ds); err != nil {
		return nil, err
	}
	for ; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		batch, err := yieldBatch(ds)
		if err != nil {
			if err == io.EOF {
				return nil, errors.Errorf(
					"reached end of dataset %q after %d steps (requested %d steps), use an infinite dataset or "+
						"RunEpochs instead", ds.Name(), loop.LoopStep-loop.StartStep, steps)
			}
			return nil, errors.WithMessagef(err, "RunSteps(%d): failed reading from dataset %q", steps, ds.Name())
		}
		metrics, err = loop.step(batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "RunSteps(%d): failed step (LoopStep=%d)", steps, loop.LoopStep)
		}
	}
	if err = loop.end(metrics); err != nil {
		return nil, errors.WithMessagef(err, "RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return metrics, nil
}

// RunEpochs runs over the dataset epochs times, calling ds.Reset after each epoch (including the last).
// EndStep starts as -1 and is extrapolated after the first epoch.
//
// It returns the metrics of the last step.
func (loop *Loop) RunEpochs(ds train.Dataset, epochs int) (metrics map[string]float64, err error) {
	if epochs <= 0 {
		return nil, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.TrainStepDurations = nil
	if err = loop.start(ds); err != nil {
		return nil, err
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			batch, err := yieldBatch(ds)
			if err == io.EOF {
				loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
				break
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "RunEpochs(epoch %d of %d): failed reading from dataset %q",
					loop.Epoch, epochs, ds.Name())
			}
			yieldsPerEpoch++
			metrics, err = loop.step(batch)
			if err != nil {
				return nil, errors.WithMessagef(err, "RunEpochs(epoch %d of %d): failed step (LoopStep=%d)",
					loop.Epoch, epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		ds.Reset()
		if yieldsPerEpoch == 0 {
			return nil, errors.Errorf("RunEpochs(%d): dataset %q is empty", epochs, ds.Name())
		}
	}
	if err = loop.end(metrics); err != nil {
		return nil, errors.WithMessagef(err, "RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return metrics, nil
}

// MedianTrainStepDuration returns the median duration of the steps of the current run. It returns 1
// millisecond if no step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) called after each step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) called after the last step of a run.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order, and in order of registration
// within the same priority.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
