// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package steploop

import (
	"fmt"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type nTimes struct {
	n, nUsed int
	fn       OnStepFn
}

func (nT *nTimes) onStep(loop *Loop, metrics map[string]float64) error {
	stepsDone := (loop.LoopStep - loop.StartStep) + 1 // Current LoopStep just finished.
	if loop.EndStep < 0 {
		// End not known, run steps in powers of 2, starting at 128.
		if stepsDone < (128 << nT.nUsed) {
			return nil
		}
	} else if loop.LoopStep < loop.EndStep-1 { // Last step is always included.
		totalSteps := loop.EndStep - loop.StartStep
		stepsPerCall := float64(totalSteps) / float64(nT.n)
		if stepsPerCall > 1 && float64(nT.nUsed) > float64(stepsDone)/stepsPerCall {
			return nil
		}
	}
	nT.nUsed++
	return nT.fn(loop, metrics)
}

// NTimesDuringLoop registers an OnStep hook called at most n times during a run, split evenly
// across all steps. It always calls fn at the very last step.
//
// With RunEpochs the number of steps is only known after the first epoch, so fn may be called more
// than n times.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	nT := &nTimes{n: n, fn: fn}
	loop.OnStart(fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority,
		func(*Loop, train.Dataset) error {
			nT.nUsed = 0
			return nil
		})
	loop.OnStep(fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority, nT.onStep)
}

type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, metrics map[string]float64) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, metrics)
}

// EveryNSteps registers an OnStep hook called every n steps.
//
// It does not call fn at the last step, except by coincidence.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n < 1 {
		n = 1
	}
	eN := &everyNSteps{n: n, fn: fn}
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, eN.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, metrics map[string]float64) error {
	if !p.started {
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, metrics)
	p.last = time.Now()
	return err
}

// Periodic registers an OnStep hook called every period of time. The period counts after the
// execution of fn, so an expensive fn doesn't eat into it.
//
// If callOnEnd is set, fn is also called at the end of each run.
func Periodic(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("Periodic(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, metrics map[string]float64) error {
			return p.fn(loop, metrics)
		})
	}
}

// CheckpointPriority is the priority of the checkpoint hooks: they run after the other hooks.
const CheckpointPriority Priority = 100

// AttachCheckpoint saves a checkpoint with handler every period, and at the end of each run.
// A period of 0 only saves at the end.
func AttachCheckpoint(loop *Loop, handler *checkpoints.Handler, period time.Duration) {
	save := func(loop *Loop, _ map[string]float64) error {
		if err := handler.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint to %q", handler.Dir())
		}
		klog.V(1).Infof("%s step %d: saved checkpoint to %s", loop.Stepper.Kind(), loop.LoopStep, handler.Dir())
		return nil
	}
	if period > 0 {
		Periodic(loop, period, false, "checkpoint", CheckpointPriority, save)
	}
	loop.OnEnd("checkpoint", CheckpointPriority, save)
}
