// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/gomlx/gmvae/pkg/ml/gmvae/steploop"
	"github.com/gomlx/gmvae/ui/commandline"
	"github.com/gomlx/gmvae/ui/report"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// ReadAheadBatches is the number of batches prepared in parallel with the training steps.
const ReadAheadBatches = 4

func newTrainCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the encoder and decoder jointly",
		Long: "Train the encoder and decoder jointly on noisy images, until the global step reaches " +
			"\"train_steps\". Training continues from the checkpoint, if there is one.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return trainJoint(opts)
		},
	}
}

func trainJoint(opts *options) error {
	s, err := newSession(opts, false)
	if err != nil {
		return err
	}
	ctx := s.ctx
	encoder, err := gmvae.EncoderFromContext(ctx)
	if err != nil {
		return err
	}
	decoder, err := gmvae.DecoderFromContext(ctx, context.GetParamOr(ctx, gmvae.ParamDecoderName, gmvae.DefaultDecoderName))
	if err != nil {
		return err
	}
	trainer, err := gmvae.NewJointTrainer(s.backend, ctx, encoder, decoder)
	if err != nil {
		return err
	}

	targetSteps := context.GetParamOr(ctx, gmvae.ParamTrainSteps, 10_000)
	globalStep := int(trainer.GlobalStep())
	if globalStep >= targetSteps {
		return errors.Errorf("global step %d already reached %q=%d, nothing to train",
			globalStep, gmvae.ParamTrainSteps, targetSteps)
	}
	if globalStep > 0 {
		_, _ = fmt.Fprintf(opts.stdout(), "Restarting training from global step %s\n", humanize.Comma(int64(globalStep)))
	}
	return runStage(s, trainer, encoder.Shape, targetSteps-globalStep)
}

// runStage runs steps of stepper on the training images, saving checkpoints, and writes the loss
// curves and metrics history of the stage to the checkpoint directory.
func runStage(s *session, stepper gmvae.Stepper, shape gmvae.ImageShape, steps int) error {
	ds, err := s.trainingImages(shape)
	if err != nil {
		return err
	}
	period, err := s.checkpointPeriod()
	if err != nil {
		return err
	}
	loop := steploop.New(stepper)
	if !s.opts.quiet {
		commandline.AttachProgressBar(loop)
	}
	steploop.AttachCheckpoint(loop, s.checkpoint, period)

	metrics, err := loop.RunSteps(datasets.ReadAhead(ds, ReadAheadBatches), steps)
	if err != nil {
		return errors.WithMessagef(err, "%s training failed", stepper.Kind())
	}
	out := s.opts.stdout()
	title := fmt.Sprintf("%s training, run %s, global step %s", stepper.Kind(), s.runID,
		humanize.Comma(stepper.GlobalStep()))
	if err = commandline.ReportMetrics(out, title, stepper.MetricNames(), metrics); err != nil {
		return err
	}

	prefix := filepath.Join(s.checkpoint.Dir(), stepper.Kind().String()+"_")
	history := loop.History()
	if err = report.SaveHistoryCSV(prefix+report.HistoryFileName, history, stepper.MetricNames()); err != nil {
		return err
	}
	if err = report.LossCurves(prefix+report.LossCurvesFileName, title, history, stepper.MetricNames()); err != nil {
		return err
	}
	klog.Infof("%s training: checkpoint, history and loss curves saved in %s", stepper.Kind(), s.checkpoint.Dir())
	return nil
}
