// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/gmvae/pkg/ml/datasets/noisyimages"
	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/gomlx/gmvae/ui/commandline"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunsDir is where checkpoints are created when --checkpoint is not given, one sub-directory per run.
const RunsDir = "gmvae_runs"

// RunIDFile is the file, in the checkpoint directory, with the identifier of the run that created it.
const RunIDFile = "run_id.txt"

// options shared by all sub-commands.
type options struct {
	settings          string
	checkpoint        string
	dataDir           string
	synthetic         int
	syntheticPatterns int
	seed              uint64
	quiet             bool

	// out is where reports are printed, os.Stdout if nil.
	out io.Writer

	// backend, if nil, is created with backends.New.
	backend backends.Backend
}

func (opts *options) stdout() io.Writer {
	if opts.out == nil {
		return os.Stdout
	}
	return opts.out
}

// session holds what a sub-command works with: the context with the hyperparameters (and eventually the
// weights), the backend and the checkpoint handler.
type session struct {
	opts       *options
	backend    backends.Backend
	ctx        *context.Context
	paramsSet  []string
	checkpoint *checkpoints.Handler
	runID      string
}

// newSession parses the settings and attaches the checkpoint. If requireCheckpoint is false and no
// --checkpoint was given, a new directory under RunsDir is created.
//
// Settings given in the command line take precedence over those saved in the checkpoint.
func newSession(opts *options, requireCheckpoint bool) (*session, error) {
	s := &session{opts: opts, ctx: gmvae.CreateDefaultContext()}
	var err error
	s.paramsSet, err = commandline.ParseContextSettings(s.ctx, opts.settings)
	if err != nil {
		return nil, err
	}

	checkpointDir := opts.checkpoint
	var config *checkpoints.Config
	if requireCheckpoint {
		if checkpointDir == "" {
			return nil, errors.New("--checkpoint with a trained model is required")
		}
		// The weights are loaded right away, the pretrained encoder must be there before it is frozen.
		config = checkpoints.Load(s.ctx).Immediate()
	} else {
		if checkpointDir == "" {
			s.runID = uuid.NewString()
			checkpointDir = filepath.Join(RunsDir, s.runID)
		}
		config = checkpoints.Build(s.ctx)
	}
	s.checkpoint, err = config.
		Dir(checkpointDir).
		Keep(context.GetParamOr(s.ctx, gmvae.ParamNumCheckpoints, 3)).
		ExcludeParams(s.paramsSet...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to attach checkpoint %q", checkpointDir)
	}
	if err = s.loadRunID(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("run %s: checkpoint in %s", s.runID, s.checkpoint.Dir())
	if len(s.paramsSet) > 0 {
		klog.V(1).Infof("hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(s.ctx, s.paramsSet))
	}
	klog.V(2).Infof("all hyperparameters:\n%s", commandline.SprintContextSettings(s.ctx))

	if context.GetParamOr(s.ctx, gmvae.ParamRngReset, true) {
		s.ctx.RngStateReset()
	}

	s.backend = opts.backend
	if s.backend == nil {
		if s.backend, err = backends.New(); err != nil {
			return nil, errors.WithMessage(err, "failed to create backend")
		}
	}
	return s, nil
}

// loadRunID reads the run identifier saved in the checkpoint directory, or saves a new one.
func (s *session) loadRunID() error {
	path := filepath.Join(s.checkpoint.Dir(), RunIDFile)
	contents, err := os.ReadFile(path)
	if err == nil {
		s.runID = strings.TrimSpace(string(contents))
		return nil
	}
	if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read run id from %q", path)
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	return errors.Wrapf(os.WriteFile(path, []byte(s.runID+"\n"), 0o644), "failed to save run id to %q", path)
}

// checkpointPeriod parses the checkpoint frequency hyperparameter.
func (s *session) checkpointPeriod() (time.Duration, error) {
	freq := context.GetParamOr(s.ctx, gmvae.ParamCheckpointFreq, "3m")
	period, err := time.ParseDuration(freq)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %q=%q", gmvae.ParamCheckpointFreq, freq)
	}
	return period, nil
}

// images loads the images configured by --data or --synthetic, converted to shape.
func (s *session) images(shape gmvae.ImageShape) (*noisyimages.Dataset, error) {
	opts := s.opts
	switch {
	case opts.synthetic > 0 && opts.dataDir != "":
		return nil, errors.New("only one of --data or --synthetic can be given")
	case opts.synthetic > 0:
		ds, _, err := noisyimages.Synthetic("synthetic", opts.synthetic, shape, opts.syntheticPatterns, opts.seed)
		return ds, err
	case opts.dataDir != "":
		ds, err := noisyimages.LoadDir(opts.dataDir, shape)
		if err != nil {
			return nil, err
		}
		return ds.WithSeed(opts.seed), nil
	default:
		return nil, errors.New("either --data or --synthetic must be given")
	}
}

// trainingImages returns the images shuffled, looping forever in full batches, with the configured noise.
func (s *session) trainingImages(shape gmvae.ImageShape) (*noisyimages.Dataset, error) {
	ds, err := s.images(shape)
	if err != nil {
		return nil, err
	}
	batchSize := context.GetParamOr(s.ctx, gmvae.ParamBatchSize, 32)
	if batchSize > ds.NumImages() {
		return nil, errors.Errorf("%q=%d is larger than the %d images of %q",
			gmvae.ParamBatchSize, batchSize, ds.NumImages(), ds.Name())
	}
	ds.BatchSize(batchSize, true).
		Shuffle().
		Infinite(true).
		NoiseStddev(context.GetParamOr(s.ctx, gmvae.ParamNoiseStddev, noisyimages.DefaultNoiseStddev))
	_, _ = fmt.Fprintf(s.opts.stdout(), "Training on %d images of %q %s\n", ds.NumImages(), ds.Name(), shape)
	return ds, nil
}
