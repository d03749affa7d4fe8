// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newFinetuneCmd(opts *options) *cobra.Command {
	var decoderName string
	cmd := &cobra.Command{
		Use:   "finetune",
		Short: "Train a new decoder against the frozen encoder",
		Long: "Train a new decoder for \"finetune_steps\" steps, from the codes of the jointly trained encoder " +
			"loaded from --checkpoint. The encoder is not changed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return finetune(opts, decoderName)
		},
	}
	cmd.Flags().StringVar(&decoderName, "decoder", "",
		"Name of the decoder to fine-tune. Defaults to the \"finetune_decoder_name\" hyperparameter.")
	return cmd
}

func finetune(opts *options, decoderName string) error {
	s, err := newSession(opts, true)
	if err != nil {
		return err
	}
	ctx := s.ctx
	if decoderName == "" {
		decoderName = context.GetParamOr(ctx, gmvae.ParamFinetuneName, "decoder_p")
	}
	jointDecoderName := context.GetParamOr(ctx, gmvae.ParamDecoderName, gmvae.DefaultDecoderName)
	if decoderName == jointDecoderName {
		return errors.Errorf("can't fine-tune %q, it is the decoder trained jointly with the encoder", decoderName)
	}
	encoder, err := gmvae.EncoderFromContext(ctx)
	if err != nil {
		return err
	}
	if !hasVariables(ctx, gmvae.EncoderScope) {
		return errors.Errorf("no trained encoder found in checkpoint %q, run \"gmvae train\" first", s.checkpoint.Dir())
	}
	decoder, err := gmvae.DecoderFromContext(ctx, decoderName)
	if err != nil {
		return err
	}
	trainer, err := gmvae.NewFinetuneTrainer(s.backend, ctx, encoder, decoder)
	if err != nil {
		return err
	}
	return runStage(s, trainer, encoder.Shape, context.GetParamOr(ctx, gmvae.ParamFinetuneSteps, 5_000))
}

// hasVariables returns whether there is any variable under scope.
func hasVariables(ctx *context.Context, scope string) bool {
	for range ctx.In(scope).IterVariablesInScope() {
		return true
	}
	return false
}
