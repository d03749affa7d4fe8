// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Hyperparameters read from the context.
const (
	ParamLatentDim      = "latent_dim"
	ParamNumClusters    = "num_clusters"
	ParamImageHeight    = "image_height"
	ParamImageWidth     = "image_width"
	ParamImageChannels  = "image_channels"
	ParamL1             = "vae_l1"
	ParamL2             = "vae_l2"
	ParamDropoutRate    = "vae_dropout_rate"
	ParamXKLWeight      = "vae_x_kl_weight"
	ParamSamplingScale  = "vae_sampling_scale"
	ParamRawLogits      = "vae_raw_cluster_logits"
	ParamDecoderName    = "decoder_name"
	ParamFinetuneName   = "finetune_decoder_name"
	ParamBatchSize      = "batch_size"
	ParamTrainSteps     = "train_steps"
	ParamFinetuneSteps  = "finetune_steps"
	ParamNoiseStddev    = "noise_stddev"
	ParamNumCheckpoints = "num_checkpoints"
	ParamCheckpointFreq = "checkpoint_frequency"
	ParamRngReset       = "rng_reset"
)

// CreateDefaultContext returns a context with the default hyperparameters for training a model.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Model shape.
		ParamLatentDim:     16,
		ParamNumClusters:   10,
		ParamImageHeight:   32,
		ParamImageWidth:    32,
		ParamImageChannels: 3,

		// Elastic-net amounts of the regularized kernels.
		ParamL1: DefaultRegularization.L1,
		ParamL2: DefaultRegularization.L2,

		ParamDropoutRate: DefaultDropoutRate,
		ParamXKLWeight:   DefaultXKLWeight,

		// "log_variance" or "direct": how the encoder sampler reads z_sig.
		ParamSamplingScale: ScaleLogVariance.String(),

		// If true y_logits are emitted un-normalized.
		ParamRawLogits: false,

		ParamDecoderName:  DefaultDecoderName,
		ParamFinetuneName: "decoder_p",

		// Training.
		ParamBatchSize:     32,
		ParamTrainSteps:    10_000,
		ParamFinetuneSteps: 5_000,

		// Standard deviation of the gaussian noise added to the input images: variance 0.01.
		ParamNoiseStddev: 0.1,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamClipNaN:      false,

		ParamNumCheckpoints: 3,
		ParamCheckpointFreq: "3m", // See time.ParseDuration.

		// Reset the random number generator state with a new random value: useful when continuing training.
		ParamRngReset: true,
	})
	return ctx
}

// ImageShapeFromContext reads the image shape hyperparameters.
func ImageShapeFromContext(ctx *context.Context) ImageShape {
	return ImageShape{
		Height:   context.GetParamOr(ctx, ParamImageHeight, 32),
		Width:    context.GetParamOr(ctx, ParamImageWidth, 32),
		Channels: context.GetParamOr(ctx, ParamImageChannels, 3),
	}
}

// OptionsFromContext converts the model hyperparameters in ctx to build options.
func OptionsFromContext(ctx *context.Context) ([]Option, error) {
	scaleMode, err := ParseScaleMode(context.GetParamOr(ctx, ParamSamplingScale, ScaleLogVariance.String()))
	if err != nil {
		return nil, err
	}
	return []Option{
		WithRegularization(Regularization{
			L1: context.GetParamOr(ctx, ParamL1, DefaultRegularization.L1),
			L2: context.GetParamOr(ctx, ParamL2, DefaultRegularization.L2),
		}),
		WithDropoutRate(context.GetParamOr(ctx, ParamDropoutRate, DefaultDropoutRate)),
		WithSamplingScale(scaleMode),
		WithRawClusterLogits(context.GetParamOr(ctx, ParamRawLogits, false)),
	}, nil
}

// EncoderFromContext builds the Encoder configured by the hyperparameters in ctx.
func EncoderFromContext(ctx *context.Context) (*Encoder, error) {
	opts, err := OptionsFromContext(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "EncoderFromContext")
	}
	return BuildEncoder(
		context.GetParamOr(ctx, ParamLatentDim, 16),
		ImageShapeFromContext(ctx),
		context.GetParamOr(ctx, ParamNumClusters, 10),
		opts...)
}

// DecoderFromContext builds the Decoder named name configured by the hyperparameters in ctx.
func DecoderFromContext(ctx *context.Context, name string) (*Decoder, error) {
	opts, err := OptionsFromContext(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "DecoderFromContext")
	}
	return BuildDecoder(context.GetParamOr(ctx, ParamLatentDim, 16), ImageShapeFromContext(ctx), name, opts...)
}
