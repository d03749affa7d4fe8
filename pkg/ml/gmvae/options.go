// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

// DefaultDropoutRate is the dropout applied to the encoder features before the continuous-code head.
const DefaultDropoutRate = 0.2

// DefaultRegularization is the elastic-net amount used by the original model for both L1 and L2.
var DefaultRegularization = ElasticNet(0.01)

// buildOptions holds the optional configuration shared by BuildEncoder and BuildDecoder.
type buildOptions struct {
	regularization Regularization
	dropoutRate    float64
	samplingScale  ScaleMode
	rawLogits      bool
}

func defaultBuildOptions() buildOptions {
	return buildOptions{
		regularization: DefaultRegularization,
		dropoutRate:    DefaultDropoutRate,
		samplingScale:  ScaleLogVariance,
	}
}

// Option configures BuildEncoder or BuildDecoder. Options that don't apply to the model being built
// are ignored.
type Option func(opts *buildOptions)

// WithRegularization sets the kernel penalty of the regularized layers.
// Default is DefaultRegularization.
func WithRegularization(r Regularization) Option {
	return func(opts *buildOptions) {
		opts.regularization = r
	}
}

// WithDropoutRate sets the dropout rate before the continuous-code hidden layer of the encoder.
// Default is DefaultDropoutRate, 0 disables it.
func WithDropoutRate(rate float64) Option {
	return func(opts *buildOptions) {
		opts.dropoutRate = rate
	}
}

// WithSamplingScale sets how the encoder sampler reads the z_sig channel.
// Default is ScaleLogVariance.
func WithSamplingScale(mode ScaleMode) Option {
	return func(opts *buildOptions) {
		opts.samplingScale = mode
	}
}

// WithRawClusterLogits makes the encoder emit the un-normalized cluster logits as y_logits.
//
// By default y_logits goes through a softmax, so the "logits" are already probabilities. With raw
// logits the categorical divergence is taken on their softmax instead.
func WithRawClusterLogits(raw bool) Option {
	return func(opts *buildOptions) {
		opts.rawLogits = raw
	}
}
