// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/pkg/errors"
)

// DownSamplingFactor is how much the encoder shrinks each spatial dimension (two stride-2 stages), and how
// much the decoder grows it back.
const DownSamplingFactor = 4

// ImageShape is the fixed (height, width, channels) shape of the images handled by a model.
type ImageShape struct {
	Height, Width, Channels int
}

// Validate returns an error if the shape can't go through the encoder and come back with the same
// dimensions from the decoder.
func (s ImageShape) Validate() error {
	if s.Height <= 0 || s.Width <= 0 || s.Channels <= 0 {
		return errors.Errorf("invalid image shape %s: all dimensions must be positive", s)
	}
	if s.Height%DownSamplingFactor != 0 || s.Width%DownSamplingFactor != 0 {
		return errors.Errorf("invalid image shape %s: height and width must be divisible by %d",
			s, DownSamplingFactor)
	}
	return nil
}

// Pixels returns height × width.
func (s ImageShape) Pixels() int {
	return s.Height * s.Width
}

// Dims returns the shape of a batch of images with the given batch size.
func (s ImageShape) Dims(batchSize int) []int {
	return []int{batchSize, s.Height, s.Width, s.Channels}
}

// String implements fmt.Stringer.
func (s ImageShape) String() string {
	return fmt.Sprintf("(%d×%d×%d)", s.Height, s.Width, s.Channels)
}

// Regularization is the elastic-net penalty applied to the kernels of the regularized layers.
//
// It is a plain value: each layer-building call receives it explicitly, there is no shared instance.
type Regularization struct {
	L1, L2 float64
}

// NoRegularization disables the kernel penalty.
var NoRegularization = Regularization{}

// ElasticNet returns a Regularization with the same amount for the L1 and L2 terms.
func ElasticNet(amount float64) Regularization {
	return Regularization{L1: amount, L2: amount}
}

// Validate checks that the amounts are non-negative.
func (r Regularization) Validate() error {
	if r.L1 < 0 || r.L2 < 0 {
		return errors.Errorf("invalid regularization %+v: amounts must be >= 0", r)
	}
	return nil
}

// Regularizer converts the configuration to a regularizers.Regularizer.
// It returns nil if both amounts are 0.
func (r Regularization) Regularizer() regularizers.Regularizer {
	return regularizers.Combine(l1Penalty(r.L1), regularizers.L2(r.L2))
}
