// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ScaleMode tells the Sampler how to read the scale channel of a latent Gaussian.
type ScaleMode int

const (
	// ScaleLogVariance reads the channel as a log-variance: the standard deviation is exp(0.5·channel).
	// This is how the encoder samples its continuous code.
	ScaleLogVariance ScaleMode = iota

	// ScaleDirect reads the channel as the (positive) standard deviation itself.
	ScaleDirect
)

// String implements fmt.Stringer, and matches the values accepted by ParseScaleMode.
func (m ScaleMode) String() string {
	switch m {
	case ScaleLogVariance:
		return "log_variance"
	case ScaleDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// ParseScaleMode converts "log_variance" or "direct" to a ScaleMode.
func ParseScaleMode(s string) (ScaleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "log_variance", "logvar", "":
		return ScaleLogVariance, nil
	case "direct", "scale":
		return ScaleDirect, nil
	}
	return 0, errors.Errorf("unknown sampling scale mode %q, valid values are \"log_variance\" or \"direct\"", s)
}

// StdDev converts the scale channel to a standard deviation according to the mode.
func (m ScaleMode) StdDev(scale *Node) *Node {
	switch m {
	case ScaleLogVariance:
		return Exp(MulScalar(scale, 0.5))
	case ScaleDirect:
		return scale
	}
	Panicf("unknown ScaleMode %d", m)
	return nil
}

// Reparameterize returns mean + stddev·epsilon, with stddev derived from scale according to mode.
// All three inputs must have the same shape.
func Reparameterize(mean, scale, epsilon *Node, mode ScaleMode) *Node {
	if !mean.Shape().Equal(scale.Shape()) || !mean.Shape().Equal(epsilon.Shape()) {
		Panicf("Reparameterize requires mean, scale and epsilon with the same shape, got %s, %s and %s",
			mean.Shape(), scale.Shape(), epsilon.Shape())
	}
	return Add(mean, Mul(mode.StdDev(scale), epsilon))
}

// Sample draws one value per example from the Gaussian (mean, scale), using fresh standard normal
// noise from the context random number generator.
//
// The generator state is a context variable updated at every execution, so each training step
// gets new noise.
func Sample(ctx *context.Context, mean, scale *Node, mode ScaleMode) *Node {
	epsilon := ctx.RandomNormal(mean.Graph(), mean.Shape())
	return Reparameterize(mean, scale, epsilon, mode)
}
