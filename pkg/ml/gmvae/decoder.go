// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// DefaultDecoderName is the scope of the decoder trained jointly with the encoder.
const DefaultDecoderName = "decoder"

// Decoder maps a continuous latent code back to an image with pixel values in [0, 1].
//
// Like Encoder it only holds configuration: its weights live in the context under its own Name, so
// several decoders can be trained against the same encoder.
type Decoder struct {
	Name      string
	LatentDim int
	Shape     ImageShape

	opts buildOptions
}

// BuildDecoder validates the configuration and returns a Decoder whose variables will live under
// the context scope name.
func BuildDecoder(latentDim int, shape ImageShape, name string, options ...Option) (*Decoder, error) {
	if latentDim < 1 {
		return nil, errors.Errorf("decoder latent dimension must be >= 1, got %d", latentDim)
	}
	if err := shape.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "BuildDecoder(%q)", name)
	}
	if name == "" || strings.Contains(name, context.ScopeSeparator) {
		return nil, errors.Errorf("invalid decoder name %q: it must be non-empty and not contain %q",
			name, context.ScopeSeparator)
	}
	if name == EncoderScope {
		return nil, errors.Errorf("decoder can't be named %q, it is the encoder scope", name)
	}
	d := &Decoder{
		Name:      name,
		LatentDim: latentDim,
		Shape:     shape,
		opts:      defaultBuildOptions(),
	}
	for _, option := range options {
		option(&d.opts)
	}
	if err := d.opts.regularization.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "BuildDecoder(%q)", name)
	}
	return d, nil
}

// Decode builds the decoder graph for z shaped [batch, latentDim] and returns images shaped
// [batch, height, width, channels], with values in [0, 1].
func (d *Decoder) Decode(ctx *context.Context, z *Node) *Node {
	z.AssertDims(-1, d.LatentDim)
	batchSize := z.Shape().Dimensions[0]
	ctx = ctx.In(d.Name)
	reg := d.opts.regularization.Regularizer()

	seedHeight, seedWidth := d.Shape.Height/DownSamplingFactor, d.Shape.Width/DownSamplingFactor
	x := dense(ctx.In("seed"), z, seedHeight*seedWidth*decoderSeedChannels, reg)
	x = activations.Relu(x)
	x = Reshape(x, batchSize, seedHeight, seedWidth, decoderSeedChannels)

	for ii, spec := range decoderConvs {
		x = transposedConv(ctx.Inf("%03d_conv", ii), x, spec, reg)
		x = activations.Relu(x)
	}
	x = conv(ctx.Inf("%03d_conv", len(decoderConvs)), x, d.Shape.Channels, 1, reg)
	x = Sigmoid(x)
	x.AssertDims(batchSize, d.Shape.Height, d.Shape.Width, d.Shape.Channels)
	return x
}

// Compatible returns an error if the decoder can't decode the encoder codes back to the encoder images.
func (d *Decoder) Compatible(e *Encoder) error {
	if d.LatentDim != e.LatentDim {
		return errors.Errorf("decoder %q latent dimension %d doesn't match encoder's %d", d.Name, d.LatentDim, e.LatentDim)
	}
	if d.Shape != e.Shape {
		return errors.Errorf("decoder %q image shape %s doesn't match encoder's %s", d.Name, d.Shape, e.Shape)
	}
	return nil
}

// Variables returns the variables of the decoder found in ctx.
func (d *Decoder) Variables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.In(d.Name).IterVariablesInScope() {
		vars = append(vars, v)
	}
	return vars
}
