// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"io"
	"testing"

	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/gomlx/gmvae/pkg/ml/gmvae/steploop"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constantStepper struct{ steps int64 }

func (s *constantStepper) Kind() gmvae.Kind { return gmvae.KindFinetune }
func (s *constantStepper) MetricNames() []string { return []string{gmvae.MetricLoss} }
func (s *constantStepper) Context() *context.Context { return nil }
func (s *constantStepper) GlobalStep() int64 { return s.steps }
func (s *constantStepper) Step(gmvae.Batch) (map[string]float64, error) {
	s.steps++
	return map[string]float64{gmvae.MetricLoss: 0.125}, nil
}

type repeatDataset struct{}

func (repeatDataset) Name() string { return "repeat" }
func (repeatDataset) Reset() {}
func (repeatDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return nil, []*tensors.Tensor{tensors.FromValue([]float32{1})}, []*tensors.Tensor{tensors.FromValue([]float32{1})}, nil
}

func TestProgressBarPlain(t *testing.T) {
	var buf bytes.Buffer
	loop := steploop.New(&constantStepper{})
	attachProgressBar(loop, &buf, nil, []ExtraMetricFn{func() (string, string) { return "extra", "value" }})
	_, err := loop.RunSteps(repeatDataset{}, 5)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "[step=4]")
	assert.Contains(t, out, "[loss=0.125]")

	// A second run draws a new bar.
	buf.Reset()
	_, err = loop.RunSteps(repeatDataset{}, 2)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "[step=6]")
}

var _ io.Writer = (*progressBar)(nil)
