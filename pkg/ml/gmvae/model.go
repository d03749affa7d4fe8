// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Model runs inference with trained weights: encoding, cluster assignment, reconstruction and
// generation from the cluster-conditional prior.
//
// Graphs are built in inference mode (no dropout, batch normalization with its averages) with
// ctx.Reuse(), so the weights must already exist in the context or be loadable from a checkpoint.
type Model struct {
	Encoder *Encoder

	backend backends.Backend
	ctx     *context.Context

	mu           sync.Mutex
	encodeExec   *context.Exec
	decodeExecs  map[string]*context.Exec
	generateExec map[string]*context.Exec
}

// EncodedBatch holds the encoder outputs for a batch, with the same names as EncoderOutputs.
type EncodedBatch struct {
	Z, ZMean, ZSig, Y, YLogits, ZPriorMean, ZPriorSig *tensors.Tensor
}

// Tensors returns the tensors in the encoder output order (see EncoderOutputNames).
func (b *EncodedBatch) Tensors() []*tensors.Tensor {
	return []*tensors.Tensor{b.Z, b.ZMean, b.ZSig, b.Y, b.YLogits, b.ZPriorMean, b.ZPriorSig}
}

// FinalizeAll frees the tensors.
func (b *EncodedBatch) FinalizeAll() {
	for _, t := range b.Tensors() {
		if t != nil {
			t.FinalizeAll()
		}
	}
}

// NewModel creates a Model for encoder, with weights in ctx.
func NewModel(backend backends.Backend, ctx *context.Context, encoder *Encoder) *Model {
	return &Model{
		Encoder:      encoder,
		backend:      backend,
		ctx:          ctx,
		decodeExecs:  make(map[string]*context.Exec),
		generateExec: make(map[string]*context.Exec),
	}
}

// call runs fn converting panics from graph building or execution into errors.
func call(fn func()) error {
	return exceptions.TryCatch[error](fn)
}

// Encode returns the encoder outputs for images shaped [batch, height, width, channels].
func (m *Model) Encode(images *tensors.Tensor) (*EncodedBatch, error) {
	if err := m.Encoder.checkShape(images.Shape().Dimensions); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var outputs []*tensors.Tensor
	err := call(func() {
		if m.encodeExec == nil {
			m.encodeExec = context.MustNewExec(m.backend, m.ctx.Reuse(),
				func(ctx *context.Context, images *Node) []*Node {
					return m.Encoder.Encode(ctx, images).Nodes()
				})
		}
		outputs = m.encodeExec.MustExec(images)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "Model.Encode")
	}
	return &EncodedBatch{
		Z:          outputs[0],
		ZMean:      outputs[1],
		ZSig:       outputs[2],
		Y:          outputs[3],
		YLogits:    outputs[4],
		ZPriorMean: outputs[5],
		ZPriorSig:  outputs[6],
	}, nil
}

// AssignClusters returns the most likely cluster of each image.
func (m *Model) AssignClusters(images *tensors.Tensor) ([]int, error) {
	encoded, err := m.Encode(images)
	if err != nil {
		return nil, err
	}
	defer encoded.FinalizeAll()
	return ArgMaxRows(encoded.Y)
}

// ArgMaxRows returns the index of the largest value of each row of a float32 matrix, e.g. the cluster
// of each example given the probabilities Y.
func ArgMaxRows(t *tensors.Tensor) ([]int, error) {
	dims := t.Shape().Dimensions
	if len(dims) != 2 || t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("expected a float32 matrix, got shape %s", t.Shape())
	}
	flat := tensors.CopyFlatData[float32](t)
	numRows, numCols := dims[0], dims[1]
	assignments := make([]int, numRows)
	for row := range numRows {
		values := flat[row*numCols : (row+1)*numCols]
		best := 0
		for col, v := range values {
			if v > values[best] {
				best = col
			}
		}
		assignments[row] = best
	}
	return assignments, nil
}

func (m *Model) decodeExec(decoder *Decoder) *context.Exec {
	exec, found := m.decodeExecs[decoder.Name]
	if !found {
		exec = context.MustNewExec(m.backend, m.ctx.Reuse(), func(ctx *context.Context, z *Node) *Node {
			return decoder.Decode(ctx, z)
		})
		m.decodeExecs[decoder.Name] = exec
	}
	return exec
}

// Decode returns the images decoder generates for the latent codes z, shaped [batch, latentDim].
func (m *Model) Decode(decoder *Decoder, z *tensors.Tensor) (*tensors.Tensor, error) {
	if err := decoder.Compatible(m.Encoder); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var images *tensors.Tensor
	err := call(func() {
		images = m.decodeExec(decoder).MustExec(z)[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Model.Decode(%q)", decoder.Name)
	}
	return images, nil
}

// Reconstruct encodes images and decodes the sampled codes with decoder.
func (m *Model) Reconstruct(decoder *Decoder, images *tensors.Tensor) (*tensors.Tensor, error) {
	encoded, err := m.Encode(images)
	if err != nil {
		return nil, err
	}
	defer encoded.FinalizeAll()
	return m.Decode(decoder, encoded.Z)
}

// Generate decodes n codes sampled from the cluster-conditional prior of cluster, whose scale is read
// directly as a standard deviation.
func (m *Model) Generate(decoder *Decoder, cluster, n int) (*tensors.Tensor, error) {
	if cluster < 0 || cluster >= m.Encoder.NumClusters {
		return nil, errors.Errorf("cluster %d out of range, model has %d clusters", cluster, m.Encoder.NumClusters)
	}
	if n < 1 {
		return nil, errors.Errorf("number of images to generate must be >= 1, got %d", n)
	}
	if err := decoder.Compatible(m.Encoder); err != nil {
		return nil, err
	}
	oneHot := make([]float32, n*m.Encoder.NumClusters)
	for ii := range n {
		oneHot[ii*m.Encoder.NumClusters+cluster] = 1
	}
	y := tensors.FromFlatDataAndDimensions(oneHot, n, m.Encoder.NumClusters)
	defer y.FinalizeAll()

	m.mu.Lock()
	defer m.mu.Unlock()
	var images *tensors.Tensor
	err := call(func() {
		exec, found := m.generateExec[decoder.Name]
		if !found {
			exec = context.MustNewExec(m.backend, m.ctx.Reuse(), func(ctx *context.Context, y *Node) *Node {
				mean, scale := m.Encoder.Prior(ctx, y)
				z := Sample(ctx, mean, scale, ScaleDirect)
				return decoder.Decode(ctx, z)
			})
			m.generateExec[decoder.Name] = exec
		}
		images = exec.MustExec(y)[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Model.Generate(%q, cluster=%d)", decoder.Name, cluster)
	}
	return images, nil
}

// ModelDType is the dtype of all weights and images.
var ModelDType = dtypes.Float32
