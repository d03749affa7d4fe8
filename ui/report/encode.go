// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ImageSource gives access to a collection of images by index range, e.g. a noisyimages.Dataset.
type ImageSource interface {
	NumImages() int
	Images(start, end int) (*tensors.Tensor, error)
}

// Latents holds the encoding of a collection of images.
type Latents struct {
	// Means of the continuous codes (z_mean), row-major with LatentDim columns.
	Means     []float32
	LatentDim int

	// Clusters is the most likely cluster of each image.
	Clusters []int
}

// EncodeImages encodes up to maxImages images of source (all of them if maxImages <= 0) in batches of
// batchSize.
func EncodeImages(model *gmvae.Model, source ImageSource, batchSize, maxImages int) (*Latents, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	numImages := source.NumImages()
	if maxImages > 0 {
		numImages = min(numImages, maxImages)
	}
	latents := &Latents{LatentDim: model.Encoder.LatentDim}
	for start := 0; start < numImages; start += batchSize {
		end := min(start+batchSize, numImages)
		if err := latents.appendBatch(model, source, start, end); err != nil {
			return nil, errors.WithMessagef(err, "encoding images [%d, %d)", start, end)
		}
	}
	return latents, nil
}

func (l *Latents) appendBatch(model *gmvae.Model, source ImageSource, start, end int) error {
	images, err := source.Images(start, end)
	if err != nil {
		return err
	}
	defer images.FinalizeAll()
	encoded, err := model.Encode(images)
	if err != nil {
		return err
	}
	defer encoded.FinalizeAll()
	clusters, err := gmvae.ArgMaxRows(encoded.Y)
	if err != nil {
		return err
	}
	l.Means = append(l.Means, tensors.CopyFlatData[float32](encoded.ZMean)...)
	l.Clusters = append(l.Clusters, clusters...)
	return nil
}
