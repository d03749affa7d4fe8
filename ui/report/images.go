// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GridPadding is the number of pixels between images in ImageGrid.
var GridPadding = 2

// ImageGrid arranges a batch of images, shaped [batch, height, width, channels] with values in [0, 1] and
// 1 or 3 channels, in a grid with numColumns columns.
func ImageGrid(batch *tensors.Tensor, numColumns int) (*image.NRGBA, error) {
	dims := batch.Shape().Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("expected images shaped [batch, height, width, channels], got %s", batch.Shape())
	}
	numImages, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("only images with 1 or 3 channels are supported, got shape %s", batch.Shape())
	}
	if numColumns < 1 {
		return nil, errors.Errorf("number of columns must be >= 1, got %d", numColumns)
	}
	numColumns = min(numColumns, numImages)
	numRows := (numImages + numColumns - 1) / numColumns
	grid := imaging.New(numColumns*(width+GridPadding)+GridPadding, numRows*(height+GridPadding)+GridPadding,
		color.NRGBA{A: 255})

	imageSize := height * width * channels
	err := exceptions.TryCatch[error](func() {
		tensors.ConstFlatData(batch, func(flat []float32) {
			for ii := range numImages {
				tile := imageFromPixels(flat[ii*imageSize:(ii+1)*imageSize], height, width, channels)
				row, col := ii/numColumns, ii%numColumns
				grid = imaging.Paste(grid, tile, image.Pt(
					GridPadding+col*(width+GridPadding), GridPadding+row*(height+GridPadding)))
			}
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "can't read images")
	}
	return grid, nil
}

// imageFromPixels converts an HWC image with values in [0, 1] to 8-bit NRGBA.
func imageFromPixels(pixels []float32, height, width, channels int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	toByte := func(v float32) uint8 {
		return uint8(math.Round(255 * math.Min(math.Max(float64(v), 0), 1)))
	}
	for y := range height {
		for x := range width {
			pos := (y*width + x) * channels
			var c color.NRGBA
			if channels == 1 {
				v := toByte(pixels[pos])
				c = color.NRGBA{R: v, G: v, B: v, A: 255}
			} else {
				c = color.NRGBA{R: toByte(pixels[pos]), G: toByte(pixels[pos+1]), B: toByte(pixels[pos+2]), A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// SaveImageGrid saves ImageGrid of batch to filePath, with the format given by the file extension.
func SaveImageGrid(filePath string, batch *tensors.Tensor, numColumns int) error {
	grid, err := ImageGrid(batch, numColumns)
	if err != nil {
		return err
	}
	if err = ensureDir(filePath); err != nil {
		return err
	}
	if err = imaging.Save(grid, filePath); err != nil {
		return errors.Wrapf(err, "failed to save images to %q", filePath)
	}
	klog.V(1).Infof("saved %d images to %s", batch.Shape().Dimensions[0], filePath)
	return nil
}
