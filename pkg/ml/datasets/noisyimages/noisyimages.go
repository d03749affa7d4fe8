// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package noisyimages provides an in-memory image dataset for denoising autoencoders: each batch yields the
// images with gaussian noise added as inputs, and the clean images as labels.
package noisyimages

import (
	"image"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultNoiseStddev is the standard deviation of the noise added to the inputs: a variance of 0.01.
const DefaultNoiseStddev = 0.1

// ImageExtensions are the file extensions read by LoadDir.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff"}

// Dataset holds images in memory, shaped [height, width, channels] with values in [0, 1], and yields
// batches of (noisy inputs, clean labels). It implements train.Dataset.
//
// By default it yields batches of 32 images, in order, once (until io.EOF), with noise of stddev
// DefaultNoiseStddev.
type Dataset struct {
	name  string
	shape gmvae.ImageShape

	// pixels of all images, concatenated.
	pixels    []float32
	numImages int

	mu                  sync.Mutex
	rng                 *rand.Rand
	batchSize           int
	dropIncompleteBatch bool
	shuffle             []int
	infinite            bool
	noiseStddev         float64
	next                int
}

var _ train.Dataset = (*Dataset)(nil)

// New creates a dataset from the pixels of numImages images with the given shape, concatenated. Pixels are
// expected to be in [0, 1]. The dataset takes ownership of pixels.
func New(name string, shape gmvae.ImageShape, pixels []float32) (*Dataset, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	imageSize := shape.Pixels() * shape.Channels
	if len(pixels) == 0 || len(pixels)%imageSize != 0 {
		return nil, errors.Errorf("dataset %q: %d values is not a positive multiple of the image size %s",
			name, len(pixels), shape)
	}
	return &Dataset{
		name:        name,
		shape:       shape,
		pixels:      pixels,
		numImages:   len(pixels) / imageSize,
		rng:         rand.New(rand.NewPCG(0, 1)),
		batchSize:   32,
		noiseStddev: DefaultNoiseStddev,
	}, nil
}

// FromImages converts images to shape, resizing them if needed, and creates a dataset with them.
func FromImages(name string, imgs []image.Image, shape gmvae.ImageShape) (*Dataset, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.Channels != 1 && shape.Channels != 3 {
		return nil, errors.Errorf("dataset %q: only images with 1 or 3 channels are supported, got %s", name, shape)
	}
	if len(imgs) == 0 {
		return nil, errors.Errorf("dataset %q: no images given", name)
	}
	imageSize := shape.Pixels() * shape.Channels
	pixels := make([]float32, 0, len(imgs)*imageSize)
	for ii, img := range imgs {
		var err error
		pixels, err = appendImage(pixels, img, shape)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q: image #%d", name, ii)
		}
	}
	return New(name, shape, pixels)
}

// appendImage resizes img to shape and appends its pixels, converted to [0, 1].
func appendImage(pixels []float32, img image.Image, shape gmvae.ImageShape) ([]float32, error) {
	if size := img.Bounds().Size(); size.X != shape.Width || size.Y != shape.Height {
		img = imaging.Resize(img, shape.Width, shape.Height, imaging.Lanczos)
	}
	if shape.Channels == 1 {
		img = imaging.Grayscale(img)
	}
	var rgb []float32
	err := exceptions.TryCatch[error](func() {
		t := images.ToTensor(dtypes.Float32).Single(img)
		defer t.FinalizeAll()
		rgb = tensors.CopyFlatData[float32](t)
	})
	if err != nil {
		return nil, err
	}
	if shape.Channels == 3 {
		return append(pixels, rgb...), nil
	}
	// Grayscale: the 3 channels are equal, keep the first.
	for ii := 0; ii < len(rgb); ii += 3 {
		pixels = append(pixels, rgb[ii])
	}
	return pixels, nil
}

// LoadDir reads all images in dir (not recursively) with one of the ImageExtensions, in lexicographic order,
// and converts them to shape.
func LoadDir(dir string, shape gmvae.ImageShape) (*Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read images directory %q", dir)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found in %q (extensions %v)", dir, ImageExtensions)
	}
	sort.Strings(paths)
	imgs := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read image %q", path)
		}
		imgs = append(imgs, img)
	}
	klog.V(1).Infof("read %d images from %s", len(imgs), dir)
	return FromImages(filepath.Base(dir), imgs, shape)
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Shape of the images.
func (ds *Dataset) Shape() gmvae.ImageShape { return ds.shape }

// NumImages in the dataset.
func (ds *Dataset) NumImages() int { return ds.numImages }

// Images returns the clean images with indices in [start, end), in the original order.
func (ds *Dataset) Images(start, end int) (*tensors.Tensor, error) {
	if start < 0 || end > ds.numImages || start >= end {
		return nil, errors.Errorf("invalid range [%d, %d) of images for dataset %q with %d images",
			start, end, ds.name, ds.numImages)
	}
	imageSize := ds.shape.Pixels() * ds.shape.Channels
	flat := slices.Clone(ds.pixels[start*imageSize : end*imageSize])
	return tensors.FromFlatDataAndDimensions(flat, ds.shape.Dims(end-start)...), nil
}

// BatchSize configures the number of images per batch. If dropIncompleteBatch is true, the last batch of
// an epoch is dropped if there are not enough images left to fill it.
//
// It returns the dataset, so calls can be cascaded.
func (ds *Dataset) BatchSize(n int, dropIncompleteBatch bool) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.batchSize = max(n, 1)
	ds.dropIncompleteBatch = dropIncompleteBatch
	return ds
}

// Shuffle configures the dataset to yield the images in a random order, reshuffled at every epoch.
func (ds *Dataset) Shuffle() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffleLocked()
	return ds
}

func (ds *Dataset) shuffleLocked() {
	ds.shuffle = ds.rng.Perm(ds.numImages)
}

// Infinite configures the dataset to loop over the images indefinitely, never returning io.EOF.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.infinite = infinite
	return ds
}

// NoiseStddev sets the standard deviation of the gaussian noise added to the inputs. With 0, inputs are
// equal to the labels.
func (ds *Dataset) NoiseStddev(stddev float64) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.noiseStddev = max(stddev, 0)
	return ds
}

// WithSeed resets the random number generator used for shuffling and noise, for deterministic datasets.
func (ds *Dataset) WithSeed(seed uint64) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	if ds.shuffle != nil {
		ds.shuffleLocked()
	}
	return ds
}

// Reset implements train.Dataset. It reshuffles the images if Shuffle was configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.next = 0
	if ds.shuffle != nil {
		ds.shuffleLocked()
	}
}

// nextIndicesLocked returns the indices of the images of the next batch, or nil at the end of the epoch.
func (ds *Dataset) nextIndicesLocked() []int {
	remaining := ds.numImages - ds.next
	if remaining <= 0 || (ds.dropIncompleteBatch && remaining < ds.batchSize) {
		return nil
	}
	n := min(ds.batchSize, remaining)
	indices := make([]int, n)
	for ii := range indices {
		idx := ds.next + ii
		if ds.shuffle != nil {
			idx = ds.shuffle[idx]
		}
		indices[ii] = idx
	}
	ds.next += n
	return indices
}

// Yield implements train.Dataset. inputs are the noisy images and labels the clean ones, both shaped
// [batch, height, width, channels].
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	indices := ds.nextIndicesLocked()
	if indices == nil {
		if !ds.infinite {
			err = io.EOF
			return
		}
		ds.resetLocked()
		if indices = ds.nextIndicesLocked(); indices == nil {
			err = errors.Errorf("dataset %q can't fill a batch of %d with %d images",
				ds.name, ds.batchSize, ds.numImages)
			return
		}
	}

	imageSize := ds.shape.Pixels() * ds.shape.Channels
	clean := make([]float32, 0, len(indices)*imageSize)
	for _, idx := range indices {
		clean = append(clean, ds.pixels[idx*imageSize:(idx+1)*imageSize]...)
	}
	noisy := AddNoise(ds.rng, clean, ds.noiseStddev)
	dims := ds.shape.Dims(len(indices))
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(noisy, dims...)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(clean, dims...)}
	return
}

// AddNoise returns a copy of pixels with gaussian noise of the given standard deviation added, clipped
// to [0, 1].
func AddNoise(rng *rand.Rand, pixels []float32, stddev float64) []float32 {
	noisy := make([]float32, len(pixels))
	for ii, v := range pixels {
		if stddev > 0 {
			v += float32(rng.NormFloat64() * stddev)
		}
		noisy[ii] = float32(math.Min(math.Max(float64(v), 0), 1))
	}
	return noisy
}
