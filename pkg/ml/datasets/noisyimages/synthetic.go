// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package noisyimages

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/pkg/errors"
)

// patternFn returns the intensity in [0, 1] of pixel (y, x), for normalized coordinates in [0, 1) and a
// per-image phase in [0, 1).
type patternFn func(y, x, phase float64) float64

var patterns = []patternFn{
	// Horizontal stripes.
	func(y, _, phase float64) float64 { return 0.5 + 0.5*math.Sin(2*math.Pi*(3*y+phase)) },
	// Vertical stripes.
	func(_, x, phase float64) float64 { return 0.5 + 0.5*math.Sin(2*math.Pi*(3*x+phase)) },
	// Blob.
	func(y, x, phase float64) float64 {
		cy, cx := 0.35+0.3*phase, 0.65-0.3*phase
		d2 := (y-cy)*(y-cy) + (x-cx)*(x-cx)
		return math.Exp(-d2 / 0.03)
	},
	// Checkerboard.
	func(y, x, phase float64) float64 {
		if (int(4*y+phase)+int(4*x))%2 == 0 {
			return 0.9
		}
		return 0.1
	},
	// Diagonal gradient.
	func(y, x, phase float64) float64 { return math.Mod(0.5*(y+x)+phase, 1) },
	// Ring.
	func(y, x, phase float64) float64 {
		r := math.Hypot(y-0.5, x-0.5)
		return math.Exp(-math.Pow(r-0.25-0.1*phase, 2) / 0.004)
	},
}

// MaxPatterns is the number of distinct patterns Synthetic can generate.
var MaxPatterns = len(patterns)

// Synthetic generates n images of numPatterns clusters, each a procedural pattern with a random phase and,
// for colored images, its own tint. It returns the dataset and the pattern of each image.
//
// The result is deterministic for a given seed.
func Synthetic(name string, n int, shape gmvae.ImageShape, numPatterns int, seed uint64) (*Dataset, []int, error) {
	if numPatterns < 1 || numPatterns > MaxPatterns {
		return nil, nil, errors.Errorf("number of synthetic patterns must be between 1 and %d, got %d",
			MaxPatterns, numPatterns)
	}
	if n < 1 {
		return nil, nil, errors.Errorf("number of synthetic images must be >= 1, got %d", n)
	}
	if err := shape.Validate(); err != nil {
		return nil, nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	tints := make([][]float64, numPatterns)
	for ii := range tints {
		tints[ii] = make([]float64, shape.Channels)
		for c := range tints[ii] {
			tints[ii][c] = 1
			if shape.Channels > 1 {
				tints[ii][c] = 0.3 + 0.7*rng.Float64()
			}
		}
	}

	labels := make([]int, n)
	pixels := make([]float32, 0, n*shape.Pixels()*shape.Channels)
	for ii := range n {
		label := rng.IntN(numPatterns)
		labels[ii] = label
		pattern, phase := patterns[label], rng.Float64()
		for y := range shape.Height {
			for x := range shape.Width {
				v := pattern(float64(y)/float64(shape.Height), float64(x)/float64(shape.Width), phase)
				for c := range shape.Channels {
					pixels = append(pixels, float32(math.Min(math.Max(v*tints[label][c], 0), 1)))
				}
			}
		}
	}
	ds, err := New(name, shape, pixels)
	if err != nil {
		return nil, nil, err
	}
	return ds.WithSeed(seed), labels, nil
}
