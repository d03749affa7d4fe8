// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmvae

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// CategoricalEpsilon is added to probabilities before taking their log.
const CategoricalEpsilon = 1e-8

// KLTwoGaussians is the closed form KL divergence between the diagonal Gaussians (mean1, scale1) and
// (mean2, scale2), where the scales are standard deviations:
//
//	log(σ2) - log(σ1) + (σ1² + (μ1-μ2)²) / (2·σ2²) - 0.5
//
// averaged over the latent axis and then over the batch. Inputs are shaped [batch, latentDim], and the
// scales must be strictly positive.
func KLTwoGaussians(mean1, scale1, mean2, scale2 *Node) *Node {
	for _, x := range []*Node{scale1, mean2, scale2} {
		if !x.Shape().Equal(mean1.Shape()) {
			Panicf("KLTwoGaussians requires all inputs with the same shape, got %s and %s", mean1.Shape(), x.Shape())
		}
	}
	if mean1.Rank() != 2 {
		Panicf("KLTwoGaussians requires inputs shaped [batch, latentDim], got %s", mean1.Shape())
	}
	kl := Sub(Log(scale2), Log(scale1))
	numerator := Add(Square(scale1), Square(Sub(mean1, mean2)))
	kl = Add(kl, Div(numerator, MulScalar(Square(scale2), 2)))
	kl = AddScalar(kl, -0.5)
	return ReduceAllMean(ReduceMean(kl, 1))
}

// CategoricalKLUniform is the KL divergence between a categorical distribution and the uniform one:
//
//	Σ_k p_k·(log(p_k + ε) - log(1/K))
//
// summed over the K clusters (last axis) and averaged over the batch. probs is shaped [batch, K] and
// its rows are expected to sum to 1.
func CategoricalKLUniform(probs *Node) *Node {
	if probs.Rank() != 2 {
		Panicf("CategoricalKLUniform requires probabilities shaped [batch, numClusters], got %s", probs.Shape())
	}
	numClusters := probs.Shape().Dimensions[1]
	logUniform := math.Log(1.0 / float64(numClusters))
	kl := Mul(probs, AddScalar(Log(AddScalar(probs, CategoricalEpsilon)), -logUniform))
	return ReduceAllMean(ReduceSum(kl, -1))
}

// StandardNormalKL is the KL divergence between the Gaussian (mean, exp(logVar)) and the standard normal,
// in the form -0.5·mean(1 + logVar - mean² - exp(logVar)), with the mean taken over all elements.
func StandardNormalKL(mean, logVar *Node) *Node {
	if !mean.Shape().Equal(logVar.Shape()) {
		Panicf("StandardNormalKL requires mean and logVar with the same shape, got %s and %s",
			mean.Shape(), logVar.Shape())
	}
	terms := Sub(Sub(OnePlus(logVar), Square(mean)), Exp(logVar))
	return MulScalar(ReduceAllMean(terms), -0.5)
}
