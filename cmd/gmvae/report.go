// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/gomlx/gmvae/ui/report"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type reportOptions struct {
	outDir            string
	maxImages         int
	samplesPerCluster int
}

func newReportCmd(opts *options) *cobra.Command {
	reportOpts := &reportOptions{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report the clusters found by a trained model",
		Long: "Encode the images with the model in --checkpoint, print how they are distributed among the clusters, " +
			"and save a scatter plot of the latent codes, reconstructions and generated samples of each decoder.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeReport(opts, reportOpts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&reportOpts.outDir, "out", "",
		"Directory where to save the plots and images. Defaults to the checkpoint directory.")
	flags.IntVar(&reportOpts.maxImages, "max_images", 1000, "Maximum number of images to encode, 0 for all.")
	flags.IntVar(&reportOpts.samplesPerCluster, "samples", 8, "Number of images to generate for each cluster.")
	return cmd
}

func writeReport(opts *options, reportOpts *reportOptions) error {
	s, err := newSession(opts, true)
	if err != nil {
		return err
	}
	ctx := s.ctx
	outDir := reportOpts.outDir
	if outDir == "" {
		outDir = s.checkpoint.Dir()
	}
	encoder, err := gmvae.EncoderFromContext(ctx)
	if err != nil {
		return err
	}
	if !hasVariables(ctx, gmvae.EncoderScope) {
		return errors.Errorf("no trained encoder found in checkpoint %q", s.checkpoint.Dir())
	}
	ds, err := s.images(encoder.Shape)
	if err != nil {
		return err
	}
	model := gmvae.NewModel(s.backend, ctx, encoder)

	batchSize := context.GetParamOr(ctx, gmvae.ParamBatchSize, 32)
	latents, err := report.EncodeImages(model, ds, batchSize, reportOpts.maxImages)
	if err != nil {
		return err
	}
	usage, err := report.NewClusterUsage(latents.Clusters, encoder.NumClusters)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(opts.stdout(), "Run %s, %d images of %q:\n%s\n", s.runID, len(latents.Clusters), ds.Name(), usage)

	if encoder.LatentDim >= 2 {
		err = report.LatentScatter(filepath.Join(outDir, report.LatentScatterFileName),
			latents.Means, latents.LatentDim, latents.Clusters, encoder.NumClusters)
		if err != nil {
			return err
		}
	} else {
		klog.Warningf("latent dimension is %d, skipping latent scatter plot", encoder.LatentDim)
	}

	originals, err := ds.Images(0, min(ds.NumImages(), batchSize))
	if err != nil {
		return err
	}
	defer originals.FinalizeAll()
	if err = report.SaveImageGrid(filepath.Join(outDir, "originals.png"), originals, 8); err != nil {
		return err
	}
	for _, decoderName := range trainedDecoders(ctx) {
		decoder, err := gmvae.DecoderFromContext(ctx, decoderName)
		if err != nil {
			return err
		}
		if err = saveDecoderImages(model, decoder, originals, outDir, reportOpts.samplesPerCluster); err != nil {
			return errors.WithMessagef(err, "decoder %q", decoderName)
		}
	}
	_, _ = fmt.Fprintf(opts.stdout(), "Report saved in %s\n", outDir)
	return nil
}

// trainedDecoders lists the configured decoders that have weights in ctx.
func trainedDecoders(ctx *context.Context) []string {
	var names []string
	for _, name := range []string{
		context.GetParamOr(ctx, gmvae.ParamDecoderName, gmvae.DefaultDecoderName),
		context.GetParamOr(ctx, gmvae.ParamFinetuneName, "decoder_p"),
	} {
		if hasVariables(ctx, name) {
			names = append(names, name)
		}
	}
	return names
}

// saveDecoderImages saves the reconstructions of originals and samplesPerCluster generated images of each
// cluster, one row per cluster.
func saveDecoderImages(model *gmvae.Model, decoder *gmvae.Decoder, originals *tensors.Tensor, outDir string,
	samplesPerCluster int) error {
	reconstructions, err := model.Reconstruct(decoder, originals)
	if err != nil {
		return err
	}
	defer reconstructions.FinalizeAll()
	err = report.SaveImageGrid(filepath.Join(outDir, "reconstructed_"+decoder.Name+".png"), reconstructions, 8)
	if err != nil {
		return err
	}
	if samplesPerCluster < 1 {
		return nil
	}

	numClusters := model.Encoder.NumClusters
	var flat []float32
	for cluster := range numClusters {
		generated, err := model.Generate(decoder, cluster, samplesPerCluster)
		if err != nil {
			return err
		}
		flat = append(flat, tensors.CopyFlatData[float32](generated)...)
		generated.FinalizeAll()
	}
	samples := tensors.FromFlatDataAndDimensions(flat, decoder.Shape.Dims(numClusters*samplesPerCluster)...)
	defer samples.FinalizeAll()
	return report.SaveImageGrid(filepath.Join(outDir, "generated_"+decoder.Name+".png"), samples, samplesPerCluster)
}
