// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gmvae trains and inspects Gaussian-mixture clustering variational autoencoders on images.
//
// Typical use:
//
//	gmvae train --data=~/images --checkpoint=~/runs/faces --set="num_clusters=8;train_steps=20_000"
//	gmvae finetune --data=~/images --checkpoint=~/runs/faces
//	gmvae report --data=~/images --checkpoint=~/runs/faces
//
// Use --synthetic=N instead of --data to train on generated images of distinct patterns.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/gmvae/pkg/ml/gmvae"
	"github.com/gomlx/gmvae/ui/commandline"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newCLI() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "gmvae",
		Short: "Gaussian-mixture clustering variational autoencoder",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors.
			cmd.SilenceUsage = true
		},
	}
	cobra.EnableCommandSorting = false

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.settings, "set", "", commandline.ContextSettingsUsage(gmvae.CreateDefaultContext()))
	flags.StringVar(&opts.checkpoint, "checkpoint", "",
		"Directory to save and load checkpoints from. Relative paths are taken from the current directory.")
	flags.StringVar(&opts.dataDir, "data", "", "Directory with the training images.")
	flags.IntVar(&opts.synthetic, "synthetic", 0,
		"If > 0, use this many generated images of distinct patterns instead of --data.")
	flags.IntVar(&opts.syntheticPatterns, "synthetic_patterns", 4, "Number of patterns of the --synthetic images.")
	flags.Uint64Var(&opts.seed, "seed", 42, "Seed of the synthetic images, shuffling and noise.")
	flags.BoolVar(&opts.quiet, "quiet", false, "Don't display a progress bar.")
	flags.AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(
		newTrainCmd(opts),
		newFinetuneCmd(opts),
		newReportCmd(opts),
	)
	return rootCmd
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	if err := newCLI().Execute(); err != nil {
		// cobra already printed the error, log the stack trace if verbose.
		klog.V(1).Infof("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
