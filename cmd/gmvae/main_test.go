// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBackend = sync.OnceValue(func() backends.Backend { return must.M1(backends.New()) })

const smallModelSettings = "image_height=8;image_width=8;image_channels=1;latent_dim=2;num_clusters=2;" +
	"batch_size=4;train_steps=3;finetune_steps=2;checkpoint_frequency=0s"

func newTestOptions(t *testing.T, checkpointDir string) (*options, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &options{
		settings:          smallModelSettings,
		checkpoint:        checkpointDir,
		synthetic:         12,
		syntheticPatterns: 2,
		seed:              1,
		quiet:             true,
		out:               out,
		backend:           testBackend(),
	}, out
}

func TestTrainFinetuneReport(t *testing.T) {
	checkpointDir := filepath.Join(t.TempDir(), "model")
	opts, out := newTestOptions(t, checkpointDir)

	require.NoError(t, trainJoint(opts))
	assert.Contains(t, out.String(), "Training on 12 images")
	for _, name := range []string{RunIDFile, "joint_" + "history.csv", "joint_loss_curves.png"} {
		_, err := os.Stat(filepath.Join(checkpointDir, name))
		require.NoError(t, err, "missing %s", name)
	}
	runID, err := os.ReadFile(filepath.Join(checkpointDir, RunIDFile))
	require.NoError(t, err)

	// The target step was reached.
	opts, _ = newTestOptions(t, checkpointDir)
	require.ErrorContains(t, trainJoint(opts), "nothing to train")

	// Fine-tuning reads the model shape from the checkpoint.
	opts, out = newTestOptions(t, checkpointDir)
	opts.settings = "batch_size=4;finetune_steps=2;checkpoint_frequency=0s"
	require.ErrorContains(t, finetune(opts, "decoder"), "jointly")
	require.NoError(t, finetune(opts, ""))
	assert.Contains(t, out.String(), strings.TrimSpace(string(runID)))
	_, err = os.Stat(filepath.Join(checkpointDir, "finetune_loss_curves.png"))
	require.NoError(t, err)

	opts, out = newTestOptions(t, checkpointDir)
	opts.settings = ""
	reportDir := filepath.Join(t.TempDir(), "report")
	require.NoError(t, writeReport(opts, &reportOptions{outDir: reportDir, samplesPerCluster: 3}))
	assert.Contains(t, out.String(), "Cluster usage")
	for _, name := range []string{"latent_scatter.png", "originals.png", "reconstructed_decoder.png",
		"reconstructed_decoder_p.png", "generated_decoder.png", "generated_decoder_p.png"} {
		_, err := os.Stat(filepath.Join(reportDir, name))
		require.NoError(t, err, "missing %s", name)
	}
}

func TestSessionErrors(t *testing.T) {
	opts, _ := newTestOptions(t, "")
	require.ErrorContains(t, finetune(opts, ""), "--checkpoint")

	opts, _ = newTestOptions(t, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, finetune(opts, ""))

	opts, _ = newTestOptions(t, t.TempDir())
	opts.settings = "unknown_param=1"
	require.Error(t, trainJoint(opts))

	opts, _ = newTestOptions(t, t.TempDir())
	opts.dataDir = t.TempDir()
	require.ErrorContains(t, trainJoint(opts), "only one of")

	opts, _ = newTestOptions(t, t.TempDir())
	opts.synthetic = 2
	require.ErrorContains(t, trainJoint(opts), "batch_size")

	opts, _ = newTestOptions(t, t.TempDir())
	opts.settings = smallModelSettings + ";image_height=10"
	require.Error(t, trainJoint(opts))
}

func TestCLIFlags(t *testing.T) {
	cli := newCLI()
	var names []string
	for _, cmd := range cli.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Equal(t, []string{"train", "finetune", "report"}, names)
	setFlag := cli.PersistentFlags().Lookup("set")
	require.NotNil(t, setFlag)
	assert.Contains(t, setFlag.Usage, "num_clusters")

	cli.SetArgs([]string{"report", "--synthetic=4"})
	cli.SetOut(&bytes.Buffer{})
	cli.SetErr(&bytes.Buffer{})
	require.Error(t, cli.Execute())
}
