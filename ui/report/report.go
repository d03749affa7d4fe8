// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report renders what a training run produced: loss curves and metrics history from a
// steploop.Loop, and the latent space and cluster usage of a trained model.
package report

import (
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gmvae/pkg/ml/gmvae/steploop"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"k8s.io/klog/v2"
)

const (
	// LossCurvesFileName is the default file name of the plot saved by LossCurves.
	LossCurvesFileName = "loss_curves.png"

	// LatentScatterFileName is the default file name of the plot saved by LatentScatter.
	LatentScatterFileName = "latent_scatter.png"

	// HistoryFileName is the default file name of the CSV written by WriteHistoryCSV.
	HistoryFileName = "history.csv"

	// StepColumn is the name of the column with the global step in the history.
	StepColumn = "step"
)

// PlotSize is the width and height of the saved plots.
var PlotSize = 8 * vg.Inch

// isFinite is false for NaN and infinities.
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ensureDir creates the directory of path, if needed.
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return nil
}

// HistoryDataFrame converts the history of a steploop.Loop to a data frame with a StepColumn and one
// column per metric name. Steps missing a metric hold NaN.
func HistoryDataFrame(history []steploop.Record, metricNames []string) (dataframe.DataFrame, error) {
	if len(history) == 0 {
		return dataframe.DataFrame{}, errors.New("history is empty, no steps were run")
	}
	steps := make([]int, len(history))
	columns := make([]series.Series, 0, len(metricNames)+1)
	for ii, record := range history {
		steps[ii] = record.Step
	}
	columns = append(columns, series.New(steps, series.Int, StepColumn))
	for _, name := range metricNames {
		values := make([]float64, len(history))
		for ii, record := range history {
			v, found := record.Metrics[name]
			if !found {
				v = math.NaN()
			}
			values[ii] = v
		}
		columns = append(columns, series.New(values, series.Float, name))
	}
	df := dataframe.New(columns...)
	if df.Err != nil {
		return df, errors.Wrap(df.Err, "failed to build history data frame")
	}
	return df, nil
}

// WriteHistoryCSV writes the history as CSV, see HistoryDataFrame.
func WriteHistoryCSV(w io.Writer, history []steploop.Record, metricNames []string) error {
	df, err := HistoryDataFrame(history, metricNames)
	if err != nil {
		return err
	}
	return errors.Wrap(df.WriteCSV(w), "failed to write history CSV")
}

// SaveHistoryCSV writes the history as CSV to filePath.
func SaveHistoryCSV(filePath string, history []steploop.Record, metricNames []string) (err error) {
	if err = ensureDir(filePath); err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", filePath)
		}
	}()
	err = WriteHistoryCSV(f, history, metricNames)
	return
}

// LossCurves saves to filePath a plot with one line per metric over the steps of the loop history.
// The image format is taken from the file extension (e.g. ".png" or ".svg").
//
// Non-finite values are skipped.
func LossCurves(filePath, title string, history []steploop.Record, metricNames []string) error {
	if len(history) == 0 {
		return errors.New("history is empty, no steps were run")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for ii, name := range metricNames {
		points := make(plotter.XYs, 0, len(history))
		for _, record := range history {
			v, found := record.Metrics[name]
			if !found || !isFinite(v) {
				continue
			}
			points = append(points, plotter.XY{X: float64(record.Step), Y: v})
		}
		if len(points) == 0 {
			klog.Warningf("LossCurves: metric %q has no finite values, not plotted", name)
			continue
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return errors.Wrapf(err, "failed to plot metric %q", name)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if err := ensureDir(filePath); err != nil {
		return err
	}
	if err := p.Save(2*PlotSize, PlotSize, filePath); err != nil {
		return errors.Wrapf(err, "failed to save loss curves to %q", filePath)
	}
	klog.V(1).Infof("saved loss curves to %s", filePath)
	return nil
}

// LatentScatter saves to filePath a scatter plot of the first two dimensions of the latent codes, one
// color per assigned cluster.
//
// codes is a row-major matrix with numCodes rows, and clusters the cluster of each row.
func LatentScatter(filePath string, codes []float32, latentDim int, clusters []int, numClusters int) error {
	if latentDim < 2 {
		return errors.Errorf("latent scatter needs at least 2 latent dimensions, got %d", latentDim)
	}
	if len(clusters) == 0 || len(codes) != len(clusters)*latentDim {
		return errors.Errorf("got %d latent values for %d codes of dimension %d",
			len(codes), len(clusters), latentDim)
	}
	points := make([]plotter.XYs, numClusters)
	for row, cluster := range clusters {
		if cluster < 0 || cluster >= numClusters {
			return errors.Errorf("code #%d assigned to cluster %d, out of range [0, %d)", row, cluster, numClusters)
		}
		x, y := float64(codes[row*latentDim]), float64(codes[row*latentDim+1])
		if !isFinite(x) || !isFinite(y) {
			continue
		}
		points[cluster] = append(points[cluster], plotter.XY{X: x, Y: y})
	}

	p := plot.New()
	p.Title.Text = "latent space (z_mean)"
	p.X.Label.Text = "z[0]"
	p.Y.Label.Text = "z[1]"
	for cluster, clusterPoints := range points {
		if len(clusterPoints) == 0 {
			continue
		}
		scatter, err := plotter.NewScatter(clusterPoints)
		if err != nil {
			return errors.Wrapf(err, "failed to plot cluster %d", cluster)
		}
		scatter.GlyphStyle.Radius = vg.Length(2)
		scatter.GlyphStyle.Shape = draw.CircleGlyph{}
		scatter.GlyphStyle.Color = plotutil.Color(cluster)
		p.Add(scatter)
		p.Legend.Add(clusterLabel(cluster), scatter)
	}
	if err := ensureDir(filePath); err != nil {
		return err
	}
	if err := p.Save(PlotSize, PlotSize, filePath); err != nil {
		return errors.Wrapf(err, "failed to save latent scatter to %q", filePath)
	}
	klog.V(1).Infof("saved latent scatter to %s", filePath)
	return nil
}
