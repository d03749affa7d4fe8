// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"math"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ClusterUsage summarizes how many images were assigned to each cluster.
type ClusterUsage struct {
	Counts []int

	// Entropy of the assignment distribution, in nats.
	Entropy float64

	// NormalizedEntropy is Entropy divided by its maximum, log(number of clusters): 1 when all clusters
	// are used equally, 0 when a single cluster takes every image.
	NormalizedEntropy float64
}

func clusterLabel(cluster int) string {
	return "cluster " + strconv.Itoa(cluster)
}

// NewClusterUsage counts the cluster assignments, each in [0, numClusters).
func NewClusterUsage(assignments []int, numClusters int) (*ClusterUsage, error) {
	if numClusters < 2 {
		return nil, errors.Errorf("number of clusters must be > 1, got %d", numClusters)
	}
	if len(assignments) == 0 {
		return nil, errors.New("no cluster assignments given")
	}
	usage := &ClusterUsage{Counts: make([]int, numClusters)}
	for ii, cluster := range assignments {
		if cluster < 0 || cluster >= numClusters {
			return nil, errors.Errorf("assignment #%d is cluster %d, out of range [0, %d)", ii, cluster, numClusters)
		}
		usage.Counts[cluster]++
	}
	probs := make([]float64, numClusters)
	for ii, count := range usage.Counts {
		probs[ii] = float64(count)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	usage.Entropy = stat.Entropy(probs)
	usage.NormalizedEntropy = usage.Entropy / math.Log(float64(numClusters))
	return usage, nil
}

// Total number of assignments.
func (u *ClusterUsage) Total() int {
	var total int
	for _, count := range u.Counts {
		total += count
	}
	return total
}

// Used returns the number of clusters with at least one assignment.
func (u *ClusterUsage) Used() int {
	var used int
	for _, count := range u.Counts {
		if count > 0 {
			used++
		}
	}
	return used
}

var (
	summaryTitleStyle = lipgloss.NewStyle().Bold(true).PaddingLeft(1)
	summaryCellStyle  = lipgloss.NewStyle().Padding(0, 1)
	summaryRightStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	summaryBorder     = lipgloss.NewStyle().Foreground(lipgloss.Color("#705090"))
)

// String renders the usage as a table, with the share of each cluster and the entropy.
func (u *ClusterUsage) String() string {
	total := u.Total()
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(summaryBorder).
		Headers("Cluster", "Images", "Share").
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return summaryCellStyle
			}
			return summaryRightStyle
		})
	for cluster, count := range u.Counts {
		table.Row(strconv.Itoa(cluster), humanize.Comma(int64(count)),
			fmt.Sprintf("%.1f%%", 100*float64(count)/float64(total)))
	}
	title := summaryTitleStyle.Render(fmt.Sprintf("Cluster usage: %d of %d clusters used, entropy %.3f (normalized %.3f)",
		u.Used(), len(u.Counts), u.Entropy, u.NormalizedEntropy))
	return lipgloss.JoinVertical(lipgloss.Left, title, table.String())
}
