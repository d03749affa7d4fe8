// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gmvae/pkg/ml/gmvae/steploop"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "gmvae.ui.commandline.progressBar"

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	plain            bool
	metricNames      []string
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	suffix           string

	// lipgloss-based rich and asynchronous display for terminals.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount       int
	step         string
	stepDuration time.Duration
	metrics      []string
}

// Write implements io.Writer, and appends the current suffix with metrics to each line. It is the writer
// of the enclosed progressbar.ProgressBar, so the bar and its suffix are written in one operation.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	_, err = pBar.out.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(loop *steploop.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	description := loop.Stepper.Kind().String()
	if !pBar.plain {
		description = "      [bold]" + description
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(!pBar.plain),
		progressbar.OptionEnableColorCodes(!pBar.plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	if !pBar.plain {
		pBar.startAsyncUpdates()
	}
	return nil
}

func (pBar *progressBar) onStep(loop *steploop.Loop, metrics map[string]float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	values := make([]string, len(pBar.metricNames))
	for ii, name := range pBar.metricNames {
		values[ii] = formatMetric(metrics[name])
	}

	if pBar.plain {
		parts := make([]string, 0, len(values)+2)
		parts = append(parts, fmt.Sprintf(" [step=%d]", loop.LoopStep))
		for ii, name := range pBar.metricNames {
			parts = append(parts, fmt.Sprintf(" [%s=%s]", name, values[ii]))
		}
		parts = append(parts, "        ")
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add(amount) // Triggers print, see [progressBar.Write].
	} else {
		pBar.suffix = "\033[J"
		endStep := "?"
		if loop.EndStep >= 0 {
			endStep = humanize.Comma(int64(loop.EndStep))
		}
		pBar.updates <- progressBarUpdate{
			amount:       amount,
			step:         fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep)), endStep),
			stepDuration: loop.MedianTrainStepDuration(),
			metrics:      values,
		}
	}
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *steploop.Loop, _ map[string]float64) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.updates = nil
	}
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// startAsyncUpdates draws the updates in a separate goroutine, so a slow terminal doesn't slow down training.
func (pBar *progressBar) startAsyncUpdates() {
	pBar.isFirstOutput = true
	pBar.updates = make(chan progressBarUpdate, 100)
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		defer pBar.asyncUpdatesDone.Done()
		for update := range pBar.updates {
			// Exhaust the updates in the buffer.
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-pBar.updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}

			pBar.statsTable.Data(lgtable.NewStringData())
			pBar.statsTable.Row("Global Step", update.step)
			pBar.statsTable.Row("Median train step duration", FormatDuration(update.stepDuration))
			for ii, name := range pBar.metricNames {
				pBar.statsTable.Row(name, update.metrics[ii])
			}
			for _, extraMetric := range pBar.extraMetricFns {
				name, value := extraMetric()
				pBar.statsTable.Row(name, value)
			}

			// Clear the previous lines that will be overwritten.
			pBar.termenv.HideCursor()
			if !pBar.isFirstOutput {
				// Table rows, its borders and the progress bar line.
				numLinesToBackup := len(update.metrics) + 2 + 2 + 1 + len(pBar.extraMetricFns)
				pBar.termenv.CursorPrevLine(numLinesToBackup)
			}
			pBar.isFirstOutput = false

			_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
			_ = pBar.bar.Add(amount)
			_, _ = fmt.Fprintln(pBar.out)
			pBar.termenv.ShowCursor()
			time.Sleep(maxUpdateFrequency)
		}
	}()
}

// formatMetric prints a metric value with at most 4 decimal digits.
func formatMetric(value float64) string {
	return humanize.FtoaWithDigits(value, 4)
}

// AttachProgressBar creates a commandline progress bar and attaches it to the loop, so every time the
// loop is run it displays the progression and the step metrics.
//
// When the standard output is not a terminal with cursor control, the metrics are written along the
// progress bar line instead.
//
// Optionally, one can provide extraMetrics: functions called at every update of the progress bar that
// return a name and a value to be included in the print-out.
func AttachProgressBar(loop *steploop.Loop, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(loop, os.Stdout, termenv.NewOutput(os.Stdout), extraMetrics)
}

func attachProgressBar(loop *steploop.Loop, out io.Writer, output *termenv.Output, extraMetrics []ExtraMetricFn) {
	pBar := &progressBar{
		out:            out,
		metricNames:    loop.Stepper.MetricNames(),
		plain:          output == nil || output.Profile == termenv.Ascii,
		extraMetricFns: extraMetrics,
	}
	if !pBar.plain {
		pBar.termenv = output
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during the loop or at least every RefreshPeriod.
	steploop.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	steploop.Periodic(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
