package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"

	"go.viam.com/annotator/frameloop"
	"go.viam.com/annotator/vision/objectdetection"
)

// printf prints a line to w.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

func printDetections(w io.Writer, dets objectdetection.DetectionSet) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Label", "Confidence", "X", "Y", "Width", "Height"})
	for i, d := range dets {
		t.AppendRow(table.Row{
			i + 1,
			d.ClassLabel,
			fmt.Sprintf("%.2f%%", d.Confidence*100),
			fmt.Sprintf("%.1f", d.Box.X),
			fmt.Sprintf("%.1f", d.Box.Y),
			fmt.Sprintf("%.1f", d.Box.Width),
			fmt.Sprintf("%.1f", d.Box.Height),
		})
	}
	t.Render()
}

// latencySummary holds tick latency statistics in milliseconds.
type latencySummary struct {
	Count            int
	Mean, P50, P95   float64
	Min, Max, StdDev float64
}

func summarizeLatencies(latencies []time.Duration) (latencySummary, error) {
	if len(latencies) == 0 {
		return latencySummary{}, nil
	}
	data := make(stats.Float64Data, 0, len(latencies))
	for _, l := range latencies {
		data = append(data, float64(l)/float64(time.Millisecond))
	}
	var s latencySummary
	var err error
	s.Count = len(data)
	if s.Mean, err = data.Mean(); err != nil {
		return s, err
	}
	if s.P50, err = data.Median(); err != nil {
		return s, err
	}
	if s.P95, err = data.Percentile(95); err != nil {
		return s, err
	}
	if s.Min, err = data.Min(); err != nil {
		return s, err
	}
	if s.Max, err = data.Max(); err != nil {
		return s, err
	}
	if s.StdDev, err = data.StandardDeviation(); err != nil {
		return s, err
	}
	return s, nil
}

func printRunSummary(w io.Writer, s latencySummary, m *frameloop.Metrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"ticks", m.Ticks.Load()},
		{"frames not ready", m.FramesNotReady.Load()},
		{"loops started", m.LoopsStarted.Load()},
		{"faults", m.Faults.Load()},
		{"detections rendered", m.DetectionsRendered.Load()},
		{"detections malformed", m.DetectionsMalformed.Load()},
	})
	if s.Count > 0 {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"latency mean", fmt.Sprintf("%.2fms", s.Mean)},
			{"latency p50", fmt.Sprintf("%.2fms", s.P50)},
			{"latency p95", fmt.Sprintf("%.2fms", s.P95)},
			{"latency min/max", fmt.Sprintf("%.2fms / %.2fms", s.Min, s.Max)},
			{"latency stddev", fmt.Sprintf("%.2fms", s.StdDev)},
		})
	}
	t.Render()
}
