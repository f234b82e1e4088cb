package objectdetection

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Postprocessor defines a function that filters/modifies on an incoming array of Detections.
type Postprocessor func(DetectionSet) DetectionSet

// NewAreaFilter returns a function that filters out detections below a certain area.
func NewAreaFilter(area float64) Postprocessor {
	return func(in DetectionSet) DetectionSet {
		return DetectionSet(lo.Filter(in, func(d Detection, _ int) bool {
			return d.Box.Area() >= area
		}))
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in DetectionSet) DetectionSet {
		return DetectionSet(lo.Filter(in, func(d Detection, _ int) bool {
			return d.Confidence >= conf
		}))
	}
}

// NewLabelFilter returns a function that keeps only detections with one of the given labels,
// compared case-insensitively. An empty label list does not filter.
func NewLabelFilter(labels []string) Postprocessor {
	keep := lo.SliceToMap(labels, func(l string) (string, struct{}) {
		return strings.ToLower(l), struct{}{}
	})
	return func(in DetectionSet) DetectionSet {
		if len(keep) == 0 {
			return in
		}
		return DetectionSet(lo.Filter(in, func(d Detection, _ int) bool {
			_, ok := keep[strings.ToLower(d.ClassLabel)]
			return ok
		}))
	}
}

// NewNMSFilter returns a function that performs per-class non-maximum suppression: among
// detections of the same class whose boxes overlap by more than iou, only the most confident one
// is kept. Survivors are returned most confident first.
func NewNMSFilter(iou float64) Postprocessor {
	return func(in DetectionSet) DetectionSet {
		sorted := make(DetectionSet, len(in))
		copy(sorted, in)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Confidence > sorted[j].Confidence
		})
		out := make(DetectionSet, 0, len(sorted))
		for _, d := range sorted {
			suppressed := lo.ContainsBy(out, func(kept Detection) bool {
				return kept.ClassLabel == d.ClassLabel && kept.Box.IoU(d.Box) > iou
			})
			if !suppressed {
				out = append(out, d)
			}
		}
		return out
	}
}

// Chain applies the postprocessors in order. Nil entries are skipped.
func Chain(pps ...Postprocessor) Postprocessor {
	return func(in DetectionSet) DetectionSet {
		for _, pp := range pps {
			if pp != nil {
				in = pp(in)
			}
		}
		return in
	}
}
