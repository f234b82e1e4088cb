package classification

import (
	"strings"

	"github.com/samber/lo"
)

// Postprocessor defines a function that filters/modifies on an incoming array of Classifications.
type Postprocessor func(Classifications) Classifications

// NewScoreFilter returns a function that filters out classifications below a certain confidence
// score.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in Classifications) Classifications {
		return Classifications(lo.Filter(in, func(c Classification, _ int) bool {
			return c.Score() >= conf
		}))
	}
}

// NewLabelConfidenceFilter returns a function that keeps classifications whose label is in the
// map and whose score reaches that label's threshold. Labels compare case-insensitively.
// Does not filter when the map is empty.
func NewLabelConfidenceFilter(labels map[string]float64) Postprocessor {
	theLabels := lo.MapKeys(labels, func(_ float64, name string) string {
		return strings.ToLower(name)
	})
	return func(in Classifications) Classifications {
		if len(theLabels) < 1 {
			return in
		}
		return Classifications(lo.Filter(in, func(c Classification, _ int) bool {
			conf, ok := theLabels[strings.ToLower(c.Label())]
			return ok && c.Score() >= conf
		}))
	}
}
