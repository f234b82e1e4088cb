// Package classification defines the whole-image labels produced by classification models.
package classification

import (
	"fmt"
	"sort"
)

// Classification is a label and the model's confidence in it.
type Classification interface {
	Score() float64
	Label() string
}

// Classifications is a list of classification results.
type Classifications []Classification

// NewClassification creates a simple classification.
func NewClassification(score float64, label string) Classification {
	return &classification{score, label}
}

type classification struct {
	score float64
	label string
}

func (c *classification) Score() float64 {
	return c.score
}

func (c *classification) Label() string {
	return c.label
}

func (c *classification) String() string {
	return fmt.Sprintf("%s (%.2f%%)", c.label, c.score*100)
}

// TopN returns the n highest scoring classifications, best first. Ties keep their input order.
// n < 1 or n larger than the list returns every classification sorted.
func (cs Classifications) TopN(n int) Classifications {
	sorted := make(Classifications, len(cs))
	copy(sorted, cs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score() > sorted[j].Score()
	})
	if n < 1 || n > len(sorted) {
		return sorted
	}
	return sorted[:n]
}

// Top returns the best scoring classification, or nil if there are none.
func (cs Classifications) Top() Classification {
	if len(cs) == 0 {
		return nil
	}
	return cs.TopN(1)[0]
}
