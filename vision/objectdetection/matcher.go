package objectdetection

import "math"

// DefaultMaxCenterDistance is the largest center distance, in pixels, at which two same-class
// boxes in consecutive frames are treated as the same object. Matching uses strict less-than.
const DefaultMaxCenterDistance = 50.0

// CenterDistance is the euclidean distance between the centers of two boxes.
func CenterDistance(b1, b2 Box) float64 {
	cx1, cy1 := b1.Center()
	cx2, cy2 := b2.Center()
	return math.Hypot(cx1-cx2, cy1-cy2)
}

// Match returns the first detection in previous with the candidate's class label whose center
// lies strictly closer than maxCenterDistance to the candidate's center. It is first-match in
// iteration order, not best-match: two same-class objects crossing paths can be swapped.
func Match(previous DetectionSet, candidate Detection, maxCenterDistance float64) (Detection, bool) {
	for _, p := range previous {
		if p.ClassLabel != candidate.ClassLabel {
			continue
		}
		if CenterDistance(p.Box, candidate.Box) < maxCenterDistance {
			return p, true
		}
	}
	return Detection{}, false
}
