package objectdetection

import (
	"testing"

	"go.viam.com/test"
)

func TestPostprocessors(t *testing.T) {
	dets := DetectionSet{
		NewDetection(Box{Width: 10, Height: 10}, 0.9, "Dog"),
		NewDetection(Box{Width: 2, Height: 2}, 0.95, "cat"),
		NewDetection(Box{Width: 20, Height: 20}, 0.2, "dog"),
	}

	area := NewAreaFilter(50)(dets)
	test.That(t, area.Labels(), test.ShouldResemble, []string{"Dog", "dog"})

	score := NewScoreFilter(0.9)(dets)
	test.That(t, score.Labels(), test.ShouldResemble, []string{"Dog", "cat"})

	labels := NewLabelFilter([]string{"DOG"})(dets)
	test.That(t, labels.Labels(), test.ShouldResemble, []string{"Dog", "dog"})
	test.That(t, NewLabelFilter(nil)(dets), test.ShouldResemble, dets)

	chained := Chain(NewAreaFilter(50), nil, NewScoreFilter(0.5))(dets)
	test.That(t, chained.Labels(), test.ShouldResemble, []string{"Dog"})
}

func TestNMSFilter(t *testing.T) {
	a := NewDetection(Box{X: 0, Y: 0, Width: 10, Height: 10}, 0.6, "dog")
	b := NewDetection(Box{X: 1, Y: 1, Width: 10, Height: 10}, 0.9, "dog")
	c := NewDetection(Box{X: 1, Y: 1, Width: 10, Height: 10}, 0.7, "cat")
	d := NewDetection(Box{X: 50, Y: 50, Width: 10, Height: 10}, 0.5, "dog")

	out := NewNMSFilter(0.5)(DetectionSet{a, b, c, d})
	test.That(t, out, test.ShouldResemble, DetectionSet{b, c, d})

	test.That(t, a.Box.IoU(a.Box), test.ShouldAlmostEqual, 1.0)
	test.That(t, a.Box.IoU(d.Box), test.ShouldEqual, 0.0)
	test.That(t, a.Box.IoU(b.Box), test.ShouldAlmostEqual, 81.0/119.0)
}
