package rimage

import (
	"hash/fnv"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

// NewColorFromHSV returns the opaque color with the given hue (degrees), saturation and value.
func NewColorFromHSV(h, s, v float64) color.NRGBA {
	r, g, b := colorful.Hsv(h, s, v).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 0xff}
}

// Hex formats c as #rrggbb, ignoring alpha.
func Hex(c color.Color) string {
	cc, _ := colorful.MakeColor(c)
	return cc.Hex()
}

// ClassColor picks a stable, saturated color for a class label so that boxes of different
// classes can be told apart. The same label always maps to the same color.
func ClassColor(label string) color.NRGBA {
	h := fnv.New32a()
	//nolint:errcheck
	h.Write([]byte(label))
	hue := float64(h.Sum32() % 360)
	return NewColorFromHSV(hue, 0.85, 1)
}
