// Package rimage holds the drawing primitives used to annotate frames.
package rimage

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var font *truetype.Font

// init sets up the fonts we want to use.
func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Font returns the font we use for drawing.
func Font() *truetype.Font {
	return font
}

// Colors used for annotations.
var (
	Red              = color.NRGBA{R: 255, A: 255}
	Mint             = color.NRGBA{R: 0x00, G: 0xff, B: 0x88, A: 0xff}
	TranslucentBlack = color.NRGBA{A: 0xb3}
)

// DrawString writes a string to the given context at a particular point.
func DrawString(dc *gg.Context, text string, p image.Point, c color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(Font(), &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawStringWrapped(text, float64(p.X), float64(p.Y), 0, 0, float64(dc.Width()), 1, 0)
}

// DrawRectangleEmpty draws the outline of the given rectangle into the context.
func DrawRectangleEmpty(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}

// DrawLabel draws text on a filled background whose bottom-left corner sits at p. When there is
// no room above p the label is drawn just inside the top of the image.
func DrawLabel(dc *gg.Context, text string, p image.Point, fg, bg color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(Font(), &truetype.Options{Size: size}))
	textWidth, textHeight := dc.MeasureString(text)
	const pad = 4.0
	boxHeight := textHeight + 2*pad
	top := float64(p.Y) - boxHeight
	if top < 0 {
		top = 0
	}

	dc.SetColor(bg)
	dc.DrawRectangle(float64(p.X), top, textWidth+2*pad, boxHeight)
	dc.Fill()

	dc.SetColor(fg)
	dc.DrawStringAnchored(text, float64(p.X)+pad, top+pad, 0, 1)
}
