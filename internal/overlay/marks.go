// Package overlay renders the reference and live poses onto frames and
// writes annotated snapshots to disk.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/scoring"
)

var (
	colorReference = color.RGBA{R: 255, A: 255}
	colorLive      = color.RGBA{G: 255, A: 255}
	colorDiagonal  = color.RGBA{G: 255, B: 255, A: 255}
)

const (
	pointRadius   = 8
	lineThickness = 2
)

// MarkKind selects the primitive for a Mark.
type MarkKind int

const (
	MarkPoint MarkKind = iota
	MarkLine
	MarkText
)

// Mark is one drawing primitive in pixel space.
type Mark struct {
	Kind  MarkKind
	From  image.Point
	To    image.Point // lines only
	Text  string      // text only
	Color color.RGBA
}

// toPixel maps a normalized point onto a w×h frame.
func toPixel(p pose.Point, w, h int) image.Point {
	return image.Pt(int(p.X*float64(w)), int(p.Y*float64(h)))
}

// poseMarks draws the four points of r plus the arm-to-opposite-leg
// diagonals.
func poseMarks(r pose.Reduced, w, h int, c color.RGBA) []Mark {
	marks := make([]Mark, 0, len(pose.Limbs)+2)
	for _, limb := range pose.Limbs {
		marks = append(marks, Mark{Kind: MarkPoint, From: toPixel(r.At(limb), w, h), Color: c})
	}
	marks = append(marks,
		Mark{Kind: MarkLine, From: toPixel(r.LeftArm, w, h), To: toPixel(r.RightLeg, w, h), Color: colorDiagonal},
		Mark{Kind: MarkLine, From: toPixel(r.RightArm, w, h), To: toPixel(r.LeftLeg, w, h), Color: colorDiagonal},
	)
	return marks
}

// Marks lists everything drawn for one cycle. The reference pose is always
// drawn. The live pose is drawn only when showLive is set and a live pose
// exists. The intensity lines are coloured by the per-side error.
func Marks(live, reference pose.Reduced, hasLive bool, sample scoring.Sample, maxError float64, w, h int, showLive bool) []Mark {
	marks := poseMarks(reference, w, h, colorReference)
	if showLive && hasLive {
		marks = append(marks, poseMarks(live, w, h, colorLive)...)
	}
	if !hasLive {
		return marks
	}

	lr, lg, lb := scoring.Color(sample.LeftError, maxError)
	rr, rg, rb := scoring.Color(sample.RightError, maxError)
	marks = append(marks,
		Mark{
			Kind:  MarkText,
			From:  image.Pt(10, 30),
			Text:  fmt.Sprintf("L %3d  err %.3f", sample.LeftIntensity, sample.LeftError),
			Color: color.RGBA{R: lr, G: lg, B: lb, A: 255},
		},
		Mark{
			Kind:  MarkText,
			From:  image.Pt(10, 60),
			Text:  fmt.Sprintf("R %3d  err %.3f", sample.RightIntensity, sample.RightError),
			Color: color.RGBA{R: rr, G: rg, B: rb, A: 255},
		},
	)
	return marks
}
