package crop

import (
	"fmt"
	"math"
)

// Rect is the visible area of a video as inclusive pixel indices.
type Rect struct {
	Left, Right, Top, Bottom  int
	SourceWidth, SourceHeight int
}

// Unset returns the rectangle that takes every value of the first rectangle
// it is merged with. It is not valid on its own.
func Unset() Rect {
	return Rect{Left: math.MaxInt, Right: -1, Top: math.MaxInt, Bottom: -1}
}

// Full returns the rectangle covering a whole w x h frame.
func Full(w, h int) Rect {
	return Rect{Left: 0, Right: w - 1, Top: 0, Bottom: h - 1, SourceWidth: w, SourceHeight: h}
}

func (r Rect) CroppedWidth() int  { return r.Right + 1 - r.Left }
func (r Rect) CroppedHeight() int { return r.Bottom + 1 - r.Top }

// Valid reports whether the rectangle describes a real area.
func (r Rect) Valid() bool {
	return r.Left >= 0 && r.Right >= 0 && r.Top >= 0 && r.Bottom >= 0 &&
		r.Left <= r.Right && r.Top <= r.Bottom
}

// IsFull reports whether r covers its whole source frame.
func (r Rect) IsFull() bool {
	return r.Top == 0 && r.Left == 0 &&
		r.Bottom == r.SourceHeight-1 && r.Right == r.SourceWidth-1
}

// Merge expands r so that it contains o.
func (r *Rect) Merge(o Rect) {
	if r.Left > o.Left {
		r.Left = o.Left
	}
	if r.Right < o.Right {
		r.Right = o.Right
	}
	if r.Top > o.Top {
		r.Top = o.Top
	}
	if r.Bottom < o.Bottom {
		r.Bottom = o.Bottom
	}
}

// InflateToModulus2 grows r by at most one pixel per axis so both cropped
// dimensions are even.
func (r *Rect) InflateToModulus2() {
	if r.CroppedWidth()%2 != 0 {
		switch {
		case r.Left > 0 && r.Left%2 == 1:
			r.Left--
		case r.Right < r.SourceWidth-1:
			r.Right++
		case r.Left > 0:
			r.Left--
		}
	}
	if r.CroppedHeight()%2 != 0 {
		switch {
		case r.Top > 0 && r.Top%2 == 1:
			r.Top--
		case r.Bottom < r.SourceHeight-1:
			r.Bottom++
		case r.Top > 0:
			r.Top--
		}
	}
}

// String formats r as "(WxH) top:bottom:left:right" using indices.
func (r Rect) String() string {
	return fmt.Sprintf("(%dx%d) %d:%d:%d:%d", r.SourceWidth, r.SourceHeight, r.Top, r.Bottom, r.Left, r.Right)
}

// HandbrakeString formats r as "top:bottom:left:right" pixels to remove.
func (r Rect) HandbrakeString() string {
	return fmt.Sprintf("%d:%d:%d:%d", r.Top, r.SourceHeight-1-r.Bottom, r.Left, r.SourceWidth-1-r.Right)
}
