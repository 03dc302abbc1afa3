// Package crop finds the visible picture area of a video by scanning sampled
// frames for black bars.
package crop

// Bucket is the brightness class of one pixel.
type Bucket int

const (
	NearBlack Bucket = iota
	BorderlineBlack
	DarkVisible
	Light
)

// Brightness returns the perceptual luma of a BGR pixel in [0,1].
func Brightness(b, g, r byte) float32 {
	return float32(b)/255*0.114 +
		float32(g)/255*0.587 +
		float32(r)/255*0.229
}

// Classify assigns a brightness value to exactly one bucket.
func Classify(v float32) Bucket {
	switch {
	case v < 0.01:
		return NearBlack
	case v < 0.025:
		return BorderlineBlack
	case v < 0.05:
		return DarkVisible
	default:
		return Light
	}
}

// PixelSet counts the pixels of one row or column by bucket.
type PixelSet struct {
	NearBlack       int
	BorderlineBlack int
	DarkVisible     int
	Light           int
}

// Add classifies v and counts it.
func (s *PixelSet) Add(v float32) {
	switch Classify(v) {
	case NearBlack:
		s.NearBlack++
	case BorderlineBlack:
		s.BorderlineBlack++
	case DarkVisible:
		s.DarkVisible++
	default:
		s.Light++
	}
}

// Total is the number of pixels added so far.
func (s *PixelSet) Total() int {
	return s.NearBlack + s.BorderlineBlack + s.DarkVisible + s.Light
}

// Meaningful reports whether the line holds picture content rather than a
// black bar. The thresholds are empirical.
func (s *PixelSet) Meaningful() bool {
	total := float64(s.Total())
	if total == 0 {
		return false
	}
	if float64(s.Light)/total > 0.001 {
		return true
	}
	if float64(s.DarkVisible)/total > 0.02 {
		return true
	}
	if float64(s.BorderlineBlack)/total > 0.9 {
		return true
	}
	return false
}

// Frame is a BGR24 pixel buffer. Pix holds Height rows of Stride bytes.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
}

func (f *Frame) brightnessAt(off int) float32 {
	return Brightness(f.Pix[off], f.Pix[off+1], f.Pix[off+2])
}

// ScanRow reports whether row y holds meaningful content.
func (f *Frame) ScanRow(y int) bool {
	var set PixelSet
	start := y * f.Stride
	end := start + f.Width*3
	for off := start; off < end; off += 3 {
		set.Add(f.brightnessAt(off))
	}
	return set.Meaningful()
}

// ScanColumn reports whether column x holds meaningful content.
func (f *Frame) ScanColumn(x int) bool {
	var set PixelSet
	for y := 0; y < f.Height; y++ {
		set.Add(f.brightnessAt(y*f.Stride + x*3))
	}
	return set.Meaningful()
}
