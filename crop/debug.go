package crop

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// saveDebugFrames writes the decoded frame and a copy with the current
// rectangle boundaries marked. Marked pixels are tinted by brightness bucket.
func saveDebugFrames(dir string, seq int, src image.Image, f *Frame, r Rect) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	prefix := filepath.Join(dir, fmt.Sprintf("%05d", seq))
	if err := imaging.Save(src, prefix+"-src.png"); err != nil {
		return err
	}

	if r.Top >= 0 && r.Top < f.Height {
		markRow(f, r.Top)
	}
	if r.Bottom >= 0 && r.Bottom < f.Height {
		markRow(f, r.Bottom)
	}
	if r.Left >= 0 && r.Left < f.Width {
		markColumn(f, r.Left)
	}
	if r.Right >= 0 && r.Right < f.Width {
		markColumn(f, r.Right)
	}
	return imaging.Save(f.toNRGBA(), prefix+"-dbg.png")
}

func markRow(f *Frame, y int) {
	start := y * f.Stride
	for off := start; off < start+f.Width*3; off += 3 {
		markPixel(f.Pix, off)
	}
}

func markColumn(f *Frame, x int) {
	for y := 0; y < f.Height; y++ {
		markPixel(f.Pix, y*f.Stride+x*3)
	}
}

func markPixel(buf []byte, off int) {
	v := Brightness(buf[off], buf[off+1], buf[off+2])
	if v == 0 {
		return
	}
	var level byte
	switch Classify(v) {
	case NearBlack:
		level = 40
	case BorderlineBlack:
		level = 100
	case DarkVisible:
		level = 170
	default:
		level = 255
	}
	buf[off] = byte(math.Round(float64(v) * 200))
	buf[off+1] = level
	buf[off+2] = level
}

func (f *Frame) toNRGBA() *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		s := f.Pix[y*f.Stride:]
		d := dst.Pix[y*dst.Stride:]
		for x := 0; x < f.Width; x++ {
			d[x*4] = s[x*3+2]
			d[x*4+1] = s[x*3+1]
			d[x*4+2] = s[x*3]
			d[x*4+3] = 0xff
		}
	}
	return dst
}
