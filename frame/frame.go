/*Package frame holds the data model for collected diffraction exposures.

A scan is an ordered collection of frames, each carrying a 1-based sequence
index, a fixed-shape unsigned 16-bit intensity grid, and a small typed header.
Indices are unique but need not be contiguous; the difference between the
contiguous span of observed indices and the observed set is the missing range.
*/
package frame

import (
	"fmt"
	"sort"
	"time"

	"github.com/emtools/credconvert/mathx"
	"github.com/emtools/credconvert/util"
)

// Image is a row-major 2D grid of unsigned 16-bit intensities.  Index 0 is
// the top row; coordinates are (row, col) throughout this repository.
type Image struct {
	// Pix is the strided pixel data, Rows*Cols long.
	Pix []uint16

	// Rows is the number of rows (slow axis).
	Rows int

	// Cols is the number of columns (fast axis).
	Cols int
}

// NewImage allocates a zeroed image of the given shape.
func NewImage(rows, cols int) Image {
	return Image{Pix: make([]uint16, rows*cols), Rows: rows, Cols: cols}
}

// At returns the intensity at (row, col).
func (im Image) At(r, c int) uint16 {
	return im.Pix[r*im.Cols+c]
}

// Set assigns the intensity at (row, col).
func (im Image) Set(r, c int, v uint16) {
	im.Pix[r*im.Cols+c] = v
}

// Shape returns (rows, cols).
func (im Image) Shape() (int, int) {
	return im.Rows, im.Cols
}

// SameShape reports whether two images have identical dimensions.
func (im Image) SameShape(other Image) bool {
	return im.Rows == other.Rows && im.Cols == other.Cols
}

// Clone returns a deep copy of the image.
func (im Image) Clone() Image {
	out := NewImage(im.Rows, im.Cols)
	copy(out.Pix, im.Pix)
	return out
}

// Header is the per-frame metadata record.  It replaces the free-form
// per-frame dictionaries of older tooling with named fields; BeamCenter is
// derived during conversion and is only meaningful when HasBeamCenter is set.
type Header struct {
	// ExposureTime is the per-frame exposure in seconds.
	ExposureTime float64

	// AcquiredAt is the acquisition timestamp.  The zero value means the
	// acquisition driver did not report one.
	AcquiredAt time.Time

	// BeamCenter is the derived direct-beam position as (row, col) in
	// pixels.
	BeamCenter [2]float64

	// HasBeamCenter marks BeamCenter as populated.
	HasBeamCenter bool
}

// Frame is one collected exposure.
type Frame struct {
	// Index is the 1-based sequence number within the scan.
	Index int

	// Image is the intensity grid.
	Image Image

	// Header is the per-frame metadata.
	Header Header
}

// Buffer accumulates frames during collection.  The experiment driver pushes
// (index, image, header) tuples; the converter drains the buffer exactly
// once, taking ownership of the frame data.
type Buffer struct {
	frames []Frame
}

// Push appends a frame to the buffer.  Index must be >= 1 and unique within
// the buffer; both are enforced by the converter on drain.
func (b *Buffer) Push(index int, img Image, h Header) {
	b.frames = append(b.frames, Frame{Index: index, Image: img, Header: h})
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	return len(b.frames)
}

// Drain removes and returns all buffered frames.  The buffer is empty
// afterwards.
func (b *Buffer) Drain() []Frame {
	out := b.frames
	b.frames = nil
	return out
}

// Set is a set of frame indices.
type Set map[int]struct{}

// NewSet builds a set from the given indices.
func NewSet(indices ...int) Set {
	s := make(Set, len(indices))
	for _, i := range indices {
		s[i] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(i int) bool {
	_, ok := s[i]
	return ok
}

// Min returns the smallest index in the set.  The set must not be empty.
func (s Set) Min() int {
	first := true
	min := 0
	for i := range s {
		if first || i < min {
			min = i
			first = false
		}
	}
	return min
}

// Max returns the largest index in the set.  The set must not be empty.
func (s Set) Max() int {
	first := true
	max := 0
	for i := range s {
		if first || i > max {
			max = i
			first = false
		}
	}
	return max
}

// Sorted returns the indices in ascending order.
func (s Set) Sorted() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// CompleteSpan returns the contiguous set [min(s), max(s)].  Frames beyond
// the last observed index are not considered part of the scan.
func CompleteSpan(s Set) Set {
	if len(s) == 0 {
		return Set{}
	}
	min, max := s.Min(), s.Max()
	out := make(Set, max-min+1)
	for i := min; i <= max; i++ {
		out[i] = struct{}{}
	}
	return out
}

// Missing returns the symmetric difference between the observed set and its
// complete span, i.e. the dropped frame indices.
func Missing(observed Set) Set {
	complete := CompleteSpan(observed)
	out := Set{}
	for i := range complete {
		if !observed.Has(i) {
			out[i] = struct{}{}
		}
	}
	return out
}

// Subrange is an inclusive run of consecutive indices.
type Subrange struct {
	Min, Max int
}

// FindSubranges groups a sorted slice of indices into maximal contiguous
// runs.  [1 2 3 7 8 10] yields (1,3) (7,8) (10,10).
func FindSubranges(indices []int) []Subrange {
	if len(indices) == 0 {
		return nil
	}
	var out []Subrange
	start := indices[0]
	prev := indices[0]
	for _, i := range indices[1:] {
		if i != prev+1 {
			out = append(out, Subrange{Min: start, Max: prev})
			start = i
		}
		prev = i
	}
	out = append(out, Subrange{Min: start, Max: prev})
	return out
}

// ApplyFlatfield returns img scaled per-pixel by mean(ff)/ff, the usual gain
// normalization against a blank-beam reference.  An error is returned when
// the shapes disagree; the caller decides whether that is fatal.
func ApplyFlatfield(img, ff Image) (Image, error) {
	if !img.SameShape(ff) {
		return Image{}, fmt.Errorf("flatfield shape (%d, %d) does not match image shape (%d, %d)",
			ff.Rows, ff.Cols, img.Rows, img.Cols)
	}
	var sum float64
	for _, v := range ff.Pix {
		sum += float64(v)
	}
	mean := sum / float64(len(ff.Pix))

	out := NewImage(img.Rows, img.Cols)
	for i, v := range img.Pix {
		f := float64(ff.Pix[i])
		if f == 0 {
			// dead reference pixel, leave the raw value
			out.Pix[i] = v
			continue
		}
		corrected := util.Clamp(float64(v)*mean/f, 0, 65535)
		out.Pix[i] = uint16(mathx.Round(corrected, 1))
	}
	return out, nil
}
