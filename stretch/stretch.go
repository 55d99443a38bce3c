/*Package stretch corrects elliptical distortion of diffraction patterns.

Projector lens imperfections stretch the recorded pattern so that powder
rings become ellipses.  The distortion is calibrated by an azimuth (the
orientation of the long axis) and an amplitude (the percentage length
difference between the long and short axes).  This package builds the 2x2
affine transforms between the distorted and ideal geometries, applies them
to images, and rasterizes them into the per-pixel correction tables that XDS
consumes as X-GEO_CORR/Y-GEO_CORR.
*/
package stretch

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/emtools/credconvert/frame"
	"github.com/emtools/credconvert/mathx"
	"github.com/emtools/credconvert/util"
)

// EllipseToCircle returns the affine transform that maps the distorted
// (elliptical) geometry onto the ideal circular one.  azimuth is in radians
// and stretch is the amplitude as a fraction (percentage / 100 / 2 for the
// symmetric split between the axes).  The composition is rotate by -azimuth,
// scale the axes by (1-stretch, 1+stretch), rotate back.
func EllipseToCircle(azimuth, stretch float64) *mat.Dense {
	sin, cos := math.Sincos(azimuth)
	rot1 := mat.NewDense(2, 2, []float64{cos, -sin, sin, cos})
	scale := mat.NewDense(2, 2, []float64{1 - stretch, 0, 0, 1 + stretch})
	rot2 := mat.NewDense(2, 2, []float64{cos, sin, -sin, cos})

	var tmp, out mat.Dense
	tmp.Mul(rot1, scale)
	out.Mul(&tmp, rot2)
	return &out
}

// CircleToEllipse returns the inverse transform of EllipseToCircle with the
// same calibration.
func CircleToEllipse(azimuth, stretch float64) *mat.Dense {
	var out mat.Dense
	if err := out.Inverse(EllipseToCircle(azimuth, stretch)); err != nil {
		// the forward transform is singular only for stretch = 1 (100%
		// amplitude split), far outside any physical calibration
		panic(fmt.Sprintf("stretch: transform not invertible: %v", err))
	}
	return &out
}

// ApplyToImage resamples img through the transform anchored at center
// (row, col): the offset translation is chosen so that the center point maps
// onto itself.  Resampling is bilinear with out-of-bounds pixels filled with
// zero.  The transform must be 2x2.
func ApplyToImage(img frame.Image, transform *mat.Dense, center [2]float64) (frame.Image, error) {
	r, c := transform.Dims()
	if r != 2 || c != 2 {
		return frame.Image{}, fmt.Errorf("stretch: transform must be 2x2, got %dx%d", r, c)
	}

	t00, t01 := transform.At(0, 0), transform.At(0, 1)
	t10, t11 := transform.At(1, 0), transform.At(1, 1)

	// shift so that transform(center) + shift == center
	shiftR := center[0] - (t00*center[0] + t01*center[1])
	shiftC := center[1] - (t10*center[0] + t11*center[1])

	out := frame.NewImage(img.Rows, img.Cols)
	for or := 0; or < img.Rows; or++ {
		for oc := 0; oc < img.Cols; oc++ {
			srcR := t00*float64(or) + t01*float64(oc) + shiftR
			srcC := t10*float64(or) + t11*float64(oc) + shiftC
			out.Set(or, oc, bilinear(img, srcR, srcC))
		}
	}
	return out, nil
}

// bilinear samples img at a fractional (row, col), zero outside the bounds.
func bilinear(img frame.Image, r, c float64) uint16 {
	r0 := int(math.Floor(r))
	c0 := int(math.Floor(c))
	fr := r - float64(r0)
	fc := c - float64(c0)

	sample := func(rr, cc int) float64 {
		if rr < 0 || rr >= img.Rows || cc < 0 || cc >= img.Cols {
			return 0
		}
		return float64(img.At(rr, cc))
	}

	v := sample(r0, c0)*(1-fr)*(1-fc) +
		sample(r0, c0+1)*(1-fr)*fc +
		sample(r0+1, c0)*fr*(1-fc) +
		sample(r0+1, c0+1)*fr*fc
	return uint16(mathx.Round(util.Clamp(v, 0, 65535), 1))
}

// CorrectionMaps rasterizes the stretch correction into the two XDS
// geometric-correction tables.  azimuthDeg and amplitudePct are the raw
// calibration values (degrees and percent); center is the beam center in
// internal (row, col) coordinates.  The returned tables are row-major
// int32 grids scaled by 100, X and Y swapped into the XDS axis convention:
// the corrected coordinate of a pixel equals its grid position plus
// table_value/100.
func CorrectionMaps(rows, cols int, center [2]float64, azimuthDeg, amplitudePct float64) (xcorr, ycorr []int32) {
	stretch := amplitudePct / (2 * 100)
	// the azimuth is mirrored to produce corrections rather than distortions
	azimuth := (180 - azimuthDeg) * math.Pi / 180

	s := EllipseToCircle(azimuth, stretch)
	s00, s01 := s.At(0, 0), s.At(0, 1)
	s10, s11 := s.At(1, 0), s.At(1, 1)

	xcorr = make([]int32, rows*cols)
	ycorr = make([]int32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			d0 := float64(r) - center[0]
			d1 := float64(c) - center[1]
			// row-vector times matrix, matching the calibration convention
			n0 := d0*s00 + d1*s10
			n1 := d0*s01 + d1*s11
			rowDelta := n0 + center[0] - float64(r)
			colDelta := n1 + center[1] - float64(c)
			// reverse XY coordinates for XDS
			xcorr[r*cols+c] = int32(colDelta * 100)
			ycorr[r*cols+c] = int32(rowDelta * 100)
		}
	}
	return xcorr, ycorr
}
