/*Package beamcenter locates the direct beam in diffraction images.

Two estimators are provided.  Find projects the image onto each axis,
smooths the 1D profiles with a Gaussian kernel and refines the coarse peak
with a spline evaluated on an oversampled grid; it assumes the direct beam
is the brightest feature.  FindWithBeamstop handles images where a beamstop
shadows the beam: the image is segmented by percentile threshold (optionally
after a heavy blur), and the center of the bounding box of the largest
connected component is reported.

All coordinates are (row, col) in pixels, matching the frame package.
*/
package beamcenter

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"

	"github.com/emtools/credconvert/frame"
)

// Defaults for the two estimators.
const (
	DefaultSigma      = 10.0 // projection profile smoothing
	DefaultOversample = 100  // sub-pixel grid points per pixel
	DefaultPercentile = 99.0 // beamstop segmentation threshold
	DefaultBlurSigma  = 50.0 // beamstop segmentation pre-blur
)

// Find returns the sub-pixel (row, col) of the direct beam using independent
// 1D peak refinement on the row-sum and column-sum profiles.  sigma controls
// the Gaussian smoothing of each profile and oversample the sub-pixel grid
// density.  If the coarse peak sits too close to the profile edge for the
// refinement window to fit, the coarse index is returned for that axis.
func Find(img frame.Image, sigma float64, oversample int) (float64, float64) {
	if sigma <= 0 {
		sigma = DefaultSigma
	}
	if oversample <= 0 {
		oversample = DefaultOversample
	}
	rows := make([]float64, img.Rows)
	cols := make([]float64, img.Cols)
	for r := 0; r < img.Rows; r++ {
		for c := 0; c < img.Cols; c++ {
			v := float64(img.At(r, c))
			rows[r] += v
			cols[c] += v
		}
	}
	return refinePeak(rows, sigma, oversample), refinePeak(cols, sigma, oversample)
}

// refinePeak smooths the profile, locates the coarse maximum, and refines it
// by evaluating a natural cubic spline on an oversampled window.
func refinePeak(profile []float64, sigma float64, oversample int) float64 {
	smoothed := gaussian1D(profile, sigma)
	coarse := argmax(smoothed)

	w := int(math.Ceil(sigma))
	if w < 3 {
		w = 3
	}
	lo, hi := coarse-w, coarse+w+1
	if lo < 0 || hi > len(smoothed) {
		// window does not fit, fall back to the coarse index
		return float64(coarse)
	}

	xs := make([]float64, hi-lo)
	ys := make([]float64, hi-lo)
	for i := range xs {
		xs[i] = float64(lo + i)
		ys[i] = smoothed[lo+i]
	}
	var spline interp.NaturalCubic
	if err := spline.Fit(xs, ys); err != nil {
		return float64(coarse)
	}

	best := float64(coarse)
	bestVal := math.Inf(-1)
	step := 1.0 / float64(oversample)
	for x := xs[0]; x <= xs[len(xs)-1]; x += step {
		if y := spline.Predict(x); y > bestVal {
			bestVal = y
			best = x
		}
	}
	return best
}

func argmax(x []float64) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

// gaussian1D convolves x with a normalized Gaussian kernel, reflecting at
// the boundaries.
func gaussian1D(x []float64, sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	var norm float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		norm += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= norm
	}

	n := len(x)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var acc float64
		for k := -radius; k <= radius; k++ {
			j := reflect(i+k, n)
			acc += x[j] * kernel[k+radius]
		}
		out[i] = acc
	}
	return out
}

// reflect maps an out-of-range index back into [0, n) by mirror reflection.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i = ((i % period) + period) % period
	if i >= n {
		i = period - i
	}
	return i
}

// Diagnostics carries the intermediate segmentation artifacts of the
// beamstop estimator for offline tuning.
type Diagnostics struct {
	// Mask is the thresholded segmentation, row-major.
	Mask []bool

	// Labels assigns a component id (1-based) to every masked pixel, 0
	// elsewhere.
	Labels []int

	// Rows, Cols give the mask shape.
	Rows, Cols int

	// Largest is the id of the largest connected component.
	Largest int

	// BBox is the (minRow, minCol, maxRow, maxCol) bounding box of the
	// largest component, inclusive.
	BBox [4]int
}

// BeamstopOptions tunes FindWithBeamstop.  The zero value segments the raw
// image at the default percentile.  Setting BlurSigma > 0 switches to the
// alternate mode where a heavily blurred copy of the image is thresholded
// instead (DefaultBlurSigma is the conventional choice).
type BeamstopOptions struct {
	// Percentile of the intensity histogram used as segmentation
	// threshold.  Defaults to DefaultPercentile.
	Percentile float64

	// BlurSigma is the Gaussian blur applied before thresholding; zero
	// disables the blur.
	BlurSigma float64
}

// FindWithBeamstop locates the beam as the bounding-box center of the
// largest connected component above the percentile threshold.
func FindWithBeamstop(img frame.Image, opts BeamstopOptions) (float64, float64) {
	r, c, _ := FindWithBeamstopDiagnostics(img, opts)
	return r, c
}

// FindWithBeamstopDiagnostics is FindWithBeamstop returning the
// segmentation artifacts as well.
func FindWithBeamstopDiagnostics(img frame.Image, opts BeamstopOptions) (float64, float64, Diagnostics) {
	if opts.Percentile == 0 {
		opts.Percentile = DefaultPercentile
	}

	field := make([]float64, len(img.Pix))
	for i, v := range img.Pix {
		field[i] = float64(v)
	}
	if opts.BlurSigma > 0 {
		field = gaussian2D(field, img.Rows, img.Cols, opts.BlurSigma)
	}
	threshold := percentileOf(field, opts.Percentile)

	mask := make([]bool, len(field))
	for i, v := range field {
		mask[i] = v > threshold
	}

	labels, largest, bbox := labelComponents(mask, img.Rows, img.Cols)
	diag := Diagnostics{
		Mask:    mask,
		Labels:  labels,
		Rows:    img.Rows,
		Cols:    img.Cols,
		Largest: largest,
		BBox:    bbox,
	}
	if largest == 0 {
		// nothing above threshold; degenerate frame
		return math.NaN(), math.NaN(), diag
	}
	row := float64(bbox[0]+bbox[2]) / 2
	col := float64(bbox[1]+bbox[3]) / 2
	return row, col, diag
}

// percentileOf returns the z-th percentile of the values with linear
// interpolation between ranks.
func percentileOf(vals []float64, z float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	pos := z / 100 * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	fractional := pos - float64(lo)
	return sorted[lo]*(1-fractional) + sorted[lo+1]*fractional
}

// gaussian2D applies a separable Gaussian blur to a row-major field.
func gaussian2D(field []float64, rows, cols int, sigma float64) []float64 {
	tmp := make([]float64, len(field))
	buf := make([]float64, cols)
	for r := 0; r < rows; r++ {
		copy(buf, field[r*cols:(r+1)*cols])
		for c, v := range gaussian1D(buf, sigma) {
			tmp[r*cols+c] = v
		}
	}
	out := make([]float64, len(field))
	column := make([]float64, rows)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			column[r] = tmp[r*cols+c]
		}
		for r, v := range gaussian1D(column, sigma) {
			out[r*cols+c] = v
		}
	}
	return out
}

// labelComponents labels 4-connected components of mask and returns the
// label image, the id of the largest component and its bounding box.
func labelComponents(mask []bool, rows, cols int) ([]int, int, [4]int) {
	labels := make([]int, len(mask))
	next := 0
	largest := 0
	largestArea := 0
	var bbox [4]int

	var stack []int
	for start := range mask {
		if !mask[start] || labels[start] != 0 {
			continue
		}
		next++
		area := 0
		minR, minC := rows, cols
		maxR, maxC := -1, -1
		stack = append(stack[:0], start)
		labels[start] = next
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			r, c := p/cols, p%cols
			area++
			if r < minR {
				minR = r
			}
			if r > maxR {
				maxR = r
			}
			if c < minC {
				minC = c
			}
			if c > maxC {
				maxC = c
			}
			for _, q := range [4]int{p - cols, p + cols, p - 1, p + 1} {
				if q < 0 || q >= len(mask) {
					continue
				}
				// don't wrap across row ends on horizontal moves
				if (q == p-1 || q == p+1) && q/cols != r {
					continue
				}
				if mask[q] && labels[q] == 0 {
					labels[q] = next
					stack = append(stack, q)
				}
			}
		}
		if area > largestArea {
			largestArea = area
			largest = next
			bbox = [4]int{minR, minC, maxR, maxC}
		}
	}
	return labels, largest, bbox
}

// Aggregate reduces per-frame centers to a single scan-level center: the
// per-axis median, which is robust against failed frames, plus the per-axis
// population standard deviation.  NaN estimates are excluded from both.
func Aggregate(centers [][2]float64) (median, std [2]float64) {
	for axis := 0; axis < 2; axis++ {
		vals := make([]float64, 0, len(centers))
		for _, c := range centers {
			if !math.IsNaN(c[axis]) {
				vals = append(vals, c[axis])
			}
		}
		if len(vals) == 0 {
			median[axis] = math.NaN()
			std[axis] = math.NaN()
			continue
		}
		sort.Float64s(vals)
		n := len(vals)
		if n%2 == 1 {
			median[axis] = vals[n/2]
		} else {
			median[axis] = (vals[n/2-1] + vals[n/2]) / 2
		}
		std[axis] = stat.PopStdDev(vals, nil)
	}
	return median, std
}
