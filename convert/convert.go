/*Package convert turns a buffer of collected diffraction frames into the
file sets consumed by the crystallography processing programs: SMV/ADSC and
XDS.INP for XDS, SMV plus variable scripts for DIALS, MRC and ED3D for REDp,
and TIFF plus a .pts file for PETS.

A Converter is built once per scan.  Construction takes ownership of the
frame buffer, applies flat-field correction, derives the detector distance
from the calibration, and estimates the beam center; after that the write
methods may be called in any order and any number of times.  There is no
update path: a new scan means a new Converter.
*/
package convert

import (
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/emtools/credconvert/beamcenter"
	"github.com/emtools/credconvert/calib"
	"github.com/emtools/credconvert/frame"
)

// Params is the per-scan metadata handed over by the experiment driver.
// All fields are required.
type Params struct {
	// CameraLength is the virtual camera length in mm, used as the
	// calibration table key for the reciprocal pixel size.
	CameraLength float64

	// OscAngle is the oscillation (tilt step) per frame in degrees.
	OscAngle float64

	// StartAngle and EndAngle are the rotation limits in degrees.
	// StartAngle > EndAngle means the stage rotated backwards; the
	// writers flip sign conventions accordingly.
	StartAngle float64
	EndAngle   float64

	// RotationAxis is the position of the rotation axis in radians.
	RotationAxis float64

	// AcquisitionTime is seconds per frame, exposure plus overhead.
	AcquisitionTime float64

	// Method is a free-form description of the collection mode, e.g.
	// "continuous-rotation 3D ED".  The PETS writer derives its geometry
	// keyword from it.
	Method string
}

// Options are the optional knobs of a conversion.  The zero value is usable;
// CheckSettings fills the documented defaults.
type Options struct {
	// Flatfield is the blank-beam reference image.  Nil disables the
	// correction.
	Flatfield *frame.Image

	// UseBeamstop switches beam-center estimation to the segmentation
	// path for patterns with a beamstop shadow.
	UseBeamstop bool

	// Beamstop tunes the segmentation; the zero value uses the package
	// defaults.
	Beamstop beamcenter.BeamstopOptions

	// CenterSkip computes the beam center on every CenterSkip-th frame
	// only, as a cost control on large scans.  Zero or one means every
	// frame.
	CenterSkip int

	// StretchCorrection enables emission of the XDS geometric-correction
	// tables from the calibration's stretch parameters.
	StretchCorrection bool

	// Profile selects the XDS template variant.  Nil means BaseProfile.
	Profile *TemplateProfile

	// Name identifies the instrument in SMV headers (the BEAMLINE key,
	// which DIALS uses for format detection).  Defaults to "credconvert".
	Name string

	// SMVSubdir is the subdirectory under the SMV target path that
	// receives the .img files.  Defaults to "data".
	SMVSubdir string
}

// UntrustedKind enumerates the XDS untrusted-area shapes.
type UntrustedKind string

// The untrusted-area shapes XDS understands.
const (
	Rectangle     UntrustedKind = "rectangle"
	Ellipse       UntrustedKind = "ellipse"
	Quadrilateral UntrustedKind = "quadrilateral"
)

// UntrustedArea is a detector region excluded from integration, e.g. the
// beamstop shadow.  Coords are (row, col) pairs in the internal convention;
// rectangles and ellipses take two corners, quadrilaterals four vertices.
type UntrustedArea struct {
	Kind   UntrustedKind
	Coords [][2]float64
}

// Converter owns one scan's frames and emits the output file sets.
type Converter struct {
	data    map[int]frame.Image
	headers map[int]frame.Header

	observed frame.Set
	complete frame.Set
	missing  frame.Set

	rows, cols int

	cal       calib.Calibration
	pixelsize float64
	// calibrated reports whether pixelsize came from the calibration
	// table or the degraded fallback of 1.
	calibrated bool
	distance   float64

	params Params
	opts   Options

	untrusted []UntrustedArea

	// center is the scan-level aggregate beam center (row, col), the
	// median over per-frame estimates.  centerStd is the per-axis
	// standard deviation.
	center    [2]float64
	centerStd [2]float64
}

// New drains buf and builds a Converter for one scan.  The buffer is empty
// afterwards.  Frame indices must be unique and >= 1 and all images must
// share one shape; violations are errors.  A flat-field shape mismatch and
// an uncalibrated camera length are degraded modes: both log a warning and
// continue.
func New(buf *frame.Buffer, cal calib.Calibration, p Params, opts Options) (*Converter, error) {
	frames := buf.Drain()
	if len(frames) == 0 {
		return nil, fmt.Errorf("convert: empty frame buffer")
	}

	c := &Converter{
		data:    make(map[int]frame.Image, len(frames)),
		headers: make(map[int]frame.Header, len(frames)),
		cal:     cal,
		params:  p,
		opts:    opts,
	}

	c.rows, c.cols = frames[0].Image.Shape()
	ffWarned := false
	for _, fr := range frames {
		if fr.Index < 1 {
			return nil, fmt.Errorf("convert: frame index %d out of range, must be >= 1", fr.Index)
		}
		if _, dup := c.data[fr.Index]; dup {
			return nil, fmt.Errorf("convert: duplicate frame index %d", fr.Index)
		}
		r, cl := fr.Image.Shape()
		if r != c.rows || cl != c.cols {
			return nil, fmt.Errorf("convert: frame %d shape (%d, %d) differs from scan shape (%d, %d)",
				fr.Index, r, cl, c.rows, c.cols)
		}

		img := fr.Image
		if opts.Flatfield != nil {
			corrected, err := frame.ApplyFlatfield(img, *opts.Flatfield)
			if err != nil {
				if !ffWarned {
					log.Printf("skipping flat-field correction: %v", err)
					ffWarned = true
				}
			} else {
				img = corrected
			}
		}
		c.data[fr.Index] = img
		c.headers[fr.Index] = fr.Header
	}

	c.observed = make(frame.Set, len(c.data))
	for i := range c.data {
		c.observed[i] = struct{}{}
	}
	c.complete = frame.CompleteSpan(c.observed)
	c.missing = frame.Missing(c.observed)

	c.pixelsize, c.calibrated = cal.PixelsizeFor(p.CameraLength)
	if !c.calibrated {
		log.Printf("no calibrated pixelsize for camera length=%v, setting pixelsize to 1", p.CameraLength)
	}
	c.distance = (1 / cal.Wavelength) * (cal.PhysicalPixelsize / c.pixelsize)

	if err := c.CheckSettings(); err != nil {
		return nil, err
	}

	c.center, c.centerStd = c.beamCenters()
	return c, nil
}

// CheckSettings validates the required scan and calibration values and fills
// the defaults for the optional ones.  It is called during New; calling it
// again is harmless.
func (c *Converter) CheckSettings() error {
	if c.opts.Name == "" {
		c.opts.Name = "credconvert"
	}
	if c.opts.SMVSubdir == "" {
		c.opts.SMVSubdir = "data"
	}
	if c.opts.CenterSkip < 1 {
		c.opts.CenterSkip = 1
	}
	if c.opts.Profile == nil {
		prof := BaseProfile()
		c.opts.Profile = &prof
	}

	switch {
	case c.params.OscAngle == 0:
		return fmt.Errorf("convert: oscillation angle is required")
	case c.params.AcquisitionTime <= 0:
		return fmt.Errorf("convert: acquisition time is required")
	case c.cal.Wavelength <= 0:
		return fmt.Errorf("convert: calibration wavelength is required")
	case c.cal.PhysicalPixelsize <= 0:
		return fmt.Errorf("convert: calibration physical pixelsize is required")
	case c.pixelsize <= 0:
		return fmt.Errorf("convert: pixelsize must be positive, got %v", c.pixelsize)
	}

	if c.opts.StretchCorrection && c.cal.Stretch.Amplitude == 0 {
		return fmt.Errorf("convert: stretch correction requested but calibration has no stretch amplitude")
	}
	return nil
}

// beamCenters estimates the beam center on every CenterSkip-th observed
// frame, stores the per-frame result in the frame header, and aggregates
// the estimates into a median and standard deviation.
func (c *Converter) beamCenters() ([2]float64, [2]float64) {
	indices := c.observed.Sorted()
	centers := make([][2]float64, 0, len(indices))
	for n, i := range indices {
		if n%c.opts.CenterSkip != 0 {
			continue
		}
		var row, col float64
		if c.opts.UseBeamstop {
			row, col = beamcenter.FindWithBeamstop(c.data[i], c.opts.Beamstop)
		} else {
			row, col = beamcenter.Find(c.data[i], beamcenter.DefaultSigma, beamcenter.DefaultOversample)
		}
		h := c.headers[i]
		h.BeamCenter = [2]float64{row, col}
		h.HasBeamCenter = true
		c.headers[i] = h
		centers = append(centers, [2]float64{row, col})
	}
	return beamcenter.Aggregate(centers)
}

// BeamCenter returns the scan-level aggregate beam center as (row, col)
// and its per-axis standard deviation.
func (c *Converter) BeamCenter() (center, std [2]float64) {
	return c.center, c.centerStd
}

// Observed returns the sorted observed frame indices.
func (c *Converter) Observed() []int {
	return c.observed.Sorted()
}

// Missing returns the sorted indices absent from the contiguous span of
// observed frames.
func (c *Converter) Missing() []int {
	return c.missing.Sorted()
}

// AddBeamstop records the beamstop shadow as an untrusted quadrilateral.
// rect is the four corners as (row, col) pairs.
func (c *Converter) AddBeamstop(rect [4][2]float64) {
	c.untrusted = append(c.untrusted, UntrustedArea{
		Kind:   Quadrilateral,
		Coords: rect[:],
	})
}

// AddUntrustedArea records an arbitrary untrusted detector region for the
// XDS writer.  The shape constraints (two corners for rectangles and
// ellipses, four vertices for quadrilaterals) are checked at write time.
func (c *Converter) AddUntrustedArea(a UntrustedArea) {
	c.untrusted = append(c.untrusted, a)
}

// RotationAxisXYZ converts the rotation-axis angle (radians) to the unit
// vector convention of the named consumer, "xds" or "dials".  XDS negates
// the Y component; invert adds half a turn for scans rotated backwards.
func RotationAxisXYZ(axis float64, invert bool, setting string) (x, y, z float64, err error) {
	if invert {
		axis += math.Pi
	}
	sin, cos := math.Sincos(axis)
	switch setting {
	case "dials":
		return cos, sin, 0, nil
	case "xds":
		return cos, -sin, 0, nil
	default:
		return 0, 0, 0, fmt.Errorf("convert: unknown rotation axis setting %q, must be xds or dials", setting)
	}
}

// xdsUntrustedArea renders one untrusted area in XDS's syntax.  XDS swaps
// X and Y relative to the internal (row, col) convention and takes integer
// pixel coordinates.
func xdsUntrustedArea(a UntrustedArea) (string, error) {
	round := func(v float64) int { return int(math.Round(v)) }
	switch a.Kind {
	case Rectangle, Ellipse:
		if len(a.Coords) != 2 {
			return "", fmt.Errorf("convert: %s untrusted area needs 2 corners, got %d", a.Kind, len(a.Coords))
		}
		r0, c0 := a.Coords[0][0], a.Coords[0][1]
		r1, c1 := a.Coords[1][0], a.Coords[1][1]
		key := strings.ToUpper(string(a.Kind))
		return fmt.Sprintf("UNTRUSTED_%s= %d %d %d %d", key,
			round(c0), round(c1), round(r0), round(r1)), nil
	case Quadrilateral:
		if len(a.Coords) != 4 {
			return "", fmt.Errorf("convert: quadrilateral untrusted area needs 4 vertices, got %d", len(a.Coords))
		}
		parts := make([]string, 0, len(a.Coords))
		for _, rc := range a.Coords {
			parts = append(parts, fmt.Sprintf("%d %d", round(rc[1]), round(rc[0])))
		}
		return "UNTRUSTED_QUADRILATERAL= " + strings.Join(parts, " "), nil
	default:
		return "", fmt.Errorf("convert: unknown untrusted area kind %q", a.Kind)
	}
}
