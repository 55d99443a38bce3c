package convert

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/emtools/credconvert/formats"
	"github.com/emtools/credconvert/frame"
)

// WriteTIFF writes the frame with sequence number i to dir as a 16-bit
// TIFF named i.tiff (zero padded to five digits).  The frame header is
// serialized into the image description tag.
func (c *Converter) WriteTIFF(dir string, i int) error {
	img, h, err := c.lookup(i)
	if err != nil {
		return err
	}
	fn := filepath.Join(dir, fmt.Sprintf("%05d.tiff", i))
	return formats.WriteTIFF(fn, img, describeHeader(h))
}

// WriteSMV writes the frame with sequence number i to dir in SMV/ADSC
// format, named i.img.  The header carries the scan-level aggregate beam
// center rather than the per-frame one: DIALS reads the center from the
// first image and assumes it stationary, so every frame declares the same
// value.  BEAM_CENTER_X takes the internal column coordinate and
// BEAM_CENTER_Y the row, the SMV axis swap.
func (c *Converter) WriteSMV(dir string, i int) error {
	img, h, err := c.lookup(i)
	if err != nil {
		return err
	}

	phi := c.params.StartAngle + c.params.OscAngle*float64(i-1)

	date := "0"
	if !h.AcquiredAt.IsZero() {
		date = h.AcquiredAt.Format("2006-01-02 15:04:05")
	}

	header := formats.SMVHeader{
		Dim:         2,
		ByteOrder:   "little_endian",
		Type:        "unsigned_short",
		Size1:       c.cols,
		Size2:       c.rows,
		PixelSize:   c.cal.PhysicalPixelsize,
		Bin:         "1x1",
		BinType:     "HW",
		ADC:         "fast",
		Crev:        1,
		Beamline:    c.opts.Name,
		DetectorSN:  901, // special ID for DIALS
		Date:        date,
		Time:        strconv.FormatFloat(h.ExposureTime, 'g', -1, 64),
		Distance:    c.distance,
		TwoTheta:    0,
		Phi:         phi,
		OscStart:    phi,
		OscRange:    c.params.OscAngle,
		Wavelength:  c.cal.Wavelength,
		BeamCenterX: c.center[1],
		BeamCenterY: c.center[0],
		DenzoXBeam:  c.center[0] * c.cal.PhysicalPixelsize,
		DenzoYBeam:  c.center[1] * c.cal.PhysicalPixelsize,
	}

	fn := filepath.Join(dir, fmt.Sprintf("%05d.img", i))
	return formats.WriteADSC(fn, img, header)
}

// WriteMRC writes the frame with sequence number i to dir in MRC format,
// named i.mrc.  The image is flipped vertically first; REDp reads images
// from the bottom-left corner.
func (c *Converter) WriteMRC(dir string, i int) error {
	img, _, err := c.lookup(i)
	if err != nil {
		return err
	}
	fn := filepath.Join(dir, fmt.Sprintf("%05d.mrc", i))
	return formats.WriteMRC(fn, flipud(img))
}

// TIFFWriter writes every observed frame to dir in TIFF format.
func (c *Converter) TIFFWriter(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	for _, i := range c.observed.Sorted() {
		if err := c.WriteTIFF(dir, i); err != nil {
			return err
		}
	}
	log.Printf("TIFF files saved in folder: %s", dir)
	return nil
}

// SMVWriter writes every observed frame in SMV format to the configured
// subdirectory under dir.
func (c *Converter) SMVWriter(dir string) error {
	dir = filepath.Join(dir, c.opts.SMVSubdir)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	for _, i := range c.observed.Sorted() {
		if err := c.WriteSMV(dir, i); err != nil {
			return err
		}
	}
	log.Printf("SMV files saved in folder: %s", dir)
	return nil
}

// MRCWriter writes every observed frame to dir in MRC format.
func (c *Converter) MRCWriter(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	for _, i := range c.observed.Sorted() {
		if err := c.WriteMRC(dir, i); err != nil {
			return err
		}
	}
	log.Printf("MRC files saved in folder: %s", dir)
	return nil
}

// ThreadPoolWriter fans the per-frame writes out over a bounded worker
// pool.  A non-empty path enables the corresponding format; the SMV path
// gains the configured subdirectory.  All target directories are created
// before any worker starts, so no worker ever races on mkdir.  The first
// error from any worker is returned; remaining writes still run to
// completion.
func (c *Converter) ThreadPoolWriter(tiffDir, smvDir, mrcDir string, workers int) error {
	if workers < 1 {
		workers = 8
	}
	if smvDir != "" {
		smvDir = filepath.Join(smvDir, c.opts.SMVSubdir)
	}
	for _, dir := range []string{tiffDir, smvDir, mrcDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0777); err != nil {
			return err
		}
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, i := range c.observed.Sorted() {
		i := i
		if tiffDir != "" {
			g.Go(func() error { return c.WriteTIFF(tiffDir, i) })
		}
		if mrcDir != "" {
			g.Go(func() error { return c.WriteMRC(mrcDir, i) })
		}
		if smvDir != "" {
			g.Go(func() error { return c.WriteSMV(smvDir, i) })
		}
	}
	return g.Wait()
}

// WriteED3D writes the 1.ed3d scan description for REDp to dir.  The
// rotation axis is normalized to [-180, 180] degrees and the nominal tilt
// angle of frame i is start + sign*osc*i, sign negative for backward
// rotation.
func (c *Converter) WriteED3D(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}

	omega := c.params.RotationAxis * 180 / math.Pi
	omega = math.Mod(omega+180, 360)
	if omega < 0 {
		omega += 360
	}
	omega -= 180

	sign := 1.0
	if c.params.StartAngle > c.params.EndAngle {
		sign = -1.0
	}

	f, err := os.Create(filepath.Join(dir, "1.ed3d"))
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "WAVELENGTH    %g\n", c.cal.Wavelength)
	fmt.Fprintf(f, "ROTATIONAXIS    %f\n", omega)
	fmt.Fprintf(f, "CCDPIXELSIZE    %f\n", c.pixelsize)
	fmt.Fprintf(f, "GONIOTILTSTEP    %f\n", c.params.OscAngle)
	fmt.Fprintln(f, "BEAMTILTSTEP    0")
	fmt.Fprintln(f, "BEAMTILTRANGE    0.000")
	fmt.Fprintln(f, "STRETCHINGMP    0.0")
	fmt.Fprintln(f, "STRETCHINGAZIMUTH    0.0")
	fmt.Fprintln(f)
	fmt.Fprintln(f, "FILELIST")
	for _, i := range c.observed.Sorted() {
		angle := c.params.StartAngle + sign*c.params.OscAngle*float64(i)
		fmt.Fprintf(f, "FILE %05d.mrc    % 12.4f    0    % 12.4f\n", i, angle, angle)
	}
	fmt.Fprintln(f, "ENDFILELIST")
	return nil
}

// WriteBeamCenters writes the per-frame beam centers to beam_centers.txt
// in dir, one (row, col) pair per line for frames 1 through the last
// observed index.  Frames without an estimate (missing, or skipped by
// CenterSkip) get NaN.
func (c *Converter) WriteBeamCenters(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, "beam_centers.txt"))
	if err != nil {
		return err
	}
	defer f.Close()

	for i := 1; i <= c.observed.Max(); i++ {
		h, ok := c.headers[i]
		if !ok || !h.HasBeamCenter {
			fmt.Fprintf(f, "%10.4f %10.4f\n", math.NaN(), math.NaN())
			continue
		}
		fmt.Fprintf(f, "%10.4f %10.4f\n", h.BeamCenter[0], h.BeamCenter[1])
	}
	return nil
}

// WriteREDpShiftCorrection writes shifts.sc for REDp to dir: the aggregate
// beam center declared column-first, then a zero shift per observed frame.
func (c *Converter) WriteREDpShiftCorrection(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, "shifts.sc"))
	if err != nil {
		return err
	}
	defer f.Close()

	// column and row are switched around, y first
	fmt.Fprintf(f, " %.2f %.2f\n", c.center[1], c.center[0])
	for _, i := range c.observed.Sorted() {
		fmt.Fprintf(f, "%4d%8.2f%8.2f\n", i, 0.0, 0.0)
	}
	return nil
}

func (c *Converter) lookup(i int) (frame.Image, frame.Header, error) {
	img, ok := c.data[i]
	if !ok {
		return frame.Image{}, frame.Header{}, fmt.Errorf("convert: no frame with index %d", i)
	}
	return img, c.headers[i], nil
}

// describeHeader serializes the frame header for the TIFF description tag.
func describeHeader(h frame.Header) string {
	date := "0"
	if !h.AcquiredAt.IsZero() {
		date = h.AcquiredAt.Format("2006-01-02 15:04:05")
	}
	s := fmt.Sprintf("ImageExposureTime=%g\nImageGetTime=%s", h.ExposureTime, date)
	if h.HasBeamCenter {
		s += fmt.Sprintf("\nBeamCenter=%.4f %.4f", h.BeamCenter[0], h.BeamCenter[1])
	}
	return s
}

// flipud returns the image mirrored about its horizontal midline.
func flipud(img frame.Image) frame.Image {
	out := frame.NewImage(img.Rows, img.Cols)
	for r := 0; r < img.Rows; r++ {
		src := img.Pix[r*img.Cols : (r+1)*img.Cols]
		dst := out.Pix[(img.Rows-1-r)*img.Cols : (img.Rows-r)*img.Cols]
		copy(dst, src)
	}
	return out
}
