package convert_test

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emtools/credconvert/calib"
	"github.com/emtools/credconvert/convert"
	"github.com/emtools/credconvert/formats"
	"github.com/emtools/credconvert/frame"
)

func gaussianFrame(rows, cols int, r0, c0 float64) frame.Image {
	img := frame.NewImage(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			d2 := (float64(r)-r0)*(float64(r)-r0) + (float64(c)-c0)*(float64(c)-c0)
			img.Set(r, c, uint16(10+2000*math.Exp(-d2/8)))
		}
	}
	return img
}

func testCalibration() calib.Calibration {
	cal := calib.Defaults()
	cal.Pixelsize = map[int]float64{300: 0.00952}
	cal.Stretch = calib.Stretch{Azimuth: 83.37, Amplitude: 2.43}
	return cal
}

func testParams() convert.Params {
	return convert.Params{
		CameraLength:    300,
		OscAngle:        0.5,
		StartAngle:      0,
		EndAngle:        5,
		RotationAxis:    1.0,
		AcquisitionTime: 0.6,
		Method:          "continuous-rotation 3D ED",
	}
}

// newTestConverter builds a scan of frames 1-10 with frame 5 dropped and a
// beam at (32.3, 30.8).
func newTestConverter(t *testing.T, p convert.Params, opts convert.Options) *convert.Converter {
	t.Helper()
	var buf frame.Buffer
	for i := 1; i <= 10; i++ {
		if i == 5 {
			continue
		}
		buf.Push(i, gaussianFrame(64, 64, 32.3, 30.8), frame.Header{
			ExposureTime: 0.5,
			AcquiredAt:   time.Date(2024, 3, 14, 10, 30, 0, 0, time.UTC),
		})
	}
	c, err := convert.New(&buf, testCalibration(), p, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func countFiles(t *testing.T, dir, suffix string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			n++
		}
	}
	return n
}

func TestFullScanConversion(t *testing.T) {
	c := newTestConverter(t, testParams(), convert.Options{})
	dir := t.TempDir()

	if err := c.SMVWriter(dir); err != nil {
		t.Fatalf("SMVWriter: %v", err)
	}
	if n := countFiles(t, filepath.Join(dir, "data"), ".img"); n != 9 {
		t.Errorf("expected 9 .img files, got %d", n)
	}

	if err := c.WriteXDSInp(dir); err != nil {
		t.Fatalf("WriteXDSInp: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "XDS.INP"))
	if err != nil {
		t.Fatal(err)
	}
	inp := string(b)
	if !strings.Contains(inp, "EXCLUDE_DATA_RANGE=5 5") {
		t.Errorf("XDS.INP missing exclude directive for dropped frame:\n%s", inp)
	}
	if !strings.Contains(inp, "DATA_RANGE=           1 10") {
		t.Errorf("XDS.INP data range should span the full sequence:\n%s", inp)
	}
	if !strings.Contains(inp, "NAME_TEMPLATE_OF_DATA_FRAMES= data/?????.img") {
		t.Errorf("XDS.INP should reference the data subdirectory:\n%s", inp)
	}

	if err := c.WriteED3D(dir); err != nil {
		t.Fatalf("WriteED3D: %v", err)
	}
	b, err = os.ReadFile(filepath.Join(dir, "1.ed3d"))
	if err != nil {
		t.Fatal(err)
	}
	ed3d := string(b)
	if n := strings.Count(ed3d, "FILE 0"); n != 9 {
		t.Errorf("expected 9 FILE entries in 1.ed3d, got %d", n)
	}
	if strings.Contains(ed3d, "FILE 00005.mrc") {
		t.Error("1.ed3d lists the dropped frame")
	}
	// nominal angle of frame 10 is 0 + 0.5*10
	if !strings.Contains(ed3d, "FILE 00010.mrc          5.0000") {
		t.Errorf("frame 10 nominal angle wrong:\n%s", ed3d)
	}
}

func TestSMVBeamCenterSwap(t *testing.T) {
	var buf frame.Buffer
	// deliberately asymmetric beam position so the axes cannot be confused
	for i := 1; i <= 3; i++ {
		buf.Push(i, gaussianFrame(64, 64, 20.6, 40.2), frame.Header{ExposureTime: 0.5})
	}
	c, err := convert.New(&buf, testCalibration(), testParams(), convert.Options{})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := c.WriteSMV(dir, 1); err != nil {
		t.Fatal(err)
	}
	_, header, err := formats.ReadADSC(filepath.Join(dir, "00001.img"))
	if err != nil {
		t.Fatal(err)
	}

	bcx, _ := strconv.ParseFloat(header["BEAM_CENTER_X"], 64)
	bcy, _ := strconv.ParseFloat(header["BEAM_CENTER_Y"], 64)
	// BEAM_CENTER_X must carry the internal column coordinate and
	// BEAM_CENTER_Y the row, never the other way around
	if math.Abs(bcx-40.2) > 1 {
		t.Errorf("BEAM_CENTER_X = %v, want the column coordinate ~40.2", bcx)
	}
	if math.Abs(bcy-20.6) > 1 {
		t.Errorf("BEAM_CENTER_Y = %v, want the row coordinate ~20.6", bcy)
	}
}

func TestToDIALSRestoresState(t *testing.T) {
	c := newTestConverter(t, testParams(), convert.Options{})
	dir := t.TempDir()

	before := len(c.Observed())
	if err := c.ToDIALS(dir); err != nil {
		t.Fatalf("ToDIALS: %v", err)
	}
	if after := len(c.Observed()); after != before {
		t.Errorf("observed set changed from %d to %d entries", before, after)
	}

	if _, err := os.Stat(filepath.Join(dir, "data", "00005.img")); err != nil {
		t.Errorf("placeholder for missing frame not written: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "dials_variables.sh"))
	if err != nil {
		t.Fatal(err)
	}
	sh := string(b)
	if !strings.Contains(sh, "scan_range=1,4 scan_range=6,10") {
		t.Errorf("scan ranges wrong:\n%s", sh)
	}
	if !strings.Contains(sh, "exclude_images=5") {
		t.Errorf("exclude images wrong:\n%s", sh)
	}
	if _, err := os.Stat(filepath.Join(dir, "dials_variables.bat")); err != nil {
		t.Errorf("batch variant not written: %v", err)
	}

	// a subsequent SMV pass must still write only the observed frames
	smvDir := t.TempDir()
	if err := c.SMVWriter(smvDir); err != nil {
		t.Fatal(err)
	}
	if n := countFiles(t, filepath.Join(smvDir, "data"), ".img"); n != 9 {
		t.Errorf("expected 9 .img files after ToDIALS, got %d", n)
	}
}

func TestThreadPoolWriter(t *testing.T) {
	c := newTestConverter(t, testParams(), convert.Options{})
	tiffDir := t.TempDir()
	smvDir := t.TempDir()
	mrcDir := t.TempDir()

	if err := c.ThreadPoolWriter(tiffDir, smvDir, mrcDir, 4); err != nil {
		t.Fatalf("ThreadPoolWriter: %v", err)
	}
	if n := countFiles(t, tiffDir, ".tiff"); n != 9 {
		t.Errorf("expected 9 .tiff files, got %d", n)
	}
	if n := countFiles(t, filepath.Join(smvDir, "data"), ".img"); n != 9 {
		t.Errorf("expected 9 .img files, got %d", n)
	}
	if n := countFiles(t, mrcDir, ".mrc"); n != 9 {
		t.Errorf("expected 9 .mrc files, got %d", n)
	}
}

func TestED3DInvertedRotation(t *testing.T) {
	p := testParams()
	p.StartAngle = 5
	p.EndAngle = 0
	c := newTestConverter(t, p, convert.Options{})
	dir := t.TempDir()
	if err := c.WriteED3D(dir); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "1.ed3d"))
	if err != nil {
		t.Fatal(err)
	}
	// backward rotation: frame 1 sits at 5 - 0.5*1
	if !strings.Contains(string(b), "FILE 00001.mrc          4.5000") {
		t.Errorf("inverted rotation sign not applied:\n%s", string(b))
	}
}

func TestRotationAxisXYZ(t *testing.T) {
	axis := 0.4
	x, y, z, err := convert.RotationAxisXYZ(axis, false, "xds")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(x-math.Cos(axis)) > 1e-12 || math.Abs(y+math.Sin(axis)) > 1e-12 || z != 0 {
		t.Errorf("xds axis = (%v, %v, %v), want (cos, -sin, 0)", x, y, z)
	}

	x, y, _, err = convert.RotationAxisXYZ(axis, false, "dials")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(x-math.Cos(axis)) > 1e-12 || math.Abs(y-math.Sin(axis)) > 1e-12 {
		t.Errorf("dials axis = (%v, %v), want (cos, sin)", x, y)
	}

	x, _, _, err = convert.RotationAxisXYZ(axis, true, "xds")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(x-math.Cos(axis+math.Pi)) > 1e-12 {
		t.Errorf("inverted axis x = %v, want cos(axis+pi)", x)
	}

	if _, _, _, err := convert.RotationAxisXYZ(axis, false, "mosflm"); err == nil {
		t.Error("expected error for unknown setting")
	}
}

func TestNewRejectsMissingRequired(t *testing.T) {
	p := testParams()
	p.OscAngle = 0
	var buf frame.Buffer
	buf.Push(1, gaussianFrame(32, 32, 16, 16), frame.Header{})
	if _, err := convert.New(&buf, testCalibration(), p, convert.Options{}); err == nil {
		t.Error("expected error for zero oscillation angle")
	}

	var empty frame.Buffer
	if _, err := convert.New(&empty, testCalibration(), testParams(), convert.Options{}); err == nil {
		t.Error("expected error for empty buffer")
	}
}

func TestStretchRequiresCalibration(t *testing.T) {
	cal := testCalibration()
	cal.Stretch = calib.Stretch{}
	var buf frame.Buffer
	buf.Push(1, gaussianFrame(32, 32, 16, 16), frame.Header{})
	_, err := convert.New(&buf, cal, testParams(), convert.Options{StretchCorrection: true})
	if err == nil {
		t.Error("expected error when stretch correction lacks calibration")
	}
}

func TestPixelsizeFallback(t *testing.T) {
	p := testParams()
	p.CameraLength = 999 // not in the calibration table
	c := newTestConverter(t, p, convert.Options{})
	dir := t.TempDir()
	if err := c.WriteSMV(dir, 1); err != nil {
		t.Fatal(err)
	}
	_, header, err := formats.ReadADSC(filepath.Join(dir, "00001.img"))
	if err != nil {
		t.Fatal(err)
	}
	cal := testCalibration()
	want := fmt.Sprintf("%.4f", (1/cal.Wavelength)*cal.PhysicalPixelsize)
	if header["DISTANCE"] != want {
		t.Errorf("DISTANCE = %s, want %s from the pixelsize=1 fallback", header["DISTANCE"], want)
	}
}

func TestUntrustedAreas(t *testing.T) {
	c := newTestConverter(t, testParams(), convert.Options{})
	c.AddBeamstop([4][2]float64{{10, 20}, {10, 30}, {50, 30}, {50, 20}})
	c.AddUntrustedArea(convert.UntrustedArea{
		Kind:   convert.Rectangle,
		Coords: [][2]float64{{10, 20}, {15, 30}},
	})
	c.AddUntrustedArea(convert.UntrustedArea{
		Kind:   convert.Ellipse,
		Coords: [][2]float64{{40.4, 12.6}, {48.1, 19.9}},
	})

	dir := t.TempDir()
	if err := c.WriteXDSInp(dir); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "XDS.INP"))
	if err != nil {
		t.Fatal(err)
	}
	inp := string(b)
	// coordinates are rounded and column-first in XDS syntax
	if !strings.Contains(inp, "UNTRUSTED_QUADRILATERAL= 20 10 30 10 30 50 20 50") {
		t.Errorf("quadrilateral directive wrong:\n%s", inp)
	}
	if !strings.Contains(inp, "UNTRUSTED_RECTANGLE= 20 30 10 15") {
		t.Errorf("rectangle directive wrong:\n%s", inp)
	}
	if !strings.Contains(inp, "UNTRUSTED_ELLIPSE= 13 20 40 48") {
		t.Errorf("ellipse directive wrong:\n%s", inp)
	}

	c.AddUntrustedArea(convert.UntrustedArea{Kind: "hexagon"})
	if err := c.WriteXDSInp(dir); err == nil {
		t.Error("expected error for unknown untrusted area kind")
	}
}

func TestWritePETSInp(t *testing.T) {
	c := newTestConverter(t, testParams(), convert.Options{})
	dir := t.TempDir()
	if err := c.WritePETSInp(dir, "tiff"); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "pets.pts"))
	if err != nil {
		t.Fatal(err)
	}
	pts := string(b)
	if !strings.Contains(pts, "geometry continuous") {
		t.Errorf("geometry keyword missing:\n%s", pts)
	}
	// phi is half the oscillation angle
	if !strings.Contains(pts, "phi 0.2500") {
		t.Errorf("phi should be osc/2:\n%s", pts)
	}
	if n := strings.Count(pts, "tiff/0"); n != 9 {
		t.Errorf("expected 9 imagelist entries, got %d", n)
	}
	if !strings.Contains(pts, "endimagelist") {
		t.Error("imagelist not terminated")
	}
}

func TestWriteBeamCenters(t *testing.T) {
	c := newTestConverter(t, testParams(), convert.Options{})
	dir := t.TempDir()
	if err := c.WriteBeamCenters(dir); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "beam_centers.txt"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(lines))
	}
	if !strings.Contains(lines[4], "NaN") {
		t.Errorf("dropped frame row should be NaN, got %q", lines[4])
	}
	if strings.Contains(lines[0], "NaN") {
		t.Errorf("observed frame row should hold an estimate, got %q", lines[0])
	}
}

func TestWriteREDpShiftCorrection(t *testing.T) {
	c := newTestConverter(t, testParams(), convert.Options{})
	dir := t.TempDir()
	if err := c.WriteREDpShiftCorrection(dir); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "shifts.sc"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) != 10 {
		t.Fatalf("expected header plus 9 rows, got %d lines", len(lines))
	}
	center, _ := c.BeamCenter()
	// first line declares the center column-first
	want := fmt.Sprintf(" %.2f %.2f", center[1], center[0])
	if lines[0] != want {
		t.Errorf("center line = %q, want %q", lines[0], want)
	}
}

func TestWriteGeometricCorrectionFiles(t *testing.T) {
	c := newTestConverter(t, testParams(), convert.Options{StretchCorrection: true})
	dir := t.TempDir()
	if err := c.WriteGeometricCorrectionFiles(dir); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"XCORR.cbf", "YCORR.cbf"} {
		data, rows, cols, err := formats.ReadCBF(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if rows != 64 || cols != 64 || len(data) != 64*64 {
			t.Errorf("%s shape = (%d, %d) len %d, want 64x64", name, rows, cols, len(data))
		}
	}
}

func TestCenterSkip(t *testing.T) {
	c := newTestConverter(t, testParams(), convert.Options{CenterSkip: 3})
	dir := t.TempDir()
	if err := c.WriteBeamCenters(dir); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "beam_centers.txt"))
	if err != nil {
		t.Fatal(err)
	}
	nan := strings.Count(string(b), "NaN")
	// 9 observed frames, every 3rd estimated -> 3 estimates, 6 skipped
	// rows plus the missing frame, two NaN per row
	if nan != 14 {
		t.Errorf("expected 14 NaN fields, got %d", nan)
	}

	center, _ := c.BeamCenter()
	if math.Abs(center[0]-32.3) > 1 || math.Abs(center[1]-30.8) > 1 {
		t.Errorf("aggregate center = %v, want ~(32.3, 30.8)", center)
	}
}
