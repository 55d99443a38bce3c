package formats_test

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/emtools/credconvert/formats"
	"github.com/emtools/credconvert/frame"
)

func randomImage(rows, cols int, seed int64) frame.Image {
	rng := rand.New(rand.NewSource(seed))
	img := frame.NewImage(rows, cols)
	for i := range img.Pix {
		img.Pix[i] = uint16(rng.Intn(65536))
	}
	return img
}

func testHeader() formats.SMVHeader {
	return formats.SMVHeader{
		HeaderBytes: 512,
		Dim:         2,
		ByteOrder:   "little_endian",
		Type:        "unsigned_short",
		Size1:       96,
		Size2:       96,
		PixelSize:   0.05,
		Bin:         "1x1",
		BinType:     "HW",
		ADC:         "fast",
		Crev:        1,
		Beamline:    "credconvert",
		DetectorSN:  901,
		Date:        "2026-08-30 10:00:00",
		Time:        "0.5",
		Distance:    1024.1234,
		Phi:         1.25,
		OscStart:    1.25,
		OscRange:    0.5,
		Wavelength:  0.0251,
		BeamCenterX: 48.1234,
		BeamCenterY: 47.9876,
		DenzoXBeam:  2.3994,
		DenzoYBeam:  2.4062,
	}
}

func TestADSCRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "00001.img")
	img := randomImage(96, 96, 1)
	h := testHeader()

	if err := formats.WriteADSC(fn, img, h); err != nil {
		t.Fatalf("write: %v", err)
	}

	back, rawHeader, err := formats.ReadADSC(fn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if back.Rows != 96 || back.Cols != 96 {
		t.Fatalf("shape changed: got (%d, %d)", back.Rows, back.Cols)
	}
	for i := range img.Pix {
		if img.Pix[i] != back.Pix[i] {
			t.Fatalf("pixel %d changed: %d != %d", i, img.Pix[i], back.Pix[i])
		}
	}

	// numeric fields must stringify identically to what was written
	for key, want := range map[string]string{
		"HEADER_BYTES":  "512",
		"DISTANCE":      "1024.1234",
		"WAVELENGTH":    "0.0251",
		"BEAM_CENTER_X": "48.1234",
		"BEAM_CENTER_Y": "47.9876",
		"OSC_RANGE":     "0.5000",
	} {
		if got := rawHeader[key]; got != want {
			t.Errorf("header %s = %q, want %q", key, got, want)
		}
	}
}

func TestADSCHeaderIsMultipleOf512(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "frame.img")
	img := randomImage(32, 32, 2)
	h := testHeader()
	h.HeaderBytes = 0 // force the computed size path
	h.Size1, h.Size2 = 32, 32

	if err := formats.WriteADSC(fn, img, h); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	headerLen := len(raw) - 2*32*32
	if headerLen%512 != 0 {
		t.Errorf("header length %d is not a multiple of 512", headerLen)
	}
}

func TestADSCBigEndianRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "be.img")
	img := randomImage(16, 16, 3)
	h := testHeader()
	h.ByteOrder = "big_endian"
	h.Size1, h.Size2 = 16, 16

	if err := formats.WriteADSC(fn, img, h); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, rawHeader, err := formats.ReadADSC(fn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rawHeader["BYTE_ORDER"] != "big_endian" {
		t.Errorf("byte order not preserved: %q", rawHeader["BYTE_ORDER"])
	}
	for i := range img.Pix {
		if img.Pix[i] != back.Pix[i] {
			t.Fatalf("pixel %d changed under big-endian round trip", i)
		}
	}
}

func TestMRCRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "00001.mrc")
	img := randomImage(64, 48, 4)

	if err := formats.WriteMRC(fn, img); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := os.Stat(fn)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(1024 + 2*64*48); info.Size() != want {
		t.Errorf("file size %d, want %d (1024-byte header + payload)", info.Size(), want)
	}

	back, err := formats.ReadMRC(fn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if back.Rows != 64 || back.Cols != 48 {
		t.Fatalf("shape changed: got (%d, %d)", back.Rows, back.Cols)
	}
	for i := range img.Pix {
		if img.Pix[i] != back.Pix[i] {
			t.Fatalf("pixel %d changed: %d != %d", i, img.Pix[i], back.Pix[i])
		}
	}
}

func TestCBFRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "XCORR.cbf")

	rows, cols := 40, 30
	data := make([]int32, rows*cols)
	rng := rand.New(rand.NewSource(5))
	for i := range data {
		// mix of small deltas and jumps that need 16- and 32-bit escapes
		switch i % 97 {
		case 0:
			data[i] = int32(rng.Intn(1<<30)) - 1<<29
		case 13:
			data[i] = int32(rng.Intn(1 << 14))
		default:
			data[i] = int32(rng.Intn(200)) - 100
		}
	}

	if err := formats.WriteCBF(fn, data, rows, cols); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, r, c, err := formats.ReadCBF(fn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if r != rows || c != cols {
		t.Fatalf("shape changed: got (%d, %d)", r, c)
	}
	for i := range data {
		if data[i] != back[i] {
			t.Fatalf("element %d changed: %d != %d", i, data[i], back[i])
		}
	}
}

func TestCBFRejectsBadShape(t *testing.T) {
	if err := formats.WriteCBF(filepath.Join(t.TempDir(), "x.cbf"), make([]int32, 10), 3, 4); err == nil {
		t.Error("expected shape mismatch error, got nil")
	}
}

func TestTIFFRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "00001.tiff")
	img := randomImage(32, 24, 6)

	if err := formats.WriteTIFF(fn, img, "exposure: 0.5\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := formats.ReadTIFF(fn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if back.Rows != 32 || back.Cols != 24 {
		t.Fatalf("shape changed: got (%d, %d)", back.Rows, back.Cols)
	}
	for i := range img.Pix {
		if img.Pix[i] != back.Pix[i] {
			t.Fatalf("pixel %d changed: %d != %d", i, img.Pix[i], back.Pix[i])
		}
	}
}

func TestTIFFDescriptionEmbedded(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "desc.tiff")
	img := randomImage(8, 8, 7)
	const desc = "exposure_time: 0.5\nindex: 3\n"

	if err := formats.WriteTIFF(fn, img, desc); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte(desc)) {
		t.Error("description block not found in TIFF bytes")
	}
}
