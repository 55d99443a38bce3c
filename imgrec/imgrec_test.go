package imgrec_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emtools/credconvert/frame"
	"github.com/emtools/credconvert/imgrec"
)

func testFrame() (frame.Image, frame.Header) {
	img := frame.NewImage(8, 8)
	for i := range img.Pix {
		img.Pix[i] = uint16(i)
	}
	h := frame.Header{
		ExposureTime: 0.5,
		AcquiredAt:   time.Date(2024, 3, 14, 10, 30, 0, 0, time.UTC),
	}
	return img, h
}

func TestSaveFrameWritesDatedFolder(t *testing.T) {
	root := t.TempDir()
	r := &imgrec.Recorder{Root: root, Prefix: "scan-"}
	img, h := testFrame()
	fn, err := r.SaveFrame(img, h)
	if err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}
	if _, err := os.Stat(fn); err != nil {
		t.Fatalf("written file missing: %v", err)
	}
	rel, err := filepath.Rel(root, fn)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 {
		t.Fatalf("expected dated subfolder, got %s", rel)
	}
	if !strings.HasPrefix(parts[1], "scan-") || !strings.HasSuffix(parts[1], ".fits") {
		t.Errorf("unexpected filename %s", parts[1])
	}
}

func TestIncrScansExisting(t *testing.T) {
	root := t.TempDir()
	r := &imgrec.Recorder{Root: root, Prefix: "scan-"}
	img, h := testFrame()
	if _, err := r.SaveFrame(img, h); err != nil {
		t.Fatal(err)
	}
	r.Incr()
	fn, err := r.SaveFrame(img, h)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(fn, "scan-000001.fits") {
		t.Errorf("counter did not advance past existing file, got %s", fn)
	}
}
