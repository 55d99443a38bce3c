package stretch_test

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/emtools/credconvert/frame"
	"github.com/emtools/credconvert/stretch"
)

func TestZeroAmplitudeIsIdentityOnImage(t *testing.T) {
	img := frame.NewImage(32, 32)
	for i := range img.Pix {
		img.Pix[i] = uint16(i % 1000)
	}
	for _, azimuth := range []float64{0, 0.7, math.Pi / 2, 5.1} {
		tf := stretch.EllipseToCircle(azimuth, 0)
		out, err := stretch.ApplyToImage(img, tf, [2]float64{15.5, 15.5})
		if err != nil {
			t.Fatalf("azimuth %f: unexpected error: %v", azimuth, err)
		}
		for i := range img.Pix {
			if out.Pix[i] != img.Pix[i] {
				t.Errorf("azimuth %f: pixel %d changed under zero-amplitude transform: %d != %d",
					azimuth, i, out.Pix[i], img.Pix[i])
				break
			}
		}
	}
}

func TestForwardInverseComposeToIdentity(t *testing.T) {
	for _, azimuth := range []float64{0, 1, 2.5, 4, 6.1} {
		for _, amplitude := range []float64{0, 0.01, 0.1, 0.3, 0.49} {
			fwd := stretch.EllipseToCircle(azimuth, amplitude)
			inv := stretch.CircleToEllipse(azimuth, amplitude)
			var prod mat.Dense
			prod.Mul(fwd, inv)
			for i := 0; i < 2; i++ {
				for j := 0; j < 2; j++ {
					want := 0.0
					if i == j {
						want = 1.0
					}
					if math.Abs(prod.At(i, j)-want) > 1e-12 {
						t.Errorf("az=%f amp=%f: product[%d][%d] = %g, want %g",
							azimuth, amplitude, i, j, prod.At(i, j), want)
					}
				}
			}
		}
	}
}

func TestApplyToImageRejectsBadShape(t *testing.T) {
	img := frame.NewImage(8, 8)
	bad := mat.NewDense(3, 3, nil)
	if _, err := stretch.ApplyToImage(img, bad, [2]float64{4, 4}); err == nil {
		t.Error("expected error for a non-2x2 transform, got nil")
	}
}

func TestApplyToImageAnchorsCenter(t *testing.T) {
	// a single bright pixel at the anchor point must stay put
	img := frame.NewImage(33, 33)
	img.Set(16, 16, 40000)
	tf := stretch.EllipseToCircle(0.3, 0.05)
	out, err := stretch.ApplyToImage(img, tf, [2]float64{16, 16})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.At(16, 16) < 35000 {
		t.Errorf("anchor pixel moved: value at (16,16) is %d", out.At(16, 16))
	}
}

func TestCorrectionMapsZeroAtCenter(t *testing.T) {
	xcorr, ycorr := stretch.CorrectionMaps(64, 64, [2]float64{32, 32}, 30, 2)
	if v := xcorr[32*64+32]; v != 0 {
		t.Errorf("X table at the beam center should be 0, got %d", v)
	}
	if v := ycorr[32*64+32]; v != 0 {
		t.Errorf("Y table at the beam center should be 0, got %d", v)
	}
}

func TestCorrectionMapsZeroAmplitude(t *testing.T) {
	xcorr, ycorr := stretch.CorrectionMaps(16, 16, [2]float64{8, 8}, 45, 0)
	for i := range xcorr {
		if xcorr[i] != 0 || ycorr[i] != 0 {
			t.Errorf("expected all-zero tables for zero amplitude, found (%d, %d) at %d",
				xcorr[i], ycorr[i], i)
			break
		}
	}
}

func TestCorrectionMapsGrowWithRadius(t *testing.T) {
	xcorr, _ := stretch.CorrectionMaps(128, 128, [2]float64{64, 64}, 0, 4)
	near := math.Abs(float64(xcorr[64*128+68]))  // 4 px from center
	far := math.Abs(float64(xcorr[64*128+120]))  // 56 px from center
	if far <= near {
		t.Errorf("correction should grow with distance from center: |far|=%f <= |near|=%f", far, near)
	}
}
