/*Package camera describes a standard set of interfaces for the acquisition
hardware behind a collection run.

The Camera type contains the basics a conversion needs; Stage adds the
goniometer reads used to log rotation metadata.  Concrete implementations
wrap the vendor interfaces of the microscope installation; Sim is a pure
software stand-in for development and tests.
*/
package camera

import (
	"fmt"
	"math"
	"time"

	"github.com/emtools/credconvert/frame"
)

// Camera describes a minimal acquisition interface with only the basics.
type Camera interface {
	// Initialize initializes the camera.  This may have myriad side effects,
	// for example the initialization of a vendor driver, the allocation of
	// frame buffers, or the activation of cooling.
	Initialize() error

	// Finalize finalizes the camera, which may have myriad side effects
	// but most prominently will typically call a similar function on the
	// vendor driver.
	Finalize() error

	// GetRes gets the (rows, cols) of the frames returned by GetImage.
	GetRes() ([2]int, error)

	// GetImage exposes one frame.  exposure is in seconds; binsize is the
	// on-chip binning factor, 1 for none.
	GetImage(exposure float64, binsize int) (frame.Image, error)
}

// Stage describes the goniometer reads used during rotation collection.
type Stage interface {
	// GetStagePosition returns the stage position: x, y, z in nm and the
	// two tilt angles a, b in degrees.
	GetStagePosition() (x, y, z, a, b float64, err error)
}

// Sim is a software camera that renders a synthetic diffraction pattern:
// a direct beam spot at a fixed sub-pixel position over a flat background.
// It implements Camera and Stage.
type Sim struct {
	// Rows, Cols are the frame shape.
	Rows, Cols int

	// BeamRow, BeamCol are the direct beam position in pixels.
	BeamRow, BeamCol float64

	// TiltSpeed is the stage rotation in degrees per second, used to
	// animate GetStagePosition.
	TiltSpeed float64

	initialized bool
	start       time.Time
}

// Initialize records the start of the session and fills default shape and
// beam position.
func (s *Sim) Initialize() error {
	if s.Rows == 0 {
		s.Rows = 512
	}
	if s.Cols == 0 {
		s.Cols = 512
	}
	if s.BeamRow == 0 {
		s.BeamRow = float64(s.Rows)/2 + 0.3
	}
	if s.BeamCol == 0 {
		s.BeamCol = float64(s.Cols)/2 - 0.7
	}
	s.start = time.Now()
	s.initialized = true
	return nil
}

// Finalize is a no-op for the simulated camera.
func (s *Sim) Finalize() error {
	s.initialized = false
	return nil
}

// GetRes gets the frame shape.
func (s *Sim) GetRes() ([2]int, error) {
	if !s.initialized {
		return [2]int{}, fmt.Errorf("camera: not initialized")
	}
	return [2]int{s.Rows, s.Cols}, nil
}

// GetImage renders one synthetic frame.  The beam intensity scales with
// exposure; binsize shrinks the output shape.
func (s *Sim) GetImage(exposure float64, binsize int) (frame.Image, error) {
	if !s.initialized {
		return frame.Image{}, fmt.Errorf("camera: not initialized")
	}
	if binsize < 1 {
		return frame.Image{}, fmt.Errorf("camera: binsize must be >= 1, got %d", binsize)
	}
	rows, cols := s.Rows/binsize, s.Cols/binsize
	r0, c0 := s.BeamRow/float64(binsize), s.BeamCol/float64(binsize)
	amp := 4000 * exposure
	if amp > 60000 {
		amp = 60000
	}

	img := frame.NewImage(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			d2 := (float64(r)-r0)*(float64(r)-r0) + (float64(c)-c0)*(float64(c)-c0)
			img.Set(r, c, uint16(20+amp*math.Exp(-d2/18)))
		}
	}
	return img, nil
}

// GetStagePosition reports a stage rotating about the alpha axis at
// TiltSpeed since Initialize.
func (s *Sim) GetStagePosition() (x, y, z, a, b float64, err error) {
	if !s.initialized {
		return 0, 0, 0, 0, 0, fmt.Errorf("camera: not initialized")
	}
	a = s.TiltSpeed * time.Since(s.start).Seconds()
	return 0, 0, 0, a, 0, nil
}
