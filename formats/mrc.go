package formats

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/emtools/credconvert/frame"
)

// MRC data modes.  Only the two integer modes appear in electron
// diffraction scans; REDp reads mode 6.
const (
	MRCModeInt16  = 1
	MRCModeUint16 = 6
)

const mrcLittleEndianStamp = 0x44410000

// mrcHeader is the 1024-byte legacy MRC header.  The field list and the
// defaults reproduce the classic Scripps/Appion layout byte for byte; all
// values are little endian.
type mrcHeader struct {
	Nx, Ny, Nz                int32
	Mode                      int32
	NxStart, NyStart, NzStart int32
	Mx, My, Mz                int32
	XLen, YLen, ZLen          float32
	Alpha, Beta, Gamma        float32
	MapC, MapR, MapS          int32
	AMin, AMax, AMean         float32
	ISpg, NSymBT              int32
	Extra                     [100]byte
	XOrigin, YOrigin, ZOrigin float32
	Map                       [4]byte
	ByteOrder                 int32
	RMS                       float32
	NLabels                   int32
	Labels                    [10][80]byte
}

// WriteMRC writes img as a single-section MRC file with an unsigned 16-bit
// payload.  The caller is responsible for any axis flips; the pixel data is
// written exactly as stored.
func WriteMRC(fname string, img frame.Image) error {
	min, max, mean := imgStats(img)

	h := mrcHeader{
		Nx: int32(img.Cols), Ny: int32(img.Rows), Nz: 1,
		Mode: MRCModeUint16,
		Mx:   int32(img.Cols), My: int32(img.Rows), Mz: 1,
		XLen: float32(img.Cols), YLen: float32(img.Rows), ZLen: 1,
		Alpha: 90, Beta: 90, Gamma: 90,
		MapC: 1, MapR: 2, MapS: 3,
		AMin: min, AMax: max, AMean: mean,
		Map:       [4]byte{'M', 'A', 'P', ' '},
		ByteOrder: mrcLittleEndianStamp,
	}

	fid, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer fid.Close()

	if err := binary.Write(fid, binary.LittleEndian, &h); err != nil {
		return err
	}
	data := make([]byte, 2*len(img.Pix))
	for i, v := range img.Pix {
		binary.LittleEndian.PutUint16(data[2*i:], v)
	}
	_, err = fid.Write(data)
	return err
}

// ReadMRC reads a single-section integer-mode MRC file.
func ReadMRC(fname string) (frame.Image, error) {
	fid, err := os.Open(fname)
	if err != nil {
		return frame.Image{}, err
	}
	defer fid.Close()

	var h mrcHeader
	if err := binary.Read(fid, binary.LittleEndian, &h); err != nil {
		return frame.Image{}, fmt.Errorf("formats: short MRC header in %s: %v", fname, err)
	}
	if h.Mode != MRCModeUint16 && h.Mode != MRCModeInt16 {
		return frame.Image{}, fmt.Errorf("formats: unsupported MRC mode %d in %s", h.Mode, fname)
	}
	if h.Nz != 1 {
		return frame.Image{}, fmt.Errorf("formats: expected a single MRC section, got nz=%d in %s", h.Nz, fname)
	}

	rows, cols := int(h.Ny), int(h.Nx)
	raw := make([]byte, 2*rows*cols)
	if _, err := io.ReadFull(fid, raw); err != nil {
		return frame.Image{}, fmt.Errorf("formats: MRC payload in %s does not match %dx%d: %v",
			fname, rows, cols, err)
	}

	img := frame.NewImage(rows, cols)
	for i := range img.Pix {
		img.Pix[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return img, nil
}

func imgStats(img frame.Image) (min, max, mean float32) {
	if len(img.Pix) == 0 {
		return 0, 0, 0
	}
	lo, hi := img.Pix[0], img.Pix[0]
	var sum float64
	for _, v := range img.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		sum += float64(v)
	}
	return float32(lo), float32(hi), float32(sum / float64(len(img.Pix)))
}
