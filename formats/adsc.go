/*Package formats reads and writes the image file formats consumed by the
crystallography pipeline: SMV/ADSC (XDS, DIALS), MRC (REDp), mini-CBF
(XDS geometric-correction tables) and TIFF (PETS, flat-field references).
*/
package formats

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/emtools/credconvert/frame"
)

// SMVHeader is the typed header record of an SMV/ADSC file.  Field order in
// the serialized header matches the order consumed by XDS and DIALS.
//
// BeamCenterX carries the internal column coordinate and BeamCenterY the
// internal row coordinate: SMV swaps X/Y relative to the (row, col)
// convention used in this repository.  The converter performs that swap;
// this struct stores what goes on the wire.
type SMVHeader struct {
	// HeaderBytes is the total header size.  Zero means the writer
	// computes the smallest multiple of 512 that fits and records it.
	HeaderBytes int

	Dim        int
	ByteOrder  string // "little_endian" or "big_endian"
	Type       string // always "unsigned_short"; XDS reads nothing else
	Size1      int
	Size2      int
	PixelSize  float64 // mm
	Bin        string
	BinType    string
	ADC        string
	Crev       int
	Beamline   string // free-form instrument id, special-cased by DIALS
	DetectorSN int
	Date       string
	Time       string
	Distance    float64 // mm
	TwoTheta    float64
	Phi         float64
	OscStart    float64
	OscRange    float64
	Wavelength  float64 // Angstrom
	BeamCenterX float64
	BeamCenterY float64
	DenzoXBeam  float64
	DenzoYBeam  float64
}

type headerItem struct {
	key, value string
}

func (h SMVHeader) items() []headerItem {
	f := func(format string, args ...interface{}) string {
		return fmt.Sprintf(format, args...)
	}
	items := []headerItem{
		{"DIM", strconv.Itoa(h.Dim)},
		{"BYTE_ORDER", h.ByteOrder},
		{"TYPE", h.Type},
		{"SIZE1", strconv.Itoa(h.Size1)},
		{"SIZE2", strconv.Itoa(h.Size2)},
		{"PIXEL_SIZE", strconv.FormatFloat(h.PixelSize, 'g', -1, 64)},
		{"BIN", h.Bin},
		{"BIN_TYPE", h.BinType},
		{"ADC", h.ADC},
		{"CREV", strconv.Itoa(h.Crev)},
		{"BEAMLINE", h.Beamline},
		{"DETECTOR_SN", strconv.Itoa(h.DetectorSN)},
		{"DATE", h.Date},
		{"TIME", h.Time},
		{"DISTANCE", f("%.4f", h.Distance)},
		{"TWOTHETA", f("%.2f", h.TwoTheta)},
		{"PHI", f("%.4f", h.Phi)},
		{"OSC_START", f("%.4f", h.OscStart)},
		{"OSC_RANGE", f("%.4f", h.OscRange)},
		{"WAVELENGTH", f("%.4f", h.Wavelength)},
		{"BEAM_CENTER_X", f("%.4f", h.BeamCenterX)},
		{"BEAM_CENTER_Y", f("%.4f", h.BeamCenterY)},
		{"DENZO_X_BEAM", f("%.4f", h.DenzoXBeam)},
		{"DENZO_Y_BEAM", f("%.4f", h.DenzoYBeam)},
	}
	return items
}

// WriteADSC writes img in SMV/ADSC format: a '{'-delimited ASCII header
// padded with NULs to a multiple of 512 bytes, immediately followed by the
// raw unsigned 16-bit pixel data in the declared byte order.
func WriteADSC(fname string, img frame.Image, h SMVHeader) error {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	if h.HeaderBytes > 0 {
		fmt.Fprintf(&buf, "HEADER_BYTES=%d;\n", h.HeaderBytes)
	}
	for _, it := range h.items() {
		fmt.Fprintf(&buf, "%s=%s;\n", it.key, it.value)
	}

	size := h.HeaderBytes
	if size == 0 {
		// smallest multiple of 512 with room for the closing brace and
		// the HEADER_BYTES line itself
		size = (buf.Len() + 533) &^ 511
		fmt.Fprintf(&buf, "HEADER_BYTES=%d;\n", size)
	}
	pad := size - buf.Len() - 1
	if pad < 0 {
		return fmt.Errorf("formats: SMV header (%d bytes) exceeds HEADER_BYTES=%d", buf.Len()+1, size)
	}
	buf.WriteByte('}')
	buf.Write(make([]byte, pad))
	if buf.Len()%512 != 0 {
		return fmt.Errorf("formats: SMV header length %d is not a multiple of 512", buf.Len())
	}

	order := smvByteOrder(h.ByteOrder)
	data := make([]byte, 2*len(img.Pix))
	for i, v := range img.Pix {
		order.PutUint16(data[2*i:], v)
	}

	fid, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer fid.Close()
	if _, err := fid.Write(buf.Bytes()); err != nil {
		return err
	}
	_, err = fid.Write(data)
	return err
}

// ReadADSC reads an SMV/ADSC file and returns the image along with the raw
// header key/value pairs as written.
func ReadADSC(fname string) (frame.Image, map[string]string, error) {
	fid, err := os.Open(fname)
	if err != nil {
		return frame.Image{}, nil, err
	}
	defer fid.Close()

	rd := bufio.NewReader(fid)
	header := map[string]string{}
	read := 0
	for {
		line, err := rd.ReadString('\n')
		read += len(line)
		if err != nil {
			return frame.Image{}, nil, fmt.Errorf("formats: unterminated SMV header in %s", fname)
		}
		if strings.Contains(line, "}") {
			break
		}
		s := strings.TrimSpace(line)
		if eq := strings.Index(s, "="); eq >= 0 {
			key := strings.TrimSpace(s[:eq])
			val := strings.TrimSuffix(strings.TrimSpace(s[eq+1:]), ";")
			header[key] = val
		}
	}

	headerBytes, err := strconv.Atoi(header["HEADER_BYTES"])
	if err != nil {
		return frame.Image{}, nil, fmt.Errorf("formats: bad HEADER_BYTES in %s: %v", fname, err)
	}
	if _, err := fid.Seek(int64(headerBytes), 0); err != nil {
		return frame.Image{}, nil, err
	}

	dim1, err1 := strconv.Atoi(header["SIZE1"])
	dim2, err2 := strconv.Atoi(header["SIZE2"])
	if err1 != nil || err2 != nil {
		return frame.Image{}, nil, fmt.Errorf("formats: bad SIZE1/SIZE2 in %s", fname)
	}

	raw := make([]byte, 2*dim1*dim2)
	if _, err := io.ReadFull(fid, raw); err != nil {
		return frame.Image{}, nil, fmt.Errorf("formats: SMV payload in %s does not match %dx%d: %v",
			fname, dim1, dim2, err)
	}

	order := smvByteOrder(header["BYTE_ORDER"])
	// the payload is shaped (SIZE2, SIZE1), mirroring the writer's swap
	img := frame.NewImage(dim2, dim1)
	for i := range img.Pix {
		img.Pix[i] = order.Uint16(raw[2*i:])
	}
	return img, header, nil
}

func smvByteOrder(name string) binary.ByteOrder {
	if strings.Contains(name, "big") {
		return binary.BigEndian
	}
	// unspecified byte order is assumed little endian
	return binary.LittleEndian
}
