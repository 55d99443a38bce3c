package formats

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"os"
	"sort"
	"time"

	"golang.org/x/image/tiff"

	"github.com/emtools/credconvert/frame"
)

// TIFF tag ids used by the writer.
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagSoftware         = 305
	tagDateTime         = 306
	tagSampleFormat     = 339
)

const (
	typeShort = 3
	typeLong  = 4
	typeASCII = 2
)

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	value    uint32
}

// WriteTIFF writes img as a baseline little-endian grayscale TIFF with
// 16 bits per sample and the given metadata block stored in the
// ImageDescription tag.  The encoder in golang.org/x/image cannot emit a
// description tag, so the single-strip file is assembled here.
func WriteTIFF(fname string, img frame.Image, description string) error {
	if description == "" {
		description = "No description"
	}
	desc := append([]byte(description), 0)
	software := append([]byte("credconvert"), 0)
	date := append([]byte(time.Now().Format("2006:01:02 15:04:05")), 0)

	dataLen := 2 * len(img.Pix)
	dataOffset := uint32(8)
	descOffset := dataOffset + uint32(dataLen)
	softwareOffset := descOffset + uint32(pad2(len(desc)))
	dateOffset := softwareOffset + uint32(pad2(len(software)))
	ifdOffset := dateOffset + uint32(pad2(len(date)))

	entries := []ifdEntry{
		{tagImageWidth, typeLong, 1, uint32(img.Cols)},
		{tagImageLength, typeLong, 1, uint32(img.Rows)},
		{tagBitsPerSample, typeShort, 1, 16},
		{tagCompression, typeShort, 1, 1},
		{tagPhotometric, typeShort, 1, 1},
		{tagImageDescription, typeASCII, uint32(len(desc)), descOffset},
		{tagStripOffsets, typeLong, 1, dataOffset},
		{tagSamplesPerPixel, typeShort, 1, 1},
		{tagRowsPerStrip, typeLong, 1, uint32(img.Rows)},
		{tagStripByteCounts, typeLong, 1, uint32(dataLen)},
		{tagSoftware, typeASCII, uint32(len(software)), softwareOffset},
		{tagDateTime, typeASCII, uint32(len(date)), dateOffset},
		{tagSampleFormat, typeShort, 1, 1},
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	var buf bytes.Buffer
	buf.WriteString("II")
	writeLE16(&buf, 42)
	writeLE32(&buf, ifdOffset)

	data := make([]byte, dataLen)
	for i, v := range img.Pix {
		binary.LittleEndian.PutUint16(data[2*i:], v)
	}
	buf.Write(data)
	writePadded(&buf, desc)
	writePadded(&buf, software)
	writePadded(&buf, date)

	writeLE16(&buf, uint16(len(entries)))
	for _, e := range entries {
		writeLE16(&buf, e.tag)
		writeLE16(&buf, e.typ)
		writeLE32(&buf, e.count)
		if e.typ == typeShort && e.count == 1 {
			// short values are stored in the low half of the value slot
			writeLE16(&buf, uint16(e.value))
			writeLE16(&buf, 0)
		} else {
			writeLE32(&buf, e.value)
		}
	}
	writeLE32(&buf, 0) // no next IFD

	return os.WriteFile(fname, buf.Bytes(), 0666)
}

// ReadTIFF decodes a grayscale TIFF into an Image.  8-bit inputs are
// widened to 16 bits.
func ReadTIFF(fname string) (frame.Image, error) {
	fid, err := os.Open(fname)
	if err != nil {
		return frame.Image{}, err
	}
	defer fid.Close()

	decoded, err := tiff.Decode(fid)
	if err != nil {
		return frame.Image{}, fmt.Errorf("formats: decoding %s: %v", fname, err)
	}

	b := decoded.Bounds()
	img := frame.NewImage(b.Dy(), b.Dx())
	switch im := decoded.(type) {
	case *image.Gray16:
		for r := 0; r < img.Rows; r++ {
			for c := 0; c < img.Cols; c++ {
				img.Set(r, c, im.Gray16At(b.Min.X+c, b.Min.Y+r).Y)
			}
		}
	case *image.Gray:
		for r := 0; r < img.Rows; r++ {
			for c := 0; c < img.Cols; c++ {
				img.Set(r, c, uint16(im.GrayAt(b.Min.X+c, b.Min.Y+r).Y))
			}
		}
	default:
		return frame.Image{}, fmt.Errorf("formats: %s is not a grayscale TIFF (%T)", fname, decoded)
	}
	return img, nil
}

func pad2(n int) int {
	if n%2 == 1 {
		return n + 1
	}
	return n
}

func writePadded(buf *bytes.Buffer, b []byte) {
	buf.Write(b)
	if len(b)%2 == 1 {
		buf.WriteByte(0)
	}
}

func writeLE16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeLE32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
