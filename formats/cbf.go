package formats

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// cbfMagic separates the MIME header of the binary section from the
// compressed payload.
var cbfMagic = []byte{0x0c, 0x1a, 0x04, 0xd5}

// WriteCBF writes a row-major int32 grid as a mini-CBF file with
// x-CBF_BYTE_OFFSET compression, the encoding XDS expects for
// X-GEO_CORR/Y-GEO_CORR correction tables.
func WriteCBF(fname string, data []int32, rows, cols int) error {
	if len(data) != rows*cols {
		return fmt.Errorf("formats: CBF data length %d does not match %dx%d", len(data), rows, cols)
	}
	compressed := byteOffsetCompress(data)

	name := strings.TrimSuffix(filepath.Base(fname), filepath.Ext(fname))
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "###CBF: VERSION 1.5\n")
	fmt.Fprintf(&buf, "# CBF file written by credconvert\n\n")
	fmt.Fprintf(&buf, "data_%s\n\n", name)
	fmt.Fprintf(&buf, "_array_data.data\n;\n")
	fmt.Fprintf(&buf, "--CIF-BINARY-FORMAT-SECTION--\n")
	fmt.Fprintf(&buf, "Content-Type: application/octet-stream;\n")
	fmt.Fprintf(&buf, "     conversions=\"x-CBF_BYTE_OFFSET\"\n")
	fmt.Fprintf(&buf, "Content-Transfer-Encoding: BINARY\n")
	fmt.Fprintf(&buf, "X-Binary-Size: %d\n", len(compressed))
	fmt.Fprintf(&buf, "X-Binary-ID: 1\n")
	fmt.Fprintf(&buf, "X-Binary-Element-Type: \"signed 32-bit integer\"\n")
	fmt.Fprintf(&buf, "X-Binary-Element-Byte-Order: LITTLE_ENDIAN\n")
	fmt.Fprintf(&buf, "X-Binary-Number-of-Elements: %d\n", rows*cols)
	fmt.Fprintf(&buf, "X-Binary-Size-Fastest-Dimension: %d\n", cols)
	fmt.Fprintf(&buf, "X-Binary-Size-Second-Dimension: %d\n", rows)
	fmt.Fprintf(&buf, "X-Binary-Size-Padding: 0\n\n")
	buf.Write(cbfMagic)
	buf.Write(compressed)
	fmt.Fprintf(&buf, "\n--CIF-BINARY-FORMAT-SECTION----\n;\n")

	return os.WriteFile(fname, buf.Bytes(), 0666)
}

// byteOffsetCompress implements the CBF byte-offset algorithm: each value is
// stored as a delta from its predecessor in the smallest of int8, int16 or
// int32, with sentinel markers escalating the width.
func byteOffsetCompress(data []int32) []byte {
	var out bytes.Buffer
	prev := int32(0)
	for _, v := range data {
		delta := int64(v) - int64(prev)
		switch {
		case delta >= -127 && delta <= 127:
			out.WriteByte(byte(int8(delta)))
		case delta >= -32767 && delta <= 32767:
			out.WriteByte(0x80)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(int16(delta)))
			out.Write(b[:])
		default:
			out.WriteByte(0x80)
			var b2 [2]byte
			binary.LittleEndian.PutUint16(b2[:], 0x8000)
			out.Write(b2[:])
			var b4 [4]byte
			binary.LittleEndian.PutUint32(b4[:], uint32(int32(delta)))
			out.Write(b4[:])
		}
		prev = v
	}
	return out.Bytes()
}

// ReadCBF reads a mini-CBF file written by WriteCBF.  It returns the grid
// and its (rows, cols) shape.
func ReadCBF(fname string) ([]int32, int, int, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, 0, 0, err
	}
	start := bytes.Index(raw, cbfMagic)
	if start < 0 {
		return nil, 0, 0, fmt.Errorf("formats: no binary section in %s", fname)
	}

	head := string(raw[:start])
	rows, err1 := cbfHeaderInt(head, "X-Binary-Size-Second-Dimension")
	cols, err2 := cbfHeaderInt(head, "X-Binary-Size-Fastest-Dimension")
	n, err3 := cbfHeaderInt(head, "X-Binary-Number-of-Elements")
	size, err4 := cbfHeaderInt(head, "X-Binary-Size")
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			return nil, 0, 0, fmt.Errorf("formats: bad CBF header in %s: %v", fname, err)
		}
	}

	payload := raw[start+len(cbfMagic):]
	if len(payload) < size {
		return nil, 0, 0, fmt.Errorf("formats: truncated CBF payload in %s", fname)
	}
	data, err := byteOffsetDecompress(payload[:size], n)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("formats: %s: %v", fname, err)
	}
	return data, rows, cols, nil
}

func cbfHeaderInt(head, key string) (int, error) {
	idx := strings.Index(head, key+":")
	if idx < 0 {
		return 0, fmt.Errorf("missing %s", key)
	}
	rest := head[idx+len(key)+1:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return strconv.Atoi(strings.TrimSpace(rest))
}

func byteOffsetDecompress(buf []byte, n int) ([]int32, error) {
	out := make([]int32, 0, n)
	prev := int32(0)
	i := 0
	for len(out) < n {
		if i >= len(buf) {
			return nil, fmt.Errorf("byte-offset stream ended after %d of %d elements", len(out), n)
		}
		var delta int32
		if buf[i] != 0x80 {
			delta = int32(int8(buf[i]))
			i++
		} else {
			if i+3 > len(buf) {
				return nil, fmt.Errorf("truncated 16-bit delta")
			}
			v16 := binary.LittleEndian.Uint16(buf[i+1:])
			i += 3
			if v16 != 0x8000 {
				delta = int32(int16(v16))
			} else {
				if i+4 > len(buf) {
					return nil, fmt.Errorf("truncated 32-bit delta")
				}
				delta = int32(binary.LittleEndian.Uint32(buf[i:]))
				i += 4
			}
		}
		prev += delta
		out = append(out, prev)
	}
	return out, nil
}
