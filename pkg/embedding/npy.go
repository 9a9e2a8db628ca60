package embedding

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
)

// Minimal NPY v1.0 codec for one-dimensional float32 arrays. The disk
// cache keeps the .npy layout so existing cache directories written by
// numpy-based tooling stay readable.

var npyMagic = []byte("\x93NUMPY")

var npyShapeRe = regexp.MustCompile(`'shape':\s*\((\d+),?\s*\)`)

// MarshalNPY encodes a vector as an NPY v1.0 file body.
func MarshalNPY(v Vector) []byte {
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d,), }", len(v))
	// total of magic+version+hlen+header must be a multiple of 64,
	// terminated by \n
	prefix := len(npyMagic) + 2 + 2
	padded := prefix + len(header) + 1
	if rem := padded % 64; rem != 0 {
		header += string(bytes.Repeat([]byte{' '}, 64-rem))
	}
	header += "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.WriteByte(1)
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(v.Bytes())
	return buf.Bytes()
}

// UnmarshalNPY decodes a one-dimensional float32 NPY v1.0 file body.
func UnmarshalNPY(data []byte) (Vector, error) {
	if len(data) < len(npyMagic)+4 || !bytes.Equal(data[:len(npyMagic)], npyMagic) {
		return nil, fmt.Errorf("not an NPY file")
	}
	major := data[len(npyMagic)]
	if major != 1 {
		return nil, fmt.Errorf("unsupported NPY version %d", major)
	}
	hlen := int(binary.LittleEndian.Uint16(data[len(npyMagic)+2:]))
	headerEnd := len(npyMagic) + 4 + hlen
	if len(data) < headerEnd {
		return nil, fmt.Errorf("truncated NPY header")
	}
	header := string(data[len(npyMagic)+4 : headerEnd])

	if !bytes.Contains([]byte(header), []byte("'<f4'")) {
		return nil, fmt.Errorf("unsupported NPY dtype in header %q", header)
	}
	m := npyShapeRe.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("unsupported NPY shape in header %q", header)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("parse NPY shape: %w", err)
	}

	body := data[headerEnd:]
	if len(body) < n*4 {
		return nil, fmt.Errorf("NPY body holds %d bytes, want %d", len(body), n*4)
	}
	return VectorFromBytes(body[:n*4])
}
