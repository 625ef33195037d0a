package vindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var vecMagic = [4]byte{'H', 'D', 'V', 'X'}

const vecVersion = 1

// #region encode
// writeVectors stores a header (magic, version, count, dim) then the
// vectors as little-endian float32.
func writeVectors(w io.Writer, vectors [][]float32) error {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(vecMagic[:]); err != nil {
		return err
	}
	hdr := []uint32{vecVersion, uint32(len(vectors)), uint32(dim)}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("vector %d has dim %d, want %d", i, len(v), dim)
		}
		for _, x := range v {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// #endregion encode

// #region decode
// vecHeaderSize is the magic plus three uint32 header fields.
const vecHeaderSize = 4 + 3*4

// errShape marks a vector file whose header disagrees with what the caller
// expects or with its own size.
var errShape = errors.New("vector file shape mismatch")

// readVectors decodes a vector file of size bytes that must hold exactly
// want vectors of wantDim values. The header is checked before anything is
// allocated.
func readVectors(r io.Reader, size int64, want, wantDim int) ([][]float32, error) {
	br := bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != vecMagic {
		return nil, errors.New("bad magic")
	}
	hdr := make([]uint32, 3)
	if err := binary.Read(br, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr[0] != vecVersion {
		return nil, fmt.Errorf("unsupported version %d", hdr[0])
	}
	count, dim := int64(hdr[1]), int64(hdr[2])
	if count != int64(want) || dim != int64(wantDim) {
		return nil, fmt.Errorf("%w: header %dx%d, want %dx%d", errShape, count, dim, want, wantDim)
	}
	if body := size - vecHeaderSize; body != count*dim*4 {
		return nil, fmt.Errorf("%w: %d body bytes for %dx%d", errShape, body, count, dim)
	}

	out := make([][]float32, count)
	buf := make([]byte, 4)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, fmt.Errorf("read vector %d: %w", i, err)
			}
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
		}
		out[i] = v
	}
	return out, nil
}

// #endregion decode
