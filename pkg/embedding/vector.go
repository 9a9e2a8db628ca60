package embedding

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Vector is a fixed-dimension float32 embedding. Only the two operations
// the gateway needs are provided; similarity search does not warrant a
// tensor library.
type Vector []float32

// Dot returns the dot product of two vectors of equal length.
func (v Vector) Dot(other Vector) float64 {
	var sum float64
	for i := range v {
		sum += float64(v[i]) * float64(other[i])
	}
	return sum
}

// Norm returns the L2 norm.
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize scales the vector to unit length in place. Zero vectors are
// left unchanged.
func (v Vector) Normalize() {
	norm := v.Norm()
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// CosineSimilarity returns a·b/(‖a‖‖b‖), or 0 when either norm is zero or
// the dimensions differ.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	normA := a.Norm()
	normB := b.Norm()
	if normA == 0 || normB == 0 {
		return 0
	}
	return a.Dot(b) / (normA * normB)
}

// Bytes serialises the vector as raw little-endian float32, the storage
// format of the semantic cache.
func (v Vector) Bytes() []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// VectorFromBytes deserialises a raw little-endian float32 buffer.
func VectorFromBytes(b []byte) (Vector, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make(Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
