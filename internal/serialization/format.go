package serialization

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType is a SafeTensors element type.
type DType string

// Supported element types.
const (
	F32 DType = "F32"
	F16 DType = "F16"
)

// Size returns the element size in bytes.
func (d DType) Size() (int, error) {
	switch d {
	case F32:
		return 4, nil
	case F16:
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDType, string(d))
	}
}

const (
	metadataKey = "__metadata__"
	checksumKey = "sha256"
)

// entry is one tensor in the JSON header.
type entry struct {
	DType       DType    `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Tensor is a shaped float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// count returns the element count implied by the shape.
func (t Tensor) count() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func encode(dst []byte, d DType, src []float32) {
	switch d {
	case F16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[2*i:], float16.Fromfloat32(v).Bits())
		}
	default:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
		}
	}
}

func decode(dst []float32, d DType, src []byte) {
	switch d {
	case F16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
		}
	default:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
		}
	}
}
