// types.go - Datentypen und Konstanten fuer ML-Operationen
// Dieses Modul definiert grundlegende Typen wie DType.
package ml

import "fmt"

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeI32
)

// Size returns the number of bytes per element.
func (t DType) Size() int {
	switch t {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16:
		return 2
	}

	panic(fmt.Errorf("unknown element size for dtype %d", t))
}

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeI32:
		return "i32"
	}

	return "other"
}

// DTypeFromString is the inverse of DType.String, used when restoring
// serialized cache state. Returns DTypeOther for unknown names.
func DTypeFromString(s string) DType {
	switch s {
	case "f32":
		return DTypeF32
	case "f16":
		return DTypeF16
	case "i32":
		return DTypeI32
	}

	return DTypeOther
}
