package tensor

import "github.com/djeday123/lsoftmax/core"

// Re-export core types so tensor.Shape, tensor.DType etc. still work.
type Shape = core.Shape
type DType = core.DType

const (
	Float32 = core.Float32
	Float64 = core.Float64
	Int64   = core.Int64
)
