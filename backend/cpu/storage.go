package cpu

import (
	"github.com/djeday123/lsoftmax/backend"
)

// storage is a CPU memory buffer backed by a Go float32 slice.
type storage struct {
	data []float32
}

func newStorage(n int) *storage {
	return &storage{data: make([]float32, n)}
}

func (s *storage) Device() backend.Device { return backend.CPU0 }

func (s *storage) Float32() []float32 { return s.data }

func (s *storage) Len() int { return len(s.data) }

func (s *storage) Free() {
	s.data = nil
}
