package backend

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/core"
)

// DeviceType represents the compute device.
type DeviceType uint8

const (
	CPU DeviceType = iota
	CUDA
	ROCm
	Metal
)

func (d DeviceType) String() string {
	names := [...]string{"cpu", "cuda", "rocm", "metal"}
	if int(d) < len(names) {
		return names[d]
	}
	return fmt.Sprintf("device(%d)", d)
}

// Device identifies a specific device (type + index).
type Device struct {
	Type  DeviceType
	Index int // GPU index, 0 for CPU
}

var CPU0 = Device{Type: CPU, Index: 0}

func CUDADevice(index int) Device  { return Device{Type: CUDA, Index: index} }
func MetalDevice(index int) Device { return Device{Type: Metal, Index: index} }

func (d Device) String() string {
	if d.Type == CPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Storage represents a flat float32 buffer on a device.
type Storage interface {
	// Device returns which device this storage lives on.
	Device() Device

	// Float32 returns the host-visible data, nil for device memory.
	Float32() []float32

	// Len returns the number of elements.
	Len() int

	// Free releases the memory.
	Free()
}

// Backend defines the compute interface that all hardware backends must implement.
// Element-wise ops take storages of equal length; layout arguments are row-major.
type Backend interface {
	// Device info
	Name() string
	DeviceType() DeviceType

	// Memory management
	Alloc(n int, dtype core.DType) (Storage, error)
	Free(s Storage)
	Copy(dst, src Storage) error
	Fill(dst Storage, value float32) error

	// Unary ops
	Acos(dst, src Storage) error
	Floor(dst, src Storage) error
	Pow(dst, src Storage, p int) error
	Clamp(dst, src Storage, lo, hi float32) error
	AddScalar(dst, src Storage, s float32) error
	MulScalar(dst, src Storage, s float32) error

	// Binary ops
	Add(dst, a, b Storage) error
	Sub(dst, a, b Storage) error
	Mul(dst, a, b Storage) error
	Div(dst, a, b Storage) error

	// Sum reduces src into the single element of dst.
	Sum(dst, src Storage) error

	// MatMul: C = op(A) @ op(B)
	// op(A): [M, K], op(B): [K, N], C: [M, N]
	MatMul(dst, a, b Storage, m, k, n int, transA, transB bool) error

	// Norm computes L2 norms of a [rows, cols] matrix: axis 1 gives one
	// norm per row, axis 0 one per column.
	Norm(dst, src Storage, rows, cols, axis int) error

	// GatherRows writes dst[i] = src[i, idx[i]].
	GatherRows(dst, src Storage, rows, cols int, idx []int) error

	// SelectColumns writes dst[:, j] = src[:, idx[j]]; dst is [rows, len(idx)].
	SelectColumns(dst, src Storage, rows, cols int, idx []int) error

	// ScatterRows copies src into dst and then sets dst[i, idx[i]] = values[i].
	ScatterRows(dst, src, values Storage, rows, cols int, idx []int) error
}

// Registry holds all available backends.
var registry = map[DeviceType]Backend{}

// Register adds a backend to the global registry.
func Register(b Backend) {
	registry[b.DeviceType()] = b
}

// Get returns the backend for a device type.
func Get(dt DeviceType) (Backend, error) {
	b, ok := registry[dt]
	if !ok {
		return nil, errors.Errorf("backend %s not registered", dt)
	}
	return b, nil
}

// GetForDevice returns the backend for a specific device.
func GetForDevice(d Device) (Backend, error) {
	return Get(d.Type)
}
