package tensor

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/djeday123/lsoftmax/backend"
	"github.com/djeday123/lsoftmax/core"
)

// Tensor is a dense row-major float32 array.
// It can live on any registered device and supports autograd.
type Tensor struct {
	storage backend.Storage
	shape   Shape
	dtype   DType

	// Autograd fields
	requiresGrad bool
	grad         *Tensor
	gradFn       GradFn // function that produced this tensor
	isLeaf       bool   // true if created by user (not by an op)
}

// GradFn represents the backward function for autograd.
type GradFn interface {
	Backward(gradOutput *Tensor) []*Tensor // returns gradients for each input
	Inputs() []*Tensor
	Name() string
}

// ---- Constructors ----

// NewTensor creates a tensor with given storage and metadata.
func NewTensor(storage backend.Storage, shape Shape, dtype DType) *Tensor {
	return &Tensor{
		storage: storage,
		shape:   shape.Clone(),
		dtype:   dtype,
		isLeaf:  true,
	}
}

// FromSlice creates a CPU tensor from a Go slice. The data is copied.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	return FromSliceOn(data, shape, backend.CPU0)
}

// FromSliceOn creates a tensor on the given device from a Go slice.
func FromSliceOn(data []float32, shape Shape, device backend.Device) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	n := shape.NumElements()
	if len(data) != n {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "data length %d != shape elements %d", len(data), n)
	}

	t, err := Zeros(shape, device)
	if err != nil {
		return nil, err
	}
	dst := t.storage.Float32()
	if dst == nil {
		t.Free()
		return nil, errors.Errorf("device %s has no host-visible memory", device)
	}
	copy(dst, data)
	return t, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape Shape, device backend.Device) (*Tensor, error) {
	return Full(shape, 0, device)
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape, device backend.Device) (*Tensor, error) {
	return Full(shape, 1, device)
}

// Full creates a tensor filled with value.
func Full(shape Shape, value float32, device backend.Device) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	b, err := backend.GetForDevice(device)
	if err != nil {
		return nil, err
	}

	store, err := b.Alloc(shape.NumElements(), Float32)
	if err != nil {
		return nil, err
	}

	if err := b.Fill(store, value); err != nil {
		store.Free()
		return nil, err
	}

	return NewTensor(store, shape, Float32), nil
}

// ---- Accessors ----

func (t *Tensor) Shape() Shape              { return t.shape }
func (t *Tensor) DType() DType              { return t.dtype }
func (t *Tensor) NDim() int                 { return len(t.shape) }
func (t *Tensor) NumElements() int          { return t.shape.NumElements() }
func (t *Tensor) Device() backend.Device    { return t.storage.Device() }
func (t *Tensor) Storage() backend.Storage  { return t.storage }
func (t *Tensor) IsLeaf() bool              { return t.isLeaf }
func (t *Tensor) ToFloat32Slice() []float32 { return t.storage.Float32() }

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

func (t *Tensor) SetRequiresGrad(v bool) *Tensor {
	t.requiresGrad = v
	return t
}

func (t *Tensor) Grad() *Tensor { return t.grad }

func (t *Tensor) SetGradFn(fn GradFn) {
	t.gradFn = fn
	t.isLeaf = false
}

func (t *Tensor) GradFn() GradFn { return t.gradFn }

func (t *Tensor) SetGrad(grad *Tensor) { t.grad = grad }

// At returns the element at row i, column j of a 2D tensor.
func (t *Tensor) At(i, j int) float32 {
	return t.storage.Float32()[i*t.shape[1]+j]
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElements() != 1 {
		return 0, errors.Wrapf(core.ErrInvalidArgument, "item: tensor has %d elements", t.NumElements())
	}
	return t.storage.Float32()[0], nil
}

// ---- Views ----

// Detach returns a tensor sharing t's storage that is cut out of the
// autograd graph: no GradFn, no gradient.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		storage: t.storage,
		shape:   t.shape.Clone(),
		dtype:   t.dtype,
		isLeaf:  true,
	}
}

// Clone returns a deep copy with the same requiresGrad flag and no history.
func (t *Tensor) Clone() (*Tensor, error) {
	b, err := backend.GetForDevice(t.Device())
	if err != nil {
		return nil, err
	}
	store, err := b.Alloc(t.NumElements(), t.dtype)
	if err != nil {
		return nil, err
	}
	if err := b.Copy(store, t.storage); err != nil {
		store.Free()
		return nil, err
	}
	out := NewTensor(store, t.shape, t.dtype)
	out.requiresGrad = t.requiresGrad
	return out, nil
}

// Free releases the underlying storage.
func (t *Tensor) Free() {
	if t.storage != nil {
		t.storage.Free()
		t.storage = nil
	}
	if t.grad != nil {
		t.grad.Free()
		t.grad = nil
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, grad=%v)",
		t.shape, t.dtype, t.Device(), t.requiresGrad)
}
