package tensor

import (
	"github.com/pkg/errors"
)

// Tensor 行优先存储的 float32 张量
type Tensor struct {
	shape []int
	data  []float32
}

// New 创建全零张量
func New(shape ...int) *Tensor {
	return &Tensor{
		shape: append([]int(nil), shape...),
		data:  make([]float32, numel(shape)),
	}
}

// FromData 使用已有数据创建张量 (不拷贝)
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, errors.Errorf("data length %d does not match shape %v (%d)", len(data), shape, n)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Shape 返回形状的副本
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Rank 维度数
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim 返回第 i 维的大小，支持负数索引
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Len 元素总数
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data 返回底层数据
func (t *Tensor) Data() []float32 {
	return t.data
}

// Clone 深拷贝
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{shape: t.Shape(), data: make([]float32, len(t.data))}
	copy(out.data, t.data)
	return out
}

// Reshape 改变形状，与原张量共享数据
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numel(shape) != len(t.data) {
		return nil, errors.Errorf("cannot reshape %v into %v", t.shape, shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: t.data}, nil
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(errors.Errorf("index rank %d does not match tensor rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(errors.Errorf("index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + v
	}
	return off
}

// At 读取指定位置的元素
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set 写入指定位置的元素
func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

// Index 沿第 0 维取第 i 个子张量 (共享数据)
func (t *Tensor) Index(i int) *Tensor {
	if len(t.shape) == 0 || i < 0 || i >= t.shape[0] {
		panic(errors.Errorf("index %d out of range for shape %v", i, t.shape))
	}
	inner := t.shape[1:]
	n := numel(inner)
	return &Tensor{shape: append([]int(nil), inner...), data: t.data[i*n : (i+1)*n]}
}

// Apply 对每个元素原地执行 f
func (t *Tensor) Apply(f func(float32) float32) *Tensor {
	for i, v := range t.data {
		t.data[i] = f(v)
	}
	return t
}

// AddInPlace 逐元素相加，形状必须一致
func (t *Tensor) AddInPlace(o *Tensor) error {
	if !SameShape(t, o) {
		return errors.Errorf("shape mismatch: %v vs %v", t.shape, o.shape)
	}
	for i := range t.data {
		t.data[i] += o.data[i]
	}
	return nil
}

// SameShape 判断形状是否一致
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}
