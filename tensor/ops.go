package tensor

import (
	"github.com/pkg/errors"
	gtensor "gorgonia.org/tensor"
)

// Dense 以 gorgonia Dense 的形式包装底层数据 (共享，不拷贝)
func (t *Tensor) Dense() *gtensor.Dense {
	return gtensor.New(gtensor.WithShape(t.Shape()...), gtensor.WithBacking(t.data))
}

// FromDense 由 float32 Dense 创建张量，视图或转置会先物化，结果不与 d 共享数据
func FromDense(d *gtensor.Dense) (*Tensor, error) {
	if d.Dtype() != gtensor.Float32 {
		return nil, errors.Errorf("expected float32 dense, got %v", d.Dtype())
	}
	if d.IsMaterializable() {
		m, ok := d.Materialize().(*gtensor.Dense)
		if !ok {
			return nil, errors.New("materialize did not return a dense tensor")
		}
		d = m
	}
	shape := append([]int(nil), d.Shape()...)
	src := d.Float32s()
	if len(src) != numel(shape) {
		return nil, errors.Errorf("dense data length %d does not match shape %v", len(src), shape)
	}
	return &Tensor{shape: shape, data: append([]float32(nil), src...)}, nil
}

// Transpose12 交换三维张量的后两维: (A, B, C) -> (A, C, B)
func Transpose12(t *Tensor) (*Tensor, error) {
	if t.Rank() != 3 {
		return nil, errors.Errorf("transpose12 expects rank 3, got %v", t.shape)
	}
	a, b, c := t.shape[0], t.shape[1], t.shape[2]
	// 有一维为 1 或为空时数据顺序不变
	if b == 1 || c == 1 || t.Len() == 0 {
		return t.Clone().Reshape(a, c, b)
	}
	d := t.Clone().Dense()
	if err := d.T(0, 2, 1); err != nil {
		return nil, errors.Wrap(err, "transpose12")
	}
	if err := d.Transpose(); err != nil {
		return nil, errors.Wrap(err, "transpose12")
	}
	out, err := FromDense(d)
	if err != nil {
		return nil, err
	}
	return out.Reshape(a, c, b)
}

// ConcatLast 沿最后一维拼接，其余维度必须一致
func ConcatLast(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("concat of zero tensors")
	}
	lead := ts[0].shape[:len(ts[0].shape)-1]
	width := 0
	for _, t := range ts {
		if t.Rank() != len(lead)+1 {
			return nil, errors.Errorf("concat rank mismatch: %v vs %v", ts[0].shape, t.shape)
		}
		for i, d := range lead {
			if t.shape[i] != d {
				return nil, errors.Errorf("concat shape mismatch: %v vs %v", ts[0].shape, t.shape)
			}
		}
		width += t.Dim(-1)
	}
	shape := append(append([]int(nil), lead...), width)
	if numel(shape) == 0 {
		return New(shape...), nil
	}

	// 空张量不参与拼接
	var parts []*gtensor.Dense
	for _, t := range ts {
		if t.Len() > 0 {
			parts = append(parts, t.Dense())
		}
	}
	d := parts[0]
	if len(parts) > 1 {
		var err error
		if d, err = d.Concat(len(lead), parts[1:]...); err != nil {
			return nil, errors.Wrap(err, "concat")
		}
	}
	out, err := FromDense(d)
	if err != nil {
		return nil, err
	}
	return out.Reshape(shape...)
}

// Narrow 沿 dim 维截取 [start, start+length) (拷贝)
func (t *Tensor) Narrow(dim, start, length int) (*Tensor, error) {
	if dim < 0 {
		dim += t.Rank()
	}
	if dim < 0 || dim >= t.Rank() {
		return nil, errors.Errorf("narrow dim %d out of range for %v", dim, t.shape)
	}
	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, errors.Errorf("narrow [%d, %d) out of range for dim %d of %v", start, start+length, dim, t.shape)
	}
	shape := t.Shape()
	shape[dim] = length
	if numel(shape) == 0 {
		return New(shape...), nil
	}

	slices := make([]gtensor.Slice, t.Rank())
	slices[dim] = gtensor.S(start, start+length, 1)
	view, err := t.Dense().Slice(slices...)
	if err != nil {
		return nil, errors.Wrap(err, "narrow")
	}
	d, ok := view.Materialize().(*gtensor.Dense)
	if !ok {
		return nil, errors.New("narrow: materialize did not return a dense tensor")
	}
	out, err := FromDense(d)
	if err != nil {
		return nil, err
	}
	// 切片会去掉长度为 1 的维度，这里恢复完整形状
	return out.Reshape(shape...)
}

// Stack1 将形状相同的张量沿新的第 1 维堆叠: n 个 (A, ...) -> (A, n, ...)
func Stack1(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("stack of zero tensors")
	}
	first := ts[0]
	if first.Rank() == 0 {
		return nil, errors.New("stack of scalars")
	}
	for _, t := range ts[1:] {
		if !SameShape(first, t) {
			return nil, errors.Errorf("stack shape mismatch: %v vs %v", first.shape, t.shape)
		}
	}
	shape := append([]int{first.shape[0], len(ts)}, first.shape[1:]...)
	if len(ts) == 1 || first.Len() == 0 {
		return first.Clone().Reshape(shape...)
	}

	others := make([]*gtensor.Dense, 0, len(ts)-1)
	for _, t := range ts[1:] {
		others = append(others, t.Dense())
	}
	d, err := first.Dense().Stack(1, others...)
	if err != nil {
		return nil, errors.Wrap(err, "stack")
	}
	out, err := FromDense(d)
	if err != nil {
		return nil, err
	}
	return out.Reshape(shape...)
}
