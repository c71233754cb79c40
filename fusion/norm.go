package fusion

import (
	"fmt"

	"github.com/getcharzp/go-emoface/tensor"
)

// OutNorm 输出参数的反归一化区间，绑定到某个推理设备，不可变
type OutNorm struct {
	min, max []float32
	device   string
}

// NewOutNorm 创建未绑定设备的区间，min 和 max 长度必须一致
func NewOutNorm(min, max []float32) (OutNorm, error) {
	if len(min) == 0 || len(min) != len(max) {
		return OutNorm{}, fmt.Errorf("%w: min %d 个通道, max %d 个通道", ErrBadNorm, len(min), len(max))
	}
	return OutNorm{
		min: append([]float32(nil), min...),
		max: append([]float32(nil), max...),
	}, nil
}

// Channels 通道数
func (n OutNorm) Channels() int {
	return len(n.min)
}

// Min 下界的副本
func (n OutNorm) Min() []float32 {
	return append([]float32(nil), n.min...)
}

// Max 上界的副本
func (n OutNorm) Max() []float32 {
	return append([]float32(nil), n.max...)
}

// Device 区间当前绑定的设备，未绑定时为空
func (n OutNorm) Device() string {
	return n.device
}

// Bind 返回绑定到 device 的区间，设备相同时原样返回
func Bind(n OutNorm, device string) OutNorm {
	if n.device == device {
		return n
	}
	return OutNorm{
		min:    append([]float32(nil), n.min...),
		max:    append([]float32(nil), n.max...),
		device: device,
	}
}

// Apply min + (x+1)*0.5*(max-min)，作用于最后一维，返回新张量
func (n OutNorm) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := n.check(x); err != nil {
		return nil, err
	}
	out := x.Clone()
	od := out.Data()
	ch := len(n.min)
	for i, v := range od {
		c := i % ch
		od[i] = n.min[c] + (v+1)*0.5*(n.max[c]-n.min[c])
	}
	return out, nil
}

// Normalize Apply 的逆映射，将物理范围映射回 [-1, 1]
func (n OutNorm) Normalize(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := n.check(x); err != nil {
		return nil, err
	}
	out := x.Clone()
	od := out.Data()
	ch := len(n.min)
	for i, v := range od {
		c := i % ch
		span := n.max[c] - n.min[c]
		if span == 0 {
			od[i] = -1
			continue
		}
		od[i] = (v-n.min[c])/span*2 - 1
	}
	return out, nil
}

func (n OutNorm) check(x *tensor.Tensor) error {
	if len(n.min) == 0 {
		return fmt.Errorf("%w: 区间为空", ErrBadNorm)
	}
	if x.Rank() == 0 || x.Dim(-1) != len(n.min) {
		return fmt.Errorf("%w: 区间 %d 个通道, 输入形状 %v", ErrBadNorm, len(n.min), x.Shape())
	}
	return nil
}
