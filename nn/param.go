package nn

import (
	"math/rand/v2"
	"strings"

	"github.com/chewxy/math32"

	"github.com/getcharzp/go-emoface/tensor"
)

// Parameter 命名的模型参数
type Parameter struct {
	Name      string
	Value     *tensor.Tensor
	Trainable bool
}

// ParamGroup 一组可交给同一个优化器的参数
type ParamGroup struct {
	Name   string
	Params []*Parameter
}

// Count 参数元素总数
func (g ParamGroup) Count() int {
	n := 0
	for _, p := range g.Params {
		n += p.Value.Len()
	}
	return n
}

// Names 参数名列表
func (g ParamGroup) Names() []string {
	names := make([]string, len(g.Params))
	for i, p := range g.Params {
		names[i] = p.Name
	}
	return names
}

// hasPrefix 判断参数名是否属于某个作用域
func hasPrefix(name, prefix string) bool {
	return name == prefix || strings.HasPrefix(name, prefix+".")
}

// Init 参数初始化函数
type Init func(r *rand.Rand, shape []int, data []float32)

// Zeros 全零初始化
func Zeros(*rand.Rand, []int, []float32) {}

// Ones 全一初始化
func Ones(_ *rand.Rand, _ []int, data []float32) {
	for i := range data {
		data[i] = 1
	}
}

// Uniform U(-bound, bound) 初始化
func Uniform(bound float32) Init {
	return func(r *rand.Rand, _ []int, data []float32) {
		for i := range data {
			data[i] = (r.Float32()*2 - 1) * bound
		}
	}
}

// fans 按 PyTorch 的约定计算 fan_in / fan_out
func fans(shape []int) (int, int) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return shape[0], shape[0]
	}
	receptive := 1
	for _, d := range shape[2:] {
		receptive *= d
	}
	return shape[1] * receptive, shape[0] * receptive
}

// XavierUniform Glorot 均匀分布初始化
func XavierUniform(r *rand.Rand, shape []int, data []float32) {
	in, out := fans(shape)
	bound := math32.Sqrt(6 / float32(in+out))
	Uniform(bound)(r, shape, data)
}

// XavierNormal Glorot 正态分布初始化
func XavierNormal(r *rand.Rand, shape []int, data []float32) {
	in, out := fans(shape)
	std := math32.Sqrt(2 / float32(in+out))
	for i := range data {
		data[i] = float32(r.NormFloat64()) * std
	}
}

// FanInUniform U(-1/sqrt(fan_in), 1/sqrt(fan_in))，即 Linear/Conv 的默认初始化
func FanInUniform(fanIn int) Init {
	if fanIn <= 0 {
		return Zeros
	}
	return Uniform(1 / math32.Sqrt(float32(fanIn)))
}
