package nn

import (
	"github.com/pkg/errors"

	"github.com/getcharzp/go-emoface/tensor"
)

// Conv1d 一维卷积，输入 (B, C_in, L)，支持 padding 和分组
type Conv1d struct {
	Weight *tensor.Tensor // [out, in/groups, kernel]
	Bias   *tensor.Tensor // [out]

	in, out, kernel, padding, groups int
}

// NewConv1d 注册卷积参数，通道数必须能被 groups 整除
func NewConv1d(vb VarBuilder, in, out, kernel, padding, groups int) *Conv1d {
	if groups <= 0 || in%groups != 0 || out%groups != 0 {
		panic(errors.Errorf("conv1d: channels (%d, %d) not divisible by groups %d", in, out, groups))
	}
	fanIn := in / groups * kernel
	return &Conv1d{
		Weight:  vb.Var("weight", FanInUniform(fanIn), out, in/groups, kernel),
		Bias:    vb.Var("bias", FanInUniform(fanIn), out),
		in:      in,
		out:     out,
		kernel:  kernel,
		padding: padding,
		groups:  groups,
	}
}

// Forward (B, C_in, L) -> (B, C_out, L + 2*padding - kernel + 1)
func (c *Conv1d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(1) != c.in {
		return nil, errors.Errorf("conv1d expects (B, %d, L), got %v", c.in, x.Shape())
	}
	bs, length := x.Dim(0), x.Dim(2)
	outLen := length + 2*c.padding - c.kernel + 1
	if outLen < 0 {
		outLen = 0
	}
	y := tensor.New(bs, c.out, outLen)

	inPer, outPer := c.in/c.groups, c.out/c.groups
	xd, yd := x.Data(), y.Data()
	w, bias := c.Weight.Data(), c.Bias.Data()
	for b := 0; b < bs; b++ {
		for oc := 0; oc < c.out; oc++ {
			icStart := (oc / outPer) * inPer
			dst := yd[(b*c.out+oc)*outLen : (b*c.out+oc+1)*outLen]
			for t := range dst {
				dst[t] = bias[oc]
			}
			for ic := 0; ic < inPer; ic++ {
				src := xd[(b*c.in+icStart+ic)*length : (b*c.in+icStart+ic+1)*length]
				kw := w[(oc*inPer+ic)*c.kernel : (oc*inPer+ic+1)*c.kernel]
				for t := range dst {
					for j, wv := range kw {
						pos := t + j - c.padding
						if pos < 0 || pos >= length {
							continue
						}
						dst[t] += wv * src[pos]
					}
				}
			}
		}
	}
	return y, nil
}
