package fusion

import (
	"fmt"

	"github.com/getcharzp/go-emoface/nn"
	"github.com/getcharzp/go-emoface/tensor"
)

// convStack 逐点卷积 -> ReLU -> 分组卷积 (k=3) -> ReLU -> 逐点卷积，沿时间轴计算
type convStack struct {
	c0, c2, c4 *nn.Conv1d
	in, out    int
}

func newConvStack(vb nn.VarBuilder, in, out int) *convStack {
	return &convStack{
		c0:  nn.NewConv1d(vb.Sub("0"), in, convHidden, 1, 0, 1),
		c2:  nn.NewConv1d(vb.Sub("2"), convHidden, convHidden, 3, 1, convGroups),
		c4:  nn.NewConv1d(vb.Sub("4"), convHidden, out, 1, 0, 1),
		in:  in,
		out: out,
	}
}

// forward (B, L, in) -> (B, L, out)
func (s *convStack) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := tensor.Transpose12(x)
	if err != nil {
		return nil, err
	}
	if h, err = s.c0.Forward(h); err != nil {
		return nil, err
	}
	if h, err = s.c2.Forward(nn.ReLU(h)); err != nil {
		return nil, err
	}
	if h, err = s.c4.Forward(nn.ReLU(h)); err != nil {
		return nil, err
	}
	return tensor.Transpose12(h)
}

// ParamPredictor 由音频嵌入和风格向量预测基础参数
type ParamPredictor struct {
	convs    *convStack
	dimStyle int
}

// NewParamPredictor (B, L, hidden) + (B, dimStyle) -> (B, L, paramsChannels)
func NewParamPredictor(vb nn.VarBuilder, hidden, dimStyle, paramsChannels int) *ParamPredictor {
	return &ParamPredictor{
		convs:    newConvStack(vb.Sub("convs"), hidden+dimStyle, paramsChannels),
		dimStyle: dimStyle,
	}
}

// Forward 风格向量沿时间轴广播后与音频嵌入拼接
func (p *ParamPredictor) Forward(audio, style *tensor.Tensor) (*tensor.Tensor, error) {
	if style.Rank() != 2 || style.Dim(0) != audio.Dim(0) || style.Dim(1) != p.dimStyle {
		return nil, fmt.Errorf("风格向量应为 (%d, %d)，实际为 %v", audio.Dim(0), p.dimStyle, style.Shape())
	}
	bs, steps := audio.Dim(0), audio.Dim(1)
	broadcast := tensor.New(bs, steps, p.dimStyle)
	for b := 0; b < bs; b++ {
		row := style.Index(b).Data()
		dst := broadcast.Index(b).Data()
		for t := 0; t < steps; t++ {
			copy(dst[t*p.dimStyle:(t+1)*p.dimStyle], row)
		}
	}
	x, err := tensor.ConcatLast(audio, broadcast)
	if err != nil {
		return nil, err
	}
	return p.convs.forward(x)
}

// ParamFixer 用情绪嵌入残差修正基础参数
type ParamFixer struct {
	norm  *nn.LayerNorm
	convs *convStack
}

// NewParamFixer (B, L, paramsChannels) + (B, L, hidden) -> (B, L, paramsChannels)
func NewParamFixer(vb nn.VarBuilder, hidden, paramsChannels int) *ParamFixer {
	return &ParamFixer{
		norm:  nn.NewLayerNorm(vb.Sub("norm"), paramsChannels+hidden, 1e-5),
		convs: newConvStack(vb.Sub("convs"), paramsChannels+hidden, paramsChannels),
	}
}

// Forward 输出 = params + convs(LayerNorm([params, ebd]))
func (f *ParamFixer) Forward(params, ebd *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := tensor.ConcatLast(params, ebd)
	if err != nil {
		return nil, err
	}
	if x, err = f.norm.Forward(x); err != nil {
		return nil, err
	}
	out, err := f.convs.forward(x)
	if err != nil {
		return nil, err
	}
	if err := out.AddInPlace(params); err != nil {
		return nil, err
	}
	return out, nil
}
