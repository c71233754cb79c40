package fusion

import (
	"fmt"

	"github.com/getcharzp/go-emoface/nn"
	"github.com/getcharzp/go-emoface/tensor"
)

// WavLayer 将单帧特征网格压缩为音频嵌入
type WavLayer struct {
	den1    *nn.Linear
	norm    *nn.LayerNorm
	den2    *nn.Linear
	dropout *nn.Dropout

	featLen, channels int
}

// NewWavLayer (B, featLen, channels) -> (B, hidden)
func NewWavLayer(vb nn.VarBuilder, featLen, channels, hidden int, dp float32) *WavLayer {
	return &WavLayer{
		den1:     nn.NewLinear(vb.Sub("den1"), featLen*channels, wavHidden, true),
		norm:     nn.NewLayerNorm(vb.Sub("norm"), wavHidden, 1e-5),
		den2:     nn.NewLinear(vb.Sub("den2"), wavHidden, hidden, true),
		dropout:  nn.NewDropout(vb, dp),
		featLen:  featLen,
		channels: channels,
	}
}

// Forward 展平 -> den1 -> dropout -> ReLU -> LayerNorm -> den2
func (l *WavLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(1) != l.featLen || x.Dim(2) != l.channels {
		return nil, fmt.Errorf("WavLayer 输入应为 (B, %d, %d)，实际为 %v", l.featLen, l.channels, x.Shape())
	}
	flat, err := x.Reshape(x.Dim(0), l.featLen*l.channels)
	if err != nil {
		return nil, err
	}
	h, err := l.den1.Forward(flat)
	if err != nil {
		return nil, err
	}
	h, err = l.norm.Forward(nn.ReLU(l.dropout.Forward(h)))
	if err != nil {
		return nil, err
	}
	return l.den2.Forward(h)
}
