package fusion

import (
	"fmt"
	"strconv"

	"github.com/getcharzp/go-emoface/nn"
	"github.com/getcharzp/go-emoface/tensor"
)

// StyleExtractor 在序列前拼接可学习的摘要 token，经过自注意力块后取该位置作为风格向量
type StyleExtractor struct {
	token  *tensor.Tensor // (1, 1, H)
	blocks []*nn.TransformerBlock
	den    *nn.Linear
	hidden int
}

// NewStyleExtractor 前馈层宽度为 4*hidden，freezeToken 时摘要 token 不参与训练
func NewStyleExtractor(vb nn.VarBuilder, hidden, dimStyle, heads, nBlocks int, dp float32, freezeToken bool) *StyleExtractor {
	tokenVB := vb
	if freezeToken {
		tokenVB = vb.Frozen()
	}
	s := &StyleExtractor{
		token:  tokenVB.Var("mask_ebd", nn.XavierUniform, 1, 1, hidden),
		den:    nn.NewLinear(vb.Sub("den"), hidden, dimStyle, true),
		hidden: hidden,
	}
	blocks := vb.Sub("blocks")
	for i := 0; i < nBlocks; i++ {
		s.blocks = append(s.blocks, nn.NewTransformerBlock(blocks.Sub(strconv.Itoa(i)), hidden, heads, 4*hidden, dp))
	}
	return s
}

// Forward (B, L, H) -> (B, S)
//
// frames 为 nil 时所有位置互相可见，否则 frames[b][t] 为 false 的帧不参与注意力，摘要 token 始终可见。
func (s *StyleExtractor) Forward(x *tensor.Tensor, frames [][]bool) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(2) != s.hidden {
		return nil, fmt.Errorf("StyleExtractor 输入应为 (B, L, %d)，实际为 %v", s.hidden, x.Shape())
	}
	bs, steps := x.Dim(0), x.Dim(1)
	h := tensor.New(bs, steps+1, s.hidden)
	for b := 0; b < bs; b++ {
		dst := h.Index(b).Data()
		copy(dst[:s.hidden], s.token.Data())
		copy(dst[s.hidden:], x.Index(b).Data())
	}

	var keyMask [][]bool
	if frames != nil {
		keyMask = make([][]bool, bs)
		for b := range keyMask {
			keyMask[b] = append([]bool{true}, frames[b]...)
		}
	}

	var err error
	for _, blk := range s.blocks {
		if h, err = blk.Forward(h, keyMask); err != nil {
			return nil, err
		}
	}

	summary := tensor.New(bs, s.hidden)
	for b := 0; b < bs; b++ {
		copy(summary.Index(b).Data(), h.Index(b).Data()[:s.hidden])
	}
	return s.den.Forward(summary)
}
