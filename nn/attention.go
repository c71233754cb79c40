package nn

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/getcharzp/go-emoface/tensor"
)

// MultiHeadAttention 自注意力
type MultiHeadAttention struct {
	q, k, v, o *Linear
	dim, heads int
}

// NewMultiHeadAttention dim 必须能被 heads 整除
func NewMultiHeadAttention(vb VarBuilder, dim, heads int) *MultiHeadAttention {
	if heads <= 0 || dim%heads != 0 {
		panic(errors.Errorf("attention: dim %d not divisible by heads %d", dim, heads))
	}
	return &MultiHeadAttention{
		q:     NewLinear(vb.Sub("q"), dim, dim, true),
		k:     NewLinear(vb.Sub("k"), dim, dim, true),
		v:     NewLinear(vb.Sub("v"), dim, dim, true),
		o:     NewLinear(vb.Sub("o"), dim, dim, true),
		dim:   dim,
		heads: heads,
	}
}

// Forward x: (B, L, D)；keyMask 为 nil 时不屏蔽，否则 keyMask[b][j] 为 false 的位置不参与注意力
func (a *MultiHeadAttention) Forward(x *tensor.Tensor, keyMask [][]bool) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(2) != a.dim {
		return nil, errors.Errorf("attention expects (B, L, %d), got %v", a.dim, x.Shape())
	}
	bs, steps := x.Dim(0), x.Dim(1)
	if keyMask != nil && len(keyMask) != bs {
		return nil, errors.Errorf("attention mask batch %d, want %d", len(keyMask), bs)
	}
	q, err := a.q.Forward(x)
	if err != nil {
		return nil, err
	}
	k, err := a.k.Forward(x)
	if err != nil {
		return nil, err
	}
	v, err := a.v.Forward(x)
	if err != nil {
		return nil, err
	}

	dh := a.dim / a.heads
	scale := 1 / math32.Sqrt(float32(dh))
	ctx := tensor.New(bs, steps, a.dim)
	qh := make([]float32, steps*dh)
	kh := make([]float32, steps*dh)
	vh := make([]float32, steps*dh)
	scores := make([]float32, steps*steps)
	oh := make([]float32, steps*dh)

	qd, kd, vd, cd := q.Data(), k.Data(), v.Data(), ctx.Data()
	for b := 0; b < bs; b++ {
		var mask []bool
		if keyMask != nil {
			mask = keyMask[b]
			if len(mask) != steps {
				return nil, errors.Errorf("attention mask length %d, want %d", len(mask), steps)
			}
		}
		for h := 0; h < a.heads; h++ {
			for t := 0; t < steps; t++ {
				src := (b*steps+t)*a.dim + h*dh
				copy(qh[t*dh:(t+1)*dh], qd[src:src+dh])
				copy(kh[t*dh:(t+1)*dh], kd[src:src+dh])
				copy(vh[t*dh:(t+1)*dh], vd[src:src+dh])
			}
			gemm(true, steps, steps, dh, qh, kh, scores, 0)
			for t := 0; t < steps; t++ {
				softmaxRow(scores[t*steps:(t+1)*steps], scale, mask)
			}
			gemm(false, steps, dh, steps, scores, vh, oh, 0)
			for t := 0; t < steps; t++ {
				dst := (b*steps+t)*a.dim + h*dh
				copy(cd[dst:dst+dh], oh[t*dh:(t+1)*dh])
			}
		}
	}
	return a.o.Forward(ctx)
}

// softmaxRow 原地计算 softmax(row*scale)，被屏蔽位置概率为 0
func softmaxRow(row []float32, scale float32, mask []bool) {
	maxV := math32.Inf(-1)
	for j, v := range row {
		if mask != nil && !mask[j] {
			continue
		}
		if s := v * scale; s > maxV {
			maxV = s
		}
	}
	if math32.IsInf(maxV, -1) {
		clear(row)
		return
	}
	var sum float32
	for j, v := range row {
		if mask != nil && !mask[j] {
			row[j] = 0
			continue
		}
		e := math32.Exp(v*scale - maxV)
		row[j] = e
		sum += e
	}
	for j := range row {
		row[j] /= sum
	}
}

// TransformerBlock 后置 LayerNorm 的自注意力块
type TransformerBlock struct {
	attn  *MultiHeadAttention
	norm1 *LayerNorm
	norm2 *LayerNorm
	ff1   *Linear
	ff2   *Linear
	drop  *Dropout
}

// NewTransformerBlock 前馈层宽度为 ffDim
func NewTransformerBlock(vb VarBuilder, dim, heads, ffDim int, dp float32) *TransformerBlock {
	return &TransformerBlock{
		attn:  NewMultiHeadAttention(vb.Sub("attn"), dim, heads),
		norm1: NewLayerNorm(vb.Sub("norm1"), dim, 1e-5),
		norm2: NewLayerNorm(vb.Sub("norm2"), dim, 1e-5),
		ff1:   NewLinear(vb.Sub("ff1"), dim, ffDim, true),
		ff2:   NewLinear(vb.Sub("ff2"), ffDim, dim, true),
		drop:  NewDropout(vb, dp),
	}
}

// Forward (B, L, D) -> (B, L, D)
func (tb *TransformerBlock) Forward(x *tensor.Tensor, keyMask [][]bool) (*tensor.Tensor, error) {
	h, err := tb.attn.Forward(x, keyMask)
	if err != nil {
		return nil, err
	}
	h = tb.drop.Forward(h)
	if err := h.AddInPlace(x); err != nil {
		return nil, err
	}
	x, err = tb.norm1.Forward(h)
	if err != nil {
		return nil, err
	}

	f, err := tb.ff1.Forward(x)
	if err != nil {
		return nil, err
	}
	f, err = tb.ff2.Forward(tb.drop.Forward(ReLU(f)))
	if err != nil {
		return nil, err
	}
	f = tb.drop.Forward(f)
	if err := f.AddInPlace(x); err != nil {
		return nil, err
	}
	return tb.norm2.Forward(f)
}
