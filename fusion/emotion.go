package fusion

import (
	"fmt"

	"github.com/getcharzp/go-emoface/nn"
	"github.com/getcharzp/go-emoface/tensor"
)

// EmoPredLayer 由音频嵌入序列预测逐帧情绪 logits
type EmoPredLayer struct {
	lstm    *nn.LSTM
	dropout *nn.Dropout
	cEmo    int
}

// NewEmoPredLayer 双向 LSTM，每个方向投影到 emoChannels
func NewEmoPredLayer(vb nn.VarBuilder, hidden, emoChannels int, dp float32) *EmoPredLayer {
	return &EmoPredLayer{
		lstm:    nn.NewLSTM(vb.Sub("lstm"), hidden, emoLSTMWidth, emoChannels, true),
		dropout: nn.NewDropout(vb, dp),
		cEmo:    emoChannels,
	}
}

// Forward (B, L, H) -> (sum(seqLen), C_emo)
func (l *EmoPredLayer) Forward(x *tensor.Tensor, seqLen []int) (*tensor.Tensor, error) {
	out, err := l.lstm.Forward(l.dropout.Forward(x))
	if err != nil {
		return nil, err
	}
	mixed, err := ApplyVMask(out)
	if err != nil {
		return nil, err
	}
	mixed.Apply(func(v float32) float32 {
		return (v+1)*0.5*(emoMax-emoMin) + emoMin
	})
	return Pack(mixed, seqLen)
}

// ApplyVMask (B, L, 2*C) -> (B, L, C)
//
// 前 C 个通道为前向输出，后 C 个为反向输出，
// 第 t 帧输出 fwd*w + bwd*(1-w)，w = t/L。
func ApplyVMask(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(2)%2 != 0 {
		return nil, fmt.Errorf("V-mask 输入应为 (B, L, 2*C)，实际为 %v", x.Shape())
	}
	bs, steps, ch := x.Dim(0), x.Dim(1), x.Dim(2)/2
	out := tensor.New(bs, steps, ch)
	xd, od := x.Data(), out.Data()
	for b := 0; b < bs; b++ {
		for t := 0; t < steps; t++ {
			w := float32(t) / float32(steps)
			src := xd[(b*steps+t)*2*ch : (b*steps+t+1)*2*ch]
			dst := od[(b*steps+t)*ch : (b*steps+t+1)*ch]
			for c := range dst {
				dst[c] = src[c]*w + src[ch+c]*(1-w)
			}
		}
	}
	return out, nil
}

// EmoEmbeddingLayer 用可学习的情绪基把情绪 logits 投影到音频嵌入空间
type EmoEmbeddingLayer struct {
	basis   *tensor.Tensor // (1, C_emo, H)
	dropout *nn.Dropout
	cEmo    int
	hidden  int
}

// NewEmoEmbeddingLayer 情绪基使用 xavier_normal 初始化
func NewEmoEmbeddingLayer(vb nn.VarBuilder, emoChannels, hidden int, dp float32) *EmoEmbeddingLayer {
	return &EmoEmbeddingLayer{
		basis:   vb.Var("style_embedding", nn.XavierNormal, 1, emoChannels, hidden),
		dropout: nn.NewDropout(vb, dp),
		cEmo:    emoChannels,
		hidden:  hidden,
	}
}

// Forward (N, C_emo) -> (B, steps, H)
//
// N 与 sum(seqLen) 不一致时按 RecoverLength 截断，返回的帧数为实际使用的帧数。
func (l *EmoEmbeddingLayer) Forward(flat *tensor.Tensor, seqLen []int, steps int) (*tensor.Tensor, Recovery, []int, error) {
	if flat.Rank() != 2 || flat.Dim(1) != l.cEmo {
		return nil, Recovery{}, nil, fmt.Errorf("%w: 期望 (N, %d)，实际为 %v", ErrBadEmoLogits, l.cEmo, flat.Shape())
	}
	flat = l.dropout.Forward(flat)

	rec := RecoverLength(flat.Dim(0), seqLen)
	used := rec.Apply(seqLen)
	if rec.Kind != Consistent {
		// 截断或补零到实际帧数
		fixed := tensor.New(sumSeqLen(used), l.cEmo)
		copy(fixed.Data(), flat.Data()[:rec.Keep*l.cEmo])
		flat = fixed
	}

	padded, err := Unpack(flat, used, steps)
	if err != nil {
		return nil, rec, nil, err
	}
	ebd, err := nn.BatchMatMul(padded, l.basis)
	if err != nil {
		return nil, rec, nil, err
	}
	return ebd, rec, used, nil
}
