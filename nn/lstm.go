package nn

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/getcharzp/go-emoface/tensor"
)

// lstmDirection 单方向 LSTM 的权重，命名与 PyTorch nn.LSTM 一致
type lstmDirection struct {
	wIH *tensor.Tensor // [4*hidden, in]
	wHH *tensor.Tensor // [4*hidden, out]
	bIH *tensor.Tensor // [4*hidden]
	bHH *tensor.Tensor // [4*hidden]
	wHR *tensor.Tensor // [proj, hidden]，proj 为 0 时为 nil
}

// LSTM batch_first 的单层 LSTM，可选双向和输出投影 (proj_size)
type LSTM struct {
	in, hidden, proj int
	dirs             []*lstmDirection
}

// NewLSTM 注册参数
//
// # Params:
//
//	in: 输入维度
//	hidden: 隐层 (cell) 维度
//	proj: 输出投影维度，0 表示不投影
//	bidirectional: 是否双向
func NewLSTM(vb VarBuilder, in, hidden, proj int, bidirectional bool) *LSTM {
	l := &LSTM{in: in, hidden: hidden, proj: proj}
	n := 1
	if bidirectional {
		n = 2
	}
	init := FanInUniform(hidden)
	for d := 0; d < n; d++ {
		suffix := "_l0"
		if d == 1 {
			suffix += "_reverse"
		}
		dir := &lstmDirection{
			wIH: vb.Var("weight_ih"+suffix, init, 4*hidden, in),
			wHH: vb.Var("weight_hh"+suffix, init, 4*hidden, l.outSize()),
			bIH: vb.Var("bias_ih"+suffix, init, 4*hidden),
			bHH: vb.Var("bias_hh"+suffix, init, 4*hidden),
		}
		if proj > 0 {
			dir.wHR = vb.Var("weight_hr"+suffix, init, proj, hidden)
		}
		l.dirs = append(l.dirs, dir)
	}
	return l
}

func (l *LSTM) outSize() int {
	if l.proj > 0 {
		return l.proj
	}
	return l.hidden
}

// OutSize 每个方向的输出维度
func (l *LSTM) OutSize() int {
	return l.outSize()
}

// Directions 方向数
func (l *LSTM) Directions() int {
	return len(l.dirs)
}

// Forward (B, L, in) -> (B, L, dirs*out)，前向方向在前，反向方向在后
func (l *LSTM) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(2) != l.in {
		return nil, errors.Errorf("lstm expects (B, L, %d), got %v", l.in, x.Shape())
	}
	bs, steps := x.Dim(0), x.Dim(1)
	out := l.outSize()
	width := out * len(l.dirs)
	y := tensor.New(bs, steps, width)
	yd := y.Data()

	g4 := 4 * l.hidden
	pre := make([]float32, bs*steps*g4)
	gates := make([]float32, g4)
	h := make([]float32, out)
	c := make([]float32, l.hidden)
	m := make([]float32, l.hidden)

	for d, dir := range l.dirs {
		// 输入投影对所有时间步一次性计算
		bih, bhh := dir.bIH.Data(), dir.bHH.Data()
		for r := 0; r < bs*steps; r++ {
			row := pre[r*g4 : (r+1)*g4]
			for i := range row {
				row[i] = bih[i] + bhh[i]
			}
		}
		gemm(true, bs*steps, g4, l.in, x.Data(), dir.wIH.Data(), pre, 1)

		whh := dir.wHH.Data()
		for b := 0; b < bs; b++ {
			clear(h)
			clear(c)
			for s := 0; s < steps; s++ {
				t := s
				if d == 1 {
					t = steps - 1 - s
				}
				copy(gates, pre[(b*steps+t)*g4:(b*steps+t+1)*g4])
				for i := 0; i < g4; i++ {
					row := whh[i*out : (i+1)*out]
					var acc float32
					for j, v := range h {
						acc += row[j] * v
					}
					gates[i] += acc
				}
				for i := 0; i < l.hidden; i++ {
					ig := sigmoid(gates[i])
					fg := sigmoid(gates[l.hidden+i])
					gg := math32.Tanh(gates[2*l.hidden+i])
					og := sigmoid(gates[3*l.hidden+i])
					c[i] = fg*c[i] + ig*gg
					m[i] = og * math32.Tanh(c[i])
				}
				if dir.wHR != nil {
					whr := dir.wHR.Data()
					for i := 0; i < out; i++ {
						row := whr[i*l.hidden : (i+1)*l.hidden]
						var acc float32
						for j, v := range m {
							acc += row[j] * v
						}
						h[i] = acc
					}
				} else {
					copy(h, m)
				}
				off := (b*steps+t)*width + d*out
				copy(yd[off:off+out], h)
			}
		}
	}
	return y, nil
}
