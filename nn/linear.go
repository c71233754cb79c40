package nn

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/getcharzp/go-emoface/tensor"
)

// gemm c = a·b (+ beta·c)，a 为 m×k，transB 时 b 为 n×k，否则 k×n
func gemm(transB bool, m, n, k int, a, b, c []float32, beta float32) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		for i := range c[:m*n] {
			c[i] *= beta
		}
		return
	}
	tB := blas.NoTrans
	bRows, bCols := k, n
	if transB {
		tB = blas.Trans
		bRows, bCols = n, k
	}
	blas32.Gemm(blas.NoTrans, tB, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a[:m*k]},
		blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b[:bRows*bCols]},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c[:m*n]},
	)
}

// BatchMatMul 批量矩阵乘法 (B, M, K) x (B|1, K, N) -> (B, M, N)，第二个参数批大小为 1 时广播
func BatchMatMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if a.Rank() != 3 || b.Rank() != 3 {
		return nil, errors.Errorf("bmm expects rank 3 inputs, got %v and %v", a.Shape(), b.Shape())
	}
	bs, m, k := a.Dim(0), a.Dim(1), a.Dim(2)
	if b.Dim(1) != k || (b.Dim(0) != bs && b.Dim(0) != 1) {
		return nil, errors.Errorf("bmm shape mismatch: %v x %v", a.Shape(), b.Shape())
	}
	n := b.Dim(2)
	out := tensor.New(bs, m, n)
	ad, bd, od := a.Data(), b.Data(), out.Data()
	for i := 0; i < bs; i++ {
		bi := 0
		if b.Dim(0) != 1 {
			bi = i
		}
		gemm(false, m, n, k, ad[i*m*k:(i+1)*m*k], bd[bi*k*n:(bi+1)*k*n], od[i*m*n:(i+1)*m*n], 0)
	}
	return out, nil
}

// Linear y = x·Wᵀ + b，W 形状为 [out, in]
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	in     int
	out    int
}

// NewLinear 注册 weight / bias 并使用 PyTorch 默认初始化
func NewLinear(vb VarBuilder, in, out int, bias bool) *Linear {
	l := &Linear{
		Weight: vb.Var("weight", FanInUniform(in), out, in),
		in:     in,
		out:    out,
	}
	if bias {
		l.Bias = vb.Var("bias", FanInUniform(in), out)
	}
	return l
}

// Forward 最后一维为 in，其余维度视为批
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != l.in {
		return nil, errors.Errorf("linear expects last dim %d, got shape %v", l.in, x.Shape())
	}
	rows := x.Len() / l.in
	shape := x.Shape()
	shape[len(shape)-1] = l.out
	y := tensor.New(shape...)
	yd := y.Data()
	if l.Bias != nil {
		bd := l.Bias.Data()
		for r := 0; r < rows; r++ {
			copy(yd[r*l.out:(r+1)*l.out], bd)
		}
	}
	gemm(true, rows, l.out, l.in, x.Data(), l.Weight.Data(), yd, 1)
	return y, nil
}

// LayerNorm 对最后一维做归一化
type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	dim    int
	eps    float32
}

// NewLayerNorm 注册 weight (全一) 和 bias (全零)
func NewLayerNorm(vb VarBuilder, dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		Weight: vb.Var("weight", Ones, dim),
		Bias:   vb.Var("bias", Zeros, dim),
		dim:    dim,
		eps:    eps,
	}
}

// Forward 返回新张量
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != ln.dim {
		return nil, errors.Errorf("layernorm expects last dim %d, got shape %v", ln.dim, x.Shape())
	}
	y := tensor.New(x.Shape()...)
	xd, yd := x.Data(), y.Data()
	w, b := ln.Weight.Data(), ln.Bias.Data()
	for off := 0; off < len(xd); off += ln.dim {
		row := xd[off : off+ln.dim]
		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(ln.dim)
		var variance float32
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float32(ln.dim)
		inv := 1 / math32.Sqrt(variance+ln.eps)
		for i, v := range row {
			yd[off+i] = (v-mean)*inv*w[i] + b[i]
		}
	}
	return y, nil
}

// Dropout 训练模式下按概率 P 置零并放大剩余元素
type Dropout struct {
	P     float32
	store *VarStore
}

// NewDropout 共享 VarStore 的随机数源和训练开关
func NewDropout(vb VarBuilder, p float32) *Dropout {
	return &Dropout{P: p, store: vb.store}
}

// Forward 推理模式下原样返回输入
func (d *Dropout) Forward(x *tensor.Tensor) *tensor.Tensor {
	if d.P <= 0 || !d.store.Training() {
		return x
	}
	y := tensor.New(x.Shape()...)
	scale := 1 / (1 - d.P)
	yd := y.Data()
	for i, v := range x.Data() {
		if d.store.keep(d.P) {
			yd[i] = v * scale
		}
	}
	return y
}

// ReLU 原地执行
func ReLU(x *tensor.Tensor) *tensor.Tensor {
	return x.Apply(func(v float32) float32 {
		if v < 0 {
			return 0
		}
		return v
	})
}

func sigmoid(v float32) float32 {
	return 1 / (1 + math32.Exp(-v))
}
