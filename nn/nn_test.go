package nn

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/getcharzp/go-emoface/tensor"
)

func sigmoid64(v float64) float64 { return 1 / (1 + math.Exp(-v)) }

func TestLinear_KnownValues(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	vs := NewVarStore(1)
	l := NewLinear(vs.Builder().Sub("den"), 3, 2, true)
	copy(l.Weight.Data(), []float32{1, 0, -1, 2, 1, 0})
	copy(l.Bias.Data(), []float32{0.5, -0.5})

	x, err := tensor.FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	y, err := l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, y.Shape())
	assert.InDeltaSlice(t, []float32{-1.5, 3.5, -1.5, 12.5}, y.Data(), 1e-6)

	_, err = l.Forward(tensor.New(2, 4))
	require.Error(t, err)
}

func TestLayerNorm_ZeroMeanUnitVar(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	vs := NewVarStore(1)
	ln := NewLayerNorm(vs.Builder().Sub("norm"), 4, 1e-5)
	x, _ := tensor.FromData([]float32{1, 2, 3, 4, -2, 0, 2, 4}, 2, 4)
	y, err := ln.Forward(x)
	require.NoError(t, err)

	for r := 0; r < 2; r++ {
		var mean, sq float64
		for c := 0; c < 4; c++ {
			v := float64(y.At(r, c))
			mean += v
			sq += v * v
		}
		assert.InDelta(t, 0, mean/4, 1e-5)
		assert.InDelta(t, 1, sq/4, 1e-3)
	}
}

func TestConv1d_GroupedMatchesManual(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	vs := NewVarStore(7)
	conv := NewConv1d(vs.Builder().Sub("conv"), 4, 4, 3, 1, 2)
	x := tensor.New(1, 4, 5)
	for i := range x.Data() {
		x.Data()[i] = float32(i%7) - 3
	}
	y, err := conv.Forward(x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 4, 5}, y.Shape())

	for oc := 0; oc < 4; oc++ {
		g := oc / 2
		for tt := 0; tt < 5; tt++ {
			want := conv.Bias.At(oc)
			for ic := 0; ic < 2; ic++ {
				for j := 0; j < 3; j++ {
					pos := tt + j - 1
					if pos < 0 || pos >= 5 {
						continue
					}
					want += conv.Weight.At(oc, ic, j) * x.At(0, g*2+ic, pos)
				}
			}
			assert.InDelta(t, want, y.At(0, oc, tt), 1e-5)
		}
	}

	assert.Panics(t, func() { NewConv1d(vs.Builder().Sub("bad"), 3, 4, 1, 0, 2) })
}

func TestLSTM_SingleStepMatchesEquations(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	vs := NewVarStore(1)
	l := NewLSTM(vs.Builder().Sub("lstm"), 1, 1, 0, false)
	dir := l.dirs[0]
	copy(dir.wIH.Data(), []float32{0.5, -0.25, 1.0, 0.75})
	copy(dir.wHH.Data(), []float32{0, 0, 0, 0})
	clear(dir.bIH.Data())
	clear(dir.bHH.Data())

	x, _ := tensor.FromData([]float32{2}, 1, 1, 1)
	y, err := l.Forward(x)
	require.NoError(t, err)

	i := sigmoid64(1.0)
	g := math.Tanh(2.0)
	o := sigmoid64(1.5)
	want := o * math.Tanh(i*g)
	assert.InDelta(t, want, float64(y.At(0, 0, 0)), 1e-5)
}

// lstmStepRef PyTorch LSTM 单步公式 (float64)，hidden=2, proj=1, in=1
func lstmStepRef(x, h, c0, c1 float64, wIH, wHH, bIH, bHH, wHR []float64) (float64, float64, float64) {
	var gates [8]float64
	for i := range gates {
		gates[i] = wIH[i]*x + wHH[i]*h + bIH[i] + bHH[i]
	}
	c := [2]float64{c0, c1}
	var m [2]float64
	for k := 0; k < 2; k++ {
		ig := sigmoid64(gates[k])
		fg := sigmoid64(gates[2+k])
		gg := math.Tanh(gates[4+k])
		og := sigmoid64(gates[6+k])
		c[k] = fg*c[k] + ig*gg
		m[k] = og * math.Tanh(c[k])
	}
	return wHR[0]*m[0] + wHR[1]*m[1], c[0], c[1]
}

func TestLSTM_BidirectionalTwoStepValues(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	vs := NewVarStore(1)
	l := NewLSTM(vs.Builder().Sub("lstm"), 1, 2, 1, true)

	type weights struct{ wIH, wHH, bIH, bHH, wHR []float64 }
	ws := []weights{
		{
			wIH: []float64{0.5, -0.3, 0.8, 0.2, -0.6, 0.4, 0.7, -0.1},
			wHH: []float64{0.3, 0.6, -0.2, 0.5, 0.9, -0.7, 0.1, 0.4},
			bIH: []float64{0.1, -0.1, 0.2, 0.0, 0.05, -0.05, 0.3, 0.1},
			bHH: []float64{0.0, 0.2, -0.1, 0.1, 0.0, 0.1, -0.2, 0.05},
			wHR: []float64{0.9, -0.4},
		},
		{
			wIH: []float64{-0.4, 0.7, 0.1, -0.5, 0.3, 0.8, -0.2, 0.6},
			wHH: []float64{-0.6, 0.2, 0.4, -0.3, 0.5, 0.1, -0.8, 0.7},
			bIH: []float64{0.05, 0.1, -0.2, 0.3, 0.0, -0.1, 0.2, 0.0},
			bHH: []float64{0.1, 0.0, 0.1, -0.1, 0.2, 0.0, 0.0, 0.1},
			wHR: []float64{-0.3, 0.8},
		},
	}
	set := func(dst *tensor.Tensor, src []float64) {
		for i, v := range src {
			dst.Data()[i] = float32(v)
		}
	}
	for d, w := range ws {
		dir := l.dirs[d]
		set(dir.wIH, w.wIH)
		set(dir.wHH, w.wHH)
		set(dir.bIH, w.bIH)
		set(dir.bHH, w.bHH)
		set(dir.wHR, w.wHR)
	}

	xs := []float64{1.0, -0.5}
	x, _ := tensor.FromData([]float32{1.0, -0.5}, 1, 2, 1)
	y, err := l.Forward(x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 2}, y.Shape())

	// 前向: t=0 -> t=1，第二步依赖第一步的 h 和 c
	f0, c0, c1 := lstmStepRef(xs[0], 0, 0, 0, ws[0].wIH, ws[0].wHH, ws[0].bIH, ws[0].bHH, ws[0].wHR)
	f1, _, _ := lstmStepRef(xs[1], f0, c0, c1, ws[0].wIH, ws[0].wHH, ws[0].bIH, ws[0].bHH, ws[0].wHR)
	// 反向: t=1 -> t=0
	r1, c0, c1 := lstmStepRef(xs[1], 0, 0, 0, ws[1].wIH, ws[1].wHH, ws[1].bIH, ws[1].bHH, ws[1].wHR)
	r0, _, _ := lstmStepRef(xs[0], r1, c0, c1, ws[1].wIH, ws[1].wHH, ws[1].bIH, ws[1].bHH, ws[1].wHR)

	assert.InDelta(t, f0, float64(y.At(0, 0, 0)), 1e-5)
	assert.InDelta(t, f1, float64(y.At(0, 1, 0)), 1e-5)
	assert.InDelta(t, r0, float64(y.At(0, 0, 1)), 1e-5)
	assert.InDelta(t, r1, float64(y.At(0, 1, 1)), 1e-5)

	// 循环权重参与计算: 第二步与独立单步的结果不同
	alone, _, _ := lstmStepRef(xs[1], 0, 0, 0, ws[0].wIH, ws[0].wHH, ws[0].bIH, ws[0].bHH, ws[0].wHR)
	assert.Greater(t, math.Abs(alone-f1), 1e-4)
}

func TestLSTM_BidirectionalProjectionShape(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	vs := NewVarStore(3)
	l := NewLSTM(vs.Builder().Sub("lstm"), 6, 8, 3, true)
	assert.Equal(t, 2, l.Directions())
	assert.Equal(t, 3, l.OutSize())

	x := tensor.New(2, 5, 6)
	for i := range x.Data() {
		x.Data()[i] = float32(i%5) * 0.1
	}
	y, err := l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 6}, y.Shape())

	_, ok := vs.Get("lstm.weight_hr_l0_reverse")
	assert.True(t, ok)

	// 两个样本输入相同，输出也应相同
	x2 := tensor.New(2, 5, 6)
	for b := 0; b < 2; b++ {
		copy(x2.Index(b).Data(), x.Index(0).Data())
	}
	y2, err := l.Forward(x2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, y2.Index(0).Data(), y2.Index(1).Data(), 1e-6)
}

func TestSoftmaxRow_Mask(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	row := []float32{1, 2, 3}
	softmaxRow(row, 1, []bool{true, false, true})
	assert.Equal(t, float32(0), row[1])
	assert.InDelta(t, 1.0, float64(row[0]+row[2]), 1e-6)
	assert.InDelta(t, math.Exp(-2)/(1+math.Exp(-2)), float64(row[0]), 1e-6)

	all := []float32{1, 2}
	softmaxRow(all, 1, []bool{false, false})
	assert.Equal(t, []float32{0, 0}, all)
}

func TestTransformerBlock_MaskIgnoresPadding(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	vs := NewVarStore(11)
	blk := NewTransformerBlock(vs.Builder().Sub("blk"), 4, 2, 16, 0.1)

	a := tensor.New(1, 3, 4)
	for i := range a.Data() {
		a.Data()[i] = float32(i) * 0.05
	}
	b := a.Clone()
	for c := 0; c < 4; c++ {
		b.Set(9, 0, 2, c)
	}
	mask := [][]bool{{true, true, false}}

	ya, err := blk.Forward(a, mask)
	require.NoError(t, err)
	yb, err := blk.Forward(b, mask)
	require.NoError(t, err)
	assert.InDeltaSlice(t, ya.Index(0).Index(0).Data(), yb.Index(0).Index(0).Data(), 1e-5)

	yc, err := blk.Forward(b, nil)
	require.NoError(t, err)
	assert.NotEqual(t, ya.Index(0).Index(0).Data(), yc.Index(0).Index(0).Data())
}

func TestDropout_Modes(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	vs := NewVarStore(5)
	d := NewDropout(vs.Builder(), 0.5)
	x := tensor.New(1000)
	x.Apply(func(float32) float32 { return 1 })

	assert.Same(t, x, d.Forward(x))

	vs.SetTraining(true)
	y := d.Forward(x)
	zeros := 0
	for _, v := range y.Data() {
		if v == 0 {
			zeros++
		} else {
			assert.Equal(t, float32(2), v)
		}
	}
	assert.Greater(t, zeros, 350)
	assert.Less(t, zeros, 650)
}

func TestVarStore_GroupsAndSafetensors(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	vs := NewVarStore(42)
	root := vs.Builder()
	NewLinear(root.Sub("gen"), 3, 2, true)
	NewLayerNorm(root.Sub("style"), 2, 1e-5)
	root.Sub("style").Frozen().Var("token", XavierUniform, 1, 1, 2)

	gen := vs.Group("generation", "gen")
	style := vs.Group("style", "style")
	assert.Equal(t, []string{"gen.weight", "gen.bias"}, gen.Names())
	assert.Equal(t, []string{"style.weight", "style.bias"}, style.Names())
	assert.Equal(t, 8, gen.Count())

	var buf bytes.Buffer
	require.NoError(t, vs.Save(&buf))

	other := NewVarStore(7)
	ob := other.Builder()
	NewLinear(ob.Sub("gen"), 3, 2, true)
	NewLayerNorm(ob.Sub("style"), 2, 1e-5)
	ob.Sub("style").Frozen().Var("token", XavierUniform, 1, 1, 2)
	require.NoError(t, other.Load(bytes.NewReader(buf.Bytes())))

	for _, p := range vs.Params() {
		q, ok := other.Get(p.Name)
		require.True(t, ok)
		assert.Equal(t, p.Value.Data(), q.Value.Data(), p.Name)
	}

	mismatch := NewVarStore(1)
	NewLinear(mismatch.Builder().Sub("gen"), 4, 2, true)
	mismatch.Builder().Var("extra", Zeros, 3)
	err := mismatch.Load(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gen.weight")
	assert.Contains(t, err.Error(), "missing tensor extra")

	// 失败时不修改任何参数，包括形状匹配的 gen.bias
	bias, _ := mismatch.Get("gen.bias")
	src, _ := vs.Get("gen.bias")
	assert.Equal(t, []int{2}, bias.Value.Shape())
	assert.NotEqual(t, src.Value.Data(), bias.Value.Data())
}

func TestVarStore_SaveFileLoadFile(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	path := t.TempDir() + "/w.safetensors"
	vs := NewVarStore(9)
	NewConv1d(vs.Builder().Sub("c"), 2, 2, 3, 1, 1)
	require.NoError(t, vs.SaveFile(path))

	other := NewVarStore(10)
	NewConv1d(other.Builder().Sub("c"), 2, 2, 3, 1, 1)
	require.NoError(t, other.LoadFile(path))
	w, _ := other.Get("c.weight")
	v, _ := vs.Get("c.weight")
	assert.Equal(t, v.Value.Data(), w.Value.Data())

	require.Error(t, other.LoadFile(path+".missing"))
}

func TestBatchMatMul_Broadcast(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	a, _ := tensor.FromData([]float32{1, 2, 3, 4}, 2, 1, 2)
	b, _ := tensor.FromData([]float32{1, 0, 1, 0, 1, 1}, 1, 2, 3)
	y, err := BatchMatMul(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 3}, y.Shape())
	assert.Equal(t, []float32{1, 2, 3, 3, 4, 7}, y.Data())
}
