package fusion

import (
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/getcharzp/go-emoface/extractor"
	"github.com/getcharzp/go-emoface/tensor"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WavFeaChannels = 64
	cfg.FeatLen = 3
	cfg.Hidden = 16
	cfg.DimStyle = 8
	cfg.EmoChannels = 4
	cfg.EmoLabels = []string{"neutral", "happy", "sad", "anger"}
	cfg.StyleHeads = 2
	cfg.StyleBlocks = 2
	cfg.Seed = 7
	return cfg
}

func newTestEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *test.Hook) {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	ext, err := extractor.NewSpectral(extractor.SpectralConfig{FrameLen: 128, Hop: 400, Channels: 64})
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	e, err := NewEngine(cfg, ext, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Destroy() })
	return e, hook
}

func randomWave(n int, seed uint64) []float32 {
	r := rand.New(rand.NewPCG(seed, seed+1))
	w := make([]float32, n)
	for i := range w {
		w[i] = r.Float32()*2 - 1
	}
	return w
}

func sampleRows(x *tensor.Tensor, b, n int) []float32 {
	ch := x.Dim(2)
	return x.Index(b).Data()[:n*ch]
}

func TestNewEngine_ExtractorMismatch(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	ext, err := extractor.NewSpectral(extractor.DefaultSpectralConfig())
	require.NoError(t, err)
	_, err = NewEngine(testConfig(), ext)
	require.Error(t, err)

	cfg := testConfig()
	cfg.Hidden = 15
	_, err = NewEngine(cfg, ext)
	require.Error(t, err)
}

func TestEngine_UseAndNoUse(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, _ := newTestEngine(t)
	wavs := [][]float32{randomWave(2000, 1), randomWave(1500, 2)}
	out, err := e.Forward(Request{
		Wavs:     wavs,
		SeqLen:   []int{3, 2},
		Policies: []Policy{PolicyUse, PolicyNoUse},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3, 56}, out.Params.Shape())
	assert.Equal(t, []int{2, 3, 56}, out.ParamsOri.Shape())
	assert.Equal(t, []int{5, 4}, out.PredEmoLogits.Shape())
	assert.Equal(t, Consistent, out.Recovery.Kind)
	assert.Equal(t, OutputMask([]int{3, 2}, 56), out.Mask)

	// 样本 1 不做修正
	assert.Equal(t, out.ParamsOri.Index(1).Data(), out.Params.Index(1).Data())
	// 无效帧为 0
	for c := 0; c < 56; c++ {
		assert.Equal(t, float32(0), out.Params.At(1, 2, c))
		assert.Equal(t, float32(0), out.ParamsOri.At(1, 2, c))
	}
	// 样本 0 使用自身预测的情绪修正
	assert.NotEqual(t, sampleRows(out.ParamsOri, 0, 3), sampleRows(out.Params, 0, 3))

	explicit, err := e.Forward(Request{
		Wavs:      wavs,
		SeqLen:    []int{3, 2},
		EmoLogits: out.PredEmoLogits,
		Policies:  []Policy{PolicyUse, PolicyUse},
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, sampleRows(explicit.Params, 0, 3), sampleRows(out.Params, 0, 3), 1e-5)
	assert.InDeltaSlice(t, out.PredEmoLogits.Data(), explicit.PredEmoLogits.Data(), 1e-6)
}

func TestEngine_NoLogitsNoFix(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, _ := newTestEngine(t)
	out, err := e.Forward(Request{
		Wavs:     [][]float32{randomWave(2000, 3)},
		SeqLen:   []int{3},
		Policies: []Policy{PolicyNoUse},
	})
	require.NoError(t, err)
	assert.Equal(t, out.ParamsOri.Data(), out.Params.Data())
	assert.NotSame(t, out.ParamsOri, out.Params)
}

func TestEngine_RequestValidation(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, _ := newTestEngine(t)
	wav := randomWave(2000, 4)
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"empty", Request{}, ErrEmptyBatch},
		{"seq_len", Request{Wavs: [][]float32{wav}, SeqLen: []int{1, 2}, Policies: []Policy{PolicyUse}}, ErrSeqLenMismatch},
		{"negative", Request{Wavs: [][]float32{wav}, SeqLen: []int{-1}, Policies: []Policy{PolicyUse}}, ErrNegativeSeqLen},
		{"policies", Request{Wavs: [][]float32{wav}, SeqLen: []int{3}}, ErrPolicyCount},
		{"one_hot", Request{Wavs: [][]float32{wav}, SeqLen: []int{3}, Policies: []Policy{PolicyOneHot}}, ErrOneHotUnresolved},
		{"window", Request{Wavs: [][]float32{nil}, SeqLen: []int{1}, Policies: []Policy{PolicyUse}}, ErrWindowTooShort},
		{"logits", Request{Wavs: [][]float32{wav}, SeqLen: []int{3}, Policies: []Policy{PolicyUse}, EmoLogits: tensor.New(3, 5)}, ErrBadEmoLogits},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := e.Forward(c.req)
			assert.True(t, errors.Is(err, c.want), "got %v", err)
		})
	}

	_, err := e.TestForward(Request{
		Wavs:     [][]float32{wav, wav},
		SeqLen:   []int{3, 3},
		Policies: []Policy{PolicyUse, PolicyUse},
	})
	assert.True(t, errors.Is(err, ErrNotSingleSample))
}

func TestEngine_TestForwardOneHot(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, hook := newTestEngine(t)
	wav := randomWave(3000, 5)
	base := Request{Wavs: [][]float32{wav}, SeqLen: []int{4}}

	pred, err := e.PredictEmotion(base)
	require.NoError(t, err)
	require.Equal(t, []int{4, 4}, pred.Shape())

	want := pred.Clone()
	require.NoError(t, ApplyOneHot(want, 2, 0.25))

	intensity := float32(0.25)
	req := base
	req.Policies = []Policy{PolicyOneHot}
	req.EmoLabel = "sad"
	req.Intensity = &intensity
	got, err := e.TestForward(req)
	require.NoError(t, err)

	ref, err := e.Forward(Request{
		Wavs:      [][]float32{wav},
		SeqLen:    []int{4},
		EmoLogits: want,
		Policies:  []Policy{PolicyUse},
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, ref.Params.Data(), got.Params.Data(), 1e-5)
	assert.NotNil(t, hook.LastEntry())

	req.EmoLabel = "bored"
	_, err = e.TestForward(req)
	assert.True(t, errors.Is(err, ErrUnknownLabel))
}

func TestEngine_ParamGroupsDisjoint(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, _ := newTestEngine(t)
	gen := e.GenerationParams()
	style := e.StyleParams()
	assert.NotZero(t, gen.Count())
	assert.NotZero(t, style.Count())

	seen := make(map[string]string)
	for _, p := range gen.Params {
		seen[p.Name] = gen.Name
	}
	for _, p := range style.Params {
		_, dup := seen[p.Name]
		assert.False(t, dup, p.Name)
		seen[p.Name] = style.Name
	}
	for _, p := range e.store.Params() {
		if p.Trainable {
			assert.Contains(t, seen, p.Name)
		}
	}
	assert.Equal(t, "style", seen["style_layer.mask_ebd"])
	assert.Equal(t, "generation", seen["emo_ebd_layer.style_embedding"])
	assert.Equal(t, "generation", seen["pred_layer.lstm.weight_hr_l0_reverse"])
}

func TestEngine_OutNorm(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, _ := newTestEngine(t)
	req := Request{
		Wavs:     [][]float32{randomWave(2500, 6), randomWave(1200, 7)},
		SeqLen:   []int{4, 2},
		Policies: []Policy{PolicyUse, PolicyNoUse},
	}
	plain, err := e.Forward(req)
	require.NoError(t, err)

	bad, _ := NewOutNorm([]float32{0}, []float32{1})
	assert.True(t, errors.Is(e.SetNorm(bad), ErrBadNorm))

	lo, hi := make([]float32, 56), make([]float32, 56)
	for c := range lo {
		lo[c] = -float32(c)
		hi[c] = float32(c) + 1
	}
	n, err := NewOutNorm(lo, hi)
	require.NoError(t, err)
	require.NoError(t, e.SetNorm(n))
	got, ok := e.Norm()
	require.True(t, ok)
	assert.Equal(t, "cpu", got.Device())

	normed, err := e.Forward(req)
	require.NoError(t, err)
	for b, sl := range req.SeqLen {
		for tt := 0; tt < 4; tt++ {
			for c := 0; c < 56; c++ {
				if tt >= sl {
					assert.Equal(t, float32(0), normed.Params.At(b, tt, c))
					continue
				}
				want := lo[c] + (plain.Params.At(b, tt, c)+1)*0.5*(hi[c]-lo[c])
				assert.InDelta(t, want, normed.Params.At(b, tt, c), 1e-4)
			}
		}
	}
}

func TestEngine_WorkersKeepFrameOrder(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	seq, _ := newTestEngine(t)
	par, _ := newTestEngine(t, func(c *Config) { c.Workers = 4 })
	req := Request{
		Wavs:     [][]float32{randomWave(4000, 8)},
		SeqLen:   []int{7},
		Policies: []Policy{PolicyUse},
	}
	a, err := seq.Forward(req)
	require.NoError(t, err)
	b, err := par.Forward(req)
	require.NoError(t, err)
	assert.Equal(t, a.Params.Data(), b.Params.Data())
	assert.Equal(t, a.PredEmoLogits.Data(), b.PredEmoLogits.Data())
}

func TestEngine_LengthRecoveryAndPatches(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, hook := newTestEngine(t)
	cd := CodeDict{
		ExpCode:  make([][]float32, 2),
		PoseCode: [][]float32{make([]float32, 6), make([]float32, 6), make([]float32, 6)},
	}
	out, err := e.Forward(Request{
		Wavs:      [][]float32{randomWave(3000, 9)},
		SeqLen:    []int{4},
		EmoLogits: tensor.New(3, 4),
		Policies:  []Policy{PolicyUse},
		CodeDicts: []CodeDict{cd},
	})
	require.NoError(t, err)

	assert.Equal(t, Recovered, out.Recovery.Kind)
	assert.Equal(t, 3, out.Recovery.NewLen)
	assert.Equal(t, []int{3}, out.SeqLen)

	require.Len(t, out.Patches, 1)
	p := out.Patches[0]
	assert.Equal(t, 0, p.Sample)
	require.Len(t, p.ExpCode, 3)
	require.Len(t, p.ExpCode[0], ExpChannels)
	for tt := 0; tt < 3; tt++ {
		assert.Equal(t, out.Params.At(0, tt, 0), p.ExpCode[tt][0])
		assert.Equal(t, out.Params.At(0, tt, PoseChannel), p.PoseCol3[tt])
	}

	cd.Apply(p)
	assert.Len(t, cd.ExpCode, 3)
	assert.Equal(t, out.Params.At(0, 2, PoseChannel), cd.PoseCode[2][PoseColumn])

	var warned []string
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned = append(warned, entry.Message)
		}
	}
	assert.Len(t, warned, 2)

	multi, err := e.Forward(Request{
		Wavs:      [][]float32{randomWave(3000, 10), randomWave(3000, 11)},
		SeqLen:    []int{3, 2},
		EmoLogits: tensor.New(4, 4),
		Policies:  []Policy{PolicyUse, PolicyUse},
	})
	require.NoError(t, err)
	assert.Equal(t, Unrecovered, multi.Recovery.Kind)
	assert.Equal(t, []int{3, 2}, multi.SeqLen)
}

func TestEngine_StylePaddingMask(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	plain, _ := newTestEngine(t)
	masked, _ := newTestEngine(t, func(c *Config) { c.MaskStylePadding = true })
	req := Request{
		Wavs:     [][]float32{randomWave(3000, 12), randomWave(1000, 13)},
		SeqLen:   []int{5, 2},
		Policies: []Policy{PolicyNoUse, PolicyNoUse},
	}
	a, err := plain.Forward(req)
	require.NoError(t, err)
	b, err := masked.Forward(req)
	require.NoError(t, err)

	// 最长的样本没有填充帧，风格不变
	assert.InDeltaSlice(t, a.Params.Index(0).Data(), b.Params.Index(0).Data(), 1e-5)
	assert.NotEqual(t, sampleRows(a.Params, 1, 2), sampleRows(b.Params, 1, 2))
}

func TestEngine_SaveLoadWeights(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	a, _ := newTestEngine(t)
	b, _ := newTestEngine(t, func(c *Config) { c.Seed = 99 })
	req := Request{
		Wavs:     [][]float32{randomWave(2000, 14)},
		SeqLen:   []int{3},
		Policies: []Policy{PolicyUse},
	}
	outA, err := a.Forward(req)
	require.NoError(t, err)
	outB, err := b.Forward(req)
	require.NoError(t, err)
	assert.NotEqual(t, outA.Params.Data(), outB.Params.Data())

	path := filepath.Join(t.TempDir(), "fusion.safetensors")
	require.NoError(t, a.SaveWeights(path))
	require.NoError(t, b.LoadWeights(path))
	outB, err = b.Forward(req)
	require.NoError(t, err)
	assert.Equal(t, outA.Params.Data(), outB.Params.Data())

	assert.Error(t, b.LoadWeights(path+".missing"))
}

func TestEngine_TrainingDropout(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, _ := newTestEngine(t)
	req := Request{
		Wavs:     [][]float32{randomWave(2000, 15)},
		SeqLen:   []int{3},
		Policies: []Policy{PolicyUse},
	}
	e.SetTraining(true)
	a, err := e.Forward(req)
	require.NoError(t, err)
	b, err := e.Forward(req)
	require.NoError(t, err)
	assert.NotEqual(t, a.Params.Data(), b.Params.Data())

	e.SetTraining(false)
	c, err := e.Forward(req)
	require.NoError(t, err)
	d, err := e.Forward(req)
	require.NoError(t, err)
	assert.Equal(t, c.Params.Data(), d.Params.Data())
}

func TestEngine_Animate(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, _ := newTestEngine(t)
	samples := randomWave(8000, 16)
	assert.Equal(t, 15, FrameCount(len(samples)))

	out, err := e.Animate(samples)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 15, 56}, out.Params.Shape())

	smoothed, err := e.Animate(samples, AnimateOption{
		Policy:   PolicyOneHot,
		EmoLabel: "happy",
		Smooth:   true,
		CodeDict: &CodeDict{ExpCode: make([][]float32, 15)},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 15, 56}, smoothed.Params.Shape())
	require.Len(t, smoothed.Patches, 1)
	assert.Len(t, smoothed.Patches[0].ExpCode, 15)

	_, err = e.AnimateBytes([]byte("not a wav"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	dir := t.TempDir()
	// 父目录不存在时自动创建
	path := filepath.Join(dir, "conf", "fusion.yaml")
	cfg := testConfig()
	cfg.OutNorm = &NormRange{Min: make([]float32, 56), Max: make([]float32, 56)}
	require.NoError(t, cfg.Save(path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEngine_SetNormUpdatesConfig(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, _ := newTestEngine(t)
	assert.Nil(t, e.Config().OutNorm)

	lo, hi := make([]float32, 56), make([]float32, 56)
	for c := range lo {
		lo[c] = float32(c) - 10
		hi[c] = float32(c) + 10
	}
	n, err := NewOutNorm(lo, hi)
	require.NoError(t, err)
	require.NoError(t, e.SetNorm(n))

	cfg := e.Config()
	require.NotNil(t, cfg.OutNorm)
	assert.Equal(t, lo, cfg.OutNorm.Min)
	assert.Equal(t, hi, cfg.OutNorm.Max)

	// 返回的是副本
	cfg.OutNorm.Min[0] = 100
	assert.Equal(t, lo[0], e.Config().OutNorm.Min[0])

	path := filepath.Join(t.TempDir(), "fusion.yaml")
	require.NoError(t, e.Config().Save(path))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.OutNorm)
	assert.Equal(t, lo, loaded.OutNorm.Min)
	assert.Equal(t, hi, loaded.OutNorm.Max)
}

func TestEngine_FailedLoadKeepsWeights(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	other, _ := newTestEngine(t, func(c *Config) {
		c.DimStyle = 4
		c.Seed = 3
	})
	path := filepath.Join(t.TempDir(), "other.safetensors")
	require.NoError(t, other.SaveWeights(path))

	e, _ := newTestEngine(t)
	req := Request{
		Wavs:     [][]float32{randomWave(2000, 21)},
		SeqLen:   []int{3},
		Policies: []Policy{PolicyUse},
	}
	before, err := e.Forward(req)
	require.NoError(t, err)

	// 风格维度不同，部分张量形状不符
	require.Error(t, e.LoadWeights(path))

	after, err := e.Forward(req)
	require.NoError(t, err)
	assert.Equal(t, before.Params.Data(), after.Params.Data())
	assert.Equal(t, before.PredEmoLogits.Data(), after.PredEmoLogits.Data())
}

func TestEngine_FrozenStyleToken(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e, _ := newTestEngine(t, func(c *Config) { c.FreezeStyleToken = true })
	assert.NotContains(t, e.StyleParams().Names(), "style_layer.mask_ebd")
	assert.Contains(t, e.StyleParams().Names(), "style_layer.den.weight")

	p, ok := e.store.Get("style_layer.mask_ebd")
	require.True(t, ok)
	assert.False(t, p.Trainable)

	// 冻结的 token 仍随权重保存和加载
	src, _ := newTestEngine(t, func(c *Config) {
		c.FreezeStyleToken = true
		c.Seed = 11
	})
	path := filepath.Join(t.TempDir(), "frozen.safetensors")
	require.NoError(t, src.SaveWeights(path))
	require.NoError(t, e.LoadWeights(path))
	q, _ := src.store.Get("style_layer.mask_ebd")
	assert.Equal(t, q.Value.Data(), p.Value.Data())
}
