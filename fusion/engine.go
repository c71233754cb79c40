package fusion

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/getcharzp/go-emoface/extractor"
	"github.com/getcharzp/go-emoface/nn"
	"github.com/getcharzp/go-emoface/tensor"
)

// 参数作用域名，与 PyTorch state_dict 的前缀一致
const (
	scopeWav       = "wav_layer"
	scopePred      = "pred_layer"
	scopeStyle     = "style_layer"
	scopePredictor = "param_predictor"
	scopeFixer     = "param_fixer"
	scopeEmoEbd    = "emo_ebd_layer"
)

// Engine 情绪条件的面部参数预测模型
type Engine struct {
	cfg       Config
	extractor extractor.FeatureExtractor
	store     *nn.VarStore
	log       logrus.FieldLogger

	wavLayer       *WavLayer
	predLayer      *EmoPredLayer
	styleLayer     *StyleExtractor
	paramPredictor *ParamPredictor
	paramFixer     *ParamFixer
	emoEbdLayer    *EmoEmbeddingLayer

	mu   sync.Mutex
	norm *OutNorm
}

// Option Engine 的可选参数
type Option func(*Engine)

// WithLogger 指定日志输出，默认使用 logrus 标准 logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// NewEngine 初始化融合模型，参数随机初始化，可通过 LoadWeights 加载权重
//
// # Params:
//
//	cfg: 模型配置
//	ext: 冻结的特征提取器，Destroy 时一并释放
//	opts: 可选参数
func NewEngine(cfg Config, ext extractor.FeatureExtractor, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, fmt.Errorf("特征提取器不能为空")
	}
	if ext.Channels() != cfg.WavFeaChannels {
		return nil, fmt.Errorf("特征通道数 %d 与配置 wav_fea_channels %d 不一致", ext.Channels(), cfg.WavFeaChannels)
	}
	if n := ext.FeatLen(WindowLen); n != cfg.FeatLen {
		return nil, fmt.Errorf("特征帧数 %d 与配置 feat_len %d 不一致", n, cfg.FeatLen)
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}

	store := nn.NewVarStore(cfg.Seed)
	root := store.Builder()
	e := &Engine{
		cfg:            cfg,
		extractor:      ext,
		store:          store,
		log:            logrus.StandardLogger(),
		wavLayer:       NewWavLayer(root.Sub(scopeWav), cfg.FeatLen, cfg.WavFeaChannels, cfg.Hidden, cfg.Dp),
		predLayer:      NewEmoPredLayer(root.Sub(scopePred), cfg.Hidden, cfg.EmoChannels, cfg.Dp),
		styleLayer:     NewStyleExtractor(root.Sub(scopeStyle), cfg.Hidden, cfg.DimStyle, cfg.StyleHeads, cfg.StyleBlocks, cfg.Dp, cfg.FreezeStyleToken),
		paramPredictor: NewParamPredictor(root.Sub(scopePredictor), cfg.Hidden, cfg.DimStyle, cfg.ParamsChannels),
		paramFixer:     NewParamFixer(root.Sub(scopeFixer), cfg.Hidden, cfg.ParamsChannels),
		emoEbdLayer:    NewEmoEmbeddingLayer(root.Sub(scopeEmoEbd), cfg.EmoChannels, cfg.Hidden, cfg.Dp),
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.OutNorm != nil {
		n, err := NewOutNorm(cfg.OutNorm.Min, cfg.OutNorm.Max)
		if err != nil {
			return nil, err
		}
		if err := e.SetNorm(n); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Config 模型配置，OutNorm 为当前生效的反归一化区间
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	if cfg.OutNorm != nil {
		cfg.OutNorm = &NormRange{
			Min: append([]float32(nil), cfg.OutNorm.Min...),
			Max: append([]float32(nil), cfg.OutNorm.Max...),
		}
	}
	return cfg
}

// Forward 批量前向计算
//
// # Params:
//
//	req: 输入，Policies 必须与样本一一对应且不含 PolicyOneHot
func (e *Engine) Forward(req Request) (*Output, error) {
	if _, err := req.validate(e.cfg.EmoChannels, true); err != nil {
		return nil, err
	}
	return e.forward(&req, false)
}

// PredictEmotion 仅预测情绪，返回展平的 logits (sum(SeqLen), C_emo)
func (e *Engine) PredictEmotion(req Request) (*tensor.Tensor, error) {
	if _, err := req.validate(e.cfg.EmoChannels, false); err != nil {
		return nil, err
	}
	out, err := e.forward(&req, true)
	if err != nil {
		return nil, err
	}
	return out.PredEmoLogits, nil
}

// TestForward 单样本推理，支持 PolicyOneHot
func (e *Engine) TestForward(req Request) (*Output, error) {
	if len(req.Wavs) != 1 {
		return nil, fmt.Errorf("%w: 实际为 %d 个样本", ErrNotSingleSample, len(req.Wavs))
	}
	if len(req.Policies) != 1 {
		return nil, fmt.Errorf("%w: 1 个样本, %d 个策略", ErrPolicyCount, len(req.Policies))
	}
	if req.Policies[0] == PolicyOneHot {
		logits, err := e.oneHotLogits(req)
		if err != nil {
			return nil, err
		}
		req.EmoLogits = logits
		req.Policies = []Policy{PolicyUse}
	}
	return e.Forward(req)
}

// oneHotLogits 得到 one_hot 策略的合成 logits
func (e *Engine) oneHotLogits(req Request) (*tensor.Tensor, error) {
	k, err := e.cfg.labelIndex(req.EmoLabel)
	if err != nil {
		return nil, err
	}
	intensity := e.cfg.DefaultIntensity
	if req.Intensity != nil {
		intensity = *req.Intensity
	}

	var logits *tensor.Tensor
	if req.EmoLogits != nil {
		logits = req.EmoLogits.Clone()
	} else {
		if logits, err = e.PredictEmotion(req); err != nil {
			return nil, err
		}
	}
	if err := ApplyOneHot(logits, k, intensity); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"label":     req.EmoLabel,
		"intensity": intensity,
	}).Debug("one_hot 情绪增强")
	return logits, nil
}

// ApplyOneHot 原地修改 (N, C) logits: 每个通道减去均值，整体减去 intensity，第 k 个通道加上 4*intensity
func ApplyOneHot(logits *tensor.Tensor, k int, intensity float32) error {
	if logits.Rank() != 2 || k < 0 || k >= logits.Dim(1) {
		return fmt.Errorf("%w: 标签下标 %d, logits 形状 %v", ErrUnknownLabel, k, logits.Shape())
	}
	rows, ch := logits.Dim(0), logits.Dim(1)
	d := logits.Data()
	if rows > 0 {
		for c := 0; c < ch; c++ {
			var mean float64
			for r := 0; r < rows; r++ {
				mean += float64(d[r*ch+c])
			}
			m := float32(mean / float64(rows))
			for r := 0; r < rows; r++ {
				d[r*ch+c] -= m
			}
		}
	}
	for r := 0; r < rows; r++ {
		row := d[r*ch : (r+1)*ch]
		for c := range row {
			row[c] -= intensity
		}
		row[k] += 4 * intensity
	}
	return nil
}

// forward 完整的前向计算，predOnly 时只返回 PredEmoLogits
func (e *Engine) forward(req *Request, predOnly bool) (*Output, error) {
	seqLen := append([]int(nil), req.SeqLen...)
	steps := maxSeqLen(seqLen)
	out := &Output{
		Mask:   OutputMask(seqLen, e.cfg.ParamsChannels),
		SeqLen: seqLen,
	}

	padded := PadWaves(req.Wavs, steps, e.cfg.LeadingPad)
	if err := checkWindows(padded, steps); err != nil {
		return nil, err
	}
	audio, err := e.embedFrames(padded, steps)
	if err != nil {
		return nil, err
	}

	// 情绪预测分支使用音频嵌入的副本
	pred, err := e.predLayer.Forward(audio.Clone(), seqLen)
	if err != nil {
		return nil, fmt.Errorf("情绪预测失败: %w", err)
	}
	out.PredEmoLogits = pred
	if predOnly {
		return out, nil
	}

	emoLogits := req.EmoLogits
	if emoLogits == nil && hasPolicy(req.Policies, PolicyUse) {
		emoLogits = pred
	}

	var frames [][]bool
	if e.cfg.MaskStylePadding {
		frames = frameMask(seqLen, steps)
	}
	style, err := e.styleLayer.Forward(audio, frames)
	if err != nil {
		return nil, fmt.Errorf("风格提取失败: %w", err)
	}
	paramOut, err := e.paramPredictor.Forward(audio, style)
	if err != nil {
		return nil, fmt.Errorf("参数预测失败: %w", err)
	}

	var paramEmo *tensor.Tensor
	if emoLogits != nil {
		ebd, rec, used, err := e.emoEbdLayer.Forward(emoLogits, seqLen, steps)
		if err != nil {
			return nil, fmt.Errorf("情绪嵌入失败: %w", err)
		}
		out.Recovery = rec
		if rec.Kind != Consistent {
			e.log.WithFields(logrus.Fields{
				"given":    rec.Given,
				"expected": rec.Expected,
				"recovery": rec.Kind.String(),
				"seq_len":  seqLen,
			}).Warn("情绪 logits 行数与帧数不一致")
			out.SeqLen = used
		}
		if paramEmo, err = e.paramFixer.Forward(paramOut, ebd); err != nil {
			return nil, fmt.Errorf("参数修正失败: %w", err)
		}
		for b, p := range req.Policies {
			if p == PolicyNoUse {
				copy(paramEmo.Index(b).Data(), paramOut.Index(b).Data())
			}
		}
	}

	if req.Smooth {
		paramOut = Smooth(paramOut)
		if paramEmo != nil {
			paramEmo = Smooth(paramEmo)
		}
	}

	if norm, ok := e.boundNorm(); ok {
		if paramOut, err = norm.Apply(paramOut); err != nil {
			return nil, err
		}
		if paramEmo != nil {
			if paramEmo, err = norm.Apply(paramEmo); err != nil {
				return nil, err
			}
		}
	}

	applyMask(paramOut, seqLen)
	if paramEmo != nil {
		applyMask(paramEmo, seqLen)
		out.Params = paramEmo
	} else {
		out.Params = paramOut.Clone()
	}
	out.ParamsOri = paramOut

	out.Patches = e.patches(out.Params, out.SeqLen, req.CodeDicts)
	return out, nil
}

// embedFrames 逐帧提取特征并计算音频嵌入: (B, T) -> (B, steps, H)
func (e *Engine) embedFrames(padded *tensor.Tensor, steps int) (*tensor.Tensor, error) {
	if steps == 0 {
		return tensor.New(padded.Dim(0), 0, e.cfg.Hidden), nil
	}
	frames := make([]*tensor.Tensor, steps)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)
	for t := 0; t < steps; t++ {
		g.Go(func() error {
			win, err := Window(padded, t)
			if err != nil {
				return err
			}
			fea, err := e.extractor.Extract(win)
			if err != nil {
				return fmt.Errorf("第 %d 帧特征提取失败: %w", t, err)
			}
			// (B, channels, feat_len) -> (B, feat_len, channels)
			if fea, err = tensor.Transpose12(fea); err != nil {
				return err
			}
			if frames[t], err = e.wavLayer.Forward(fea); err != nil {
				return fmt.Errorf("第 %d 帧音频嵌入失败: %w", t, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tensor.Stack1(frames)
}

// patches 生成 code dict 更新，帧数不一致时记录日志并继续
func (e *Engine) patches(params *tensor.Tensor, seqLen []int, dicts []CodeDict) []CodeDictPatch {
	if len(dicts) == 0 {
		return nil
	}
	ch := params.Dim(2)
	out := make([]CodeDictPatch, 0, len(dicts))
	for b, cd := range dicts {
		n := seqLen[b]
		if len(cd.ExpCode) != n {
			e.log.WithFields(logrus.Fields{
				"sample":  b,
				"expcode": len(cd.ExpCode),
				"seq_len": n,
			}).Warn("code dict 帧数与 seq_len 不一致")
		}
		data := params.Index(b).Data()
		p := CodeDictPatch{
			Sample:   b,
			ExpCode:  make([][]float32, n),
			PoseCol3: make([]float32, n),
		}
		for t := 0; t < n; t++ {
			row := data[t*ch : (t+1)*ch]
			p.ExpCode[t] = append([]float32(nil), row[:ExpChannels]...)
			p.PoseCol3[t] = row[PoseChannel]
		}
		out = append(out, p)
	}
	return out
}

func hasPolicy(policies []Policy, p Policy) bool {
	for _, v := range policies {
		if v == p {
			return true
		}
	}
	return false
}

// SetNorm 设置输出反归一化区间，通道数必须等于 params_channels
func (e *Engine) SetNorm(n OutNorm) error {
	if n.Channels() != e.cfg.ParamsChannels {
		return fmt.Errorf("%w: 需要 %d 个通道，实际为 %d", ErrBadNorm, e.cfg.ParamsChannels, n.Channels())
	}
	bound := Bind(n, e.extractor.Device())
	e.mu.Lock()
	e.norm = &bound
	e.cfg.OutNorm = &NormRange{Min: n.Min(), Max: n.Max()}
	e.mu.Unlock()
	return nil
}

// Norm 当前的反归一化区间
func (e *Engine) Norm() (OutNorm, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.norm == nil {
		return OutNorm{}, false
	}
	return *e.norm, true
}

// boundNorm 返回绑定到当前设备的区间，设备变化时重新绑定
func (e *Engine) boundNorm() (OutNorm, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.norm == nil {
		return OutNorm{}, false
	}
	if dev := e.extractor.Device(); e.norm.Device() != dev {
		bound := Bind(*e.norm, dev)
		e.norm = &bound
	}
	return *e.norm, true
}

// GenerationParams 生成分支的可训练参数
func (e *Engine) GenerationParams() nn.ParamGroup {
	return e.store.Group("generation", scopeWav, scopePredictor, scopeEmoEbd, scopeFixer, scopePred)
}

// StyleParams 风格分支的可训练参数
func (e *Engine) StyleParams() nn.ParamGroup {
	return e.store.Group("style", scopeStyle)
}

// SetTraining 切换训练/推理模式
func (e *Engine) SetTraining(training bool) {
	e.store.SetTraining(training)
}

// LoadWeights 加载 safetensors 权重
func (e *Engine) LoadWeights(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("权重文件不存在: %w", err)
	}
	if err := e.store.LoadFile(path); err != nil {
		return fmt.Errorf("加载权重失败: %w", err)
	}
	e.log.WithField("path", path).Info("权重加载完成")
	return nil
}

// SaveWeights 保存 safetensors 权重
func (e *Engine) SaveWeights(path string) error {
	if err := e.store.SaveFile(path); err != nil {
		return fmt.Errorf("保存权重失败: %w", err)
	}
	return nil
}

// Destroy 释放相关资源
func (e *Engine) Destroy() error {
	var err error
	if e.extractor != nil {
		err = multierr.Append(err, e.extractor.Destroy())
		e.extractor = nil
	}
	return err
}
