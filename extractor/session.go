package extractor

import (
	"fmt"
	"path/filepath"

	ort "github.com/getcharzp/onnxruntime_purego"

	"github.com/getcharzp/go-emoface"
	"github.com/getcharzp/go-emoface/tensor"
)

// Session 将调用方已创建的 purego 会话包装为特征提取器
type Session struct {
	session    *ort.Session
	conv       ConvConfig
	inputName  string
	outputName string
	device     string

	// OpenSession 创建时由 Session 持有
	engine *ort.Engine
	opts   *ort.SessionOptions
}

// SessionOption Session 的可选参数
type SessionOption struct {
	InputName  string // 输入节点名，默认 input_values
	OutputName string // 输出节点名，默认 extract_features
	Device     string // 推理设备，默认 cpu
}

// NewSession 包装已打开的会话，conv 描述其卷积前端结构
//
// # Params:
//
//	session: 已创建的会话，Destroy 时一并释放
//	conv: 卷积前端结构
//	opt: 可选参数
func NewSession(session *ort.Session, conv ConvConfig, opt ...SessionOption) (*Session, error) {
	if session == nil {
		return nil, fmt.Errorf("会话不能为空")
	}
	if err := conv.validate(); err != nil {
		return nil, err
	}
	s := &Session{
		session:    session,
		conv:       conv,
		inputName:  "input_values",
		outputName: "extract_features",
		device:     emoface.DeviceCPU,
	}
	if len(opt) > 0 {
		if opt[0].InputName != "" {
			s.inputName = opt[0].InputName
		}
		if opt[0].OutputName != "" {
			s.outputName = opt[0].OutputName
		}
		if opt[0].Device != "" {
			s.device = opt[0].Device
		}
	}
	return s, nil
}

// OpenSession 使用 purego 绑定加载 wav2vec2 特征前端，无需 cgo
//
// # Params:
//
//	cfg: 与 NewOnnx 相同的配置
func OpenSession(cfg Config) (*Session, error) {
	def := DefaultConfig()
	if cfg.ModelFile == "" {
		cfg.ModelFile = def.ModelFile
	}
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = def.ConfigFile
	}

	conv, err := LoadConvConfig(filepath.Join(cfg.ModelDir, cfg.ConfigFile))
	if err != nil {
		return nil, err
	}

	engine, err := ort.NewEngine(cfg.OnnxRuntimeLibPath)
	if err != nil {
		return nil, fmt.Errorf("初始化 ONNX Runtime 失败: %w", err)
	}
	opts, err := engine.NewSessionOptions()
	if err != nil {
		engine.Destroy()
		return nil, fmt.Errorf("创建会话配置失败: %w", err)
	}
	release := func() {
		opts.Destroy()
		engine.Destroy()
	}
	if cfg.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(int32(cfg.NumThreads)); err != nil {
			release()
			return nil, fmt.Errorf("设置线程数失败: %w", err)
		}
	}
	if err := opts.SetCpuMemArena(cfg.EnableCpuMemArena); err != nil {
		release()
		return nil, fmt.Errorf("设置内存池失败: %w", err)
	}
	device := emoface.DeviceCPU
	if cfg.UseCuda {
		if err := opts.EnableCUDA(); err != nil {
			release()
			return nil, fmt.Errorf("启用 CUDA 失败: %w", err)
		}
		device = emoface.DeviceCUDA
	}

	session, err := engine.NewSession(filepath.Join(cfg.ModelDir, cfg.ModelFile), opts)
	if err != nil {
		release()
		return nil, fmt.Errorf("创建特征提取会话失败: %w", err)
	}
	s, err := NewSession(session, conv, SessionOption{
		InputName:  cfg.InputName,
		OutputName: cfg.OutputName,
		Device:     device,
	})
	if err != nil {
		session.Destroy()
		release()
		return nil, err
	}
	s.engine, s.opts = engine, opts
	return s, nil
}

// Extract (B, N) -> (B, channels, feat_len)
func (s *Session) Extract(windows *tensor.Tensor) (*tensor.Tensor, error) {
	bs, n, err := checkWindows(windows)
	if err != nil {
		return nil, err
	}
	in, err := ort.NewTensor([]int64{int64(bs), int64(n)}, windows.Data())
	if err != nil {
		return nil, fmt.Errorf("创建输入 tensor 失败: %w", err)
	}
	defer in.Destroy()

	outputValues, err := s.session.Run(map[string]*ort.Value{s.inputName: in})
	if err != nil {
		return nil, fmt.Errorf("特征提取运行失败: %w", err)
	}
	for name, v := range outputValues {
		if name != s.outputName {
			v.Destroy()
		}
	}
	outputValue, ok := outputValues[s.outputName]
	if !ok || outputValue == nil {
		return nil, fmt.Errorf("缺少输出节点 %s", s.outputName)
	}
	defer outputValue.Destroy()

	data, err := ort.GetTensorData[float32](outputValue)
	if err != nil {
		return nil, fmt.Errorf("获取输出数据失败: %w", err)
	}
	outputShape, err := outputValue.GetShape()
	if err != nil {
		return nil, fmt.Errorf("输出结果维度异常: %w", err)
	}
	shape, err := checkOutput(outputShape, bs, s.conv.Channels())
	if err != nil {
		return nil, err
	}
	buf := make([]float32, len(data))
	copy(buf, data)
	return tensor.FromData(buf, shape...)
}

// Channels 特征通道数
func (s *Session) Channels() int {
	return s.conv.Channels()
}

// FeatLen 窗口长度为 n 时的特征帧数
func (s *Session) FeatLen(n int) int {
	return s.conv.FeatLen(n)
}

// Device 推理设备
func (s *Session) Device() string {
	return s.device
}

// Destroy 释放会话，由 OpenSession 创建时一并释放引擎
func (s *Session) Destroy() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.opts != nil {
		s.opts.Destroy()
		s.opts = nil
	}
	if s.engine != nil {
		s.engine.Destroy()
		s.engine = nil
	}
	return nil
}
