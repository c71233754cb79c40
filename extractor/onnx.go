package extractor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/up-zero/gotool/convertutil"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/getcharzp/go-emoface"
	"github.com/getcharzp/go-emoface/tensor"
)

// Config wav2vec2 特征前端的配置参数
type Config struct {
	// 必填参数
	OnnxRuntimeLibPath string
	ModelDir           string // 包含 config.json 和 model.onnx 的目录

	// 可选参数
	ModelFile         string // (可选) 模型文件名，默认 model.onnx
	ConfigFile        string // (可选) 配置文件名，默认 config.json
	InputName         string // (可选) 输入节点名，默认 input_values
	OutputName        string // (可选) 输出节点名，默认 extract_features
	UseCuda           bool   // (可选) 是否启用 CUDA
	NumThreads        int    // (可选) ONNX 线程数, 默认由CPU核心数决定
	EnableCpuMemArena bool   // (可选) 是否启用内存池
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		OnnxRuntimeLibPath: emoface.DefaultLibraryPath(),
		ModelDir:           "./wav2vec2_weights",
		ModelFile:          "model.onnx",
		ConfigFile:         "config.json",
		InputName:          "input_values",
		OutputName:         "extract_features",
	}
}

// ConvConfig wav2vec2 卷积前端结构，字段与 HuggingFace config.json 一致
type ConvConfig struct {
	ConvDim    []int `json:"conv_dim"`
	ConvKernel []int `json:"conv_kernel"`
	ConvStride []int `json:"conv_stride"`
}

// DefaultConvConfig wav2vec2-base 的卷积前端
func DefaultConvConfig() ConvConfig {
	return ConvConfig{
		ConvDim:    []int{512, 512, 512, 512, 512, 512, 512},
		ConvKernel: []int{10, 3, 3, 3, 3, 2, 2},
		ConvStride: []int{5, 2, 2, 2, 2, 2, 2},
	}
}

// LoadConvConfig 读取 config.json
func LoadConvConfig(path string) (ConvConfig, error) {
	var cc ConvConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return cc, fmt.Errorf("读取特征配置失败: %w", err)
	}
	if err := json.Unmarshal(b, &cc); err != nil {
		return cc, fmt.Errorf("解析特征配置失败: %w", err)
	}
	if err := cc.validate(); err != nil {
		return cc, err
	}
	return cc, nil
}

func (cc ConvConfig) validate() error {
	if len(cc.ConvDim) == 0 || len(cc.ConvDim) != len(cc.ConvKernel) || len(cc.ConvDim) != len(cc.ConvStride) {
		return fmt.Errorf("卷积层配置长度不一致: dim=%d kernel=%d stride=%d",
			len(cc.ConvDim), len(cc.ConvKernel), len(cc.ConvStride))
	}
	for i, s := range cc.ConvStride {
		if s <= 0 || cc.ConvKernel[i] <= 0 {
			return fmt.Errorf("第 %d 层卷积参数非法", i)
		}
	}
	return nil
}

// Channels 最后一层卷积的通道数
func (cc ConvConfig) Channels() int {
	if len(cc.ConvDim) == 0 {
		return 0
	}
	return cc.ConvDim[len(cc.ConvDim)-1]
}

// FeatLen 逐层计算 floor((n - kernel) / stride) + 1
func (cc ConvConfig) FeatLen(n int) int {
	for i, k := range cc.ConvKernel {
		if n < k {
			return 0
		}
		n = (n-k)/cc.ConvStride[i] + 1
	}
	return n
}

// Onnx 基于 ONNX Runtime 的 wav2vec2 特征前端
type Onnx struct {
	session *ort.DynamicAdvancedSession
	onnx    *emoface.OnnxConfig
	conv    ConvConfig
}

// NewOnnx 加载特征前端
func NewOnnx(cfg Config) (*Onnx, error) {
	def := DefaultConfig()
	if cfg.ModelFile == "" {
		cfg.ModelFile = def.ModelFile
	}
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = def.ConfigFile
	}
	if cfg.InputName == "" {
		cfg.InputName = def.InputName
	}
	if cfg.OutputName == "" {
		cfg.OutputName = def.OutputName
	}

	conv, err := LoadConvConfig(filepath.Join(cfg.ModelDir, cfg.ConfigFile))
	if err != nil {
		return nil, err
	}

	oc := new(emoface.OnnxConfig)
	_ = convertutil.CopyProperties(cfg, oc)

	// 初始化 ONNX
	if err := oc.New(); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(filepath.Join(cfg.ModelDir, cfg.ModelFile),
		[]string{cfg.InputName}, []string{cfg.OutputName}, oc.SessionOptions)
	if err != nil {
		_ = oc.Destroy()
		return nil, fmt.Errorf("创建特征提取会话失败: %w", err)
	}

	return &Onnx{session: session, onnx: oc, conv: conv}, nil
}

// Extract (B, N) -> (B, channels, feat_len)
func (e *Onnx) Extract(windows *tensor.Tensor) (*tensor.Tensor, error) {
	bs, n, err := checkWindows(windows)
	if err != nil {
		return nil, err
	}
	in, err := ort.NewTensor(ort.NewShape(int64(bs), int64(n)), windows.Data())
	if err != nil {
		return nil, fmt.Errorf("创建输入 tensor 失败: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, fmt.Errorf("特征提取运行失败: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("特征输出类型异常: %T", outputs[0])
	}
	shape, err := checkOutput(out.GetShape(), bs, e.conv.Channels())
	if err != nil {
		return nil, err
	}
	data := make([]float32, len(out.GetData()))
	copy(data, out.GetData())
	return tensor.FromData(data, shape...)
}

// Channels 特征通道数
func (e *Onnx) Channels() int {
	return e.conv.Channels()
}

// FeatLen 窗口长度为 n 时的特征帧数
func (e *Onnx) FeatLen(n int) int {
	return e.conv.FeatLen(n)
}

// Device 推理设备
func (e *Onnx) Device() string {
	return e.onnx.Device()
}

// Destroy 释放相关资源
func (e *Onnx) Destroy() error {
	var err error
	if e.session != nil {
		err = multierr.Append(err, e.session.Destroy())
		e.session = nil
	}
	if e.onnx != nil {
		err = multierr.Append(err, e.onnx.Destroy())
	}
	return err
}
