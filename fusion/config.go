package fusion

import (
	"fmt"
	"os"

	"github.com/up-zero/gotool/fileutil"
	"gopkg.in/yaml.v3"
)

const (
	// SampleRate 输入音频采样率
	SampleRate = 16000
	// FrameRate 输出参数帧率
	FrameRate = 30
	// SamplesPerFrame 每个输出帧对应的采样点数
	SamplesPerFrame = float64(SampleRate) / FrameRate
	// ClipLen round(SamplesPerFrame)
	ClipLen = 533
	// WindowLen 每帧特征窗口长度，覆盖当前帧和下一帧
	WindowLen = 2 * ClipLen

	// ExpChannels 参数向量中表情系数的通道数 [0:50]
	ExpChannels = 50
	// PoseChannel 参数向量中写入 posecode 的通道
	PoseChannel = 53
	// PoseColumn posecode 中被覆盖的列
	PoseColumn = 3

	emoMin = -2
	emoMax = 2

	wavHidden    = 256
	emoLSTMWidth = 128
	convHidden   = 128
	convGroups   = 8

	channels      = 1
	bitsPerSample = 16
)

// DanLabels 默认情绪标签顺序
var DanLabels = []string{"neutral", "happy", "sad", "surprise", "fear", "disgust", "anger", "contempt"}

// NormRange 输出参数的反归一化区间
type NormRange struct {
	Min []float32 `yaml:"min"`
	Max []float32 `yaml:"max"`
}

// Config 融合模型的配置参数
type Config struct {
	WavFeaChannels int     `yaml:"wav_fea_channels"` // 特征提取器输出通道数
	FeatLen        int     `yaml:"feat_len"`         // 每个窗口的特征帧数
	ParamsChannels int     `yaml:"params_channels"`  // 输出参数通道数
	Hidden         int     `yaml:"hidden"`           // 音频嵌入维度
	DimStyle       int     `yaml:"dim_style"`        // 风格向量维度
	EmoChannels    int     `yaml:"emo_channels"`     // 情绪 logits 维度
	Dp             float32 `yaml:"dp"`               // dropout 概率
	StyleHeads     int     `yaml:"style_heads"`
	StyleBlocks    int     `yaml:"style_blocks"`

	EmoLabels        []string `yaml:"emo_labels"`        // one_hot 策略的标签表
	DefaultIntensity float32  `yaml:"default_intensity"` // one_hot 默认强度

	// 可选参数
	MaskStylePadding bool       `yaml:"mask_style_padding"` // (可选) 风格提取时屏蔽填充帧
	LeadingPad       bool       `yaml:"leading_pad"`        // (可选) 额外的一个 clip 填充在波形前端
	FreezeStyleToken bool       `yaml:"freeze_style_token"` // (可选) 风格摘要 token 不可训练，仍随权重保存
	Workers          int        `yaml:"workers"`            // (可选) 逐帧特征提取的并发数，默认 1
	Seed             uint64     `yaml:"seed"`               // (可选) 参数初始化和 dropout 的随机种子
	OutNorm          *NormRange `yaml:"out_norm"`           // (可选) 输出反归一化区间
}

// DefaultConfig 默认配置，对应 wav2vec2-base 特征前端
func DefaultConfig() Config {
	return Config{
		WavFeaChannels:   512,
		FeatLen:          3,
		ParamsChannels:   56,
		Hidden:           128,
		DimStyle:         128,
		EmoChannels:      len(DanLabels),
		Dp:               0.1,
		StyleHeads:       1,
		StyleBlocks:      4,
		EmoLabels:        append([]string(nil), DanLabels...),
		DefaultIntensity: 0.5,
		Workers:          1,
	}
}

// LoadConfig 读取 yaml 配置，未设置的字段使用默认值
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save 写出 yaml 配置
func (c Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	if err := fileutil.FileSave(path, b); err != nil {
		return fmt.Errorf("写入配置失败: %w", err)
	}
	return nil
}

// Validate 校验配置
func (c Config) Validate() error {
	for name, v := range map[string]int{
		"wav_fea_channels": c.WavFeaChannels,
		"feat_len":         c.FeatLen,
		"hidden":           c.Hidden,
		"dim_style":        c.DimStyle,
		"emo_channels":     c.EmoChannels,
		"style_heads":      c.StyleHeads,
		"style_blocks":     c.StyleBlocks,
	} {
		if v <= 0 {
			return fmt.Errorf("配置项 %s 必须为正数，当前为 %d", name, v)
		}
	}
	if c.ParamsChannels <= PoseChannel {
		return fmt.Errorf("params_channels 至少为 %d，当前为 %d", PoseChannel+1, c.ParamsChannels)
	}
	if c.Hidden%c.StyleHeads != 0 {
		return fmt.Errorf("hidden %d 不能被 style_heads %d 整除", c.Hidden, c.StyleHeads)
	}
	if c.Dp < 0 || c.Dp >= 1 {
		return fmt.Errorf("dp 必须位于 [0, 1)，当前为 %v", c.Dp)
	}
	if len(c.EmoLabels) > c.EmoChannels {
		return fmt.Errorf("情绪标签数 %d 超过 emo_channels %d", len(c.EmoLabels), c.EmoChannels)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers 不能为负数")
	}
	return nil
}

// labelIndex 查找情绪标签
func (c Config) labelIndex(label string) (int, error) {
	for i, l := range c.EmoLabels {
		if l == label {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
}
