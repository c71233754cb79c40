package fusion

import (
	"fmt"
	"os"

	"github.com/up-zero/gotool/mediautil"
)

// AnimateOption 单段语音推理的可选参数
type AnimateOption struct {
	Policy    Policy    // 条件策略，默认 PolicyUse
	EmoLabel  string    // PolicyOneHot 的目标情绪
	Intensity *float32  // (可选) PolicyOneHot 的强度
	Smooth    bool      // 是否平滑输出
	CodeDict  *CodeDict // (可选) 需要更新的 code dict
}

// AnimateFile 读取 WAV 文件并预测面部参数
//
// # Params:
//
//	wavPath: 音频文件路径
//	opt: 可选参数
func (e *Engine) AnimateFile(wavPath string, opt ...AnimateOption) (*Output, error) {
	wavBytes, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, fmt.Errorf("无法读取文件: %w", err)
	}
	return e.AnimateBytes(wavBytes, opt...)
}

// AnimateBytes 对 WAV 字节流预测面部参数
//
// # Params:
//
//	wavBytes: 音频文件字节流
//	opt: 可选参数
func (e *Engine) AnimateBytes(wavBytes []byte, opt ...AnimateOption) (*Output, error) {
	samples, err := parseWavBytes(wavBytes)
	if err != nil {
		return nil, fmt.Errorf("无法将 PCM 数据转换为 float32: %w", err)
	}
	return e.Animate(samples, opt...)
}

// Animate 对 float32 音频样本预测面部参数，帧数为 floor(len*30/16000)
//
// # Params:
//
//	samples: 采样率 16KHz 的单声道音频数据，范围 [-1, 1]
//	opt: 可选参数
func (e *Engine) Animate(samples []float32, opt ...AnimateOption) (*Output, error) {
	var o AnimateOption
	if len(opt) > 0 {
		o = opt[0]
	}
	req := Request{
		Wavs:      [][]float32{samples},
		SeqLen:    []int{FrameCount(len(samples))},
		Policies:  []Policy{o.Policy},
		Smooth:    o.Smooth,
		EmoLabel:  o.EmoLabel,
		Intensity: o.Intensity,
	}
	if o.CodeDict != nil {
		req.CodeDicts = []CodeDict{*o.CodeDict}
	}
	return e.TestForward(req)
}

// FrameCount 16kHz 采样点数对应的 30fps 帧数
func FrameCount(samples int) int {
	return samples * FrameRate / SampleRate
}

// parseWavBytes 转换 WAV 字节流
func parseWavBytes(wavBytes []byte) ([]float32, error) {
	targetBytes, err := mediautil.ReformatWavBytes(wavBytes, SampleRate, channels, bitsPerSample)
	if err != nil {
		return nil, fmt.Errorf("无法格式化 WAV 文件: %v", err)
	}
	if len(targetBytes) < 44 {
		return nil, fmt.Errorf("WAV 数据过短")
	}
	return mediautil.PcmBytesToFloat32(targetBytes[44:], bitsPerSample)
}
