package extractor

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/getcharzp/go-emoface"
	"github.com/getcharzp/go-emoface/tensor"
)

// SpectralConfig 对数幅度谱特征的参数
type SpectralConfig struct {
	FrameLen int // 帧长 (采样点)
	Hop      int // 帧移 (采样点)
	Channels int // 输出频点数，FFT 长度为 2*Channels
}

// DefaultSpectralConfig 16kHz 下 25ms 帧长、20ms 帧移，每个 1066 点窗口输出 3 帧
func DefaultSpectralConfig() SpectralConfig {
	return SpectralConfig{
		FrameLen: 400,
		Hop:      320,
		Channels: 512,
	}
}

// Spectral 基于 Hann 窗和实数 FFT 的特征提取器，无需模型文件
type Spectral struct {
	cfg    SpectralConfig
	window []float64
}

// NewSpectral 创建谱特征提取器
func NewSpectral(cfg SpectralConfig) (*Spectral, error) {
	if cfg.FrameLen <= 0 || cfg.Hop <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("谱特征参数非法: %+v", cfg)
	}
	if cfg.FrameLen > 2*cfg.Channels {
		return nil, fmt.Errorf("帧长 %d 超过 FFT 长度 %d", cfg.FrameLen, 2*cfg.Channels)
	}
	return &Spectral{cfg: cfg, window: window.Hann(cfg.FrameLen)}, nil
}

// Extract (B, N) -> (B, channels, feat_len)
func (s *Spectral) Extract(windows *tensor.Tensor) (*tensor.Tensor, error) {
	bs, n, err := checkWindows(windows)
	if err != nil {
		return nil, err
	}
	frames := s.FeatLen(n)
	if frames == 0 {
		return nil, fmt.Errorf("窗口长度 %d 小于帧长 %d", n, s.cfg.FrameLen)
	}

	ch := s.cfg.Channels
	out := tensor.New(bs, ch, frames)
	od := out.Data()
	buf := make([]float64, 2*ch)
	for b := 0; b < bs; b++ {
		wav := windows.Index(b).Data()
		for f := 0; f < frames; f++ {
			clear(buf)
			start := f * s.cfg.Hop
			for j, w := range s.window {
				buf[j] = float64(wav[start+j]) * w
			}
			spectrum := fft.FFTReal(buf)
			for c := 0; c < ch; c++ {
				od[(b*ch+c)*frames+f] = float32(math.Log1p(cmplx.Abs(spectrum[c])))
			}
		}
	}
	return out, nil
}

// Channels 频点数
func (s *Spectral) Channels() int {
	return s.cfg.Channels
}

// FeatLen 窗口长度为 n 时的帧数
func (s *Spectral) FeatLen(n int) int {
	if n < s.cfg.FrameLen {
		return 0
	}
	return (n-s.cfg.FrameLen)/s.cfg.Hop + 1
}

// Device 始终在 CPU 上计算
func (s *Spectral) Device() string {
	return emoface.DeviceCPU
}

// Destroy 无需释放资源
func (s *Spectral) Destroy() error {
	return nil
}
