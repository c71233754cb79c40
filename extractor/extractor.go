package extractor

import (
	"fmt"

	"github.com/getcharzp/go-emoface/tensor"
)

// FeatureExtractor 冻结的音频特征提取器，不包含可训练参数
type FeatureExtractor interface {
	// Extract 输入波形窗口 (B, N)，输出特征网格 (B, channels, feat_len)
	Extract(windows *tensor.Tensor) (*tensor.Tensor, error)
	// Channels 特征通道数
	Channels() int
	// FeatLen 长度为 n 的窗口对应的特征帧数
	FeatLen(n int) int
	// Device 推理设备
	Device() string
	// Destroy 释放资源
	Destroy() error
}

// checkWindows 校验输入为 (B, N)
func checkWindows(windows *tensor.Tensor) (int, int, error) {
	if windows == nil || windows.Rank() != 2 {
		var shape []int
		if windows != nil {
			shape = windows.Shape()
		}
		return 0, 0, fmt.Errorf("窗口形状应为 (B, N)，实际为 %v", shape)
	}
	return windows.Dim(0), windows.Dim(1), nil
}

// checkOutput 校验提取器输出形状
func checkOutput(shape []int64, bs, channels int) ([]int, error) {
	if len(shape) != 3 || int(shape[0]) != bs || (channels > 0 && int(shape[1]) != channels) {
		return nil, fmt.Errorf("特征输出形状异常: %v", shape)
	}
	return []int{int(shape[0]), int(shape[1]), int(shape[2])}, nil
}

var (
	_ FeatureExtractor = (*Onnx)(nil)
	_ FeatureExtractor = (*Session)(nil)
	_ FeatureExtractor = (*Spectral)(nil)
)
