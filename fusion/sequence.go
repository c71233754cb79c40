package fusion

import (
	"fmt"
	"math"

	"github.com/getcharzp/go-emoface/tensor"
)

// maxSeqLen 批次中的最大帧数
func maxSeqLen(seqLen []int) int {
	m := 0
	for _, n := range seqLen {
		if n > m {
			m = n
		}
	}
	return m
}

// sumSeqLen 批次中的总帧数
func sumSeqLen(seqLen []int) int {
	s := 0
	for _, n := range seqLen {
		s += n
	}
	return s
}

// PadWaves 将波形右侧补零到 round(steps*SamplesPerFrame)，再补一个 ClipLen
//
// # Params:
//
//	wavs: 每个样本的波形
//	steps: 最大帧数
//	leading: 额外的 ClipLen 是否补在前端
func PadWaves(wavs [][]float32, steps int, leading bool) *tensor.Tensor {
	length := 0
	for _, w := range wavs {
		if len(w) > length {
			length = len(w)
		}
	}
	if need := int(math.Round(float64(steps) * SamplesPerFrame)); need >= length {
		length = need
	}
	offset := 0
	if leading {
		offset = ClipLen
	}
	out := tensor.New(len(wavs), length+ClipLen)
	for b, w := range wavs {
		copy(out.Index(b).Data()[offset:], w)
	}
	return out
}

// WindowBounds 第 t 帧的窗口 [t*ClipLen, (t+2)*ClipLen)
func WindowBounds(t int) (int, int) {
	return t * ClipLen, (t + 2) * ClipLen
}

// checkWindows 校验 (steps+1)*ClipLen < T
func checkWindows(padded *tensor.Tensor, steps int) error {
	if (steps+1)*ClipLen >= padded.Dim(1) {
		return fmt.Errorf("%w: %d 帧需要长度大于 %d，实际为 %d", ErrWindowTooShort, steps, (steps+1)*ClipLen, padded.Dim(1))
	}
	return nil
}

// Window 取出第 t 帧的窗口 (B, WindowLen)
func Window(padded *tensor.Tensor, t int) (*tensor.Tensor, error) {
	start, end := WindowBounds(t)
	if t < 0 || end > padded.Dim(1) {
		return nil, fmt.Errorf("%w: 第 %d 帧窗口 [%d, %d) 超出长度 %d", ErrWindowTooShort, t, start, end, padded.Dim(1))
	}
	return padded.Narrow(1, start, WindowLen)
}

// Pack (B, L, C) -> (sum(seqLen), C)，按样本顺序拼接每个样本的有效帧
func Pack(padded *tensor.Tensor, seqLen []int) (*tensor.Tensor, error) {
	if padded.Rank() != 3 || padded.Dim(0) != len(seqLen) {
		return nil, fmt.Errorf("pack 输入形状 %v 与 %d 个样本不匹配", padded.Shape(), len(seqLen))
	}
	steps, ch := padded.Dim(1), padded.Dim(2)
	out := tensor.New(sumSeqLen(seqLen), ch)
	od := out.Data()
	row := 0
	for b, n := range seqLen {
		if n > steps {
			return nil, fmt.Errorf("样本 %d 帧数 %d 超过序列长度 %d", b, n, steps)
		}
		copy(od[row*ch:(row+n)*ch], padded.Index(b).Data()[:n*ch])
		row += n
	}
	return out, nil
}

// Unpack (sum(seqLen), C) -> (B, steps, C)，无效帧为 0
func Unpack(flat *tensor.Tensor, seqLen []int, steps int) (*tensor.Tensor, error) {
	if flat.Rank() != 2 {
		return nil, fmt.Errorf("unpack 输入应为二维，实际为 %v", flat.Shape())
	}
	if n := sumSeqLen(seqLen); flat.Dim(0) != n {
		return nil, fmt.Errorf("unpack 行数 %d 与总帧数 %d 不一致", flat.Dim(0), n)
	}
	ch := flat.Dim(1)
	out := tensor.New(len(seqLen), steps, ch)
	fd := flat.Data()
	row := 0
	for b, n := range seqLen {
		if n > steps {
			return nil, fmt.Errorf("样本 %d 帧数 %d 超过序列长度 %d", b, n, steps)
		}
		copy(out.Index(b).Data()[:n*ch], fd[row*ch:(row+n)*ch])
		row += n
	}
	return out, nil
}

// OutputMask (B, max(seqLen), ch)，mask[b][t][c] = t < seqLen[b]
func OutputMask(seqLen []int, ch int) [][][]bool {
	steps := maxSeqLen(seqLen)
	mask := make([][][]bool, len(seqLen))
	for b, n := range seqLen {
		mask[b] = make([][]bool, steps)
		for t := range mask[b] {
			mask[b][t] = make([]bool, ch)
			if t < n {
				for c := range mask[b][t] {
					mask[b][t][c] = true
				}
			}
		}
	}
	return mask
}

// frameMask (B, steps)，用于注意力屏蔽
func frameMask(seqLen []int, steps int) [][]bool {
	mask := make([][]bool, len(seqLen))
	for b, n := range seqLen {
		mask[b] = make([]bool, steps)
		for t := 0; t < n && t < steps; t++ {
			mask[b][t] = true
		}
	}
	return mask
}

// applyMask 原地将无效帧置零
func applyMask(x *tensor.Tensor, seqLen []int) {
	steps, ch := x.Dim(1), x.Dim(2)
	for b, n := range seqLen {
		if n >= steps {
			continue
		}
		clear(x.Index(b).Data()[n*ch:])
	}
}

// Smooth 每个通道独立的 3 帧滑动平均，两端补零: (B, L, C) -> (B, L, C)
func Smooth(x *tensor.Tensor) *tensor.Tensor {
	bs, steps, ch := x.Dim(0), x.Dim(1), x.Dim(2)
	out := tensor.New(bs, steps, ch)
	xd, od := x.Data(), out.Data()
	for b := 0; b < bs; b++ {
		base := b * steps * ch
		for t := 0; t < steps; t++ {
			for c := 0; c < ch; c++ {
				sum := xd[base+t*ch+c]
				if t > 0 {
					sum += xd[base+(t-1)*ch+c]
				}
				if t+1 < steps {
					sum += xd[base+(t+1)*ch+c]
				}
				od[base+t*ch+c] = sum / 3
			}
		}
	}
	return out
}
