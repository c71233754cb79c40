package fusion

import (
	"errors"
	"fmt"

	"github.com/getcharzp/go-emoface/tensor"
)

var (
	// ErrEmptyBatch 批次中没有样本
	ErrEmptyBatch = errors.New("批次为空")
	// ErrSeqLenMismatch 帧数列表与样本数不一致
	ErrSeqLenMismatch = errors.New("帧数列表与样本数不一致")
	// ErrNegativeSeqLen 帧数为负
	ErrNegativeSeqLen = errors.New("帧数不能为负")
	// ErrWindowTooShort 填充后的波形不足以切出所有窗口
	ErrWindowTooShort = errors.New("填充后的波形长度不足")
	// ErrPolicyCount 条件策略数量与样本数不一致
	ErrPolicyCount = errors.New("条件策略数量与样本数不一致")
	// ErrOneHotUnresolved one_hot 策略只能经由 TestForward 使用
	ErrOneHotUnresolved = errors.New("one_hot 策略需要通过 TestForward 解析")
	// ErrNotSingleSample TestForward 只接受单个样本
	ErrNotSingleSample = errors.New("仅支持单个样本")
	// ErrUnknownLabel 情绪标签不在标签表中
	ErrUnknownLabel = errors.New("未知的情绪标签")
	// ErrBadNorm 反归一化区间非法
	ErrBadNorm = errors.New("反归一化区间非法")
	// ErrBadEmoLogits 情绪 logits 形状非法
	ErrBadEmoLogits = errors.New("情绪 logits 形状非法")
)

// Policy 单个样本的情绪条件策略
type Policy int

const (
	// PolicyUse 使用给定的情绪 logits，未给定时使用模型预测值
	PolicyUse Policy = iota
	// PolicyNoUse 不做情绪修正，输出基础参数
	PolicyNoUse
	// PolicyOneHot 测试时使用，对目标情绪做 one-hot 增强后按 PolicyUse 处理
	PolicyOneHot
)

// String 文本形式
func (p Policy) String() string {
	switch p {
	case PolicyUse:
		return "use"
	case PolicyNoUse:
		return "no_use"
	case PolicyOneHot:
		return "one_hot"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy 解析 use / no_use / one_hot
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "use":
		return PolicyUse, nil
	case "no_use":
		return PolicyNoUse, nil
	case "one_hot", "one-hot":
		return PolicyOneHot, nil
	}
	return 0, fmt.Errorf("未知的条件策略: %q", s)
}

// MarshalText 实现 encoding.TextMarshaler
func (p Policy) MarshalText() ([]byte, error) {
	if p < PolicyUse || p > PolicyOneHot {
		return nil, fmt.Errorf("未知的条件策略: %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Request 一次前向计算的输入
type Request struct {
	Wavs      [][]float32    // 每个样本 16kHz 单声道波形，长度可以不同
	SeqLen    []int          // 每个样本的输出帧数
	EmoLogits *tensor.Tensor // (可选) 展平的情绪 logits (sum(SeqLen), C_emo)
	Policies  []Policy       // 每个样本的条件策略
	CodeDicts []CodeDict     // (可选) 下游 code dict，按样本顺序
	Smooth    bool           // (可选) 对输出做 3 帧滑动平均

	EmoLabel  string   // one_hot 策略的目标情绪
	Intensity *float32 // (可选) one_hot 强度，默认 Config.DefaultIntensity
}

// Output 前向计算的输出
type Output struct {
	Mask          [][][]bool     // (B, L, P)，t < SeqLen[b] 为 true
	PredEmoLogits *tensor.Tensor // 展平的预测情绪 logits
	Params        *tensor.Tensor // 最终参数 (B, L, P)，无效帧为 0
	ParamsOri     *tensor.Tensor // 未经情绪修正的参数 (B, L, P)，无效帧为 0
	Patches       []CodeDictPatch
	Recovery      Recovery // 情绪 logits 长度校验结果
	SeqLen        []int    // 实际使用的帧数
}

// CodeDict 下游三维人脸模型的逐帧参数容器
type CodeDict struct {
	ExpCode  [][]float32 `json:"expcode"`  // (seq_len, 50)
	PoseCode [][]float32 `json:"posecode"` // (seq_len, 6)
}

// CodeDictPatch 针对某个样本 code dict 的更新
type CodeDictPatch struct {
	Sample   int         `json:"sample"`
	ExpCode  [][]float32 `json:"expcode"`   // 替换整个 expcode
	PoseCol3 []float32   `json:"pose_col3"` // 写入 posecode 的第 3 列
}

// Apply 将 patch 应用到 code dict
func (cd *CodeDict) Apply(p CodeDictPatch) {
	cd.ExpCode = make([][]float32, len(p.ExpCode))
	for i, row := range p.ExpCode {
		cd.ExpCode[i] = append([]float32(nil), row...)
	}
	for r := 0; r < len(cd.PoseCode) && r < len(p.PoseCol3); r++ {
		if len(cd.PoseCode[r]) > PoseColumn {
			cd.PoseCode[r][PoseColumn] = p.PoseCol3[r]
		}
	}
}

// validate 校验批次结构，返回批大小
func (r *Request) validate(emoChannels int, needPolicies bool) (int, error) {
	bs := len(r.Wavs)
	if bs == 0 {
		return 0, ErrEmptyBatch
	}
	if len(r.SeqLen) != bs {
		return 0, fmt.Errorf("%w: %d 个样本, %d 个帧数", ErrSeqLenMismatch, bs, len(r.SeqLen))
	}
	for i, n := range r.SeqLen {
		if n < 0 {
			return 0, fmt.Errorf("%w: 样本 %d 帧数为 %d", ErrNegativeSeqLen, i, n)
		}
	}
	if needPolicies {
		if len(r.Policies) != bs {
			return 0, fmt.Errorf("%w: %d 个样本, %d 个策略", ErrPolicyCount, bs, len(r.Policies))
		}
		for i, p := range r.Policies {
			if p == PolicyOneHot {
				return 0, fmt.Errorf("%w: 样本 %d", ErrOneHotUnresolved, i)
			}
		}
	}
	if r.EmoLogits != nil && (r.EmoLogits.Rank() != 2 || r.EmoLogits.Dim(1) != emoChannels) {
		return 0, fmt.Errorf("%w: 期望 (N, %d)，实际为 %v", ErrBadEmoLogits, emoChannels, r.EmoLogits.Shape())
	}
	if len(r.CodeDicts) > bs {
		return 0, fmt.Errorf("code dict 数量 %d 超过样本数 %d", len(r.CodeDicts), bs)
	}
	return bs, nil
}
