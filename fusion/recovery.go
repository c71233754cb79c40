package fusion

// RecoveryKind 情绪 logits 长度校验的结论
type RecoveryKind int

const (
	// Consistent 行数与总帧数一致
	Consistent RecoveryKind = iota
	// Recovered 单样本批次，截断后更新了帧数
	Recovered
	// Unrecovered 多样本批次，仅截断，帧数保持不变
	Unrecovered
)

// String 文本形式
func (k RecoveryKind) String() string {
	switch k {
	case Consistent:
		return "consistent"
	case Recovered:
		return "recovered"
	case Unrecovered:
		return "unrecovered"
	default:
		return "unknown"
	}
}

// Recovery 长度校验结果
type Recovery struct {
	Kind     RecoveryKind
	Given    int // logits 行数
	Expected int // sum(seqLen)
	Keep     int // 截断后保留的行数
	NewLen   int // Recovered 时样本 0 的新帧数
}

// RecoverLength 比较 logits 行数与总帧数
//
// 不一致时保留 min(given, expected) 行，批大小为 1 时帧数同步为保留的行数，
// 多样本批次无法确定哪个样本缺帧，帧数保持不变。
func RecoverLength(given int, seqLen []int) Recovery {
	expected := sumSeqLen(seqLen)
	r := Recovery{Kind: Consistent, Given: given, Expected: expected, Keep: given}
	if given == expected {
		return r
	}
	r.Keep = min(given, expected)
	if len(seqLen) == 1 {
		r.Kind = Recovered
		r.NewLen = r.Keep
		return r
	}
	r.Kind = Unrecovered
	return r
}

// Apply 返回校验后的帧数副本
func (r Recovery) Apply(seqLen []int) []int {
	out := append([]int(nil), seqLen...)
	if r.Kind == Recovered && len(out) == 1 {
		out[0] = r.NewLen
	}
	return out
}
