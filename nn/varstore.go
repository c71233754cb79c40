package nn

import (
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"

	"github.com/getcharzp/go-emoface/tensor"
)

// VarStore 持有模型的全部参数、随机数源和训练/推理模式
type VarStore struct {
	params []*Parameter
	index  map[string]*Parameter

	mu       sync.Mutex
	rng      *rand.Rand
	training bool
}

// NewVarStore 创建参数仓库，seed 决定初始化和 dropout 的随机序列
func NewVarStore(seed uint64) *VarStore {
	return &VarStore{
		index: make(map[string]*Parameter),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Builder 根作用域
func (s *VarStore) Builder() VarBuilder {
	return VarBuilder{store: s}
}

// Params 按注册顺序返回所有参数
func (s *VarStore) Params() []*Parameter {
	return append([]*Parameter(nil), s.params...)
}

// Get 按名称查找参数
func (s *VarStore) Get(name string) (*Parameter, bool) {
	p, ok := s.index[name]
	return p, ok
}

// Group 收集位于给定作用域下的可训练参数
func (s *VarStore) Group(name string, prefixes ...string) ParamGroup {
	g := ParamGroup{Name: name}
	for _, p := range s.params {
		if !p.Trainable {
			continue
		}
		for _, prefix := range prefixes {
			if hasPrefix(p.Name, prefix) {
				g.Params = append(g.Params, p)
				break
			}
		}
	}
	return g
}

// SetTraining 切换训练模式 (影响 dropout)
func (s *VarStore) SetTraining(training bool) {
	s.mu.Lock()
	s.training = training
	s.mu.Unlock()
}

// Training 是否处于训练模式
func (s *VarStore) Training() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.training
}

// keep 以概率 1-p 返回 true，可被多个 goroutine 同时调用
func (s *VarStore) keep(p float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float32() >= p
}

func (s *VarStore) register(name string, trainable bool, init Init, shape []int) *tensor.Tensor {
	if _, ok := s.index[name]; ok {
		panic(errors.Errorf("parameter %q registered twice", name))
	}
	t := tensor.New(shape...)
	if init != nil {
		s.mu.Lock()
		init(s.rng, shape, t.Data())
		s.mu.Unlock()
	}
	p := &Parameter{Name: name, Value: t, Trainable: trainable}
	s.params = append(s.params, p)
	s.index[name] = p
	return t
}

// VarBuilder 在某个命名作用域下注册参数
type VarBuilder struct {
	store  *VarStore
	prefix string
	frozen bool
}

// Sub 进入子作用域
func (vb VarBuilder) Sub(name string) VarBuilder {
	if vb.prefix != "" {
		name = vb.prefix + "." + name
	}
	return VarBuilder{store: vb.store, prefix: name, frozen: vb.frozen}
}

// Frozen 返回注册不可训练参数的作用域
func (vb VarBuilder) Frozen() VarBuilder {
	vb.frozen = true
	return vb
}

// Var 注册一个参数并按 init 初始化
func (vb VarBuilder) Var(name string, init Init, shape ...int) *tensor.Tensor {
	if vb.prefix != "" {
		name = vb.prefix + "." + name
	}
	return vb.store.register(name, !vb.frozen, init, shape)
}
