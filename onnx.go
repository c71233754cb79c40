package emoface

import (
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	// DeviceCPU CPU 推理
	DeviceCPU = "cpu"
	// DeviceCUDA CUDA 推理
	DeviceCUDA = "cuda"
)

var envMu sync.Mutex

// OnnxConfig ONNX Runtime 的公共初始化参数
type OnnxConfig struct {
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	UseCuda            bool   // (可选) 是否启用 CUDA
	NumThreads         int    // (可选) ONNX 线程数, 默认由CPU核心数决定
	EnableCpuMemArena  bool   // (可选) 是否启用内存池

	SessionOptions *ort.SessionOptions
}

// New 初始化 ONNX 运行环境并创建会话参数
func (oc *OnnxConfig) New() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		if oc.OnnxRuntimeLibPath == "" {
			return fmt.Errorf("onnxruntime 动态库路径不能为空")
		}
		ort.SetSharedLibraryPath(oc.OnnxRuntimeLibPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("初始化 ONNX 环境失败: %w", err)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("创建会话参数失败: %w", err)
	}
	if oc.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(oc.NumThreads); err != nil {
			opts.Destroy()
			return fmt.Errorf("设置线程数失败: %w", err)
		}
	}
	if err := opts.SetCpuMemArena(oc.EnableCpuMemArena); err != nil {
		opts.Destroy()
		return fmt.Errorf("设置内存池失败: %w", err)
	}
	if oc.UseCuda {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return fmt.Errorf("创建 CUDA 参数失败: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			opts.Destroy()
			return fmt.Errorf("启用 CUDA 失败: %w", err)
		}
	}
	oc.SessionOptions = opts
	return nil
}

// Device 会话所在的推理设备
func (oc *OnnxConfig) Device() string {
	if oc.UseCuda {
		return DeviceCUDA
	}
	return DeviceCPU
}

// Destroy 释放会话参数
func (oc *OnnxConfig) Destroy() error {
	if oc.SessionOptions == nil {
		return nil
	}
	err := oc.SessionOptions.Destroy()
	oc.SessionOptions = nil
	return err
}

// DefaultLibraryPath 按平台返回默认的 onnxruntime 动态库路径
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./lib/onnxruntime.dll"
	case "darwin":
		return "./lib/libonnxruntime.dylib"
	default:
		return "./lib/libonnxruntime.so"
	}
}
