package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/getcharzp/go-emoface"
	"github.com/getcharzp/go-emoface/extractor"
	"github.com/getcharzp/go-emoface/fusion"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("执行失败")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "emoface",
		Short:         "由语音预测情绪条件的面部动画参数",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if path := v.GetString("settings"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return err
				}
			}
			return setupLogging(v)
		},
	}

	v.SetEnvPrefix("EMOFACE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	pf := root.PersistentFlags()
	pf.String("settings", "", "settings file (yaml/json/toml)")
	pf.String("log-level", "info", "log level")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("config", "", "fusion model config (yaml), defaults to built-in")
	pf.String("weights", "", "fusion weights (safetensors)")
	pf.String("extractor", "spectral", "feature extractor: onnx, purego or spectral")
	pf.String("model-dir", "./wav2vec2_weights", "wav2vec2 feature extractor directory")
	pf.String("ort-lib", emoface.DefaultLibraryPath(), "onnxruntime shared library")
	pf.Bool("cuda", false, "enable CUDA for the feature extractor")
	pf.Int("threads", 0, "onnxruntime intra-op threads")
	pf.Int("workers", 0, "parallel frame workers, 0 keeps the config value")

	root.AddCommand(newPredictCmd(v), newParamsCmd(v), newInitCmd(v))
	return root
}

func setupLogging(v *viper.Viper) error {
	level, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if v.GetString("log-format") == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// loadModelConfig 读取模型配置并应用命令行覆盖
func loadModelConfig(v *viper.Viper) (fusion.Config, error) {
	cfg := fusion.DefaultConfig()
	if path := v.GetString("config"); path != "" {
		var err error
		if cfg, err = fusion.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if w := v.GetInt("workers"); w > 0 {
		cfg.Workers = w
	}
	return cfg, nil
}

// newExtractor 按设置创建特征提取器
func newExtractor(v *viper.Viper) (extractor.FeatureExtractor, error) {
	cfg := extractor.DefaultConfig()
	cfg.ModelDir = v.GetString("model-dir")
	cfg.OnnxRuntimeLibPath = v.GetString("ort-lib")
	cfg.UseCuda = v.GetBool("cuda")
	cfg.NumThreads = v.GetInt("threads")
	switch kind := v.GetString("extractor"); kind {
	case "onnx":
		return extractor.NewOnnx(cfg)
	case "purego":
		return extractor.OpenSession(cfg)
	case "spectral":
		return extractor.NewSpectral(extractor.DefaultSpectralConfig())
	default:
		return nil, fmt.Errorf("未知的特征提取器: %q", kind)
	}
}

// newEngine 创建引擎并加载权重
func newEngine(v *viper.Viper) (*fusion.Engine, error) {
	cfg, err := loadModelConfig(v)
	if err != nil {
		return nil, err
	}
	ext, err := newExtractor(v)
	if err != nil {
		return nil, err
	}
	engine, err := fusion.NewEngine(cfg, ext)
	if err != nil {
		_ = ext.Destroy()
		return nil, err
	}
	if path := v.GetString("weights"); path != "" {
		if err := engine.LoadWeights(path); err != nil {
			_ = engine.Destroy()
			return nil, err
		}
	} else {
		logrus.Warn("未指定权重文件，使用随机初始化的参数")
	}
	return engine, nil
}
