package main

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/up-zero/gotool/fileutil"

	"github.com/getcharzp/go-emoface/fusion"
	"github.com/getcharzp/go-emoface/tensor"
)

// predictResult predict 命令的输出
type predictResult struct {
	Frames        int                    `json:"frames"`
	Policy        fusion.Policy          `json:"policy"`
	Params        [][]float32            `json:"params"`
	ParamsOri     [][]float32            `json:"params_ori"`
	PredEmoLogits [][]float32            `json:"pred_emo_logits"`
	Recovery      string                 `json:"recovery"`
	Patches       []fusion.CodeDictPatch `json:"patches,omitempty"`
}

func newPredictCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict <wav>",
		Short: "由 WAV 文件预测面部参数并输出 JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := fusion.ParsePolicy(v.GetString("policy"))
			if err != nil {
				return err
			}
			engine, err := newEngine(v)
			if err != nil {
				return err
			}
			defer engine.Destroy()

			opt := fusion.AnimateOption{
				Policy:   policy,
				EmoLabel: v.GetString("label"),
				Smooth:   v.GetBool("smooth"),
			}
			if v.IsSet("intensity") {
				intensity := float32(v.GetFloat64("intensity"))
				opt.Intensity = &intensity
			}
			out, err := engine.AnimateFile(args[0], opt)
			if err != nil {
				return err
			}

			res := predictResult{
				Frames:        out.SeqLen[0],
				Policy:        policy,
				Params:        rows(out.Params.Index(0)),
				ParamsOri:     rows(out.ParamsOri.Index(0)),
				PredEmoLogits: rows(out.PredEmoLogits),
				Recovery:      out.Recovery.Kind.String(),
				Patches:       out.Patches,
			}
			b, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			path := v.GetString("out")
			if path == "" {
				_, err = cmd.OutOrStdout().Write(append(b, '\n'))
				return err
			}
			if err := fileutil.FileSave(path, b); err != nil {
				return fmt.Errorf("写入结果失败: %w", err)
			}
			logrus.WithFields(logrus.Fields{"path": path, "frames": res.Frames}).Info("预测完成")
			return nil
		},
	}
	f := cmd.Flags()
	f.String("out", "", "output JSON path, stdout when empty")
	f.String("policy", "use", "emotion policy: use, no_use or one_hot")
	f.String("label", "", "target emotion for one_hot")
	f.Float64("intensity", 0.5, "one_hot intensity")
	f.Bool("smooth", false, "3-frame moving average on the output")
	return cmd
}

func newParamsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "列出两个可训练参数组",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := newEngine(v)
			if err != nil {
				return err
			}
			defer engine.Destroy()

			w := cmd.OutOrStdout()
			for _, g := range []struct {
				name   string
				params []string
				count  int
			}{
				{engine.GenerationParams().Name, engine.GenerationParams().Names(), engine.GenerationParams().Count()},
				{engine.StyleParams().Name, engine.StyleParams().Names(), engine.StyleParams().Count()},
			} {
				fmt.Fprintf(w, "%s: %d tensors, %d values\n", g.name, len(g.params), g.count)
				for _, name := range g.params {
					fmt.Fprintf(w, "  %s\n", name)
				}
			}
			return nil
		},
	}
}

func newInitCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <weights.safetensors>",
		Short: "写出随机初始化的权重和模型配置",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			engine, err := newEngine(v)
			if err != nil {
				return err
			}
			defer engine.Destroy()

			if err := engine.SaveWeights(args[0]); err != nil {
				return err
			}
			if path := v.GetString("write-config"); path != "" {
				if err := engine.Config().Save(path); err != nil {
					return err
				}
			}
			logrus.WithField("path", args[0]).Info("权重已写出")
			return nil
		},
	}
	cmd.Flags().String("write-config", "", "also write the model config (yaml)")
	return cmd
}

// rows 将二维张量转换为行切片
func rows(t *tensor.Tensor) [][]float32 {
	if t == nil || t.Rank() != 2 {
		return nil
	}
	out := make([][]float32, t.Dim(0))
	for i := range out {
		out[i] = append([]float32(nil), t.Index(i).Data()...)
	}
	return out
}
