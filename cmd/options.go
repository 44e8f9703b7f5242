package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/oculus/internal/config"
	"github.com/andresmejia3/oculus/internal/types"
	"github.com/andresmejia3/oculus/internal/worker"
	"github.com/spf13/cobra"
)

// ModelOptions selects and tunes the detector. Zero values fall back to the configuration.
type ModelOptions struct {
	Name     string
	Labels   string
	Config   string
	Weights  string
	Annotate bool
	Output   string
	Engines  int
	Timeout  time.Duration
}

// ThresholdOptions are the per-request detector thresholds. Negative means "use the configuration".
type ThresholdOptions struct {
	Objectness float64
	Class      float64
	Hier       float64
	NMS        float64
}

func addModelFlags(cmd *cobra.Command, m *ModelOptions) {
	cmd.Flags().StringVar(&m.Name, "model", "", "Model name (default: $MODEL_NAME)")
	cmd.Flags().StringVar(&m.Labels, "labels", "", "Label names file, one per line (default: $MODEL_LABELS)")
	cmd.Flags().StringVar(&m.Config, "model-config", "", "Model configuration file (default: $MODEL_CONFIG)")
	cmd.Flags().StringVar(&m.Weights, "weights", "", "Model weights file (default: $MODEL_WEIGHTS)")
	cmd.Flags().BoolVar(&m.Annotate, "annotate", false, "Ask the detector to write annotated frames")
	cmd.Flags().StringVar(&m.Output, "annotate-dir", "", "Directory for annotated frames, saved as prediction.<n>.jpg (default: $MODEL_OUTPUT or output)")
	cmd.Flags().IntVarP(&m.Engines, "engines", "e", 0, "Number of detector processes (default: $DETECTOR_ENGINES)")
	cmd.Flags().DurationVar(&m.Timeout, "worker-timeout", 0, "Per-frame detector timeout (default: $DETECTOR_TIMEOUT)")
}

func addThresholdFlags(cmd *cobra.Command, t *ThresholdOptions) {
	cmd.Flags().Float64Var(&t.Objectness, "thresh", -1, "Objectness threshold (default: $THRESHOLD_OBJECTNESS or 0.1)")
	cmd.Flags().Float64Var(&t.Class, "class-thresh", -1, "Report labels with confidence strictly above this (default: $THRESHOLD_CLASS or 0.1)")
	cmd.Flags().Float64Var(&t.Hier, "hier-thresh", -1, "Hierarchical threshold (default: $THRESHOLD_HIER or 0.5)")
	cmd.Flags().Float64Var(&t.NMS, "nms", -1, "Non-maximum suppression threshold (default: $THRESHOLD_NMS or 0.45)")
}

// modelConfig merges flags over the configuration.
func modelConfig(m ModelOptions, c *config.Config) worker.ModelConfig {
	mc := worker.ModelConfig{
		Name:        pick(m.Name, c.ModelName),
		Labels:      pick(m.Labels, c.ModelLabels),
		Config:      pick(m.Config, c.ModelConfig),
		Weights:     pick(m.Weights, c.ModelWeights),
		Annotate:    m.Annotate || c.ModelAnnotate,
		OutputDir:   pick(m.Output, c.ModelOutput),
		Engines:     m.Engines,
		Command:     c.DetectorCmd,
		ReadTimeout: m.Timeout,
	}
	if mc.Engines == 0 {
		mc.Engines = c.Engines
	}
	if mc.ReadTimeout == 0 {
		mc.ReadTimeout = c.DetectorTimeout
	}
	return mc
}

// changed reports whether any threshold flag was set.
func (t ThresholdOptions) changed() bool {
	return t.Objectness >= 0 || t.Class >= 0 || t.Hier >= 0 || t.NMS >= 0
}

// thresholds merges flags over the configuration.
func thresholds(t ThresholdOptions, c *config.Config) types.Thresholds {
	th := c.Thresholds()
	if t.Objectness >= 0 {
		th.Objectness = t.Objectness
	}
	if t.Class >= 0 {
		th.Class = t.Class
	}
	if t.Hier >= 0 {
		th.Hier = t.Hier
	}
	if t.NMS >= 0 {
		th.NMS = t.NMS
	}
	return th
}

func validateThresholds(th types.Thresholds) error {
	for name, v := range map[string]float64{
		"thresh":       th.Objectness,
		"class-thresh": th.Class,
		"hier-thresh":  th.Hier,
		"nms":          th.NMS,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("invalid --%s: must be between 0.0 and 1.0, got %f", name, v)
		}
	}
	return nil
}

// validateKeyFiles checks that key and IV are given together and exist.
func validateKeyFiles(keyPath, ivPath string) error {
	if (keyPath == "") != (ivPath == "") {
		return fmt.Errorf("--key and --iv must be given together")
	}
	for _, p := range []string{keyPath, ivPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("unable to access %s: %w", p, err)
		}
	}
	return nil
}

func pick(flag, fallback string) string {
	if flag != "" {
		return flag
	}
	return fallback
}
