package controller

import (
	"fmt"

	"github.com/joda/imagec/internal/detect"
	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/preprocess"
	"github.com/joda/imagec/internal/roi"
	"github.com/joda/imagec/internal/settings"
)

// FilterOf translates a channel's declarative filter into roi.FilterSettings.
func FilterOf(f settings.ChannelFilter) roi.FilterSettings {
	return roi.FilterSettings{
		MinArea:        f.MinParticleSize,
		MaxArea:        f.MaxParticleSize,
		MinCircularity: f.MinCircularity,
		SnapAreaSize:   f.SnapAreaSize,
	}
}

// BuildChain translates a channel's declared preprocessing operator list
// into a preprocess.Chain, in declaration order.
func BuildChain(ops []settings.OperatorConfig) (preprocess.Chain, error) {
	chain := preprocess.Chain{}
	for _, op := range ops {
		built, err := buildOperator(op)
		if err != nil {
			return preprocess.Chain{}, err
		}
		chain.Ops = append(chain.Ops, built)
	}
	return chain, nil
}

func buildOperator(op settings.OperatorConfig) (preprocess.Operator, error) {
	switch op.Kind {
	case "edge_detection":
		return preprocess.EdgeDetection{
			Kernel:    edgeKernelOf(paramString(op.Params, "kernel", "sobel")),
			Direction: paramInt(op.Params, "direction", 0),
		}, nil
	case "gaussian_blur":
		return preprocess.GaussianBlur{
			Kernel: paramInt(op.Params, "kernel", 2),
			Sigma:  paramFloat(op.Params, "sigma", 0),
		}, nil
	case "median_subtract":
		return preprocess.MedianSubtract{Kernel: paramInt(op.Params, "kernel", 2)}, nil
	case "rolling_ball":
		return preprocess.RollingBall{
			Radius:   paramInt(op.Params, "radius", 30),
			BallType: ballTypeOf(paramString(op.Params, "ball_type", "round")),
		}, nil
	case "blur":
		return preprocess.Blur{Kernel: paramInt(op.Params, "kernel", 1)}, nil
	default:
		return nil, engerrors.New(engerrors.KindConfigInvalid, fmt.Sprintf("unknown preprocessing operator %q", op.Kind), nil)
	}
}

func edgeKernelOf(s string) preprocess.EdgeKernel {
	if s == "canny" {
		return preprocess.EdgeCanny
	}
	return preprocess.EdgeSobel
}

func ballTypeOf(s string) preprocess.BallType {
	if s == "paraboloid" {
		return preprocess.BallParaboloid
	}
	return preprocess.BallRound
}

func paramString(params map[string]interface{}, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func paramInt(params map[string]interface{}, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

func paramFloat(params map[string]interface{}, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return def
}

// BuildDetector constructs the channel's Detector variant. Callers own
// the returned Detector's lifecycle and must Close it once the channel
// is done processing (model sessions hold native resources).
func BuildDetector(ch settings.ChannelSettings) (detect.Detector, error) {
	switch ch.Detection.Mode {
	case settings.DetectionNone:
		return noopDetector{}, nil
	case settings.DetectionThreshold:
		t := ch.Detection.Threshold
		return detect.NewThresholdDetector(detect.ThresholdConfig{
			Mode:      settings.ThresholdModeOf(t.Mode),
			MinValue:  t.ThresholdMin,
			MaxValue:  t.ThresholdMax,
			Watershed: t.WatershedSegment,
			Filter:    FilterOf(ch.Filter),
		}), nil
	case settings.DetectionAI:
		a := ch.Detection.AI
		return detect.NewModelDetector(detect.ModelConfig{
			ModelPath:           a.ModelPath,
			InputSize:           a.InputSize,
			NumClasses:          a.NumClasses,
			ConfidenceThreshold: a.ConfidenceThreshold,
			ClassThreshold:      a.ClassThreshold,
			NMSThreshold:        a.NMSThreshold,
			ClassFilter:         a.ClassFilter,
			Segmentation:        a.Segmentation,
			Filter:              FilterOf(ch.Filter),
		})
	default:
		return nil, engerrors.New(engerrors.KindConfigInvalid,
			fmt.Sprintf("channel %d: unknown detection mode %q", ch.ChannelIndex, ch.Detection.Mode), nil)
	}
}

// noopDetector is the DetectionNone variant: every tile produces an
// empty, valid result with no ROIs.
type noopDetector struct{}

func (noopDetector) Close() error { return nil }

func (noopDetector) Forward(srcTile, originalTile *roi.Raster, channelIndex int32) (*detect.Response, error) {
	return &detect.Response{
		Results:  roi.NewDetectionResults(64),
		Original: originalTile,
		Control:  roi.NewRaster(originalTile.Width, originalTile.Height),
	}, nil
}
