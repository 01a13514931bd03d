// Package settings defines the declarative AnalyzeSettings document a job
// is configured from: an ordered channel list, experiment metadata, and
// cross-channel step declarations. Parsed as JSON per spec, validated,
// and round-trip stable.
package settings

import (
	"encoding/json"
	"fmt"

	"github.com/joda/imagec/internal/detect"
	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/preprocess"
)

// DetectionMode selects the detector variant a channel uses.
type DetectionMode string

const (
	DetectionNone      DetectionMode = "none"
	DetectionThreshold DetectionMode = "threshold"
	DetectionAI        DetectionMode = "ai"
)

// ThresholdSettings configures the threshold Detector variant.
type ThresholdSettings struct {
	Mode             string `json:"mode"`
	ThresholdMin     uint16 `json:"threshold_min"`
	ThresholdMax     uint16 `json:"threshold_max"`
	WatershedSegment bool   `json:"watershed_segmentation"`
}

// AISettings configures the model Detector variant.
type AISettings struct {
	ModelPath           string  `json:"model_path"`
	InputSize           int     `json:"input_size"`
	NumClasses          int     `json:"num_classes"`
	ConfidenceThreshold float32 `json:"confidence_threshold"`
	ClassThreshold      float32 `json:"class_threshold"`
	NMSThreshold        float32 `json:"nms_threshold"`
	ClassFilter         []int32 `json:"class_filter,omitempty"`
	Segmentation        bool    `json:"segmentation"`
}

// DetectionSettings is the per-channel detection configuration.
type DetectionSettings struct {
	Mode      DetectionMode     `json:"mode"`
	Threshold ThresholdSettings `json:"threshold,omitempty"`
	AI        AISettings        `json:"ai,omitempty"`
}

// ChannelFilter is the per-object filter, plus the optional reference-spot
// subtraction source.
type ChannelFilter struct {
	MinParticleSize         float64 `json:"min_particle_size"`
	MaxParticleSize         float64 `json:"max_particle_size"` // 0 means unbounded
	MinCircularity           float64 `json:"min_circularity"`
	SnapAreaSize             int     `json:"snap_area_size"`
	ReferenceSpotChannelIndex int32  `json:"reference_spot_channel_index,omitempty"` // -1 = none
}

// CrossChannelRef is one cross-channel intensity or count reference.
type CrossChannelRef struct {
	SourceChannelIndex int32 `json:"source_channel_index"`
}

// OperatorConfig describes one entry of a channel's preprocessing chain.
type OperatorConfig struct {
	Kind   string                 `json:"kind"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// ZStackMethod selects the Z-projection method applied at tile ingress.
type ZStackMethod string

const (
	ZStackNone ZStackMethod = "none"
	ZStackMax  ZStackMethod = "max-intensity"
)

// ChannelSettings is the per-logical-channel configuration.
type ChannelSettings struct {
	ChannelIndex int32            `json:"channel_index"` // 0..9, or virtual A..F encoded as 10..15
	Name         string           `json:"name"`
	Color        string           `json:"color"`
	SeriesIndex  int              `json:"series_index"`
	SourceIndex  int              `json:"source_index"`
	ZStack       ZStackMethod     `json:"z_stack"`
	Preprocessing []OperatorConfig `json:"preprocessing,omitempty"`
	Detection     DetectionSettings `json:"detection"`
	Filter        ChannelFilter     `json:"filter"`
	IntensityRefs []CrossChannelRef `json:"intensity_refs,omitempty"`
	CountRefs     []CrossChannelRef `json:"count_refs,omitempty"`
}

// PlateLayout describes well/plate geometry used to derive well position
// from filename.
type PlateLayout struct {
	Rows           int    `json:"rows"`
	Cols           int    `json:"cols"`
	FilenameRegex  string `json:"filename_regex"`
}

// IntersectionStep implements the Intersection pipeline step (§4.G).
type IntersectionStep struct {
	SelfChannel         int32   `json:"self_channel"`
	SourceChannels       []int32 `json:"source_channels"`
	MinIntersectionRatio float64 `json:"min_intersection_ratio"`
}

// VoronoiStep implements the Voronoi tessellation pipeline step (§4.G).
type VoronoiStep struct {
	PointsFromChannel int32   `json:"points_from_channel"`
	SelfChannel       int32   `json:"self_channel"`
	MaxRadius         float64 `json:"max_radius"`
}

// PipelineSteps is the ordered, declared cross-channel step list.
type PipelineSteps struct {
	Intersections []IntersectionStep `json:"intersections,omitempty"`
	Voronoi       []VoronoiStep      `json:"voronoi,omitempty"`
}

// AnalyzeSettings is the immutable, declarative plan a job runs from.
type AnalyzeSettings struct {
	RunID        string            `json:"run_id"`
	Name         string            `json:"name"`
	Scientists   []string          `json:"scientists,omitempty"`
	Organisation string            `json:"organisation,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Plate        PlateLayout       `json:"plate"`
	Channels     []ChannelSettings `json:"channels"`
	Pipeline     PipelineSteps     `json:"pipeline"`

	HistMinThresholdFilterFactor float64 `json:"hist_min_threshold_filter_factor,omitempty"`
	MaxObjectsPerImage           int     `json:"max_objects_per_image,omitempty"`
}

// ParseAnalyzeSettings decodes and validates an AnalyzeSettings document.
func ParseAnalyzeSettings(data []byte) (*AnalyzeSettings, error) {
	var s AnalyzeSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, engerrors.New(engerrors.KindConfigInvalid, "malformed settings json", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks structural invariants the scheduler and channel
// processor rely on.
func (s *AnalyzeSettings) Validate() error {
	if len(s.Channels) == 0 {
		return engerrors.New(engerrors.KindConfigInvalid, "at least one channel is required", nil)
	}
	seen := make(map[int32]struct{})
	for _, ch := range s.Channels {
		if _, dup := seen[ch.ChannelIndex]; dup {
			return engerrors.New(engerrors.KindConfigInvalid,
				fmt.Sprintf("duplicate channel index %d", ch.ChannelIndex), nil)
		}
		seen[ch.ChannelIndex] = struct{}{}

		switch ch.Detection.Mode {
		case DetectionNone, DetectionThreshold, DetectionAI:
		default:
			return engerrors.New(engerrors.KindConfigInvalid,
				fmt.Sprintf("channel %d: unknown detection mode %q", ch.ChannelIndex, ch.Detection.Mode), nil)
		}
		if ch.Detection.Mode == DetectionAI && ch.Detection.AI.ModelPath == "" {
			return engerrors.New(engerrors.KindConfigInvalid,
				fmt.Sprintf("channel %d: ai mode requires model_path", ch.ChannelIndex), nil)
		}
	}
	return nil
}

// Marshal re-serialises s, used to prove round-trip stability (P6).
func (s *AnalyzeSettings) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// ThresholdModeOf maps the settings string onto the detect package enum.
func ThresholdModeOf(mode string) detect.ThresholdMode {
	switch mode {
	case "li":
		return detect.ThresholdLi
	case "min_error":
		return detect.ThresholdMinError
	case "triangle":
		return detect.ThresholdTriangle
	case "moments":
		return detect.ThresholdMoments
	case "huang":
		return detect.ThresholdHuang
	case "intermodes":
		return detect.ThresholdIntermodes
	case "isodata":
		return detect.ThresholdIsodata
	case "max_entropy":
		return detect.ThresholdMaxEntropy
	case "mean":
		return detect.ThresholdMean
	case "minimum":
		return detect.ThresholdMinimum
	case "otsu":
		return detect.ThresholdOtsu
	case "percentile":
		return detect.ThresholdPercentile
	case "renyi_entropy":
		return detect.ThresholdRenyiEntropy
	case "shanbhag":
		return detect.ThresholdShanbhag
	case "yen":
		return detect.ThresholdYen
	default:
		return detect.ThresholdManual
	}
}

// ZProjectMethodOf maps the settings string onto the preprocess enum.
func ZProjectMethodOf(method ZStackMethod) preprocess.ZProjectMethod {
	if method == ZStackMax {
		return preprocess.ZProjectMaxIntensity
	}
	return preprocess.ZProjectNone
}
