package detect

import (
	"fmt"
	"math"
	"sort"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/roi"
)

// maskCoeffCount is the number of mask coefficients a segmentation model
// appends to each detection row, one per prototype-mask plane.
const maskCoeffCount = 32

// ModelConfig configures the model (AI/object-detection) Detector
// variant.
type ModelConfig struct {
	ModelPath          string
	InputSize          int // square input, typically 640 or 1280
	NumClasses         int
	ConfidenceThreshold float32
	ClassThreshold      float32
	NMSThreshold        float32
	ClassFilter         []int32 // empty = accept all classes
	Segmentation        bool    // model emits a prototype-mask channel
	Filter               roi.FilterSettings
	SpatialCellSize      int
	SessionOptions       *ort.SessionOptions
}

// ModelDetector runs an ONNX object-detection (optionally instance
// segmentation) model: letterbox-resize, inference, row decode
// [cx,cy,w,h,objectness,classScores...], filter by threshold, NMS, and
// (if segmentation-capable) per-instance mask assembly from the
// prototype-mask channel. Session lifecycle mirrors the teacher's
// vision.Detector: one fixed input tensor, one fixed output tensor,
// explicit Destroy on Close.
type ModelDetector struct {
	cfg ModelConfig

	session      *ort.AdvancedSession
	input        *ort.Tensor[float32]
	output       *ort.Tensor[float32]
	protoOutput  *ort.Tensor[float32] // nil unless Segmentation
	rowStride    int                  // 5 + NumClasses (+ maskCoeffs if seg)
}

// NewModelDetector constructs a ModelDetector backed by an ONNX Runtime
// session for cfg.ModelPath.
func NewModelDetector(cfg ModelConfig) (*ModelDetector, error) {
	if cfg.SpatialCellSize <= 0 {
		cfg.SpatialCellSize = 64
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}

	inputShape := ort.NewShape(1, 3, int64(cfg.InputSize), int64(cfg.InputSize))
	input, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, engerrors.New(engerrors.KindDetectorFailed, "create input tensor", err)
	}

	rowStride := 5 + cfg.NumClasses
	if cfg.Segmentation {
		rowStride += maskCoeffCount
	}
	maxRows := int64((cfg.InputSize / 32) * (cfg.InputSize / 32) * 21) // generous upper bound across feature maps
	outputShape := ort.NewShape(maxRows, int64(rowStride))
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return nil, engerrors.New(engerrors.KindDetectorFailed, "create output tensor", err)
	}

	outputNames := []string{"output0"}
	outputValues := []ort.Value{output}
	var proto *ort.Tensor[float32]
	if cfg.Segmentation {
		protoShape := ort.NewShape(32, int64(cfg.InputSize/4), int64(cfg.InputSize/4))
		proto, err = ort.NewEmptyTensor[float32](protoShape)
		if err != nil {
			input.Destroy()
			output.Destroy()
			return nil, engerrors.New(engerrors.KindDetectorFailed, "create proto tensor", err)
		}
		outputNames = append(outputNames, "output1")
		outputValues = append(outputValues, proto)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{"images"},
		outputNames,
		[]ort.Value{input},
		outputValues,
		cfg.SessionOptions,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		if proto != nil {
			proto.Destroy()
		}
		return nil, engerrors.New(engerrors.KindDetectorFailed, fmt.Sprintf("open model %s", cfg.ModelPath), err)
	}

	return &ModelDetector{
		cfg:         cfg,
		session:     session,
		input:       input,
		output:      output,
		protoOutput: proto,
		rowStride:   rowStride,
	}, nil
}

func (d *ModelDetector) Close() error {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.input != nil {
		d.input.Destroy()
	}
	if d.output != nil {
		d.output.Destroy()
	}
	if d.protoOutput != nil {
		d.protoOutput.Destroy()
	}
	return nil
}

func (d *ModelDetector) Forward(srcTile, originalTile *roi.Raster, channelIndex int32) (*Response, error) {
	scale, padX, padY := letterboxInto(d.input.GetData(), srcTile, d.cfg.InputSize)

	if err := d.session.Run(); err != nil {
		return nil, engerrors.New(engerrors.KindDetectorFailed, "inference", err).WithChannel(channelIndex)
	}

	type cand struct {
		box        roi.Rect
		conf       float32
		class      int32
		maskCoeffs []float32
	}

	rows := d.output.GetData()
	numRows := len(rows) / d.rowStride
	var cands []cand

	for r := 0; r < numRows; r++ {
		row := rows[r*d.rowStride : (r+1)*d.rowStride]
		cx, cy, w, h, obj := row[0], row[1], row[2], row[3], row[4]
		if obj < d.cfg.ConfidenceThreshold {
			continue
		}
		classScores := row[5 : 5+d.cfg.NumClasses]
		bestClass, bestScore := argmax(classScores)
		if bestScore < d.cfg.ClassThreshold {
			continue
		}
		if len(d.cfg.ClassFilter) > 0 && !containsClass(d.cfg.ClassFilter, int32(bestClass)) {
			continue
		}

		x1 := (cx - w/2 - padX) / scale
		y1 := (cy - h/2 - padY) / scale
		bw := w / scale
		bh := h / scale

		c := cand{
			box:   roi.Rect{X: int(x1), Y: int(y1), W: int(bw), H: int(bh)},
			conf:  obj * bestScore,
			class: int32(bestClass),
		}
		if d.cfg.Segmentation {
			c.maskCoeffs = append([]float32(nil), row[5+d.cfg.NumClasses:5+d.cfg.NumClasses+maskCoeffCount]...)
		}
		cands = append(cands, c)
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].conf > cands[j].conf })

	keep := make([]bool, len(cands))
	for i := range keep {
		keep[i] = true
	}
	for i := range cands {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(cands); j++ {
			if keep[j] && iouRect(cands[i].box, cands[j].box) > d.cfg.NMSThreshold {
				keep[j] = false
			}
		}
	}

	results := roi.NewDetectionResults(d.cfg.SpatialCellSize)
	control := roi.NewRaster(srcTile.Width, srcTile.Height)

	idx := 0
	for i, c := range cands {
		if !keep[i] {
			continue
		}
		bbox := clampRectToRaster(c.box, srcTile.Width, srcTile.Height)
		if bbox.Empty() {
			continue
		}
		var mask *roi.Raster
		if d.cfg.Segmentation && d.protoOutput != nil && len(c.maskCoeffs) == maskCoeffCount {
			mask = d.decodeMask(c.maskCoeffs, bbox, scale, padX, padY)
		} else {
			mask = roi.NewRaster(bbox.W, bbox.H)
			for i := range mask.Pix {
				mask.Pix[i] = 1
			}
		}
		contour := roi.Contour{{X: 0, Y: 0}, {X: bbox.W - 1, Y: 0}, {X: bbox.W - 1, Y: bbox.H - 1}, {X: 0, Y: bbox.H - 1}}
		r := roi.New(idx, float64(c.conf), c.class, bbox, mask, contour, originalTile, channelIndex, d.cfg.Filter)
		results.Push(r)
		idx++
	}
	results.CreateBinaryImage(control)

	return &Response{Results: results, Original: originalTile, Control: control}, nil
}

// decodeMask assembles one instance mask from the prototype-mask planes:
// for every bbox pixel, project it back into proto-grid space through the
// inverse letterbox transform, dot the 32 proto planes against coeffs, and
// threshold the sigmoid of that sum at 0.5, matching the YOLO segmentation
// head's mask-coefficient decode.
func (d *ModelDetector) decodeMask(coeffs []float32, bbox roi.Rect, scale, padX, padY float32) *roi.Raster {
	proto := d.protoOutput.GetData()
	protoSize := d.cfg.InputSize / 4

	mask := roi.NewRaster(bbox.W, bbox.H)
	for y := 0; y < bbox.H; y++ {
		gy := protoCoord(float32(bbox.Y+y), scale, padY, protoSize)
		for x := 0; x < bbox.W; x++ {
			gx := protoCoord(float32(bbox.X+x), scale, padX, protoSize)
			var dot float32
			for c := 0; c < maskCoeffCount; c++ {
				dot += coeffs[c] * proto[c*protoSize*protoSize+gy*protoSize+gx]
			}
			if sigmoid(dot) > 0.5 {
				mask.Set(x, y, 1)
			}
		}
	}
	return mask
}

// protoCoord maps a tile-space coordinate into the clamped proto-grid
// index through the same scale/pad letterbox transform applied to input
// pixels, downsampled by the model's 4x proto stride.
func protoCoord(tileCoord, scale, pad float32, protoSize int) int {
	g := int((tileCoord*scale + pad) / 4)
	if g < 0 {
		g = 0
	}
	if g >= protoSize {
		g = protoSize - 1
	}
	return g
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func argmax(vals []float32) (int, float32) {
	best := 0
	bestV := vals[0]
	for i, v := range vals {
		if v > bestV {
			bestV = v
			best = i
		}
	}
	return best, bestV
}

func containsClass(filter []int32, class int32) bool {
	for _, f := range filter {
		if f == class {
			return true
		}
	}
	return false
}

func clampRectToRaster(r roi.Rect, w, h int) roi.Rect {
	return r.Intersect(roi.Rect{X: 0, Y: 0, W: w, H: h})
}

func iouRect(a, b roi.Rect) float32 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float32(inter.W * inter.H)
	union := float32(a.W*a.H+b.W*b.H) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// letterboxInto resizes src to fit inputSize x inputSize preserving
// aspect ratio, writes normalized CHW float32 data into dst, and returns
// the scale factor plus x/y padding applied so callers can map model-
// space boxes back to tile space.
func letterboxInto(dst []float32, src *roi.Raster, inputSize int) (scale, padX, padY float32) {
	scale = float32(inputSize) / float32(max2(src.Width, src.Height))
	newW := int(float32(src.Width) * scale)
	newH := int(float32(src.Height) * scale)
	padX = float32(inputSize-newW) / 2
	padY = float32(inputSize-newH) / 2

	plane := inputSize * inputSize
	for i := range dst {
		dst[i] = 0
	}
	for y := 0; y < newH; y++ {
		srcY := int(float32(y) / scale)
		for x := 0; x < newW; x++ {
			srcX := int(float32(x) / scale)
			v := float32(src.At(srcX, srcY)) / 65535
			px := x + int(padX)
			py := y + int(padY)
			if px < 0 || py < 0 || px >= inputSize || py >= inputSize {
				continue
			}
			offset := py*inputSize + px
			dst[offset] = v
			dst[plane+offset] = v
			dst[2*plane+offset] = v
		}
	}
	return scale, padX, padY
}

func max2(a, b int) int {
	if a > b {
		return a
	}
	return b
}
