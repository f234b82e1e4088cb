package model

import (
	"context"
	"image"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/utils"
	"go.viam.com/annotator/vision/classification"
	"go.viam.com/annotator/vision/objectdetection"
)

// OnnxType runs an ONNX model through onnxruntime.
const OnnxType = "onnx"

// OnnxConfig are the attributes of an onnx model. A detection model is expected to be YOLO
// shaped, with a [1, 4+classes, candidates] output of center x, center y, width, height and one
// score per class. A classification model has a [1, classes] output.
type OnnxConfig struct {
	ModelPath         string  `json:"model_path"`
	LabelPath         string  `json:"label_path"`
	Kind              Kind    `json:"kind,omitempty"`
	InputSize         int     `json:"input_size,omitempty"`
	InputName         string  `json:"input_name,omitempty"`
	OutputName        string  `json:"output_name,omitempty"`
	Candidates        int     `json:"candidates,omitempty"`
	NormalizedBoxes   bool    `json:"normalized_boxes,omitempty"`
	ScoreThreshold    float64 `json:"score_threshold,omitempty"`
	IoUThreshold      float64 `json:"iou_threshold,omitempty"`
	Softmax           bool    `json:"softmax,omitempty"`
	Threads           int     `json:"threads,omitempty"`
	SharedLibraryPath string  `json:"shared_library_path,omitempty"`
}

// WithDefaults fills in the zero fields for the configured kind.
func (cfg OnnxConfig) WithDefaults() OnnxConfig {
	if cfg.Kind == "" {
		cfg.Kind = KindDetection
	}
	if cfg.Kind == KindClassification {
		if cfg.InputSize == 0 {
			cfg.InputSize = 224
		}
		if cfg.InputName == "" {
			cfg.InputName = "input"
		}
		if cfg.OutputName == "" {
			cfg.OutputName = "output"
		}
	} else {
		if cfg.InputSize == 0 {
			cfg.InputSize = 640
		}
		if cfg.InputName == "" {
			cfg.InputName = "images"
		}
		if cfg.OutputName == "" {
			cfg.OutputName = "output0"
		}
		if cfg.Candidates == 0 {
			// One candidate per cell of the stride 8, 16 and 32 grids.
			s := cfg.InputSize
			cfg.Candidates = (s/8)*(s/8) + (s/16)*(s/16) + (s/32)*(s/32)
		}
	}
	if cfg.ScoreThreshold == 0 {
		cfg.ScoreThreshold = 0.25
	}
	if cfg.IoUThreshold == 0 {
		cfg.IoUThreshold = 0.45
	}
	if cfg.Threads == 0 {
		cfg.Threads = runtime.NumCPU()
	}
	return cfg
}

// Validate checks the attributes after defaults are applied.
func (cfg *OnnxConfig) Validate(path string) error {
	if cfg.ModelPath == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "model_path")
	}
	if cfg.LabelPath == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "label_path")
	}
	if err := cfg.Kind.Validate(); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if cfg.InputSize <= 0 {
		return errors.Errorf("%s: input_size must be positive", path)
	}
	if cfg.Kind == KindDetection && cfg.InputSize%32 != 0 {
		return errors.Errorf("%s: input_size of a detection model must be a multiple of 32, got %d", path, cfg.InputSize)
	}
	if cfg.ScoreThreshold < 0 || cfg.ScoreThreshold > 1 {
		return errors.Errorf("%s: score_threshold must be in [0, 1]", path)
	}
	if cfg.IoUThreshold < 0 || cfg.IoUThreshold > 1 {
		return errors.Errorf("%s: iou_threshold must be in [0, 1]", path)
	}
	return nil
}

func init() {
	RegisterType(OnnxType, Registration{
		Constructor: newOnnxModel,
		Attributes:  &OnnxConfig{},
	})
}

var (
	ortOnce sync.Once
	ortErr  error
)

// initRuntime initializes the onnxruntime environment once per process. The shared library path
// of the first model loaded wins.
func initRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

type onnxModel struct {
	cfg    OnnxConfig
	labels []string
	logger logging.Logger

	// The session binds fixed input and output tensors, so runs are serialized.
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func newOnnxModel(ctx context.Context, conf Config, logger logging.Logger) (Model, error) {
	var cfg OnnxConfig
	if err := DecodeAttributes(conf.Attributes, &cfg); err != nil {
		return nil, errors.Wrapf(err, "register onnx model %s", conf.Name)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(conf.Name); err != nil {
		return nil, err
	}
	labels, err := ReadLabels(cfg.LabelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "register onnx model %s", conf.Name)
	}
	if err := initRuntime(cfg.SharedLibraryPath); err != nil {
		return nil, errors.Wrap(err, "cannot initialize onnxruntime")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating session options")
	}
	defer options.Destroy()
	if err := multierr.Combine(
		options.SetIntraOpNumThreads(cfg.Threads),
		options.SetInterOpNumThreads(cfg.Threads),
	); err != nil {
		return nil, err
	}

	size := int64(cfg.InputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	guard := utils.NewGuard(func() { inputTensor.Destroy() })
	defer guard.OnFail()

	outputShape := ort.NewShape(1, int64(len(labels)))
	if cfg.Kind == KindDetection {
		outputShape = ort.NewShape(1, int64(4+len(labels)), int64(cfg.Candidates))
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, errors.Wrap(err, "error creating output tensor")
	}
	outputGuard := utils.NewGuard(func() { outputTensor.Destroy() })
	defer outputGuard.OnFail()

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating session for %q", cfg.ModelPath)
	}
	guard.Success()
	outputGuard.Success()

	logger.Debugw("onnx session ready", "kind", string(cfg.Kind), "labels", len(labels), "input_size", cfg.InputSize)
	return &onnxModel{
		cfg:     cfg,
		labels:  labels,
		logger:  logger,
		session: session,
		input:   inputTensor,
		output:  outputTensor,
	}, nil
}

func (om *onnxModel) Kind() Kind {
	return om.cfg.Kind
}

func (om *onnxModel) Infer(ctx context.Context, img image.Image) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	resized := imaging.Resize(img, om.cfg.InputSize, om.cfg.InputSize, imaging.Linear)

	om.mu.Lock()
	defer om.mu.Unlock()
	if om.session == nil {
		return Result{}, ErrModelNotLoaded
	}
	fillCHW(resized, om.input.GetData())
	if err := om.session.Run(); err != nil {
		return Result{}, errors.Wrap(err, "model inference")
	}
	data := om.output.GetData()

	if om.cfg.Kind == KindClassification {
		return ClassificationResult(decodeClassification(data, om.labels, om.cfg.Softmax)), nil
	}
	dets := decodeYOLO(data, yoloLayout{
		labels:     om.labels,
		candidates: om.cfg.Candidates,
		inputSize:  om.cfg.InputSize,
		normalized: om.cfg.NormalizedBoxes,
		threshold:  om.cfg.ScoreThreshold,
	}, img.Bounds())
	return DetectionResult(objectdetection.NewNMSFilter(om.cfg.IoUThreshold)(dets)), nil
}

func (om *onnxModel) Close(ctx context.Context) error {
	om.mu.Lock()
	defer om.mu.Unlock()
	if om.session == nil {
		return nil
	}
	err := multierr.Combine(om.session.Destroy(), om.input.Destroy(), om.output.Destroy())
	om.session = nil
	return err
}

// fillCHW writes img into dst as planar RGB scaled to [0, 1].
func fillCHW(img *image.NRGBA, dst []float32) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			dst[i] = float32(row[x*4]) / 255
			dst[plane+i] = float32(row[x*4+1]) / 255
			dst[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
}

type yoloLayout struct {
	labels     []string
	candidates int
	inputSize  int
	normalized bool
	threshold  float64
}

// decodeYOLO turns a [4+classes, candidates] prediction into detections in the coordinates of a
// frame with the given bounds. Each candidate takes its best scoring class.
func decodeYOLO(data []float32, layout yoloLayout, bounds image.Rectangle) objectdetection.DetectionSet {
	n := layout.candidates
	if len(data) < (4+len(layout.labels))*n {
		return objectdetection.DetectionSet{}
	}
	unit := 1.0
	if layout.normalized {
		unit = float64(layout.inputSize)
	}
	scaleX := float64(bounds.Dx()) / float64(layout.inputSize)
	scaleY := float64(bounds.Dy()) / float64(layout.inputSize)
	frameW, frameH := float64(bounds.Dx()), float64(bounds.Dy())

	dets := objectdetection.DetectionSet{}
	for i := 0; i < n; i++ {
		best, bestScore := -1, float32(0)
		for c := range layout.labels {
			if s := data[(4+c)*n+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || float64(bestScore) < layout.threshold {
			continue
		}
		cx := float64(data[i]) * unit * scaleX
		cy := float64(data[n+i]) * unit * scaleY
		w := float64(data[2*n+i]) * unit * scaleX
		h := float64(data[3*n+i]) * unit * scaleY

		x0, y0 := math.Max(0, cx-w/2), math.Max(0, cy-h/2)
		x1, y1 := math.Min(frameW, cx+w/2), math.Min(frameH, cy+h/2)
		box := objectdetection.Box{
			X:      float64(bounds.Min.X) + x0,
			Y:      float64(bounds.Min.Y) + y0,
			Width:  x1 - x0,
			Height: y1 - y0,
		}
		dets = append(dets, objectdetection.NewDetection(box, float64(bestScore), layout.labels[best]))
	}
	return dets
}

// decodeClassification pairs scores with labels, optionally normalizing logits with a softmax.
func decodeClassification(data []float32, labels []string, softmax bool) classification.Classifications {
	n := min(len(data), len(labels))
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		scores[i] = float64(data[i])
	}
	if softmax && n > 0 {
		maxScore := scores[0]
		for _, s := range scores {
			maxScore = math.Max(maxScore, s)
		}
		sum := 0.0
		for i, s := range scores {
			scores[i] = math.Exp(s - maxScore)
			sum += scores[i]
		}
		for i := range scores {
			scores[i] /= sum
		}
	}
	out := make(classification.Classifications, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, classification.NewClassification(scores[i], labels[i]))
	}
	return out
}
