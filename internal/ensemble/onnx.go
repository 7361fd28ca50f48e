package ensemble

import (
	"fmt"
	"sync"

	onnxruntime "github.com/yalue/onnxruntime_go"

	"manipwatch/internal/features"
)

var (
	onnxInitOnce sync.Once
	onnxInitErr  error
)

// ONNXOptions locates an exported binary classifier. The model takes a [1, n] float32
// input and returns [1, 2] class probabilities; index 1 is the manipulation class.
type ONNXOptions struct {
	ModelPath   string `mapstructure:"model_path"`
	LibraryPath string `mapstructure:"library_path"`
	InputName   string `mapstructure:"input_name"`
	OutputName  string `mapstructure:"output_name"`
}

// ONNXClassifier runs a supervised classifier through ONNX Runtime.
type ONNXClassifier struct {
	mu      sync.Mutex
	session *onnxruntime.DynamicAdvancedSession
	width   int
}

// NewONNXClassifier loads the model. The runtime environment is initialised once per process.
func NewONNXClassifier(opts ONNXOptions) (*ONNXClassifier, error) {
	if opts.InputName == "" {
		opts.InputName = "input"
	}
	if opts.OutputName == "" {
		opts.OutputName = "probabilities"
	}
	onnxInitOnce.Do(func() {
		if opts.LibraryPath != "" {
			onnxruntime.SetSharedLibraryPath(opts.LibraryPath)
		}
		onnxInitErr = onnxruntime.InitializeEnvironment()
	})
	if onnxInitErr != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", onnxInitErr)
	}

	session, err := onnxruntime.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{opts.InputName}, []string{opts.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("load onnx model %s: %w", opts.ModelPath, err)
	}
	return &ONNXClassifier{session: session, width: len(features.Names())}, nil
}

func (c *ONNXClassifier) Name() string { return "onnx_classifier" }

func (c *ONNXClassifier) Score(v *features.Vector) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0, false
	}

	cols := v.Numeric()
	input := make([]float32, c.width)
	for i := 0; i < c.width && i < len(cols); i++ {
		input[i] = float32(cols[i])
	}
	in, err := onnxruntime.NewTensor(onnxruntime.NewShape(1, int64(c.width)), input)
	if err != nil {
		return 0, false
	}
	defer in.Destroy()
	out, err := onnxruntime.NewEmptyTensor[float32](onnxruntime.NewShape(1, 2))
	if err != nil {
		return 0, false
	}
	defer out.Destroy()

	if err := c.session.Run([]onnxruntime.Value{in}, []onnxruntime.Value{out}); err != nil {
		return 0, false
	}
	probs := out.GetData()
	if len(probs) < 2 {
		return 0, false
	}
	return float64(probs[1]) * 100, true
}

// Close releases the session.
func (c *ONNXClassifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
}

var _ ScoringModel = (*ONNXClassifier)(nil)
