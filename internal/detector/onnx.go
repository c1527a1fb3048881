package detector

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ONNXConfig holds options for the OpenCV DNN backend.
type ONNXConfig struct {
	// Path is the YOLOv8 ONNX export to load.
	Path string
	// InputSize is the square network input size (default: 640).
	InputSize int
	// CandidateThreshold drops candidates before NMS (default: 0.25).
	CandidateThreshold float64
	// NMSThreshold is the IoU above which overlapping boxes are suppressed (default: 0.45).
	NMSThreshold float64
}

// classOffset separates boxes of different classes so NMS runs per class.
const classOffset = 4096

// ONNXModel runs a YOLOv8 ONNX model with the OpenCV DNN module.
type ONNXModel struct {
	config ONNXConfig
	net    gocv.Net
	mu     sync.Mutex
	closed bool
}

// NewONNXModel loads the model at config.Path.
func NewONNXModel(config ONNXConfig) (*ONNXModel, error) {
	if config.InputSize <= 0 {
		config.InputSize = 640
	}
	if config.CandidateThreshold <= 0 {
		config.CandidateThreshold = 0.25
	}
	if config.NMSThreshold <= 0 {
		config.NMSThreshold = 0.45
	}

	if _, err := os.Stat(config.Path); err != nil {
		return nil, errors.Wrapf(err, "model %s", config.Path)
	}

	net := gocv.ReadNetFromONNX(config.Path)
	if net.Empty() {
		net.Close()
		return nil, errors.Errorf("failed to load model %s", config.Path)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &ONNXModel{config: config, net: net}, nil
}

// Infer runs one forward pass over frame.
func (m *ONNXModel) Infer(ctx context.Context, frame gocv.Mat) ([]RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, errors.New("empty frame")
	}

	size := m.config.InputSize
	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("model is closed")
	}

	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "read model output")
	}

	dims := out.Size()
	if len(dims) != 3 {
		return nil, errors.Errorf("unexpected output shape %v", dims)
	}

	scaleX := float64(frame.Cols()) / float64(size)
	scaleY := float64(frame.Rows()) / float64(size)

	candidates := decodeYOLOv8(data, dims[1], dims[2], scaleX, scaleY, m.config.CandidateThreshold)
	return suppress(candidates, float32(m.config.CandidateThreshold), float32(m.config.NMSThreshold)), nil
}

// Close releases the network.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.net.Close()
}

// decodeYOLOv8 reads a [attrs, n] YOLOv8 output (cx, cy, w, h followed by
// one score per class) into candidates scaled to frame pixels. A transposed
// [n, attrs] layout is detected by its shape.
func decodeYOLOv8(data []float32, rows, cols int, scaleX, scaleY, threshold float64) []RawDetection {
	attrs, n := rows, cols
	transposed := false
	if rows > cols {
		attrs, n = cols, rows
		transposed = true
	}
	if attrs < 5 || len(data) < attrs*n {
		return nil
	}

	at := func(attr, i int) float64 {
		if transposed {
			return float64(data[i*attrs+attr])
		}
		return float64(data[attr*n+i])
	}

	var out []RawDetection
	for i := 0; i < n; i++ {
		bestClass, bestScore := -1, 0.0
		for c := 0; c < attrs-4; c++ {
			if s := at(4+c, i); s > bestScore {
				bestClass, bestScore = c, s
			}
		}
		if bestClass < 0 || bestScore < threshold {
			continue
		}

		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		out = append(out, RawDetection{
			ClassID:    bestClass,
			Confidence: bestScore,
			X1:         (cx - w/2) * scaleX,
			Y1:         (cy - h/2) * scaleY,
			X2:         (cx + w/2) * scaleX,
			Y2:         (cy + h/2) * scaleY,
		})
	}
	return out
}

// suppress runs class-aware non-maximum suppression and returns the kept
// candidates in descending score order.
func suppress(candidates []RawDetection, scoreThreshold, nmsThreshold float32) []RawDetection {
	if len(candidates) == 0 {
		return nil
	}

	boxes := make([]image.Rectangle, len(candidates))
	scores := make([]float32, len(candidates))
	for i, c := range candidates {
		offset := c.ClassID * classOffset
		boxes[i] = image.Rect(
			int(c.X1)+offset, int(c.Y1)+offset,
			int(c.X2)+offset, int(c.Y2)+offset,
		)
		scores[i] = float32(c.Confidence)
	}

	indices := gocv.NMSBoxes(boxes, scores, scoreThreshold, nmsThreshold)

	kept := make([]RawDetection, 0, len(indices))
	for _, idx := range indices {
		kept = append(kept, candidates[idx])
	}
	return kept
}
