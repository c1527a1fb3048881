// Package detector runs vehicle detection models and shapes their output.
package detector

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ErrDetectionFailed wraps model invocation failures. It is recoverable:
// the adapter substitutes an empty result.
var ErrDetectionFailed = errors.New("detection failed")

// Postprocessor filters or modifies detections. Implementations must keep
// the relative order of the detections they keep.
type Postprocessor func([]Detection) []Detection

// NewClassFilter returns a Postprocessor keeping only the given class ids.
func NewClassFilter(allowed map[int]string) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if _, ok := allowed[d.ClassID]; ok {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewScoreFilter returns a Postprocessor keeping detections whose confidence is strictly above conf.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Confidence > conf && d.Confidence <= 1 {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewBoxFilter returns a Postprocessor dropping degenerate boxes.
func NewBoxFilter() Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			b := d.BoundingBox
			if b.X1 < b.X2 && b.Y1 < b.Y2 {
				out = append(out, d)
			}
		}
		return out
	}
}

// Adapter invokes a Model and normalizes its raw output into a Result.
type Adapter struct {
	model Model
	names map[int]string
	chain []Postprocessor
}

// NewAdapter returns an Adapter keeping vehicle classes with confidence above MinConfidence.
func NewAdapter(model Model) *Adapter {
	return &Adapter{
		model: model,
		names: VehicleClasses,
		chain: []Postprocessor{
			NewClassFilter(VehicleClasses),
			NewScoreFilter(MinConfidence),
			NewBoxFilter(),
		},
	}
}

// Detect runs the model on frame. On model failure it returns an empty
// Result together with an error wrapping ErrDetectionFailed; the Result is
// always usable.
func (a *Adapter) Detect(ctx context.Context, frame gocv.Mat) (Result, error) {
	raw, err := a.model.Infer(ctx, frame)
	if err != nil {
		return NewResult(nil), errors.Wrapf(ErrDetectionFailed, "%v", err)
	}

	detections := make([]Detection, 0, len(raw))
	for _, r := range raw {
		detections = append(detections, a.convert(r))
	}
	for _, p := range a.chain {
		detections = p(detections)
	}

	return NewResult(detections), nil
}

// Close releases the underlying model.
func (a *Adapter) Close() error {
	return a.model.Close()
}

func (a *Adapter) convert(r RawDetection) Detection {
	name, ok := a.names[r.ClassID]
	if !ok {
		name = "vehicle"
	}
	return Detection{
		ClassID:    r.ClassID,
		ClassName:  name,
		Confidence: r.Confidence,
		BoundingBox: BoundingBox{
			X1: truncate(r.X1),
			Y1: truncate(r.Y1),
			X2: truncate(r.X2),
			Y2: truncate(r.Y2),
		},
	}
}

// truncate converts a model coordinate to a pixel index, rounding toward zero.
func truncate(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int(v)
}
