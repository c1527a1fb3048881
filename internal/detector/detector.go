package detector

import (
	"context"

	"gocv.io/x/gocv"
)

// Model is the object-detection capability: it takes one raster frame and
// returns raw, unfiltered detections in emission order.
type Model interface {
	// Infer runs the model on a BGR frame.
	Infer(ctx context.Context, frame gocv.Mat) ([]RawDetection, error)

	// Close releases any resources held by the model.
	Close() error
}

// RawDetection is one detection exactly as reported by a model, with box
// coordinates in frame pixels.
type RawDetection struct {
	ClassID    int
	Confidence float64
	X1, Y1     float64
	X2, Y2     float64
}

// BoundingBox is an integer pixel box with X1 < X2 and Y1 < Y2.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Detection is a filtered vehicle observation.
type Detection struct {
	ClassID     int         `json:"class_id"`
	ClassName   string      `json:"class_name"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bbox"`
}

// Result is the per-frame detection result. Count always equals len(Detections).
type Result struct {
	Detections []Detection `json:"detections"`
	Count      int         `json:"count"`
}

// NewResult builds a Result whose Count matches its detections.
func NewResult(detections []Detection) Result {
	if detections == nil {
		detections = []Detection{}
	}
	return Result{Detections: detections, Count: len(detections)}
}

// COCO class ids of the vehicle classes kept by the adapter.
const (
	ClassCar        = 2
	ClassMotorcycle = 3
	ClassBus        = 5
	ClassTruck      = 7
)

// VehicleClasses maps the allowed COCO class ids to their names.
var VehicleClasses = map[int]string{
	ClassCar:        "car",
	ClassMotorcycle: "motorcycle",
	ClassBus:        "bus",
	ClassTruck:      "truck",
}

// MinConfidence is the exclusive lower bound on kept detection confidence.
const MinConfidence = 0.5
