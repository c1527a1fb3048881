package detector

import (
	"context"
	"sync"

	"gocv.io/x/gocv"
)

// MockModel is a test implementation of the Model interface.
// It allows tests to control the detection results.
type MockModel struct {
	mu     sync.Mutex
	script [][]RawDetection
	raw    []RawDetection
	err    error
	calls  int
	closed bool

	gate      chan struct{}
	entered   chan struct{}
	cancelled int
}

// NewMockModel creates a new MockModel that reports no detections.
func NewMockModel() *MockModel {
	return &MockModel{}
}

// SetDetections sets the detections returned by every Infer call.
func (m *MockModel) SetDetections(raw []RawDetection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = raw
}

// SetScript sets per-call detections: call i returns script[i % len(script)].
func (m *MockModel) SetScript(script [][]RawDetection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = script
}

// SetError sets the error returned by Infer.
func (m *MockModel) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Block makes every following Infer call wait until its context is done or
// Unblock is called.
func (m *MockModel) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	m.entered = make(chan struct{})
}

// Unblock releases waiting Infer calls and stops blocking new ones.
func (m *MockModel) Unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Entered is closed once an Infer call is waiting after Block.
func (m *MockModel) Entered() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entered
}

// Cancelled returns how many blocked calls returned because of their context.
func (m *MockModel) Cancelled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// Infer returns the pre-configured detections or error.
func (m *MockModel) Infer(ctx context.Context, frame gocv.Mat) ([]RawDetection, error) {
	m.mu.Lock()
	if gate := m.gate; gate != nil {
		select {
		case <-m.entered:
		default:
			close(m.entered)
		}
		m.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			m.mu.Lock()
			m.cancelled++
			m.mu.Unlock()
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()

	call := m.calls
	m.calls++

	if m.err != nil {
		return nil, m.err
	}
	if len(m.script) > 0 {
		return m.script[call%len(m.script)], nil
	}
	return m.raw, nil
}

// Calls returns how many times Infer was called.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close marks the model closed.
func (m *MockModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockModel) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// NoopModel reports no detections. It backs the "none" model backend.
type NoopModel struct{}

// Infer always returns no detections.
func (NoopModel) Infer(context.Context, gocv.Mat) ([]RawDetection, error) {
	return nil, nil
}

// Close is a no-op.
func (NoopModel) Close() error {
	return nil
}

// ParkingLotDetections returns a preset of raw detections in model emission
// order. Entries 0, 3 and 5 pass the adapter; entry 1 is a person, entry 2
// sits exactly at the confidence threshold and entry 4 is below it.
func ParkingLotDetections() []RawDetection {
	return []RawDetection{
		{ClassID: ClassCar, Confidence: 0.91, X1: 10.7, Y1: 40.2, X2: 120.9, Y2: 110.5},
		{ClassID: 0, Confidence: 0.88, X1: 200, Y1: 30, X2: 230, Y2: 120},
		{ClassID: ClassTruck, Confidence: 0.50, X1: 130, Y1: 50, X2: 220, Y2: 140},
		{ClassID: ClassBus, Confidence: 0.77, X1: 5, Y1: 150, X2: 160, Y2: 230},
		{ClassID: ClassMotorcycle, Confidence: 0.49, X1: 250, Y1: 180, X2: 290, Y2: 230},
		{ClassID: ClassMotorcycle, Confidence: 0.62, X1: 240, Y1: 20, X2: 300, Y2: 90},
	}
}
