package capture

import (
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// MockDecoder plays back pre-built frames for testing.
type MockDecoder struct {
	frames    []gocv.Mat
	props     Properties
	index     int
	rewindErr error
	failAfter int
	reads     int
	closes    int
	mu        sync.Mutex
}

// NewMockDecoder creates a decoder over frames. Properties are taken from the
// first frame; FPS defaults to 30.
func NewMockDecoder(frames []gocv.Mat) *MockDecoder {
	d := &MockDecoder{
		frames:    frames,
		failAfter: -1,
		props:     Properties{FPS: 30, FrameCount: len(frames)},
	}
	if len(frames) > 0 {
		d.props.Width = frames[0].Cols()
		d.props.Height = frames[0].Rows()
	}
	return d
}

// Read copies the next frame into dst. It returns false at the end of the
// sequence until Rewind is called.
func (d *MockDecoder) Read(dst *gocv.Mat) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failAfter >= 0 && d.reads >= d.failAfter {
		return false
	}
	if d.index >= len(d.frames) {
		return false
	}

	// Copy so the fixture frame is never modified
	d.frames[d.index].CopyTo(dst)
	d.index++
	d.reads++
	return true
}

// Rewind restarts playback from the beginning.
func (d *MockDecoder) Rewind() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rewindErr != nil {
		return d.rewindErr
	}
	d.index = 0
	return nil
}

// Properties returns the configured properties.
func (d *MockDecoder) Properties() Properties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props
}

// Close records the release. It does not close the frames, which belong to the caller.
func (d *MockDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// SetRewindError makes Rewind fail with err.
func (d *MockDecoder) SetRewindError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rewindErr = err
}

// FailAfter makes every read after n successful reads fail, simulating a
// stream that stops decoding.
func (d *MockDecoder) FailAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAfter = n
}

// SetFPS overrides the reported native frame rate.
func (d *MockDecoder) SetFPS(fps float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props.FPS = fps
}

// Closes returns how many times Close was called.
func (d *MockDecoder) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// MockOpener serves decoders from a map of references. Unknown references
// fail with ErrSourceNotFound.
type MockOpener struct {
	mu       sync.Mutex
	decoders map[string]*MockDecoder
	opens    map[string]int
}

// NewMockOpener creates an empty MockOpener.
func NewMockOpener() *MockOpener {
	return &MockOpener{
		decoders: make(map[string]*MockDecoder),
		opens:    make(map[string]int),
	}
}

// Add registers a decoder under ref.
func (o *MockOpener) Add(ref string, d *MockDecoder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decoders[ref] = d
}

// Open implements Opener.
func (o *MockOpener) Open(ref string) (Decoder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	d, ok := o.decoders[ref]
	if !ok {
		return nil, errors.Wrapf(ErrSourceNotFound, "%s", ref)
	}
	o.opens[ref]++
	d.Rewind()
	return d, nil
}

// Opens returns how many times ref was opened.
func (o *MockOpener) Opens(ref string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[ref]
}
