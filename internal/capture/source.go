// Package capture provides looping video frame sources using GoCV (OpenCV).
package capture

import (
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var (
	// ErrSourceNotFound is returned when the referenced video does not exist.
	ErrSourceNotFound = errors.New("source not found")
	// ErrSourceUnreadable is returned when the video exists but cannot be decoded.
	ErrSourceUnreadable = errors.New("source unreadable")
	// ErrSourceExhausted is returned when no frame can be read even after rewinding.
	ErrSourceExhausted = errors.New("source exhausted")
	// ErrSourceClosed is returned when reading from a released source.
	ErrSourceClosed = errors.New("source is closed")
)

// Properties are the static properties of a video, captured when it is opened.
type Properties struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int
}

// Decoder is the raw video decode capability a FrameSource reads from.
type Decoder interface {
	// Read decodes the next frame into dst. It returns false when no frame is available.
	Read(dst *gocv.Mat) bool
	// Rewind moves the read position back to the first frame.
	Rewind() error
	// Properties returns the properties of the opened video.
	Properties() Properties
	// Close releases the underlying video resource.
	Close() error
}

// Opener opens a Decoder for a source reference.
type Opener func(ref string) (Decoder, error)

// Frame is a decoded raster image with its position in the stream.
// Seq increases monotonically across loops; Index restarts at 0 on every loop.
type Frame struct {
	Mat   gocv.Mat
	Seq   uint64
	Index int
}

// Close releases the frame's pixel buffer.
func (f *Frame) Close() error {
	return f.Mat.Close()
}

// FrameSource yields frames from a Decoder, looping back to the first frame at
// end of stream. It owns the single read cursor of its decoder.
type FrameSource struct {
	ref     string
	decoder Decoder
	props   Properties

	mu      sync.Mutex
	seq     uint64
	index   int
	closed  bool
	release sync.Once
	err     error
}

// Open opens ref with the given opener and wraps it in a FrameSource.
func Open(open Opener, ref string) (*FrameSource, error) {
	dec, err := open(ref)
	if err != nil {
		return nil, err
	}

	return &FrameSource{
		ref:     ref,
		decoder: dec,
		props:   dec.Properties(),
	}, nil
}

// Ref returns the source reference the frames are read from.
func (s *FrameSource) Ref() string {
	return s.ref
}

// Properties returns the properties captured when the source was opened.
func (s *FrameSource) Properties() Properties {
	return s.props
}

// Next returns the next frame. At end of stream the decoder is rewound and
// read once more; if that read fails too, ErrSourceExhausted is returned.
// The caller is responsible for closing the returned frame.
func (s *FrameSource) Next() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSourceClosed
	}

	mat := gocv.NewMat()
	if s.read(&mat) {
		return s.frame(mat), nil
	}

	if err := s.decoder.Rewind(); err != nil {
		mat.Close()
		return nil, errors.Wrapf(ErrSourceExhausted, "rewind %s: %v", s.ref, err)
	}
	s.index = 0

	if s.read(&mat) {
		return s.frame(mat), nil
	}

	mat.Close()
	return nil, errors.Wrapf(ErrSourceExhausted, "%s", s.ref)
}

func (s *FrameSource) read(dst *gocv.Mat) bool {
	return s.decoder.Read(dst) && !dst.Empty()
}

func (s *FrameSource) frame(mat gocv.Mat) *Frame {
	f := &Frame{Mat: mat, Seq: s.seq, Index: s.index}
	s.seq++
	s.index++
	return f
}

// Close releases the underlying decoder. It is safe to call more than once;
// the decoder is closed exactly once.
func (s *FrameSource) Close() error {
	s.release.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.closed = true
		s.err = s.decoder.Close()
	})
	return s.err
}
