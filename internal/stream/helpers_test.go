package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayusman/spotwise/internal/annotate"
	"github.com/ayusman/spotwise/internal/capture"
	"github.com/ayusman/spotwise/internal/detector"
	"github.com/ayusman/spotwise/internal/encode"
	"github.com/ayusman/spotwise/testdata"
	"go.uber.org/zap/zaptest"
	"gocv.io/x/gocv"
)

// recordingSink stores every message it receives.
type recordingSink struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (r *recordingSink) Send(ctx context.Context, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, append([]byte(nil), msg...))
	return nil
}

func (r *recordingSink) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingSink) messages(kind string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out [][]byte
	for _, msg := range r.msgs {
		var env Envelope
		if err := json.Unmarshal(msg, &env); err == nil && env.Type == kind {
			out = append(out, msg)
		}
	}
	return out
}

func (r *recordingSink) frames(t *testing.T) []FrameMessage {
	t.Helper()

	raw := r.messages(TypeFrame)
	out := make([]FrameMessage, len(raw))
	for i, msg := range raw {
		if err := json.Unmarshal(msg, &out[i]); err != nil {
			t.Fatalf("unmarshal frame message: %v", err)
		}
	}
	return out
}

func (r *recordingSink) frameCount() int {
	return len(r.messages(TypeFrame))
}

func (r *recordingSink) statuses(t *testing.T) []StatusMessage {
	t.Helper()

	raw := r.messages(TypeStatus)
	out := make([]StatusMessage, len(raw))
	for i, msg := range raw {
		if err := json.Unmarshal(msg, &out[i]); err != nil {
			t.Fatalf("unmarshal status message: %v", err)
		}
	}
	return out
}

func (r *recordingSink) errorMessages(t *testing.T) []ErrorMessage {
	t.Helper()

	raw := r.messages(TypeError)
	out := make([]ErrorMessage, len(raw))
	for i, msg := range raw {
		if err := json.Unmarshal(msg, &out[i]); err != nil {
			t.Fatalf("unmarshal error message: %v", err)
		}
	}
	return out
}

// waitFrames polls until sink holds at least n frames.
func waitFrames(t *testing.T, sink *recordingSink, n int) {
	t.Helper()
	waitFor(t, func() bool { return sink.frameCount() >= n }, "%d frames", n)
}

// waitErrors polls until sink holds at least n error messages and returns them.
func waitErrors(t *testing.T, sink *recordingSink, n int) []ErrorMessage {
	t.Helper()
	waitFor(t, func() bool { return len(sink.messages(TypeError)) >= n }, "%d error messages", n)
	return sink.errorMessages(t)
}

func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

// frameLevel decodes the JPEG in msg and returns the gray level of its
// bottom-right pixel, away from the count overlay.
func frameLevel(t *testing.T, msg FrameMessage) int {
	t.Helper()

	data, err := base64.StdEncoding.DecodeString(msg.Frame)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}
	defer mat.Close()

	return int(mat.GetVecbAt(mat.Rows()-1, mat.Cols()-1)[0])
}

// blockingSink passes messages through until block is called. After that
// every Send waits for its context.
type blockingSink struct {
	recordingSink

	gate    sync.Mutex
	blocked bool
	waiting atomic.Int32
}

func (b *blockingSink) Send(ctx context.Context, msg []byte) error {
	b.gate.Lock()
	blocked := b.blocked
	b.gate.Unlock()

	if !blocked {
		return b.recordingSink.Send(ctx, msg)
	}

	b.waiting.Add(1)
	defer b.waiting.Add(-1)
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingSink) block() {
	b.gate.Lock()
	defer b.gate.Unlock()
	b.blocked = true
}

type testEnv struct {
	hub      *Hub
	opener   *capture.MockOpener
	model    *detector.MockModel
	decoders map[string]*capture.MockDecoder
}

type envOption func(*HubConfig)

func withFPS(fps float64) envOption {
	return func(c *HubConfig) { c.TargetFPS = fps }
}

func withDefaultSource(ref string) envOption {
	return func(c *HubConfig) { c.DefaultSource = ref }
}

func withResolver(r Resolver) envOption {
	return func(c *HubConfig) { c.Resolver = r }
}

// withGatedOpen holds every open of ref until gate is closed, announcing each
// held open on started.
func withGatedOpen(ref string, started chan<- struct{}, gate <-chan struct{}) envOption {
	return func(c *HubConfig) {
		open := c.Open
		c.Open = func(r string) (capture.Decoder, error) {
			if r == ref {
				started <- struct{}{}
				<-gate
			}
			return open(r)
		}
	}
}

// newTestEnv builds a Hub over mock sources. sources maps each reference to
// its number of frames.
func newTestEnv(t *testing.T, sources map[string]int, opts ...envOption) *testEnv {
	t.Helper()

	opener := capture.NewMockOpener()
	decoders := make(map[string]*capture.MockDecoder)
	for ref, n := range sources {
		frames := testdata.Sequence(n)
		t.Cleanup(func() { testdata.CloseAll(frames) })

		d := capture.NewMockDecoder(frames)
		opener.Add(ref, d)
		decoders[ref] = d
	}

	model := detector.NewMockModel()
	config := HubConfig{
		Open: opener.Open,
		Stages: Stages{
			Detector:  detector.NewAdapter(model),
			Annotator: annotate.New(),
			Encoder:   encode.New(80),
		},
		TargetFPS: 50,
	}
	for _, opt := range opts {
		opt(&config)
	}

	hub := NewHub(config, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { hub.Close() })

	return &testEnv{hub: hub, opener: opener, model: model, decoders: decoders}
}

func (e *testEnv) session(t *testing.T) (*Session, *recordingSink) {
	t.Helper()

	sink := &recordingSink{}
	return e.sessionWith(t, sink), sink
}

func (e *testEnv) sessionWith(t *testing.T, sink Sink) *Session {
	t.Helper()

	s := NewSession(e.hub, sink, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { s.Close() })
	return s
}

func start(ref string) Command {
	return Command{Kind: CommandStart, VideoPath: ref}
}

var (
	pause = Command{Kind: CommandPause}
	stop  = Command{Kind: CommandStop}
)
