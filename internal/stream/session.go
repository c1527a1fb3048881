package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ayusman/spotwise/internal/capture"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrSessionClosed is returned when commanding a closed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrInvalidTransition is returned for commands the current state does not accept.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNoSource is returned by start when neither the command nor the
	// configuration names a source.
	ErrNoSource = errors.New("no video source given")
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateIdle is the initial state; no source is loaded.
	StateIdle State = iota
	// StateRunning emits frames.
	StateRunning
	// StatePaused keeps the source loaded but emits nothing.
	StatePaused
	// StateStopped has released its source. A new start reopens it.
	StateStopped
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type request struct {
	cmd   Command
	reply chan response
}

type response struct {
	state State
	err   error
}

// Session is the stream state machine of one viewer. Commands and pump
// notifications are processed in order by a single goroutine.
type Session struct {
	id     string
	hub    *Hub
	sink   Sink
	logger *zap.SugaredLogger

	requests  chan request
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	// owned by the run goroutine
	sub       *Subscription
	releasing <-chan struct{}
	outbox    []any

	mu     sync.Mutex
	state  State
	source string
}

// NewSession creates a Session that streams to sink and starts its goroutine.
func NewSession(hub *Hub, sink Sink, logger *zap.SugaredLogger) *Session {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:       id,
		hub:      hub,
		sink:     sink,
		logger:   logger.With("session", id),
		requests: make(chan request),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}
	go s.run()
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Source returns the resolved source of the session, if any was loaded.
func (s *Session) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Handle applies cmd and returns the resulting state. The returned error is
// non-nil when the command was rejected; the state is then unchanged, except
// for a failed source switch which leaves the session Idle.
func (s *Session) Handle(ctx context.Context, cmd Command) (State, error) {
	req := request{cmd: cmd, reply: make(chan response, 1)}

	select {
	case s.requests <- req:
	case <-s.done:
		return s.State(), ErrSessionClosed
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.state, resp.err
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Close stops the session and waits for its goroutine to exit. The source is
// released by its pump as soon as an in-flight stage returns; Close does not
// wait for that. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.closing)
	})
	<-s.done
	return nil
}

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run() {
	defer close(s.done)

	for {
		var ended <-chan struct{}
		if s.sub != nil {
			ended = s.sub.Ended()
		}

		select {
		case req := <-s.requests:
			state, err := s.apply(req.cmd)
			req.reply <- response{state: state, err: err}
			s.flush()
		case <-ended:
			s.handleEnded()
			s.flush()
		case <-s.closing:
			s.detach()
			s.setState(StateStopped, s.Source())
			s.logger.Debugw("session closed")
			return
		}
	}
}

func (s *Session) apply(cmd Command) (State, error) {
	s.logger.Debugw("command", "command", cmd.Kind.String(), "video_path", cmd.VideoPath, "state", s.State().String())

	if s.sub != nil {
		select {
		case <-s.sub.Ended():
			s.handleEnded()
		default:
		}
	}

	switch cmd.Kind {
	case CommandStart:
		return s.start(cmd.VideoPath)
	case CommandPause:
		return s.pause()
	case CommandStop:
		return s.stop()
	default:
		return s.State(), errors.Wrapf(ErrMalformedCommand, "command kind %d", cmd.Kind)
	}
}

func (s *Session) start(videoPath string) (State, error) {
	state, current := s.State(), s.Source()

	ref := videoPath
	if ref == "" {
		ref = current
	}
	if ref == "" {
		ref = s.hub.DefaultSource()
	}
	if ref == "" {
		s.notifyError(CodeSourceLoadFailed, ErrNoSource.Error())
		return state, ErrNoSource
	}

	resolved, err := s.hub.Resolve(s.ctx, ref)
	if err != nil {
		s.notifyError(CodeSourceLoadFailed, err.Error())
		return state, errors.Wrapf(err, "resolve %s", ref)
	}

	if s.sub != nil && resolved == current {
		s.sub.SetActive(true)
		return s.transition(StateRunning, resolved, "")
	}

	if s.sub != nil {
		s.logger.Infow("switching source", "from", current, "to", resolved)
		s.detach()
		state = StateIdle
		s.setState(state, current)
	}

	// One source per session: the previous pump must be gone before the next opens.
	if err := s.awaitRelease(); err != nil {
		return state, err
	}

	sub, err := s.hub.Subscribe(resolved, s.sink)
	if err != nil {
		s.logger.Warnw("failed to load source", "source", resolved, "error", err)
		s.notifyError(CodeSourceLoadFailed, err.Error())
		return state, errors.Wrapf(err, "load source %s", resolved)
	}

	s.sub = sub
	sub.SetActive(true)
	return s.transition(StateRunning, resolved, "")
}

func (s *Session) pause() (State, error) {
	state := s.State()
	if state != StateRunning {
		msg := fmt.Sprintf("cannot pause while %s", state)
		s.notifyError(CodeInvalidTransition, msg)
		return state, errors.Wrap(ErrInvalidTransition, msg)
	}

	s.sub.SetActive(false)
	return s.transition(StatePaused, s.Source(), "")
}

func (s *Session) stop() (State, error) {
	s.detach()
	return s.transition(StateStopped, s.Source(), "")
}

// handleEnded runs when the pump stops delivering to this session.
func (s *Session) handleEnded() {
	err := s.sub.Err()
	s.detach()

	if errors.Is(err, ErrConnectionClosed) {
		s.logger.Infow("viewer connection lost", "error", err)
		s.setState(StateStopped, s.Source())
		return
	}

	if errors.Is(err, capture.ErrSourceExhausted) {
		s.notifyError(CodeSourceExhausted, err.Error())
	}
	s.transition(StateStopped, s.Source(), "stream ended")
}

// detach drops the subscription without waiting for its pump. If this session
// was the last reader the pump is cancelled and releases the source itself.
func (s *Session) detach() {
	if s.sub == nil {
		return
	}
	s.releasing = s.hub.Unsubscribe(s.sub)
	s.sub = nil
}

// awaitRelease blocks until the source dropped by the last detach is released.
func (s *Session) awaitRelease() error {
	if s.releasing == nil {
		return nil
	}
	select {
	case <-s.releasing:
		s.releasing = nil
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) setState(state State, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.source = source
}

func (s *Session) transition(state State, source, message string) (State, error) {
	s.setState(state, source)
	s.logger.Debugw("state changed", "state", state.String(), "source", source)
	s.notify(newStatus(state, source, message))
	return state, nil
}

func (s *Session) notifyError(code, message string) {
	s.notify(newError(code, message))
}

// notify queues msg for the viewer. Queued messages are sent by flush after
// the command has been answered, so a slow connection never delays a reply.
func (s *Session) notify(msg any) {
	s.outbox = append(s.outbox, msg)
}

func (s *Session) flush() {
	msgs := s.outbox
	s.outbox = nil

	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Errorw("failed to marshal message", "error", err)
			continue
		}
		if err := s.sink.Send(s.ctx, data); err != nil {
			s.logger.Debugw("failed to send message", "error", err)
		}
	}
}
