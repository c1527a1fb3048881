package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ayusman/spotwise/internal/capture"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrConnectionClosed is returned by a Sink whose viewer connection is gone.
var ErrConnectionClosed = errors.New("connection closed")

// Sink receives encoded outbound messages for one viewer. Send must deliver
// messages in call order and must not modify msg; the same slice is shared by
// every viewer of a source.
type Sink interface {
	Send(ctx context.Context, msg []byte) error
}

// Subscription attaches one Sink to a pump. It receives frames only while active.
type Subscription struct {
	id    string
	sink  Sink
	pump  *pump
	ended chan struct{}

	// guarded by pump.mu
	active bool
	done   bool
	err    error
}

// ID returns the subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Source returns the resolved source the subscription reads from.
func (s *Subscription) Source() string {
	return s.pump.ref
}

// Properties returns the properties of the subscribed source.
func (s *Subscription) Properties() capture.Properties {
	return s.pump.props
}

// Ended is closed when the pump stops delivering to this subscription.
func (s *Subscription) Ended() <-chan struct{} {
	return s.ended
}

// Err reports why the subscription ended. It is only valid after Ended is closed.
func (s *Subscription) Err() error {
	return s.err
}

// SetActive starts or halts frame delivery to this subscription.
func (s *Subscription) SetActive(active bool) {
	s.pump.setActive(s, active)
}

// pump reads one FrameSource and fans every processed frame out to the
// active subscriptions. It is the only reader of its source.
type pump struct {
	id       string
	ref      string
	source   *capture.FrameSource
	props    capture.Properties
	pipeline *pipeline
	pacer    *Pacer
	logger   *zap.SugaredLogger

	mu   sync.Mutex
	subs map[string]*Subscription
	wake chan struct{}
	err  error

	framesSent atomic.Uint64
	cancel     context.CancelFunc
	onRelease  func(*pump)
	done       chan struct{}
	releaseErr error
}

func newPump(source *capture.FrameSource, pl *pipeline, pacer *Pacer, logger *zap.SugaredLogger) *pump {
	id := uuid.New().String()
	return &pump{
		id:       id,
		ref:      source.Ref(),
		source:   source,
		props:    source.Properties(),
		pipeline: pl,
		pacer:    pacer,
		logger:   logger.With("pump", id, "source", source.Ref()),
		subs:     make(map[string]*Subscription),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// start runs the pump until ctx is cancelled or its source fails. onRelease
// is called once the source has been closed.
func (p *pump) start(ctx context.Context, onRelease func(*pump)) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.onRelease = onRelease
	go p.run(ctx)
}

func (p *pump) run(ctx context.Context) {
	defer p.release()

	for {
		if !p.waitActive(ctx) {
			return
		}
		if err := p.pacer.Wait(ctx); err != nil {
			return
		}

		subs := p.activeSubscriptions()
		if len(subs) == 0 {
			continue
		}

		if err := p.step(ctx, subs); err != nil {
			p.finish(err)
			return
		}
	}
}

// waitActive blocks while no subscription is active. It returns false when ctx is done.
func (p *pump) waitActive(ctx context.Context) bool {
	for {
		if p.hasActive() {
			return true
		}
		p.pacer.Reset()

		select {
		case <-ctx.Done():
			return false
		case <-p.wake:
		}
	}
}

// step reads, processes and delivers one frame. Only source errors are returned.
func (p *pump) step(ctx context.Context, subs []*Subscription) error {
	frame, err := p.source.Next()
	if err != nil {
		return err
	}
	defer frame.Close()

	msg, err := p.pipeline.Process(ctx, frame, p.props)
	if err != nil {
		p.logger.Warnw("skipping frame", "seq", frame.Seq, "error", err)
		return nil
	}

	for _, sub := range subs {
		if !p.isActive(sub) {
			continue
		}
		if err := sub.sink.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.end(sub, errors.Wrapf(ErrConnectionClosed, "%v", err))
		}
	}

	p.framesSent.Add(1)
	return nil
}

// finish records why the pump stopped reading and ends every subscription.
func (p *pump) finish(err error) {
	p.logger.Warnw("stream ended", "error", err)

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()

	p.endAll(err)
}

func (p *pump) endAll(err error) {
	p.mu.Lock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		p.end(sub, err)
	}
}

func (p *pump) end(sub *Subscription, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub.done {
		return
	}
	sub.done = true
	sub.active = false
	sub.err = err
	close(sub.ended)
}

func (p *pump) release() {
	p.endAll(ErrHubClosed)

	p.releaseErr = p.source.Close()
	if p.releaseErr != nil {
		p.logger.Warnw("failed to release source", "error", p.releaseErr)
	} else {
		p.logger.Infow("source released", "frames_sent", p.framesSent.Load())
	}
	if p.onRelease != nil {
		p.onRelease(p)
	}
	close(p.done)
}

// finished reports whether the pump has stopped reading.
func (p *pump) finished() bool {
	select {
	case <-p.done:
		return true
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err != nil
}

func (p *pump) add(sink Sink) *Subscription {
	sub := &Subscription{
		id:    uuid.New().String(),
		sink:  sink,
		pump:  p,
		ended: make(chan struct{}),
	}

	p.mu.Lock()
	p.subs[sub.id] = sub
	p.mu.Unlock()
	return sub
}

// remove detaches sub and returns how many subscriptions remain.
func (p *pump) remove(sub *Subscription) int {
	p.end(sub, nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, sub.id)
	return len(p.subs)
}

func (p *pump) setActive(sub *Subscription, active bool) {
	p.mu.Lock()
	if sub.done {
		p.mu.Unlock()
		return
	}
	sub.active = active
	p.mu.Unlock()

	if active {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (p *pump) isActive(sub *Subscription) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sub.active
}

func (p *pump) hasActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		if sub.active {
			return true
		}
	}
	return false
}

func (p *pump) activeSubscriptions() []*Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		if sub.active {
			subs = append(subs, sub)
		}
	}
	return subs
}

// StreamInfo describes one running broadcast group.
type StreamInfo struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Subscribers int        `json:"subscribers"`
	Active      int        `json:"active"`
	FramesSent  uint64     `json:"frames_sent"`
	TargetFPS   float64    `json:"target_fps"`
	Resolution  Resolution `json:"resolution"`
}

func (p *pump) info() StreamInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, sub := range p.subs {
		if sub.active {
			active++
		}
	}
	return StreamInfo{
		ID:          p.id,
		Source:      p.ref,
		Subscribers: len(p.subs),
		Active:      active,
		FramesSent:  p.framesSent.Load(),
		TargetFPS:   p.pipeline.targetFPS,
		Resolution:  Resolution{Width: p.props.Width, Height: p.props.Height},
	}
}
