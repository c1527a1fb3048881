package stream

import (
	"context"
	"sort"
	"sync"

	"github.com/ayusman/spotwise/internal/capture"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrHubClosed is returned when subscribing to a closed Hub.
var ErrHubClosed = errors.New("hub is closed")

// Resolver maps a viewer-supplied source reference to the video it names.
// References it does not know are returned unchanged.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// HubConfig configures a Hub.
type HubConfig struct {
	// Open opens video sources (default: capture.OpenVideo).
	Open capture.Opener
	// Stages are the processing stages run on every frame.
	Stages Stages
	// TargetFPS is the emission rate ceiling per stream.
	TargetFPS float64
	// Clock drives pacing (default: wall clock).
	Clock clock.Clock
	// Resolver maps named sources to video paths (optional).
	Resolver Resolver
	// DefaultSource is used by start commands that name no source (optional).
	DefaultSource string
}

// Hub owns one pump per distinct source and hands out subscriptions to them.
type Hub struct {
	config HubConfig
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pumps   map[string]*pump
	all     map[*pump]struct{}
	opening map[string]chan struct{}
	closed  bool
}

// NewHub creates a Hub.
func NewHub(config HubConfig, logger *zap.SugaredLogger) *Hub {
	if config.Open == nil {
		config.Open = capture.OpenVideo
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.TargetFPS <= 0 {
		config.TargetFPS = 30
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		config:  config,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pumps:   make(map[string]*pump),
		all:     make(map[*pump]struct{}),
		opening: make(map[string]chan struct{}),
	}
}

// DefaultSource returns the configured default source.
func (h *Hub) DefaultSource() string {
	return h.config.DefaultSource
}

// TargetFPS returns the emission rate ceiling.
func (h *Hub) TargetFPS() float64 {
	return h.config.TargetFPS
}

// Resolve maps ref to the video it names.
func (h *Hub) Resolve(ctx context.Context, ref string) (string, error) {
	if h.config.Resolver == nil {
		return ref, nil
	}
	return h.config.Resolver.Resolve(ctx, ref)
}

// Subscribe attaches sink to the pump reading source, opening the source if
// no pump reads it yet. The subscription starts inactive. The source is opened
// without holding the hub lock; concurrent subscribers of the same source wait
// for that open instead of opening it again.
func (h *Hub) Subscribe(source string, sink Sink) (*Subscription, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHubClosed
		}
		if p, ok := h.pumps[source]; ok && !p.finished() {
			sub := p.add(sink)
			h.mu.Unlock()
			return sub, nil
		}
		if wait, ok := h.opening[source]; ok {
			h.mu.Unlock()
			<-wait
			continue
		}
		wait := make(chan struct{})
		h.opening[source] = wait
		h.mu.Unlock()

		src, err := capture.Open(h.config.Open, source)

		h.mu.Lock()
		delete(h.opening, source)
		close(wait)
		sub, err := h.attach(src, err, sink)
		h.mu.Unlock()
		return sub, err
	}
}

// attach starts a pump over a freshly opened src and subscribes sink to it.
// h.mu must be held.
func (h *Hub) attach(src *capture.FrameSource, openErr error, sink Sink) (*Subscription, error) {
	if openErr != nil {
		return nil, openErr
	}
	if h.closed {
		h.discard(src)
		return nil, ErrHubClosed
	}
	if p, ok := h.pumps[src.Ref()]; ok && !p.finished() {
		h.discard(src)
		return p.add(sink), nil
	}

	p := newPump(src, newPipeline(h.config.Stages, h.config.TargetFPS, h.logger), NewPacer(h.config.Clock, h.config.TargetFPS), h.logger)
	h.pumps[p.ref] = p
	h.all[p] = struct{}{}
	p.start(h.ctx, h.forget)

	h.logger.Infow("source opened", "source", p.ref, "pump", p.id,
		"width", p.props.Width, "height", p.props.Height, "fps", p.props.FPS, "frames", p.props.FrameCount)

	return p.add(sink), nil
}

func (h *Hub) discard(src *capture.FrameSource) {
	if err := src.Close(); err != nil {
		h.logger.Warnw("failed to release unused source", "source", src.Ref(), "error", err)
	}
}

// forget drops a pump that has released its source.
func (h *Hub) forget(p *pump) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pumps[p.ref] == p {
		delete(h.pumps, p.ref)
	}
	delete(h.all, p)
}

// Unsubscribe detaches sub. When it was the last subscription the pump is
// cancelled; the returned channel is closed once its source is released.
// Otherwise the returned channel is already closed. Unsubscribe never waits
// for the pump.
func (h *Hub) Unsubscribe(sub *Subscription) <-chan struct{} {
	p := sub.pump

	h.mu.Lock()
	defer h.mu.Unlock()

	if p.remove(sub) > 0 {
		return closedChan
	}

	p.cancel()
	if h.pumps[p.ref] == p {
		delete(h.pumps, p.ref)
	}
	return p.done
}

// Streams lists the running broadcast groups ordered by source.
func (h *Hub) Streams() []StreamInfo {
	h.mu.Lock()
	pumps := make([]*pump, 0, len(h.pumps))
	for _, p := range h.pumps {
		pumps = append(pumps, p)
	}
	h.mu.Unlock()

	infos := make([]StreamInfo, 0, len(pumps))
	for _, p := range pumps {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Source < infos[j].Source })
	return infos
}

// Close stops every pump, including ones already detached by their last
// viewer, and waits for their sources to be released.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pumps := make([]*pump, 0, len(h.all))
	for p := range h.all {
		pumps = append(pumps, p)
	}
	h.pumps = make(map[string]*pump)
	h.all = make(map[*pump]struct{})
	h.mu.Unlock()

	h.cancel()

	var err error
	for _, p := range pumps {
		<-p.done
		err = multierr.Append(err, p.releaseErr)
	}
	return err
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
