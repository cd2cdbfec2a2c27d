package livedelay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/manifest/hls"
	"github.com/easyott/eos/internal/observability"
	"github.com/easyott/eos/internal/urlutil"
	"github.com/easyott/eos/pkg/httpclient"
)

// HLSPoller polls one live media playlist, buffers its fragments and
// serves a delayed view of the playlist. One poller exists per
// rendition a live session redirects through the delay path.
type HLSPoller struct {
	logger *slog.Logger
	client *httpclient.Client
	url    urlutil.Ref
	delay  float64

	mu              sync.Mutex
	fragments       []manifest.Fragment
	timeInFragments float64
	window          float64
	targetDuration  int
	maxSequence     int64
	currentTime     float64
	firstRead       bool
	longWindowSeen  bool
	listeners       []listenerEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHLSPoller creates a poller for one rendition playlist.
func NewHLSPoller(sessionID string, url urlutil.Ref, delaySeconds float64, logger *slog.Logger) *HLSPoller {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "livedelay")

	cfg := httpclient.DefaultConfig()
	cfg.Logger = logger
	return &HLSPoller{
		logger:      logger.With(slog.String("url", url.String())),
		client:      httpclient.New(cfg, sessionID, "hls live delay"),
		url:         url,
		delay:       delaySeconds,
		maxSequence: -1,
		firstRead:   true,
		done:        make(chan struct{}),
	}
}

// RegisterListener subscribes to fragments newly observed on the
// timeline. The param is handed back on every notification.
func (p *HLSPoller) RegisterListener(l Listener, param string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, listenerEntry{listener: l, param: param})
}

// Start launches the poll loop and blocks until the first successful
// playlist read, so callers can serve a delayed view immediately.
func (p *HLSPoller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	ready := make(chan struct{})
	go p.run(ctx, ready)

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the poll loop and waits for it to exit.
func (p *HLSPoller) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *HLSPoller) run(ctx context.Context, ready chan<- struct{}) {
	defer close(p.done)

	signalled := false
	for {
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("polling live playlist", slog.String("error", err.Error()))
		} else if !signalled {
			close(ready)
			signalled = true
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

func (p *HLSPoller) poll(ctx context.Context) error {
	res, err := p.client.Get(ctx, p.url.String())
	if err != nil {
		return err
	}
	pl, err := hls.ParseMediaPlaylist(res.Body, p.url)
	if err != nil {
		return fmt.Errorf("parsing live playlist: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.targetDuration = pl.TargetDuration

	window := 0.0
	for _, frag := range pl.Fragments {
		window += frag.Duration
	}
	if window > windowCapSeconds {
		if !p.longWindowSeen {
			p.longWindowSeen = true
			p.logger.Warn("live playlist window too long, capping",
				slog.Float64("window", window))
		}
		window = windowCapSeconds
	}
	p.window = window

	var fresh []manifest.Fragment
	for i, frag := range pl.Fragments {
		if int64(frag.Sequence) <= p.maxSequence {
			continue
		}
		frag.StartTime = p.currentTime

		// Fragments already published when the session starts are not
		// transcribed, except the newest one: transcription picks up
		// from the live edge.
		frag.FirstRead = p.firstRead && i < len(pl.Fragments)-1

		p.fragments = append(p.fragments, frag)
		p.timeInFragments += frag.Duration
		p.currentTime += frag.Duration
		p.maxSequence = int64(frag.Sequence)
		fresh = append(fresh, frag)
	}
	p.firstRead = false

	// Evict at most one head fragment per poll once the buffer exceeds
	// the delay plus twice the playlist window.
	if p.timeInFragments > p.delay+2*p.window && len(p.fragments) > 0 {
		p.timeInFragments -= p.fragments[0].Duration
		p.fragments = p.fragments[1:]
	}

	for _, frag := range fresh {
		for _, entry := range p.listeners {
			entry.listener.OnNewFragment(frag, entry.param)
		}
	}
	return nil
}

// DelayedView renders the delayed media playlist and returns the
// fragment window it covers. Before the buffer has accumulated enough
// material the playlist carries no segments.
func (p *HLSPoller) DelayedView() ([]byte, []manifest.Fragment) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start, end := delayWindow(p.fragments, p.timeInFragments, p.delay, p.window)
	view := append([]manifest.Fragment(nil), p.fragments[start:end]...)
	return hls.BuildDelayedMediaPlaylist(p.targetDuration, view), view
}
