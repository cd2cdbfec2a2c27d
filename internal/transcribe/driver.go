package transcribe

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/easyott/eos/internal/observability"
	"github.com/easyott/eos/internal/speech"
)

// Driver keeps one logical recognition stream alive across the
// provider's per-stream duration limit. Audio is buffered until the
// engine confirms it with a final result; when the limit is reached the
// stream is reopened and the unconfirmed tail replayed, so no audio is
// lost across the restart.
type Driver struct {
	logger     *slog.Logger
	recognizer speech.Recognizer
	cfg        speech.Config
	agg        *Aggregator
	limitMS    float64

	mu             sync.Mutex
	lastAudio      []byte
	currentTimeMS  float64
	startTimeMS    float64
	finalResultMS  float64
	engineSeconds  float64
	accuracyTotal  float64
	accuracyCount  int
	closed         bool

	audio chan []byte
	done  chan struct{}
}

// NewDriver builds a driver; Run must be called to start it.
func NewDriver(recognizer speech.Recognizer, cfg speech.Config, agg *Aggregator,
	streamingLimit time.Duration, logger *slog.Logger) *Driver {

	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		logger:     observability.WithComponent(logger, "transcribe"),
		recognizer: recognizer,
		cfg:        cfg,
		agg:        agg,
		limitMS:    float64(streamingLimit.Milliseconds()),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Feed queues one PCM chunk. Chunks queued after Close are dropped.
func (d *Driver) Feed(pcm []byte) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	select {
	case d.audio <- pcm:
	case <-d.done:
	}
}

// Close ends the audio stream; the engine flushes its remaining
// results before the run loop exits.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.audio)
	<-d.done
}

// EngineSeconds reports how much audio has been sent to the engine.
func (d *Driver) EngineSeconds() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engineSeconds
}

// Accuracy reports the average confidence of final results, in percent.
func (d *Driver) Accuracy() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.accuracyCount == 0 {
		return 0
	}
	return d.accuracyTotal / float64(d.accuracyCount)
}

// Run drives the stream until the audio channel is closed or the
// context ends, reopening the stream each time the duration limit is
// reached.
func (d *Driver) Run(ctx context.Context) {
	defer close(d.done)

	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := d.recognizer.Open(ctx, d.cfg)
		if err != nil {
			d.logger.Error("opening recognition stream", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if d.pump(ctx, stream) {
			// Audio exhausted: tell the aggregator to flush the
			// pending sentence.
			d.agg.HandleWords(nil, 0)
			return
		}
	}
}

// pump runs one stream epoch. It returns true when the audio source is
// exhausted and false when the stream should be reopened.
func (d *Driver) pump(ctx context.Context, stream speech.Stream) bool {
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exhausted := make(chan bool, 1)
	go d.send(epochCtx, stream, exhausted)

	restart := false
	for result := range stream.Results() {
		if !result.Final {
			continue
		}
		if d.handleFinal(result) {
			restart = true
			cancel()
			break
		}
	}
	if restart {
		_ = stream.CloseSend()
	} else if err := stream.Err(); err != nil && ctx.Err() == nil {
		d.logger.Error("recognition stream failed", slog.String("error", err.Error()))
	}
	cancel()

	select {
	case eos := <-exhausted:
		return eos
	case <-ctx.Done():
		return true
	}
}

func (d *Driver) addEngineTime(nbytes int) {
	d.mu.Lock()
	d.engineSeconds += float64(nbytes) / float64(d.cfg.SampleRate*2)
	d.mu.Unlock()
}

// send replays the unconfirmed audio tail, then forwards queued chunks
// until the epoch ends or the source closes.
func (d *Driver) send(ctx context.Context, stream speech.Stream, exhausted chan<- bool) {
	d.mu.Lock()
	replay := append([]byte(nil), d.lastAudio...)
	d.mu.Unlock()

	if len(replay) > 0 {
		d.addEngineTime(len(replay))
		if err := stream.Send(replay); err != nil {
			exhausted <- false
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			exhausted <- false
			return
		case chunk, ok := <-d.audio:
			if !ok {
				_ = stream.CloseSend()
				exhausted <- true
				return
			}
			d.mu.Lock()
			d.lastAudio = append(d.lastAudio, chunk...)
			chunkMS := float64(len(chunk)) / float64(d.cfg.SampleRate*2) * 1000
			d.currentTimeMS += chunkMS
			d.engineSeconds += chunkMS / 1000
			d.mu.Unlock()

			if err := stream.Send(chunk); err != nil {
				exhausted <- false
				return
			}
		}
	}
}

// handleFinal records one final result and reports whether the stream
// duration limit has been reached.
func (d *Driver) handleFinal(result speech.Result) bool {
	d.mu.Lock()
	startTimeMS := d.startTimeMS
	d.accuracyTotal += result.Confidence * 100
	d.accuracyCount++
	d.mu.Unlock()

	if len(result.Words) > 0 {
		d.agg.HandleWords(result.Words, startTimeMS/1000)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Audio up to the confirmed end time will never be replayed; drop
	// it from the tail buffer. The cut must land on a sample boundary:
	// an odd offset would split one s16le sample across the trim.
	newFinalMS := result.EndSeconds*1000 + startTimeMS
	offset := int(math.Round((newFinalMS-d.finalResultMS)*float64(d.cfg.SampleRate)*2/1000)) &^ 1
	if offset < 0 {
		offset = 0
	}
	if offset > len(d.lastAudio) {
		offset = len(d.lastAudio)
	}
	d.lastAudio = d.lastAudio[offset:]
	d.finalResultMS = newFinalMS

	if d.currentTimeMS-d.startTimeMS >= d.limitMS {
		d.startTimeMS = d.finalResultMS
		return true
	}
	return false
}
