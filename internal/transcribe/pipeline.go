package transcribe

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/observability"
	"github.com/easyott/eos/internal/speech"
	"github.com/easyott/eos/internal/subtitle"
	"github.com/easyott/eos/internal/translate"
	"github.com/easyott/eos/internal/urlutil"
	"github.com/easyott/eos/pkg/httpclient"
)

// vodPacing slows VOD feeding to 0.6x realtime so the engine sees a
// steady stream without the session racing hours ahead of playback.
const vodPacing = 0.6

// Config carries everything a transcription pipeline needs.
type Config struct {
	SessionID string
	Protocol  manifest.Protocol
	Source    language.Language
	Targets   []language.Language

	// SampleRate of the PCM fed to the recognizer.
	SampleRate int
	// StreamingLimit is the recognizer per-stream duration limit.
	StreamingLimit time.Duration
	// LiveRetention bounds the live subtitle history.
	LiveRetention time.Duration
	// TmpPath is the working directory for segment and audio files.
	TmpPath    string
	FFmpegPath string

	Recognizer speech.Recognizer
	Translator translate.Translator
	Logger     *slog.Logger
}

// Pipeline downloads media segments, extracts and resamples their
// audio, and feeds it to the recognizer at a controlled pace. One
// pipeline serves one transcribe session.
type Pipeline struct {
	cfg       Config
	logger    *slog.Logger
	client    *httpclient.Client
	keyClient *httpclient.Client
	resampler *Resampler
	live      bool

	agg *Aggregator

	mu       sync.Mutex
	driver   *Driver
	paused   bool
	dashInit *InitInfo

	// Live timeline anchoring.
	firstFragment bool
	basePTS       int64
	baseStartTime float64

	fragments []manifest.Fragment
	queue     chan manifest.Fragment

	cancel context.CancelFunc
	done   chan struct{}
}

// NewVOD creates a pipeline that transcribes a fixed fragment list.
func NewVOD(cfg Config, fragments []manifest.Fragment) *Pipeline {
	p := newPipeline(cfg, false)
	p.fragments = fragments
	return p
}

// NewLive creates a pipeline fed by a live delay buffer through
// OnNewFragment.
func NewLive(cfg Config) *Pipeline {
	p := newPipeline(cfg, true)
	p.queue = make(chan manifest.Fragment, 16)
	return p
}

func newPipeline(cfg Config, live bool) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "transcribe")

	clientCfg := httpclient.DefaultConfig()
	clientCfg.Logger = logger
	keyCfg := httpclient.DefaultConfig()
	keyCfg.Logger = logger

	keyClient := httpclient.New(keyCfg, cfg.SessionID, "hls key")
	keyClient.UseLastResponse()

	return &Pipeline{
		cfg:           cfg,
		logger:        logger,
		client:        httpclient.New(clientCfg, cfg.SessionID, "transcribe fragment"),
		keyClient:     keyClient,
		resampler:     NewResampler(cfg.FFmpegPath, logger),
		live:          live,
		firstFragment: true,
		done:          make(chan struct{}),
	}
}

// SetDASHInit fetches and parses the reference audio initialization
// segment; required before a DASH pipeline can start.
func (p *Pipeline) SetDASHInit(ctx context.Context, initURL urlutil.Ref) error {
	res, err := p.client.Get(ctx, initURL.String())
	if err != nil {
		return fmt.Errorf("fetching init segment: %w", err)
	}
	info, err := ParseInitSegment(res.Body)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.dashInit = info
	p.mu.Unlock()
	p.logger.Info("audio init segment parsed",
		slog.Int("track_id", info.TrackID),
		slog.Int("sample_rate", info.SampleRate))
	return nil
}

// Start opens the recognizer stream and launches the feeding loop.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.cfg.Protocol == manifest.ProtocolDASH && p.dashInit == nil {
		return fmt.Errorf("dash pipeline started without init segment")
	}

	ctx, p.cancel = context.WithCancel(ctx)

	p.agg = NewAggregator(ctx, p.cfg.Source, p.cfg.Targets, p.live,
		p.cfg.LiveRetention.Seconds(), p.cfg.Translator, p.logger)

	p.mu.Lock()
	p.driver = p.newDriver(ctx)
	p.mu.Unlock()

	go p.run(ctx)
	return nil
}

func (p *Pipeline) newDriver(ctx context.Context) *Driver {
	d := NewDriver(p.cfg.Recognizer, speech.Config{
		LanguageCode: p.cfg.Source.BCP47,
		SampleRate:   p.cfg.SampleRate,
		Model:        p.cfg.Source.Model,
		Enhanced:     p.cfg.Source.Enhanced,
	}, p.agg, p.cfg.StreamingLimit, p.logger)
	go d.Run(ctx)
	return d
}

// OnNewFragment implements the live delay buffer's listener. Fragments
// observed while paused are dropped.
func (p *Pipeline) OnNewFragment(fragment manifest.Fragment, param string) {
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if paused {
		return
	}
	select {
	case p.queue <- fragment:
	case <-p.done:
	}
}

// Lines returns the subtitle cues of one language overlapping the
// window.
func (p *Pipeline) Lines(dstBCP47 string, start, end float64) []subtitle.Cue {
	return p.agg.Lines(dstBCP47, start, end)
}

// StartTimes returns the live timeline anchor: the MPEG-TS PTS and the
// buffer start time of the anchoring fragment.
func (p *Pipeline) StartTimes() (int64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.basePTS, p.baseStartTime
}

// State reports "active" or "paused".
func (p *Pipeline) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return "paused"
	}
	return "active"
}

// EngineSeconds reports how much audio the recognizer has been fed.
func (p *Pipeline) EngineSeconds() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.driver == nil {
		return 0
	}
	return p.driver.EngineSeconds()
}

// Accuracy reports the engine's average final-result confidence.
func (p *Pipeline) Accuracy() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.driver == nil {
		return 0
	}
	return p.driver.Accuracy()
}

// Pause drains and closes the recognizer stream; fragments observed
// while paused are discarded.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = true
	driver := p.driver
	p.driver = nil
	p.mu.Unlock()

	if driver != nil {
		driver.Close()
	}
	p.logger.Info("transcription paused")
}

// Resume reopens the recognizer stream; the live timeline re-anchors on
// the next fragment.
func (p *Pipeline) Resume(ctx context.Context) {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = false
	p.firstFragment = true
	p.basePTS = 0
	p.baseStartTime = 0
	p.driver = p.newDriver(ctx)
	p.mu.Unlock()

	p.logger.Info("transcription resumed")
}

// Close stops the pipeline and its recognizer stream.
func (p *Pipeline) Close() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done

	p.mu.Lock()
	driver := p.driver
	p.driver = nil
	p.mu.Unlock()
	if driver != nil {
		driver.Close()
	}
	p.agg.Close()
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	if p.live {
		p.runLive(ctx)
		return
	}
	p.runVOD(ctx)
}

func (p *Pipeline) runVOD(ctx context.Context) {
	for _, fragment := range p.fragments {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.processFragment(ctx, fragment, time.Time{}); err != nil {
			p.logger.Error("processing fragment",
				slog.String("url", fragment.URL.String()),
				slog.String("error", err.Error()))
			return
		}
	}

	// End of stream: close the driver so the engine flushes.
	p.mu.Lock()
	driver := p.driver
	p.driver = nil
	p.mu.Unlock()
	if driver != nil {
		driver.Close()
	}
}

func (p *Pipeline) runLive(ctx context.Context) {
	var targetTime time.Time

	for {
		var fragment manifest.Fragment
		select {
		case <-ctx.Done():
			return
		case fragment = <-p.queue:
		}

		// Fragments already published when the buffer started are not
		// transcribed.
		if fragment.FirstRead {
			continue
		}

		p.mu.Lock()
		first := p.firstFragment
		p.mu.Unlock()
		if first {
			targetTime = time.Now()
		}

		next, err := p.processFragment(ctx, fragment, targetTime)
		if err != nil {
			p.logger.Error("processing live fragment",
				slog.String("url", fragment.URL.String()),
				slog.String("error", err.Error()))
			continue
		}
		targetTime = next
	}
}

// processFragment downloads, decrypts and decodes one segment, then
// feeds its PCM to the recognizer in 500 ms chunks. Live fragments are
// paced against targetTime; VOD fragments at a fixed fraction of
// realtime.
func (p *Pipeline) processFragment(ctx context.Context, fragment manifest.Fragment, targetTime time.Time) (time.Time, error) {
	res, err := p.client.Get(ctx, fragment.URL.String())
	if err != nil {
		return targetTime, fmt.Errorf("fetching fragment: %w", err)
	}
	data := res.Body

	if p.cfg.Protocol == manifest.ProtocolHLS && fragment.Encryption != nil &&
		fragment.Encryption.Method == "AES-128" {
		data, err = p.decryptFragment(ctx, fragment, data)
		if err != nil {
			return targetTime, err
		}
	}

	var (
		aac      []byte
		firstPTS int64
	)
	switch p.cfg.Protocol {
	case manifest.ProtocolHLS:
		ts, err := ExtractTS(data)
		if err != nil {
			return targetTime, err
		}
		aac = ts.ADTS
		firstPTS = ts.FirstPTS
	case manifest.ProtocolDASH:
		aac, err = ExtractFMP4(data, p.dashInit)
		if err != nil {
			return targetTime, err
		}
	}

	if p.live {
		p.mu.Lock()
		if fragment.Discontinuity {
			p.basePTS = firstPTS
			p.baseStartTime = fragment.StartTime
		}
		if p.firstFragment {
			p.firstFragment = false
			p.basePTS = firstPTS
			p.baseStartTime = fragment.StartTime
			p.agg.SetInitialTimeOffset(fragment.StartTime)
		}
		p.mu.Unlock()
	}

	audio, err := p.decodeAudio(ctx, fragment, aac)
	if err != nil {
		return targetTime, err
	}

	if p.live {
		fragmentTime := time.Duration(float64(len(audio)) / float64(2*p.cfg.SampleRate) * float64(time.Second))
		targetTime = targetTime.Add(fragmentTime)
	}

	// 500 ms of s16le mono PCM.
	chunkSize := p.cfg.SampleRate
	for index := 0; index < len(audio); index += chunkSize {
		end := index + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		chunk := audio[index:end]

		p.mu.Lock()
		driver := p.driver
		p.mu.Unlock()
		if driver != nil {
			driver.Feed(chunk)
		}

		var wait time.Duration
		if p.live {
			bytesLeft := len(audio) - end
			if bytesLeft > 0 && targetTime.After(time.Now()) {
				perByte := float64(time.Until(targetTime)) / float64(bytesLeft)
				wait = time.Duration(perByte * float64(len(chunk)))
			}
		} else {
			chunkSeconds := float64(len(chunk)) / float64(2*p.cfg.SampleRate)
			wait = time.Duration(chunkSeconds * vodPacing * float64(time.Second))
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return targetTime, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return targetTime, nil
}

// decryptFragment fetches the segment key and removes the AES-128-CBC
// encryption. A missing IV is derived from the media sequence number.
func (p *Pipeline) decryptFragment(ctx context.Context, fragment manifest.Fragment, data []byte) ([]byte, error) {
	res, err := p.keyClient.Get(ctx, fragment.Encryption.KeyURI.String())
	if err != nil {
		return nil, fmt.Errorf("fetching segment key: %w", err)
	}

	var iv []byte
	if fragment.Encryption.IV != "" {
		iv, err = hex.DecodeString(strings.TrimPrefix(fragment.Encryption.IV, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decoding segment IV: %w", err)
		}
	} else {
		iv = make([]byte, 16)
		seq := fragment.Sequence
		for i := 15; i >= 8; i-- {
			iv[i] = byte(seq)
			seq >>= 8
		}
	}

	return DecryptAES128CBC(data, res.Body, iv)
}

// decodeAudio writes the extracted AAC next to its segment hash in the
// temp directory, decodes it to PCM with ffmpeg and cleans both files
// up.
func (p *Pipeline) decodeAudio(ctx context.Context, fragment manifest.Fragment, aac []byte) ([]byte, error) {
	base := filepath.Join(p.cfg.TmpPath, fragment.URL.Hash())
	aacPath := base + ".aac"
	pcmPath := base + ".pcm"
	defer func() {
		_ = os.Remove(aacPath)
		_ = os.Remove(pcmPath)
	}()

	if err := os.WriteFile(aacPath, aac, 0o644); err != nil {
		return nil, fmt.Errorf("writing audio file: %w", err)
	}
	if err := p.resampler.DecodeToPCM(ctx, aacPath, pcmPath, p.cfg.SampleRate); err != nil {
		return nil, err
	}
	audio, err := os.ReadFile(pcmPath)
	if err != nil {
		return nil, fmt.Errorf("reading decoded audio: %w", err)
	}
	return audio, nil
}
