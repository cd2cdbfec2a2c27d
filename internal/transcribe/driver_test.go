package transcribe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/speech"
)

type fakeStream struct {
	mu      sync.Mutex
	sent    [][]byte
	results chan speech.Result
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan speech.Result)}
}

func (s *fakeStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), pcm...))
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

func (s *fakeStream) Results() <-chan speech.Result { return s.results }

func (s *fakeStream) Err() error { return nil }

func (s *fakeStream) sentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, chunk := range s.sent {
		n += len(chunk)
	}
	return n
}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (r *fakeRecognizer) Open(context.Context, speech.Config) (speech.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := newFakeStream()
	r.streams = append(r.streams, s)
	return s, nil
}

func testDriver(t *testing.T, rec speech.Recognizer) *Driver {
	t.Helper()
	de, ok := language.Find("de-DE")
	require.True(t, ok)

	agg := NewAggregator(context.Background(), de, nil, false, 0, nil, nil)
	t.Cleanup(agg.Close)

	cfg := speech.Config{LanguageCode: "de-DE", SampleRate: 16000}
	return NewDriver(rec, cfg, agg, 180*time.Second, nil)
}

func TestDriverRunForwardsAudio(t *testing.T) {
	rec := &fakeRecognizer{}
	d := testDriver(t, rec)
	go d.Run(context.Background())

	d.Feed(make([]byte, 8000))
	d.Feed(make([]byte, 8000))
	d.Close()

	require.Len(t, rec.streams, 1)
	assert.Equal(t, 16000, rec.streams[0].sentBytes())
	// 16000 bytes of 16 kHz s16 mono is half a second.
	assert.InDelta(t, 0.5, d.EngineSeconds(), 1e-9)
}

func TestDriverReplaysUnconfirmedTail(t *testing.T) {
	rec := &fakeRecognizer{}
	d := testDriver(t, rec)
	d.lastAudio = make([]byte, 3200)

	go d.Run(context.Background())
	d.Close()

	require.Len(t, rec.streams, 1)
	require.Len(t, rec.streams[0].sent, 1)
	assert.Len(t, rec.streams[0].sent[0], 3200)
	assert.InDelta(t, 0.1, d.EngineSeconds(), 1e-9)
}

func TestDriverHandleFinalTrimsConfirmedAudio(t *testing.T) {
	d := testDriver(t, &fakeRecognizer{})
	d.lastAudio = make([]byte, 3200) // 100 ms at 16 kHz s16 mono

	restart := d.handleFinal(speech.Result{
		Final:      true,
		Confidence: 0.9,
		EndSeconds: 0.05,
	})

	assert.False(t, restart)
	// 50 ms of confirmed audio is 1600 bytes.
	assert.Len(t, d.lastAudio, 1600)
	assert.InDelta(t, 50.0, d.finalResultMS, 1e-9)
	assert.InDelta(t, 90.0, d.Accuracy(), 1e-9)
}

func TestDriverHandleFinalRequestsRestartAtLimit(t *testing.T) {
	d := testDriver(t, &fakeRecognizer{})
	d.currentTimeMS = 180000
	d.lastAudio = make([]byte, 16000)

	restart := d.handleFinal(speech.Result{
		Final:      true,
		Confidence: 1,
		EndSeconds: 170,
	})

	assert.True(t, restart)
	// The next epoch resumes from the last confirmed result.
	assert.InDelta(t, 170000.0, d.startTimeMS, 1e-9)
}

func TestDriverHandleFinalTrimsOnSampleBoundary(t *testing.T) {
	d := testDriver(t, &fakeRecognizer{})
	d.lastAudio = make([]byte, 3200)

	// 50.03125 ms at 32 bytes/ms rounds to 1601 bytes, mid-sample; the
	// trim must stay on an s16le boundary.
	d.handleFinal(speech.Result{Final: true, EndSeconds: 0.05003125})

	assert.Len(t, d.lastAudio, 1600)
	assert.Zero(t, len(d.lastAudio)%2)
}

func TestDriverHandleFinalNeverOvertrims(t *testing.T) {
	d := testDriver(t, &fakeRecognizer{})
	d.lastAudio = make([]byte, 100)

	d.handleFinal(speech.Result{Final: true, EndSeconds: 10})
	assert.Empty(t, d.lastAudio)

	// A result ending before the previous one must not grow the buffer.
	d.lastAudio = make([]byte, 100)
	d.finalResultMS = 10000
	d.handleFinal(speech.Result{Final: true, EndSeconds: 5})
	assert.Len(t, d.lastAudio, 100)
}

func TestDriverAccuracyAverages(t *testing.T) {
	d := testDriver(t, &fakeRecognizer{})
	assert.Zero(t, d.Accuracy())

	d.handleFinal(speech.Result{Final: true, Confidence: 0.8})
	d.handleFinal(speech.Result{Final: true, Confidence: 0.6})
	assert.InDelta(t, 70.0, d.Accuracy(), 1e-9)
}
