// Package speech abstracts the streaming speech-to-text provider. The
// transcription pipeline drives a Recognizer through the Stream
// interface; the concrete SDK client is injected at startup.
package speech

import "context"

// Word is one recognized word with absolute offsets, in seconds, from
// the start of the recognizer stream.
type Word struct {
	Text  string
	Start float64
	End   float64
}

// Result is one streaming recognition result.
type Result struct {
	// Final marks results the engine will not revise; only final
	// results carry word timings worth keeping.
	Final bool
	// Confidence in [0, 1] of the top alternative, final results only.
	Confidence float64
	// Words of the top alternative with per-word timings.
	Words []Word
	// EndSeconds is the engine's result end time, in seconds from the
	// start of the stream.
	EndSeconds float64
}

// Config selects the recognition parameters of one stream.
type Config struct {
	// LanguageCode is the BCP-47 tag the engine expects.
	LanguageCode string
	// SampleRate of the LINEAR16 mono PCM fed to the stream, in Hz.
	SampleRate int
	// Model selects the engine's model variant.
	Model string
	// Enhanced requests the enhanced model when available.
	Enhanced bool
}

// Stream is one open recognition stream. Send and Results may be used
// from different goroutines.
type Stream interface {
	// Send feeds LINEAR16 PCM to the engine.
	Send(pcm []byte) error
	// CloseSend signals end of audio; the engine flushes remaining
	// results and closes the Results channel.
	CloseSend() error
	// Results delivers recognition results until the stream ends.
	Results() <-chan Result
	// Err reports the terminal stream error, if any, once Results is
	// closed.
	Err() error
}

// Recognizer opens recognition streams.
type Recognizer interface {
	Open(ctx context.Context, cfg Config) (Stream, error)
}
