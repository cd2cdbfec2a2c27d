package speech

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ProviderExec names the subprocess provider.
const ProviderExec = "exec"

// NewRecognizer builds the provider selected by configuration. An empty
// provider name disables transcription and returns a nil Recognizer.
func NewRecognizer(provider, command string, logger *slog.Logger) (Recognizer, error) {
	switch provider {
	case "":
		return nil, nil
	case ProviderExec:
		if command == "" {
			return nil, fmt.Errorf("speech provider %q requires transcribe.provider_command", provider)
		}
		if logger == nil {
			logger = slog.Default()
		}
		return &ExecRecognizer{command: command, logger: logger}, nil
	}
	return nil, fmt.Errorf("unknown speech provider %q", provider)
}

// ExecRecognizer runs an external speech-to-text command per stream.
// The command receives LINEAR16 mono PCM on stdin and emits one JSON
// object per line on stdout:
//
//	{"final":true,"confidence":0.92,"end":12.4,
//	 "words":[{"text":"hallo","start":11.9,"end":12.4}]}
//
// Stream parameters are passed in the environment as EOS_STT_LANGUAGE,
// EOS_STT_SAMPLE_RATE and EOS_STT_MODEL. The process must exit once its
// stdin closes.
type ExecRecognizer struct {
	command string
	logger  *slog.Logger
}

// Open starts one command invocation as a recognition stream.
func (r *ExecRecognizer) Open(ctx context.Context, cfg Config) (Stream, error) {
	parts := strings.Fields(r.command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty speech command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(),
		"EOS_STT_LANGUAGE="+cfg.LanguageCode,
		fmt.Sprintf("EOS_STT_SAMPLE_RATE=%d", cfg.SampleRate),
		"EOS_STT_MODEL="+cfg.Model,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("speech command stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("speech command stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting speech command: %w", err)
	}

	s := &execStream{
		ctx:     ctx,
		cmd:     cmd,
		stdin:   stdin,
		results: make(chan Result, 16),
		logger:  r.logger,
	}
	go s.readLoop(stdout)
	return s, nil
}

type execStream struct {
	ctx     context.Context
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	results chan Result
	logger  *slog.Logger

	mu        sync.Mutex
	err       error
	sendDone  bool
	closeOnce sync.Once
}

type execWord struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type execResult struct {
	Final      bool       `json:"final"`
	Confidence float64    `json:"confidence"`
	End        float64    `json:"end"`
	Words      []execWord `json:"words"`
}

func (s *execStream) Send(pcm []byte) error {
	s.mu.Lock()
	done := s.sendDone
	s.mu.Unlock()
	if done {
		return fmt.Errorf("send after CloseSend")
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		return fmt.Errorf("writing to speech command: %w", err)
	}
	return nil
}

func (s *execStream) CloseSend() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.sendDone = true
		s.mu.Unlock()
		err = s.stdin.Close()
	})
	return err
}

func (s *execStream) Results() <-chan Result {
	return s.results
}

func (s *execStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *execStream) readLoop(stdout io.Reader) {
	defer close(s.results)

	var scanErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

scan:
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var raw execResult
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			s.logger.Warn("skipping malformed speech result",
				slog.String("error", err.Error()))
			continue
		}

		res := Result{
			Final:      raw.Final,
			Confidence: raw.Confidence,
			EndSeconds: raw.End,
			Words:      make([]Word, len(raw.Words)),
		}
		for i, w := range raw.Words {
			res.Words[i] = Word{Text: w.Text, Start: w.Start, End: w.End}
		}

		select {
		case s.results <- res:
		case <-s.ctx.Done():
			break scan
		}
	}
	scanErr = scanner.Err()

	if waitErr := s.cmd.Wait(); scanErr == nil {
		scanErr = waitErr
	}
	s.mu.Lock()
	s.err = scanErr
	s.mu.Unlock()
}
