package transcribe

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/observability"
	"github.com/easyott/eos/internal/speech"
	"github.com/easyott/eos/internal/subtitle"
	"github.com/easyott/eos/internal/translate"
)

const (
	// sentenceMinSeconds is the minimum sentence span before a
	// punctuation or end-of-batch break may close it.
	sentenceMinSeconds = 1.0
	// wordGapSeconds is the silence between words that forces a break.
	wordGapSeconds = 0.7
)

type wordBatch struct {
	words  []speech.Word
	offset float64
}

// Aggregator turns the recognizer's word stream into per-language
// subtitle cues: it groups words into sentences on punctuation and
// silence gaps, breaks sentences into display lines, fans finished
// sentences out to the translator, and retains a bounded history for
// live sessions.
type Aggregator struct {
	logger     *slog.Logger
	translator translate.Translator
	src        language.Language
	dsts       []language.Language
	live       bool
	retention  float64

	mu            sync.Mutex
	subs          map[string][]subtitle.Cue
	timeInSubs    map[string]float64
	initialOffset float64

	sentence []speech.Word
	prevEnd  float64

	queue chan wordBatch
	done  chan struct{}
}

// NewAggregator builds the aggregator and starts its worker. The
// context bounds translation calls.
func NewAggregator(ctx context.Context, src language.Language, dsts []language.Language,
	live bool, retentionSeconds float64, translator translate.Translator, logger *slog.Logger) *Aggregator {

	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		logger:     observability.WithComponent(logger, "transcribe"),
		translator: translator,
		src:        src,
		dsts:       dsts,
		live:       live,
		retention:  retentionSeconds,
		subs:       make(map[string][]subtitle.Cue),
		timeInSubs: make(map[string]float64),
		queue:      make(chan wordBatch, 64),
		done:       make(chan struct{}),
	}
	for _, l := range dsts {
		a.subs[l.BCP47] = nil
	}
	a.subs[src.BCP47] = nil

	go a.run(ctx)
	return a
}

// SetInitialTimeOffset anchors recognizer timestamps to the stream's
// media timeline; live sessions set it from the first fed fragment.
func (a *Aggregator) SetInitialTimeOffset(offset float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialOffset = offset
}

// HandleWords queues one recognizer result batch. An empty batch
// flushes the pending sentence.
func (a *Aggregator) HandleWords(words []speech.Word, timeOffset float64) {
	a.mu.Lock()
	offset := timeOffset + a.initialOffset
	a.mu.Unlock()

	select {
	case a.queue <- wordBatch{words: words, offset: offset}:
	case <-a.done:
	}
}

// Lines returns the cues of one language overlapping [start, end).
func (a *Aggregator) Lines(dstBCP47 string, start, end float64) []subtitle.Cue {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []subtitle.Cue
	for _, cue := range a.subs[dstBCP47] {
		if cue.Overlaps(start, end) {
			out = append(out, cue)
		}
	}
	return out
}

// Close stops the worker after the queued batches are processed.
func (a *Aggregator) Close() {
	close(a.done)
}

func (a *Aggregator) run(ctx context.Context) {
	for {
		select {
		case batch := <-a.queue:
			a.process(ctx, batch)
		case <-a.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) process(ctx context.Context, batch wordBatch) {
	if len(batch.words) == 0 {
		if len(a.sentence) > 0 {
			a.finalize(ctx, a.sentence)
			a.sentence = nil
		}
		return
	}

	breakFound := false
	for _, w := range batch.words {
		word := speech.Word{
			Text:  w.Text,
			Start: w.Start + batch.offset,
			End:   w.End + batch.offset,
		}
		a.sentence = append(a.sentence, word)

		// A punctuation mark ends the sentence once it spans enough
		// time to display.
		if endsWithPunctuation(word.Text) && len(a.sentence) > 1 &&
			a.sentence[len(a.sentence)-1].End-a.sentence[0].Start > sentenceMinSeconds {
			a.finalize(ctx, a.sentence)
			a.sentence = nil
			breakFound = true
		}

		// A long silence before this word breaks the sentence ahead of
		// it; the word starts the next one.
		if len(a.sentence) > 1 && word.Start-a.prevEnd > wordGapSeconds {
			last := a.sentence[len(a.sentence)-1]
			a.finalize(ctx, a.sentence[:len(a.sentence)-1])
			a.sentence = []speech.Word{last}
			breakFound = true
		}

		a.prevEnd = word.End
	}

	if !breakFound && len(a.sentence) > 0 &&
		a.sentence[len(a.sentence)-1].End-a.sentence[0].Start > sentenceMinSeconds {
		a.finalize(ctx, a.sentence)
		a.sentence = nil
	}
}

// finalize fans one finished sentence out to every target language and
// stores the broken display cues.
func (a *Aggregator) finalize(ctx context.Context, sentence []speech.Word) {
	if len(sentence) == 0 {
		return
	}

	for _, dst := range a.dsts {
		if dst.BCP47 == a.src.BCP47 {
			continue
		}
		a.translateSentence(ctx, dst, sentence)
	}
	a.store(a.src.BCP47, breakSentence(sentence))
}

// translateSentence translates the sentence text and redistributes the
// original timing across the translated words in proportion to their
// character counts.
func (a *Aggregator) translateSentence(ctx context.Context, dst language.Language, sentence []speech.Word) {
	if a.translator == nil {
		return
	}

	words := make([]string, len(sentence))
	for i, w := range sentence {
		words[i] = w.Text
	}
	text := strings.Join(words, " ")

	translated, err := a.translator.Translate(ctx, []string{text}, a.src, dst)
	if err != nil || len(translated) == 0 {
		if err != nil {
			a.logger.Error("translating sentence",
				slog.String("dst", dst.BCP47),
				slog.String("error", err.Error()))
		}
		return
	}

	parts := strings.Fields(translated[0])
	if len(parts) == 0 {
		return
	}
	chars := 0
	for _, p := range parts {
		chars += len(p)
	}

	total := sentence[len(sentence)-1].End - sentence[0].Start
	charTime := total / float64(chars)

	out := make([]speech.Word, 0, len(parts))
	current := sentence[0].Start
	for _, p := range parts {
		w := speech.Word{Text: p, Start: current}
		current += float64(len(p)) * charTime
		w.End = current
		out = append(out, w)
	}

	a.store(dst.BCP47, breakSentence(out))
}

func (a *Aggregator) store(lang string, cues []subtitle.Cue) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, cue := range cues {
		a.subs[lang] = append(a.subs[lang], cue)
		a.timeInSubs[lang] += cue.Duration()
	}

	if a.live {
		for a.timeInSubs[lang] > a.retention && len(a.subs[lang]) > 0 {
			evicted := a.subs[lang][0]
			a.subs[lang] = a.subs[lang][1:]
			a.timeInSubs[lang] -= evicted.Duration()
		}
	}
}

func endsWithPunctuation(word string) bool {
	return strings.HasSuffix(word, ".") || strings.HasSuffix(word, ",") ||
		strings.HasSuffix(word, ":") || strings.HasSuffix(word, "?") ||
		strings.HasSuffix(word, "!") || strings.HasSuffix(word, ";")
}
