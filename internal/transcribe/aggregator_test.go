package transcribe

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/speech"
)

type staticTranslator struct {
	result []string
	calls  int
}

func (s *staticTranslator) Translate(_ context.Context, texts []string, _, _ language.Language) ([]string, error) {
	s.calls++
	if s.result != nil {
		return s.result, nil
	}
	return texts, nil
}

func testAggregator(t *testing.T, live bool, tr *staticTranslator) *Aggregator {
	t.Helper()
	de, ok := language.Find("de-DE")
	require.True(t, ok)
	en, ok := language.Find("en-US")
	require.True(t, ok)

	a := NewAggregator(context.Background(), de, []language.Language{en}, live, 140, tr, nil)
	t.Cleanup(a.Close)
	return a
}

func wordsAt(start float64, texts ...string) []speech.Word {
	words := make([]speech.Word, len(texts))
	for i, text := range texts {
		words[i] = speech.Word{
			Text:  text,
			Start: start + float64(i)*0.5,
			End:   start + float64(i)*0.5 + 0.4,
		}
	}
	return words
}

func TestAggregatorPunctuationBreak(t *testing.T) {
	tr := &staticTranslator{result: []string{"hello you there."}}
	a := testAggregator(t, false, tr)

	a.process(context.Background(), wordBatch{words: wordsAt(0, "hallo", "du", "da.")})

	de := a.Lines("de-DE", 0, 10)
	require.Len(t, de, 1)
	assert.Equal(t, "hallo du da.", de[0].Text)
	assert.InDelta(t, 0.0, de[0].Start, 1e-9)
	assert.InDelta(t, 1.4, de[0].End, 1e-9)

	en := a.Lines("en-US", 0, 10)
	require.Len(t, en, 1)
	assert.Equal(t, "hello you there.", en[0].Text)
	// Translated words keep the original sentence span.
	assert.InDelta(t, 0.0, en[0].Start, 1e-9)
	assert.InDelta(t, 1.4, en[0].End, 1e-9)
	assert.Equal(t, 1, tr.calls)
}

func TestAggregatorSpreadsTranslationByCharacters(t *testing.T) {
	// Nine ten-character words: three per display line, six per cue, so
	// the translation splits into two cues whose boundary sits at the
	// character-proportional point of the original sentence span.
	word := "abcdefghij"
	translation := strings.TrimSpace(strings.Repeat(word+" ", 9))
	tr := &staticTranslator{result: []string{translation}}
	a := testAggregator(t, false, tr)

	a.process(context.Background(), wordBatch{words: []speech.Word{
		{Text: "quelle", Start: 0, End: 4.5},
		{Text: "ende.", Start: 4.6, End: 9},
	}})

	en := a.Lines("en-US", 0, 10)
	require.Len(t, en, 2)

	// 90 characters across 9 seconds: 0.1 s per character. The first cue
	// carries 60 characters.
	assert.InDelta(t, 0.0, en[0].Start, 1e-6)
	assert.InDelta(t, 6.0, en[0].End, 1e-6)
	assert.InDelta(t, 6.0, en[1].Start, 1e-6)
	assert.InDelta(t, 9.0, en[1].End, 1e-6)
	assert.Equal(t, word+" "+word+" "+word+"\n"+word+" "+word+" "+word, en[0].Text)
}

func TestAggregatorGapBreak(t *testing.T) {
	a := testAggregator(t, false, &staticTranslator{})

	// The second word starts 1.5 s after the first ends: the sentence
	// breaks before it and the word carries over.
	words := []speech.Word{
		{Text: "eins", Start: 0, End: 0.4},
		{Text: "zwei", Start: 0.5, End: 0.9},
		{Text: "drei", Start: 2.4, End: 2.8},
	}
	a.process(context.Background(), wordBatch{words: words})
	// Flush the carried word.
	a.process(context.Background(), wordBatch{})

	de := a.Lines("de-DE", 0, 10)
	require.Len(t, de, 2)
	assert.Equal(t, "eins zwei", de[0].Text)
	assert.Equal(t, "drei", de[1].Text)
}

func TestAggregatorShortSentenceHeldBack(t *testing.T) {
	a := testAggregator(t, false, &staticTranslator{})

	// Under a second of speech with no punctuation stays buffered.
	a.process(context.Background(), wordBatch{words: []speech.Word{
		{Text: "kurz", Start: 0, End: 0.3},
	}})
	assert.Empty(t, a.Lines("de-DE", 0, 10))

	a.process(context.Background(), wordBatch{})
	assert.Len(t, a.Lines("de-DE", 0, 10), 1)
}

func TestAggregatorAppliesTimeOffset(t *testing.T) {
	a := testAggregator(t, false, &staticTranslator{})
	a.SetInitialTimeOffset(100)

	a.HandleWords(wordsAt(0, "hallo", "du", "da."), 20)

	// The worker is asynchronous; poll briefly for the cue.
	require.Eventually(t, func() bool {
		return len(a.Lines("de-DE", 100, 200)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	de := a.Lines("de-DE", 100, 200)
	assert.InDelta(t, 120.0, de[0].Start, 1e-9)
}

func TestAggregatorLiveRetention(t *testing.T) {
	a := testAggregator(t, true, &staticTranslator{})

	// 15 sentences of 20 seconds each against a 140-second budget.
	for i := 0; i < 15; i++ {
		start := float64(i) * 20
		a.process(context.Background(), wordBatch{words: []speech.Word{
			{Text: "lange,", Start: start, End: start + 20},
		}})
	}

	all := a.Lines("de-DE", 0, 1e6)
	assert.Len(t, all, 7)
	// The oldest cues are gone.
	assert.Empty(t, a.Lines("de-DE", 0, 20))
}
