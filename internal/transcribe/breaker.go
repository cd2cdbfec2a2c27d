package transcribe

import (
	"strings"

	"github.com/easyott/eos/internal/speech"
	"github.com/easyott/eos/internal/subtitle"
)

const (
	maxLineChars = 35
	maxCueLines  = 2
)

// breakSentence splits a recognized sentence into display cues of at
// most two lines of 35 characters, rebalancing a short trailing cue
// into the previous one so no cue ends up with one or two orphan words.
func breakSentence(sentence []speech.Word) []subtitle.Cue {
	if len(sentence) == 0 {
		return nil
	}

	// Greedy fill: lines of up to maxLineChars word characters, cues of
	// up to maxCueLines lines.
	var blocks [][][]speech.Word
	wordIndex := 0
	for wordIndex < len(sentence) {
		var lines [][]speech.Word
		for len(lines) < maxCueLines && wordIndex < len(sentence) {
			var line []speech.Word
			chars := 0
			for wordIndex < len(sentence) && chars+len(sentence[wordIndex].Text) <= maxLineChars {
				line = append(line, sentence[wordIndex])
				chars += len(sentence[wordIndex].Text)
				wordIndex++
			}
			if len(line) == 0 {
				// A single word longer than the limit still gets its
				// own line.
				line = append(line, sentence[wordIndex])
				wordIndex++
			}
			lines = append(lines, line)
		}
		blocks = append(blocks, lines)
	}

	// Rebalance a trailing one-line cue of one or two words.
	if len(blocks) > 1 {
		last := blocks[len(blocks)-1]
		if len(last) == 1 && len(last[0]) <= 2 {
			prev := blocks[len(blocks)-2]
			if len(last[0]) == 2 && len(prev) >= 2 {
				// Shift one word up so the stolen line has room.
				prevLast := prev[len(prev)-1]
				prev[len(prev)-2] = append(prev[len(prev)-2], prevLast[0])
				prev[len(prev)-1] = prevLast[1:]
			}
			prev[len(prev)-1] = append(prev[len(prev)-1], last[0]...)
			blocks = blocks[:len(blocks)-1]
		}
	}

	cues := make([]subtitle.Cue, 0, len(blocks))
	for _, lines := range blocks {
		var text []string
		for _, line := range lines {
			words := make([]string, len(line))
			for i, w := range line {
				words[i] = w.Text
			}
			text = append(text, strings.Join(words, " "))
		}
		first := lines[0][0]
		lastLine := lines[len(lines)-1]
		cues = append(cues, subtitle.Cue{
			Start: first.Start,
			End:   lastLine[len(lastLine)-1].End,
			Text:  strings.Join(text, "\n"),
		})
	}
	return cues
}
