// Package livedelay buffers live origin manifests and serves them back
// shifted by a configurable delay, giving the transcription pipeline
// time to produce subtitles before players request the matching
// segments.
package livedelay

import (
	"time"

	"github.com/easyott/eos/internal/manifest"
)

// pollInterval is the origin manifest refresh cadence.
const pollInterval = time.Second

// windowCapSeconds caps the playlist-window term of the buffering
// arithmetic; some origins advertise very long live windows.
const windowCapSeconds = 60.0

// Listener is notified of every fragment newly observed on a polled
// live timeline.
type Listener interface {
	OnNewFragment(fragment manifest.Fragment, param string)
}

type listenerEntry struct {
	listener Listener
	param    string
}

// delayWindow computes the [start, end) slice of the buffered fragment
// list that a delayed manifest should expose: the newest fragments
// summing to at least the delay are withheld, and fragments older than
// delay + window are dropped from the front. Returns 0,0 when the
// buffer has not yet accumulated delay + window seconds.
func delayWindow(fragments []manifest.Fragment, timeInFragments, delay, window float64) (int, int) {
	if timeInFragments < delay+window {
		return 0, 0
	}

	end := len(fragments)
	withheld := 0.0
	for end > 0 {
		withheld += fragments[end-1].Duration
		end--
		if withheld >= delay {
			break
		}
	}

	start := 0
	remaining := timeInFragments
	for start < end && remaining-withheld > window {
		remaining -= fragments[start].Duration
		start++
	}
	return start, end
}
