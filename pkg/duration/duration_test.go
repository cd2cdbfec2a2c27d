package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"standard go syntax", "1h30m", 90 * time.Minute, false},
		{"days", "30d", 30 * Day, false},
		{"days as word", "30 days", 30 * Day, false},
		{"weeks", "2w", 2 * Week, false},
		{"weeks abbreviated", "2wks", 2 * Week, false},
		{"months", "1mo", Month, false},
		{"years", "1yr", Year, false},
		{"calendar mix", "1w2d12h", Week + 2*Day + 12*time.Hour, false},
		{"word mix", "1 week 2 days 3h", Week + 2*Day + 3*time.Hour, false},
		{"full word standard units", "2 hours 30 minutes", 2*time.Hour + 30*time.Minute, false},
		{"case insensitive", "30DAYS", 30 * Day, false},
		{"negative", "-30d", -30 * Day, false},
		{"zero", "0s", 0, false},
		{"garbage", "soon", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestMustParse(t *testing.T) {
	assert.Equal(t, 30*Day, MustParse("30d"))
	assert.Panics(t, func() { MustParse("soon") })
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"zero", 0, "0s"},
		{"seconds", 45 * time.Second, "45s"},
		{"minutes", 30 * time.Minute, "30m0s"},
		{"hours", 12 * time.Hour, "12h0m0s"},
		{"one day", Day, "1d"},
		{"weeks and days", 9 * Day, "1w2d"},
		{"day with remainder", 36 * time.Hour, "1d12h0m0s"},
		{"month and week", 37 * Day, "1mo1w"},
		{"year and month", Year + Month, "1y1mo"},
		{"negative", -3 * Day, "-3d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Format(tt.duration))
		})
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{
		0, time.Second, time.Minute, 90 * time.Minute,
		Day, Day + 12*time.Hour, Week, Month, Year,
	} {
		parsed, err := Parse(Format(d))
		require.NoError(t, err)
		assert.Equal(t, d, parsed, "round trip for %v", d)
	}
}
