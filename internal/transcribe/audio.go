// Package transcribe implements the speech-to-text pipeline: segment
// download and decryption, audio extraction, resampling, paced feeding
// of the recognizer, and aggregation of recognized words into timed
// subtitle lines.
package transcribe

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// DecryptAES128CBC decrypts an AES-128 encrypted HLS segment and strips
// the PKCS#7 padding.
func DecryptAES128CBC(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv length %d, want %d", len(iv), aes.BlockSize)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a block multiple", len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, fmt.Errorf("invalid padding length %d", pad)
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return out[:len(out)-pad], nil
}

// adtsSamplingIndex maps a sampling rate to the MPEG-4 sampling
// frequency index used in ADTS headers. Unknown rates map to 15.
func adtsSamplingIndex(rate int) int {
	rates := []int{96000, 88200, 64000, 48000, 44100, 32000,
		24000, 22050, 16000, 12000, 11025, 8000, 7350}
	for i, r := range rates {
		if r == rate {
			return i
		}
	}
	return 15
}

// adtsHeader builds the 7-byte ADTS header for one AAC-LC frame of
// frameLen payload bytes, stereo channel configuration.
func adtsHeader(samplingIndex, frameLen int) [7]byte {
	total := frameLen + 7
	var h [7]byte
	h[0] = 0xFF
	h[1] = 0xF9
	h[2] = 0x40 | byte(samplingIndex)<<2
	h[3] = 0x80 | byte((total>>11)&0x3)
	h[4] = byte((total >> 3) & 0xFF)
	h[5] = byte(total&0x7)<<5 | 0x1F
	h[6] = 0xFC
	return h
}

// TSAudio is the audio extracted from one MPEG-TS segment.
type TSAudio struct {
	// ADTS holds the AAC elementary stream with ADTS framing.
	ADTS []byte
	// SampleRate from the track's audio specific config.
	SampleRate int
	// FirstPTS is the 90 kHz timestamp of the first access unit.
	FirstPTS int64
	HasPTS   bool
}

// ExtractTS demuxes a full MPEG-TS segment and returns its AAC track as
// an ADTS stream together with the first audio timestamp.
func ExtractTS(data []byte) (*TSAudio, error) {
	reader := &mpegts.Reader{R: bytes.NewReader(data)}
	if err := reader.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts reader: %w", err)
	}
	reader.OnDecodeError(func(err error) {})

	out := &TSAudio{}
	var buf bytes.Buffer
	found := false

	for _, track := range reader.Tracks() {
		codec, ok := track.Codec.(*mpegts.CodecMPEG4Audio)
		if !ok {
			continue
		}
		found = true
		out.SampleRate = codec.Config.SampleRate
		index := adtsSamplingIndex(out.SampleRate)

		reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			if !out.HasPTS {
				out.FirstPTS = pts
				out.HasPTS = true
			}
			for _, au := range aus {
				h := adtsHeader(index, len(au))
				buf.Write(h[:])
				buf.Write(au)
			}
			return nil
		})
		break
	}
	if !found {
		return nil, errors.New("segment has no AAC track")
	}

	for {
		if err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading mpegts segment: %w", err)
		}
	}

	out.ADTS = buf.Bytes()
	return out, nil
}

// InitInfo is the audio track description read from a DASH
// initialization segment.
type InitInfo struct {
	TrackID    int
	SampleRate int
}

// ParseInitSegment reads the AAC track id and sampling rate from a DASH
// audio initialization segment.
func ParseInitSegment(data []byte) (*InitInfo, error) {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing init segment: %w", err)
	}
	for _, track := range init.Tracks {
		if codec, ok := track.Codec.(*mp4.CodecMPEG4Audio); ok {
			return &InitInfo{TrackID: track.ID, SampleRate: codec.Config.SampleRate}, nil
		}
	}
	return nil, errors.New("init segment has no AAC track")
}

// ExtractFMP4 pulls the AAC samples of the given track out of a DASH
// media segment (moof+mdat) and wraps them in ADTS framing.
func ExtractFMP4(segment []byte, info *InitInfo) ([]byte, error) {
	offset, err := findMoof(segment)
	if err != nil {
		return nil, err
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(segment[offset:]); err != nil {
		return nil, fmt.Errorf("parsing media segment: %w", err)
	}

	index := adtsSamplingIndex(info.SampleRate)
	var out bytes.Buffer
	for _, part := range parts {
		for _, track := range part.Tracks {
			if track.ID != info.TrackID {
				continue
			}
			for _, sample := range track.Samples {
				h := adtsHeader(index, len(sample.Payload))
				out.Write(h[:])
				out.Write(sample.Payload)
			}
		}
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("media segment carries no samples for track %d", info.TrackID)
	}
	return out.Bytes(), nil
}

// findMoof walks top-level boxes until the first moof, skipping styp
// and sidx prefixes.
func findMoof(data []byte) (int, error) {
	offset := 0
	for offset+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[offset:]))
		boxType := string(data[offset+4 : offset+8])
		if boxType == "moof" {
			return offset, nil
		}
		if size < 8 || offset+size > len(data) {
			break
		}
		offset += size
	}
	return 0, errors.New("media segment has no moof box")
}

// Resampler shells out to ffmpeg to decode extracted AAC into the mono
// LINEAR16 PCM the recognizer expects.
type Resampler struct {
	ffmpegPath string
	logger     *slog.Logger
}

// NewResampler creates a resampler using the given ffmpeg binary.
func NewResampler(ffmpegPath string, logger *slog.Logger) *Resampler {
	if ffmpegPath == "" {
		ffmpegPath = "/usr/bin/ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resampler{ffmpegPath: ffmpegPath, logger: logger}
}

// DecodeToPCM decodes fileIn into s16le mono PCM at the given rate.
func (r *Resampler) DecodeToPCM(ctx context.Context, fileIn, fileOut string, sampleRate int) error {
	cmd := exec.CommandContext(ctx, r.ffmpegPath,
		"-y", "-hide_banner", "-loglevel", "quiet",
		"-i", fileIn,
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate), "-ac", "1",
		fileOut)

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg decode: %w: %s", err, bytes.TrimSpace(output))
	}
	return nil
}
