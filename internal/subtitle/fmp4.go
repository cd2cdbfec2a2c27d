package subtitle

import (
	"encoding/binary"
	"fmt"
)

// The DASH subtitle track is delivered as fragmented MP4: one stpp
// track whose media segments carry a single TTML sample each. The box
// layout is fixed, which keeps the sample data offset constant.
const (
	// sampleDuration is the default duration recorded for the TTML
	// sample in tfhd and trun.
	sampleDuration = 4000

	// mediaDataOffset is the distance from the start of the moof to the
	// first byte of the mdat payload. The moof built here is always 116
	// bytes, followed by the 8-byte mdat header.
	mediaDataOffset = 124
)

// tfhd flag bits.
const (
	tfhdBaseDataOffsetPresent         = 0x000001
	tfhdSampleDescriptionIndexPresent = 0x000002
	tfhdDefaultSampleDurationPresent  = 0x000008
	tfhdDefaultSampleSizePresent      = 0x000010
	tfhdDefaultSampleFlagsPresent     = 0x000020
	tfhdDefaultBaseIsMoof             = 0x020000
)

// trun flag bits.
const (
	trunDataOffsetPresent       = 0x000001
	trunFirstSampleFlagsPresent = 0x000004
	trunSampleDurationPresent   = 0x000100
	trunSampleSizePresent       = 0x000200
	trunSampleFlagsPresent      = 0x000400
	trunSampleCTSPresent        = 0x000800
)

// BuildInitSegment builds the initialization segment for the
// synthesized subtitle track: an stpp track with the given timescale
// and a fragmented-movie header.
func BuildInitSegment(timescale uint32) []byte {
	ftyp := box("ftyp", []byte("iso6"), u32(0), []byte("iso6"), []byte("dash"))

	mvhd := fullBox("mvhd", 0, 0,
		u32(0), u32(0), // creation, modification
		u32(timescale),
		u32(0),           // duration
		u32(0x00010000),  // rate 1.0
		u16(0x0100),      // volume 1.0
		make([]byte, 10), // reserved
		unityMatrix(),
		make([]byte, 24), // pre-defined
		u32(2),           // next track ID
	)

	mehd := fullBox("mehd", 0, 0, u32(0))
	trex := fullBox("trex", 0, 0,
		u32(1), // track ID
		u32(1), // default sample description index
		u32(0), u32(0), u32(0),
	)
	mvex := box("mvex", mehd, trex)

	tkhd := fullBox("tkhd", 0, 3, // track enabled, in movie
		u32(0), u32(0), // creation, modification
		u32(1), // track ID
		u32(0), // reserved
		u32(0), // duration
		make([]byte, 8),
		u16(0), // layer
		u16(0), // alternate group
		u16(0), // volume
		u16(0), // reserved
		unityMatrix(),
		u32(0), u32(0), // width, height
	)

	mdhd := fullBox("mdhd", 0, 0,
		u32(0), u32(0),
		u32(timescale),
		u32(0), // duration
		u16(packLanguage("deu")),
		u16(0),
	)

	hdlr := fullBox("hdlr", 0, 0,
		u32(0),
		[]byte("subt"),
		make([]byte, 12),
		append([]byte("Subtitle"), 0),
	)

	url := fullBox("url ", 0, 1) // self-contained
	dref := fullBox("dref", 0, 0, u32(1), url)
	dinf := box("dinf", dref)

	stpp := box("stpp",
		make([]byte, 6), // reserved
		u16(1),          // data reference index
		append([]byte("xmlns"), 0, 0, 0),
	)
	stsd := fullBox("stsd", 1, 0, u32(1), stpp)
	stts := fullBox("stts", 0, 0, u32(0))
	stsc := fullBox("stsc", 0, 0, u32(0))
	stsz := fullBox("stsz", 0, 0, u32(0), u32(0))
	stco := fullBox("stco", 0, 0, u32(0))
	stbl := box("stbl", stsd, stts, stsc, stsz, stco)

	sthd := fullBox("sthd", 0, 0)
	minf := box("minf", dinf, stbl, sthd)
	mdia := box("mdia", mdhd, hdlr, minf)
	trak := box("trak", tkhd, mdia)

	moov := box("moov", mvhd, mvex, trak)
	return append(ftyp, moov...)
}

// BuildMediaSegment wraps a TTML document in a single-sample moof+mdat
// pair with the given decode time in DashTimescale ticks.
func BuildMediaSegment(baseDecodeTime uint64, ttml []byte) []byte {
	size := uint32(len(ttml))

	mfhd := fullBox("mfhd", 0, 0, u32(1))

	tfhd := fullBox("tfhd", 0,
		tfhdDefaultBaseIsMoof|tfhdSampleDescriptionIndexPresent|
			tfhdDefaultSampleDurationPresent|tfhdDefaultSampleSizePresent,
		u32(1), // track ID
		u32(1), // sample description index
		u32(sampleDuration),
		u32(size),
	)
	tfdt := fullBox("tfdt", 1, 0, u64(baseDecodeTime))
	trun := fullBox("trun", 1,
		trunDataOffsetPresent|trunSampleDurationPresent|
			trunSampleSizePresent|trunSampleFlagsPresent|trunSampleCTSPresent,
		u32(1), // sample count
		u32(mediaDataOffset),
		u32(sampleDuration),
		u32(size),
		u32(0), // sample flags
		u32(0), // composition time offset
	)

	traf := box("traf", tfhd, tfdt, trun)
	moof := box("moof", mfhd, traf)
	mdat := box("mdat", ttml)
	return append(moof, mdat...)
}

// MediaSegment is a parsed moof+mdat subtitle fragment.
type MediaSegment struct {
	moof []byte
	TTML []byte
}

// ParseMediaSegment walks the top-level boxes of a fragment, capturing
// the moof and the TTML payload of the mdat.
func ParseMediaSegment(data []byte) (*MediaSegment, error) {
	seg := &MediaSegment{}

	err := eachBox(data, func(typ string, b []byte) error {
		switch typ {
		case "moof":
			seg.moof = append([]byte(nil), b...)
		case "mdat":
			seg.TTML = append([]byte(nil), b[8:]...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if seg.moof == nil {
		return nil, fmt.Errorf("fragment has no moof box")
	}
	if seg.TTML == nil {
		return nil, fmt.Errorf("fragment has no mdat box")
	}
	return seg, nil
}

// BaseDecodeTime returns the tfdt decode time of the fragment.
func (s *MediaSegment) BaseDecodeTime() (uint64, error) {
	var decodeTime uint64
	found := false

	err := eachBox(s.moof[8:], func(typ string, b []byte) error {
		if typ != "traf" {
			return nil
		}
		return eachBox(b[8:], func(child string, cb []byte) error {
			if child != "tfdt" {
				return nil
			}
			found = true
			if cb[8] == 1 { // version
				decodeTime = binary.BigEndian.Uint64(cb[12:])
			} else {
				decodeTime = uint64(binary.BigEndian.Uint32(cb[12:]))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("fragment has no tfdt box")
	}
	return decodeTime, nil
}

// WithTTML re-encodes the fragment with a replacement TTML payload,
// updating the sample sizes recorded in the moof.
func (s *MediaSegment) WithTTML(ttml []byte) ([]byte, error) {
	moof := append([]byte(nil), s.moof...)
	if err := patchSampleSizes(moof, uint32(len(ttml))); err != nil {
		return nil, err
	}
	return append(moof, box("mdat", ttml)...), nil
}

// patchSampleSizes rewrites the tfhd default sample size and every trun
// sample size inside a moof, in place.
func patchSampleSizes(moof []byte, size uint32) error {
	return eachBox(moof[8:], func(typ string, b []byte) error {
		if typ != "traf" {
			return nil
		}
		return eachBox(b[8:], func(child string, cb []byte) error {
			switch child {
			case "tfhd":
				patchTfhd(cb, size)
			case "trun":
				patchTrun(cb, size)
			}
			return nil
		})
	})
}

func boxFlags(b []byte) uint32 {
	return uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11])
}

func patchTfhd(b []byte, size uint32) {
	flags := boxFlags(b)
	off := 12 + 4 // version/flags + track ID
	if flags&tfhdBaseDataOffsetPresent != 0 {
		off += 8
	}
	if flags&tfhdSampleDescriptionIndexPresent != 0 {
		off += 4
	}
	if flags&tfhdDefaultSampleDurationPresent != 0 {
		off += 4
	}
	if flags&tfhdDefaultSampleSizePresent != 0 && off+4 <= len(b) {
		binary.BigEndian.PutUint32(b[off:], size)
	}
}

func patchTrun(b []byte, size uint32) {
	flags := boxFlags(b)
	sampleCount := binary.BigEndian.Uint32(b[12:])

	off := 16
	if flags&trunDataOffsetPresent != 0 {
		off += 4
	}
	if flags&trunFirstSampleFlagsPresent != 0 {
		off += 4
	}

	for i := uint32(0); i < sampleCount; i++ {
		if flags&trunSampleDurationPresent != 0 {
			off += 4
		}
		if flags&trunSampleSizePresent != 0 {
			if off+4 > len(b) {
				return
			}
			binary.BigEndian.PutUint32(b[off:], size)
			off += 4
		}
		if flags&trunSampleFlagsPresent != 0 {
			off += 4
		}
		if flags&trunSampleCTSPresent != 0 {
			off += 4
		}
	}
}

// eachBox iterates the MP4 boxes laid out back to back in data, calling
// fn with each box's type and full bytes including the header.
func eachBox(data []byte, fn func(typ string, box []byte) error) error {
	for off := 0; off < len(data); {
		if off+8 > len(data) {
			return fmt.Errorf("truncated box header at offset %d", off)
		}
		size := int(binary.BigEndian.Uint32(data[off:]))
		if size < 8 || off+size > len(data) {
			return fmt.Errorf("malformed box size %d at offset %d", size, off)
		}
		if err := fn(string(data[off+4:off+8]), data[off:off+size]); err != nil {
			return err
		}
		off += size
	}
	return nil
}

func box(boxType string, payloads ...[]byte) []byte {
	size := 8
	for _, p := range payloads {
		size += len(p)
	}
	out := make([]byte, 8, size)
	binary.BigEndian.PutUint32(out, uint32(size))
	copy(out[4:], boxType)
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out
}

func fullBox(boxType string, version byte, flags uint32, payloads ...[]byte) []byte {
	vf := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return box(boxType, append([][]byte{vf}, payloads...)...)
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func unityMatrix() []byte {
	m := make([]byte, 36)
	binary.BigEndian.PutUint32(m[0:], 0x00010000)
	binary.BigEndian.PutUint32(m[16:], 0x00010000)
	binary.BigEndian.PutUint32(m[32:], 0x40000000)
	return m
}

// packLanguage encodes a three-letter ISO 639-2 code into the packed
// 15-bit form used by mdhd.
func packLanguage(code string) uint16 {
	if len(code) != 3 {
		return 0
	}
	return uint16(code[0]-0x60)<<10 | uint16(code[1]-0x60)<<5 | uint16(code[2]-0x60)
}
