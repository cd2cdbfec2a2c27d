package subtitle

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DashTimescale is the tick rate of the synthesized DASH subtitle
// track. Fragment boundaries and TTML sample times are expressed in it.
const DashTimescale = 10000000

const ttmlHeader = "<?xml version=\"1.0\" encoding=\"utf-8\"?>\r\n" +
	"<tt xml:lang=\"\" xmlns=\"http://www.w3.org/ns/ttml\" xmlns:tt=\"http://www.w3.org/ns/ttml\" xmlns:tts=\"http://www.w3.org/ns/ttml#styling\">\r\n" +
	"  <head>\r\n" +
	"    <styling>\r\n" +
	"      <style xml:id=\"s0\" tts:backgroundColor=\"rgba(0,0,0,192)\" tts:color=\"rgba(255,255,255,255)\" tts:fontSize=\"0.80c\" tts:fontFamily=\"proportionalSansSerif\" tts:textAlign=\"center\" tts:displayAlign=\"center\"/>\r\n" +
	"    </styling>\r\n" +
	"    <layout>\r\n" +
	"      <region xml:id=\"r0\" tts:origin=\"2.84% 84.00%\" tts:extent=\"94.32% 16%\" />\r\n" +
	"    </layout>\r\n" +
	"  </head>\r\n" +
	"  <body>\r\n" +
	"    <div>\r\n"

const ttmlFooter = "    </div>\r\n" +
	"  </body>\r\n" +
	"</tt>"

// RenderTTML builds a TTML document for the fragment window
// [startTicks, endTicks) expressed in DashTimescale ticks. Cues keep
// their absolute times so players can deduplicate captions that span
// fragment boundaries.
func RenderTTML(startTicks, endTicks uint64, cues []Cue) []byte {
	var b strings.Builder
	b.WriteString(ttmlHeader)

	start := float64(startTicks) / DashTimescale
	end := float64(endTicks) / DashTimescale

	for _, cue := range cues {
		if !cue.Overlaps(start, end) {
			continue
		}
		b.WriteString("      <p  region=\"r0\" style=\"s0\" begin=\"")
		b.WriteString(FormatTime(cue.Start))
		b.WriteString("\" end=\"")
		b.WriteString(FormatTime(cue.End))
		b.WriteString("\" >")
		b.WriteString(escapeTTMLText(cue.Text))
		b.WriteString("</p>\r\n")
	}

	b.WriteString(ttmlFooter)
	return []byte(b.String())
}

// escapeTTMLText strips markup characters from caption text and turns
// line breaks into br elements.
func escapeTTMLText(text string) string {
	text = strings.ReplaceAll(text, "<", "")
	text = strings.ReplaceAll(text, ">", "")
	return strings.ReplaceAll(text, "\n", "<br/>")
}

// ParseTTML extracts cues from a TTML document, reading the begin and
// end attributes of each p element. br elements inside a caption are
// folded back into newlines.
func ParseTTML(data []byte) ([]Cue, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))

	var (
		cues    []Cue
		current *Cue
		text    strings.Builder
	)

	for {
		tok, err := decoder.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ttml parse: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				cue := Cue{}
				for _, attr := range t.Attr {
					switch attr.Name.Local {
					case "begin":
						if v, err := ParseTime(attr.Value); err == nil {
							cue.Start = v
						}
					case "end":
						if v, err := ParseTime(attr.Value); err == nil {
							cue.End = v
						}
					}
				}
				current = &cue
				text.Reset()
			case "br":
				if current != nil {
					text.WriteString("\n")
				}
			}
		case xml.EndElement:
			if t.Name.Local == "p" && current != nil {
				current.Text = strings.TrimSpace(text.String())
				cues = append(cues, *current)
				current = nil
			}
		case xml.CharData:
			if current != nil {
				text.Write(t)
			}
		}
	}
	return cues, nil
}
