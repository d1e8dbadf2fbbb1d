package export

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Format identifies a transcript export format.
type Format string

const (
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
	FormatTXT  Format = "txt"
	FormatJSON Format = "json"
)

// ParseFormat validates a requested format string.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatSRT:
		return FormatSRT, nil
	case FormatVTT:
		return FormatVTT, nil
	case FormatTXT:
		return FormatTXT, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format: %q", s)
	}
}

// MIMEType returns the Content-Type for a format.
func (f Format) MIMEType() string {
	switch f {
	case FormatVTT:
		return "text/vtt"
	case FormatJSON:
		return "application/json"
	default:
		return "text/plain"
	}
}

// Transcript is the input to the encoder.
type Transcript struct {
	Text     string
	Duration float64 // seconds; 0 means unknown
	FileName string  // original upload name, used for filename derivation
	Language string
}

// Document is a rendered export artifact.
type Document struct {
	Body     []byte
	FileName string
	MIMEType string
}

// Cue is a timed slice of transcript text.
type Cue struct {
	Index int
	Start float64
	End   float64
	Text  string
}

const (
	maxSegmentChars  = 120 // sentence-packing threshold for SRT/VTT
	maxWordPackChars = 100 // word-packing fallback threshold
	defaultCueSecs   = 5.0 // per-cue slice when duration unknown
)

// Encode renders a transcript into the requested format. Pure and
// deterministic aside from the exportedAt stamp, which callers supply.
func Encode(f Format, tr Transcript, now time.Time) Document {
	var body []byte
	switch f {
	case FormatSRT:
		body = []byte(formatSRT(BuildCues(tr.Text, tr.Duration)))
	case FormatVTT:
		body = []byte(formatVTT(BuildCues(tr.Text, tr.Duration)))
	case FormatJSON:
		body = formatJSON(tr, now)
	default:
		body = []byte(strings.TrimSpace(tr.Text))
	}
	return Document{
		Body:     body,
		FileName: FileName(tr.FileName, f, now),
		MIMEType: f.MIMEType(),
	}
}

// BuildCues segments transcript text and assigns each segment a uniform
// time slice: totalDuration divided evenly in emission order, starting at
// zero. When duration is unknown, each cue gets defaultCueSecs.
func BuildCues(text string, totalDuration float64) []Cue {
	segments := segmentText(text)
	if len(segments) == 0 {
		return nil
	}

	if totalDuration <= 0 {
		totalDuration = float64(len(segments)) * defaultCueSecs
	}
	slice := totalDuration / float64(len(segments))

	cues := make([]Cue, len(segments))
	for i, seg := range segments {
		cues[i] = Cue{
			Index: i + 1,
			Start: float64(i) * slice,
			End:   float64(i+1) * slice,
			Text:  seg,
		}
	}
	return cues
}

// segmentText splits text into subtitle-sized chunks:
//  1. split on sentence-terminal punctuation, keeping the punctuation
//  2. greedily pack sentences up to maxSegmentChars per segment
//  3. no sentences: fall back to newlines, then to word packing
func segmentText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	sentences := splitSentences(text)
	if len(sentences) > 0 {
		return packChunks(sentences, maxSegmentChars)
	}

	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > 1 {
		return lines
	}

	return packChunks(strings.Fields(text), maxWordPackChars)
}

// splitSentences splits on `.`, `!` or `?` followed by whitespace,
// preserving the punctuation. Returns nil if no terminal punctuation
// is found, signalling the caller to fall back.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			// Sentence ends here only if followed by whitespace or EOT.
			if i+1 < len(runes) && !isSpace(runes[i+1]) {
				continue
			}
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if len(sentences) == 0 {
		return nil
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// packChunks greedily joins pieces with spaces while the running length
// stays within limit. A piece longer than the limit becomes its own chunk.
func packChunks(pieces []string, limit int) []string {
	var chunks []string
	var cur strings.Builder
	for _, p := range pieces {
		switch {
		case cur.Len() == 0:
			cur.WriteString(p)
		case cur.Len()+1+len(p) <= limit:
			cur.WriteByte(' ')
			cur.WriteString(p)
		default:
			chunks = append(chunks, cur.String())
			cur.Reset()
			cur.WriteString(p)
		}
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

func formatSRT(cues []Cue) string {
	var b strings.Builder
	for i, c := range cues {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n",
			c.Index, srtTimestamp(c.Start), srtTimestamp(c.End), c.Text)
	}
	return b.String()
}

func formatVTT(cues []Cue) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for i, c := range cues {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n",
			c.Index, vttTimestamp(c.Start), vttTimestamp(c.End), c.Text)
	}
	return b.String()
}

type jsonExport struct {
	FileName   string  `json:"fileName"`
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	ExportedAt string  `json:"exportedAt"`
}

func formatJSON(tr Transcript, now time.Time) []byte {
	out, _ := json.MarshalIndent(jsonExport{
		FileName:   tr.FileName,
		Text:       strings.TrimSpace(tr.Text),
		Language:   tr.Language,
		Duration:   tr.Duration,
		ExportedAt: now.UTC().Format(time.RFC3339),
	}, "", "  ")
	return out
}

// srtTimestamp renders HH:MM:SS,mmm.
func srtTimestamp(secs float64) string {
	h, m, s, ms := clock(secs)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// vttTimestamp renders HH:MM:SS.mmm.
func vttTimestamp(secs float64) string {
	h, m, s, ms := clock(secs)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func clock(secs float64) (h, m, s, ms int) {
	if secs < 0 {
		secs = 0
	}
	total := int(secs * 1000)
	ms = total % 1000
	t := total / 1000
	return t / 3600, (t % 3600) / 60, t % 60, ms
}

// FileName derives the export filename: original name minus its extension
// plus the format extension. Empty original names fall back to a dated
// transcript-<ISO date> name.
func FileName(original string, f Format, now time.Time) string {
	base := strings.TrimSpace(original)
	if base != "" {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if base == "" {
		base = "transcript-" + now.UTC().Format("2006-01-02")
	}
	return base + "." + string(f)
}
