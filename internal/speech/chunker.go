// ABOUTME: Splits an append-only stream of generated text into speakable chunks
// ABOUTME: Cuts at sentence ends once enough text is buffered, with a hard size cap

package speech

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ChunkConfig bounds chunk sizes in runes.
type ChunkConfig struct {
	SentenceMinChars int
	MaxChunkChars    int
}

// DefaultChunkConfig returns the sizes used for voice responses.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		SentenceMinChars: 12,
		MaxChunkChars:    160,
	}
}

// Chunker buffers text deltas and releases complete chunks. It is not safe
// for concurrent use; each turn owns one.
type Chunker struct {
	cfg ChunkConfig
	buf strings.Builder
}

// NewChunker creates a chunker. Zero fields take the defaults.
func NewChunker(cfg ChunkConfig) *Chunker {
	def := DefaultChunkConfig()
	if cfg.SentenceMinChars <= 0 {
		cfg.SentenceMinChars = def.SentenceMinChars
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = def.MaxChunkChars
	}
	return &Chunker{cfg: cfg}
}

// Push appends delta and returns any chunks that are now complete.
func (c *Chunker) Push(delta string) []string {
	if delta != "" {
		c.buf.WriteString(delta)
	}

	var out []string
	for {
		buf := c.buf.String()
		if strings.TrimSpace(buf) == "" {
			return out
		}
		n := utf8.RuneCountInString(buf)

		if n >= c.cfg.SentenceMinChars {
			if cut := sentenceCut(buf, c.cfg.SentenceMinChars, c.cfg.MaxChunkChars); cut > 0 {
				out = c.take(cut, out)
				continue
			}
		}
		if n > c.cfg.MaxChunkChars {
			if cut := bestCutAtOrBefore(buf, c.cfg.MaxChunkChars); cut > 0 {
				out = c.take(cut, out)
				continue
			}
		}
		return out
	}
}

// Flush returns whatever is still buffered and resets the chunker.
func (c *Chunker) Flush() string {
	rest := c.buf.String()
	c.buf.Reset()
	return rest
}

// Pending reports whether unreleased text is buffered.
func (c *Chunker) Pending() bool {
	return strings.TrimSpace(c.buf.String()) != ""
}

func (c *Chunker) take(cut int, out []string) []string {
	buf := c.buf.String()
	chunk, rest := buf[:cut], buf[cut:]
	c.buf.Reset()
	c.buf.WriteString(rest)
	if strings.TrimSpace(chunk) == "" {
		return out
	}
	return append(out, chunk)
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '?' || r == '!' || r == '\n'
}

// sentenceCut finds the earliest sentence end at or past minChars that is
// followed by whitespace, so "$12.50" is not split. It returns the byte offset
// after that whitespace.
// Sentence ends inside an open emphasis or code span are skipped, so markup
// is never split across chunks.
func sentenceCut(s string, minChars, maxChars int) int {
	runes := 0
	var spans inlineSpans
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			return 0
		}
		if n := spans.scan(s[i:]); n > 0 {
			runes += utf8.RuneCountInString(s[i:i+n]) - 1
			i += n
			continue
		}
		i += size
		if !isSentenceEnd(r) || runes < minChars || i >= len(s) || spans.open() {
			continue
		}
		next, _ := utf8.DecodeRuneInString(s[i:])
		if r != '\n' && !unicode.IsSpace(next) {
			continue
		}
		j := i
		for j < len(s) {
			r2, sz := utf8.DecodeRuneInString(s[j:])
			if !unicode.IsSpace(r2) {
				break
			}
			j += sz
		}
		return j
	}
	return 0
}

// inlineSpans tracks which inline markdown delimiters are unbalanced.
type inlineSpans struct {
	strong, underline, italic, code bool
}

// scan toggles the span opened or closed by a delimiter at the start of s
// and returns the delimiter's length, or 0 when s does not start with one.
func (p *inlineSpans) scan(s string) int {
	switch {
	case strings.HasPrefix(s, "`"):
		p.code = !p.code
		return 1
	case p.code:
		return 0
	case strings.HasPrefix(s, "**"):
		p.strong = !p.strong
		return 2
	case strings.HasPrefix(s, "__"):
		p.underline = !p.underline
		return 2
	case strings.HasPrefix(s, "*"):
		// "* " opens a list item, not emphasis.
		if !p.italic && len(s) > 1 && unicode.IsSpace(rune(s[1])) {
			return 0
		}
		p.italic = !p.italic
		return 1
	}
	return 0
}

func (p *inlineSpans) open() bool {
	return p.strong || p.underline || p.italic || p.code
}

func bestCutAtOrBefore(s string, maxChars int) int {
	runes := 0
	lastSpace := 0
	i := 0
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			break
		}
		i += size
		if unicode.IsSpace(r) {
			lastSpace = i
		}
	}
	if lastSpace > 0 {
		return lastSpace
	}
	return i
}
