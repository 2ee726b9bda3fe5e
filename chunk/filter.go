package chunk

import (
	"strings"
	"unicode"

	"github.com/charmbracelet/log"

	"babel.town/transcript"
)

// tailWindow is how many trailing tokens of the last accepted chunk are kept
// for overlap matching. Corrections only ever stutter across the chunk seam,
// so a short window is enough.
const tailWindow = 16

// Filter suppresses re-translation of text that overlaps the tail of the
// last accepted chunk. Reconciliation timing can hand the chunker a span
// whose head re-states tokens that were already sent; forwarding them would
// produce duplicated, stuttering translation output.
type Filter struct {
	cfg      Config
	lastTail []string
	lastRaw  string
	logger   *log.Logger
}

func NewFilter(cfg Config, logger *log.Logger) *Filter {
	if logger == nil {
		logger = log.Default()
	}
	return &Filter{cfg: cfg, logger: logger}
}

// Admit compares the candidate's leading tokens against the trailing tokens
// of the last accepted chunk and trims any qualifying overlap. It returns
// the (possibly trimmed) candidate and whether it should be forwarded; a
// candidate trimmed below the minimum alphanumeric count is dropped so its
// text merges into the next chunk's window instead of going out empty.
func (f *Filter) Admit(c Candidate) (Candidate, bool) {
	tokens := tokenize(c.Text)
	overlap := f.overlap(tokens)

	if overlap > 0 {
		ratio := float64(overlap) / float64(len(tokens))
		if ratio > f.cfg.OverlapRatio && overlap >= f.cfg.OverlapMinTokens {
			trimmed := trimTokens(c.Text, overlap)
			f.logger.Debug("trimmed redundant chunk prefix",
				"overlap_tokens", overlap, "ratio", ratio, "kept", trimmed)
			if transcript.AlnumCount(trimmed) < f.cfg.MinAlnum {
				f.logger.Debug("dropped chunk, nothing left after overlap trim",
					"candidate", c.Text)
				return Candidate{}, false
			}
			c.Text = trimmed
		}
	}

	f.remember(c.Text)
	return c, true
}

// remember stores the normalized trailing tokens of an accepted chunk.
func (f *Filter) remember(text string) {
	tokens := tokenize(text)
	if len(tokens) > tailWindow {
		tokens = tokens[len(tokens)-tailWindow:]
	}
	f.lastTail = tokens
	f.lastRaw = text
}

// overlap returns the largest k such that the last k remembered tokens equal
// the candidate's first k tokens.
func (f *Filter) overlap(tokens []string) int {
	max := len(f.lastTail)
	if len(tokens) < max {
		max = len(tokens)
	}
	for k := max; k > 0; k-- {
		if equal(f.lastTail[len(f.lastTail)-k:], tokens[:k]) {
			return k
		}
	}
	return 0
}

func equal(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tokenize splits on whitespace and normalizes each token to lowercase with
// surrounding punctuation stripped, so "Mat," matches "mat".
func tokenize(s string) []string {
	fields := strings.Fields(s)
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		tok := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		tokens = append(tokens, strings.ToLower(tok))
	}
	return tokens
}

// trimTokens drops the first n whitespace-delimited fields from the raw text
// and returns the remainder.
func trimTokens(s string, n int) string {
	rest := s
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " \t\n")
		cut := strings.IndexFunc(rest, unicode.IsSpace)
		if cut < 0 {
			return ""
		}
		rest = rest[cut:]
	}
	return strings.TrimLeft(rest, " \t\n")
}
