package chunk

import (
	"strings"
	"time"

	"babel.town/transcript"
)

// Config holds the chunking and redundancy-suppression policy values. All of
// them come from deployment configuration, none are hard-coded behavior.
type Config struct {
	// Size is the rune count at which a span becomes a size-triggered
	// candidate.
	Size int
	// Interval is how long a non-empty span may sit before a time-triggered
	// flush.
	Interval time.Duration
	// MinAlnum is the minimum count of letters and digits a candidate must
	// carry. Guards against flushing pure punctuation or silence markers.
	MinAlnum int
	// LookBack is how far behind the size threshold we search for a
	// whitespace or sentence boundary before splitting mid-word.
	LookBack int
	// OverlapRatio and OverlapMinTokens gate the redundancy filter: a
	// candidate prefix is trimmed when shared-token ratio exceeds
	// OverlapRatio and at least OverlapMinTokens tokens overlap.
	OverlapRatio     float64
	OverlapMinTokens int
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Size:             120,
		Interval:         700 * time.Millisecond,
		MinAlnum:         2,
		LookBack:         24,
		OverlapRatio:     0.5,
		OverlapMinTokens: 2,
	}
}

// Candidate is a contiguous span of the running transcript proposed for
// translation. Offsets are rune positions into the running transcript.
type Candidate struct {
	Text     string
	Start    int
	End      int
	FormedAt time.Time
}

// Chunker decides when the unfrozen suffix of the running transcript is
// ready to translate. It never proposes the same span twice: accepted spans
// are frozen by the session, and a deliberately dropped span only returns as
// part of a larger one.
type Chunker struct {
	cfg      Config
	lastEmit time.Time
}

func NewChunker(cfg Config, now time.Time) *Chunker {
	return &Chunker{cfg: cfg, lastEmit: now}
}

// Next examines the unfrozen span starting at rune offset start and returns
// a candidate if any trigger fires. force bypasses the size, interval, and
// minimum-alphanumeric gates and flushes whatever remains; the session uses
// it on stop.
func (c *Chunker) Next(span string, start int, now time.Time, force bool) (Candidate, bool) {
	runes := []rune(span)
	if len(runes) == 0 {
		return Candidate{}, false
	}

	if force {
		c.lastEmit = now
		return Candidate{
			Text:     span,
			Start:    start,
			End:      start + len(runes),
			FormedAt: now,
		}, true
	}

	if transcript.AlnumCount(span) < c.cfg.MinAlnum {
		return Candidate{}, false
	}

	switch {
	case len(runes) >= c.cfg.Size:
		cut := c.boundary(runes)
		c.lastEmit = now
		return Candidate{
			Text:     string(runes[:cut]),
			Start:    start,
			End:      start + cut,
			FormedAt: now,
		}, true
	case now.Sub(c.lastEmit) >= c.cfg.Interval:
		c.lastEmit = now
		return Candidate{
			Text:     span,
			Start:    start,
			End:      start + len(runes),
			FormedAt: now,
		}, true
	}

	return Candidate{}, false
}

// Defer restarts the interval clock without emitting, used when the filter
// drops a candidate so the same span does not immediately re-fire.
func (c *Chunker) Defer(now time.Time) {
	c.lastEmit = now
}

// boundary picks the cut position for a size-triggered candidate: the last
// whitespace or sentence-ending rune within LookBack of the threshold, or
// the threshold itself when no break exists.
func (c *Chunker) boundary(runes []rune) int {
	limit := c.cfg.Size
	if limit > len(runes) {
		limit = len(runes)
	}
	floor := limit - c.cfg.LookBack
	if floor < 1 {
		floor = 1
	}
	for i := limit - 1; i >= floor; i-- {
		if runes[i] == ' ' || runes[i] == '\n' || isSentenceEnd(runes[i]) {
			return i + 1
		}
	}
	return limit
}

func isSentenceEnd(r rune) bool {
	return strings.ContainsRune(".!?。？！", r)
}
