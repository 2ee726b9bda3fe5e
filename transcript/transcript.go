package transcript

import (
	"sort"
	"unicode"

	"github.com/charmbracelet/log"
)

// Fragment is one unit of recognized speech from the upstream engine.
// Replace declares how many trailing runes of the running transcript the
// fragment supersedes; zero means pure append. Seq increases monotonically
// on the upstream side.
type Fragment struct {
	Seq     int
	Text    string
	Replace int
	Final   bool
}

// Delta describes what Apply changed, for forwarding to the client.
// Replaced is the number of previously visible runes the fragment
// superseded; zero means the text was appended as-is.
type Delta struct {
	Text     string
	Replaced int
}

// MaxPending bounds how many out-of-order fragments we hold back before
// giving up on strict sequencing and applying them as appends.
const MaxPending = 8

// minDetectOverlap is the shortest undeclared tail overlap treated as a
// correction rather than a coincidence.
const minDetectOverlap = 4

// Builder maintains the running transcript for one session. Fragments merge
// by replacing a declared (or detected) span of the unfrozen tail; text
// before the frozen boundary is immutable because it has already been
// chunked and sent for translation.
//
// Builder is not safe for concurrent use. Each session applies fragments
// from a single goroutine.
type Builder struct {
	runes   []rune
	frozen  int
	nextSeq int
	pending map[int]Fragment
	misses  int
	logger  *log.Logger
}

func NewBuilder(logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{
		nextSeq: 1,
		pending: map[int]Fragment{},
		logger:  logger,
	}
}

// Apply merges a fragment into the running transcript, buffering fragments
// that arrive ahead of sequence. It returns one delta per fragment actually
// applied, in application order.
func (b *Builder) Apply(f Fragment) []Delta {
	var deltas []Delta

	switch {
	case f.Seq < b.nextSeq:
		// Replay of something already applied. Idempotent.
		b.logger.Debug("drop replayed fragment", "seq", f.Seq, "next", b.nextSeq)
		return nil
	case f.Seq > b.nextSeq:
		b.pending[f.Seq] = f
		if len(b.pending) <= MaxPending {
			return nil
		}
		// The gap is not closing. Apply everything we hold in sequence
		// order as best-effort appends and move on.
		b.misses++
		b.logger.Warn("reconciliation miss, applying pending fragments as appends",
			"waiting_for", b.nextSeq, "held", len(b.pending))
		for _, held := range b.drainPending() {
			deltas = append(deltas, b.merge(held))
		}
		return deltas
	}

	deltas = append(deltas, b.merge(f))
	b.nextSeq = f.Seq + 1

	// A fragment may have unblocked buffered successors.
	for {
		next, ok := b.pending[b.nextSeq]
		if !ok {
			break
		}
		delete(b.pending, b.nextSeq)
		deltas = append(deltas, b.merge(next))
		b.nextSeq = next.Seq + 1
	}
	return deltas
}

// drainPending empties the out-of-order buffer in sequence order and resets
// the expected sequence past everything drained.
func (b *Builder) drainPending() []Fragment {
	seqs := make([]int, 0, len(b.pending))
	for seq := range b.pending {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	frags := make([]Fragment, 0, len(seqs))
	for _, seq := range seqs {
		frag := b.pending[seq]
		frag.Replace = 0 // best-effort append, span math is unreliable now
		frags = append(frags, frag)
		delete(b.pending, seq)
	}
	if n := len(seqs); n > 0 {
		b.nextSeq = seqs[n-1] + 1
	}
	return frags
}

// merge applies a single in-order fragment and reports the visible change.
func (b *Builder) merge(f Fragment) Delta {
	text := []rune(f.Text)
	replace := f.Replace
	if replace < 0 {
		// Malformed declaration from upstream. Treat it as a plain append
		// rather than letting bad span math reach the slice below.
		b.logger.Warn("ignoring negative replace span", "seq", f.Seq, "replace", replace)
		replace = 0
	}

	unfrozen := len(b.runes) - b.frozen

	if replace == 0 {
		// Rolling-window engines sometimes re-emit the tail they are
		// revising instead of declaring a span. Detect that overlap so we
		// replace rather than duplicate. Short incidental matches are left
		// alone: the overlap must cover the whole unfrozen tail or be long
		// enough to be unambiguous.
		if k := tailOverlap(b.runes[b.frozen:], text); k >= minDetectOverlap || (k > 0 && k == unfrozen) {
			replace = k
		}
	}

	if replace > unfrozen {
		// The correction reaches into frozen text. The translation already
		// sent for that span is authoritative: drop the conflicting prefix
		// of the fragment and apply only the unfrozen remainder.
		drop := replace - unfrozen
		if drop > len(text) {
			drop = len(text)
		}
		b.logger.Debug("correction overlaps frozen text, trimming",
			"declared", replace, "unfrozen", unfrozen, "dropped", drop)
		text = text[drop:]
		replace = unfrozen
	}

	b.runes = append(b.runes[:len(b.runes)-replace], text...)

	return Delta{Text: string(text), Replaced: replace}
}

// tailOverlap returns the length of the longest suffix of tail that equals a
// prefix of frag.
func tailOverlap(tail, frag []rune) int {
	max := len(tail)
	if len(frag) < max {
		max = len(frag)
	}
	for k := max; k > 0; k-- {
		if string(tail[len(tail)-k:]) == string(frag[:k]) {
			return k
		}
	}
	return 0
}

// String returns the full running transcript.
func (b *Builder) String() string { return string(b.runes) }

// Len returns the transcript length in runes.
func (b *Builder) Len() int { return len(b.runes) }

// Frozen returns the rune offset of the frozen boundary.
func (b *Builder) Frozen() int { return b.frozen }

// Unfrozen returns the mutable tail beyond the frozen boundary.
func (b *Builder) Unfrozen() string { return string(b.runes[b.frozen:]) }

// Freeze advances the frozen boundary to the given rune offset. Offsets
// behind the current boundary or past the end are clamped.
func (b *Builder) Freeze(offset int) {
	if offset > len(b.runes) {
		offset = len(b.runes)
	}
	if offset > b.frozen {
		b.frozen = offset
	}
}

// Misses reports how many times sequencing was abandoned best-effort.
func (b *Builder) Misses() int { return b.misses }

// AlnumCount counts the letters and digits in s. Chunk gating uses it to
// avoid flushing spans of pure punctuation or silence markers.
func AlnumCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
