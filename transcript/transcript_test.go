package transcript

import (
	"math/rand"
	"strings"
	"testing"
)

func TestApplyAppends(t *testing.T) {
	b := NewBuilder(nil)

	b.Apply(Fragment{Seq: 1, Text: "the cat"})
	b.Apply(Fragment{Seq: 2, Text: " sat on the"})

	if got := b.String(); got != "the cat sat on the" {
		t.Errorf("transcript = %q, want %q", got, "the cat sat on the")
	}
}

func TestApplyDeclaredCorrection(t *testing.T) {
	b := NewBuilder(nil)

	b.Apply(Fragment{Seq: 1, Text: "the cat sad"})
	deltas := b.Apply(Fragment{Seq: 2, Text: "sat on the mat", Replace: 3})

	if got := b.String(); got != "the cat sat on the mat" {
		t.Errorf("transcript = %q, want %q", got, "the cat sat on the mat")
	}
	if len(deltas) != 1 || deltas[0].Replaced != 3 {
		t.Errorf("deltas = %+v, want one delta replacing 3 runes", deltas)
	}
}

func TestApplyDetectsUndeclaredOverlap(t *testing.T) {
	b := NewBuilder(nil)

	b.Apply(Fragment{Seq: 1, Text: "the cat sat on the"})
	// Rolling-window engines re-emit the revised tail without declaring
	// the replacement span.
	b.Apply(Fragment{Seq: 2, Text: "the cat sat on the mat quietly"})

	if got := b.String(); got != "the cat sat on the mat quietly" {
		t.Errorf("transcript = %q, want %q", got, "the cat sat on the mat quietly")
	}
}

func TestFrozenTextNeverAltered(t *testing.T) {
	b := NewBuilder(nil)

	b.Apply(Fragment{Seq: 1, Text: "hello world"})
	b.Freeze(6) // "hello " is chunked and sent

	// Correction claims to supersede the whole transcript. Only the
	// unfrozen remainder may change; the conflicting prefix is discarded.
	b.Apply(Fragment{Seq: 2, Text: "hello earth", Replace: 11})

	if got := b.String(); !strings.HasPrefix(got, "hello ") {
		t.Fatalf("frozen prefix altered: %q", got)
	}
	if got := b.String(); got != "hello earth" {
		t.Errorf("transcript = %q, want %q", got, "hello earth")
	}
	if b.Frozen() != 6 {
		t.Errorf("frozen boundary = %d, want 6", b.Frozen())
	}
}

func TestReplayedFragmentIsIdempotent(t *testing.T) {
	b := NewBuilder(nil)

	b.Apply(Fragment{Seq: 1, Text: "hello"})
	b.Apply(Fragment{Seq: 2, Text: " world"})
	deltas := b.Apply(Fragment{Seq: 2, Text: " world"})

	if deltas != nil {
		t.Errorf("replay produced deltas: %+v", deltas)
	}
	if got := b.String(); got != "hello world" {
		t.Errorf("transcript = %q, want %q", got, "hello world")
	}
}

func TestOutOfOrderFragmentsApplyInSequence(t *testing.T) {
	b := NewBuilder(nil)

	if deltas := b.Apply(Fragment{Seq: 2, Text: " world"}); deltas != nil {
		t.Fatalf("early fragment applied immediately: %+v", deltas)
	}
	deltas := b.Apply(Fragment{Seq: 1, Text: "hello"})

	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want 2 (buffered fragment should drain)", len(deltas))
	}
	if got := b.String(); got != "hello world" {
		t.Errorf("transcript = %q, want %q", got, "hello world")
	}
}

func TestReconciliationMissFallsBackToAppend(t *testing.T) {
	b := NewBuilder(nil)

	b.Apply(Fragment{Seq: 1, Text: "a"})
	// Seq 2 never arrives. Flood the pending buffer past its bound.
	for seq := 3; seq <= 3+MaxPending; seq++ {
		b.Apply(Fragment{Seq: seq, Text: "x"})
	}

	if b.Misses() != 1 {
		t.Errorf("misses = %d, want 1", b.Misses())
	}
	want := "a" + strings.Repeat("x", MaxPending+1)
	if got := b.String(); got != want {
		t.Errorf("transcript = %q, want %q", got, want)
	}

	// The builder must keep accepting fragments after a miss.
	b.Apply(Fragment{Seq: 3 + MaxPending + 1, Text: "y"})
	if got := b.String(); got != want+"y" {
		t.Errorf("transcript after miss = %q, want %q", got, want+"y")
	}
}

func TestNegativeReplaceIsTreatedAsAppend(t *testing.T) {
	b := NewBuilder(nil)

	deltas := b.Apply(Fragment{Seq: 1, Text: "abc", Replace: -2})

	if got := b.String(); got != "abc" {
		t.Errorf("transcript = %q, want %q", got, "abc")
	}
	if len(deltas) != 1 || deltas[0].Replaced != 0 {
		t.Errorf("deltas = %+v, want one plain append", deltas)
	}

	// Same with existing text behind it.
	b.Apply(Fragment{Seq: 2, Text: "def", Replace: -100})
	if got := b.String(); got != "abcdef" {
		t.Errorf("transcript = %q, want %q", got, "abcdef")
	}
}

func TestFreezeClamps(t *testing.T) {
	b := NewBuilder(nil)
	b.Apply(Fragment{Seq: 1, Text: "abc"})

	b.Freeze(100)
	if b.Frozen() != 3 {
		t.Errorf("frozen = %d, want clamp to 3", b.Frozen())
	}
	b.Freeze(1)
	if b.Frozen() != 3 {
		t.Errorf("frozen boundary moved backwards to %d", b.Frozen())
	}
}

// Property: across randomized fragment sequences with injected corrections
// and periodic freezes, text behind the frozen boundary never changes.
func TestFrozenInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	words := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}

	for round := 0; round < 50; round++ {
		b := NewBuilder(nil)
		var frozenSnapshot string

		for seq := 1; seq <= 40; seq++ {
			text := " " + words[rng.Intn(len(words))]
			replace := 0
			if rng.Intn(3) == 0 && b.Len() > 0 {
				// Corrections may declare spans larger than what is
				// actually mutable.
				replace = rng.Intn(b.Len() + 2)
			}
			b.Apply(Fragment{Seq: seq, Text: text, Replace: replace})

			if rng.Intn(4) == 0 {
				b.Freeze(b.Frozen() + rng.Intn(b.Len()-b.Frozen()+1))
				frozenSnapshot = string([]rune(b.String())[:b.Frozen()])
			}

			if got := string([]rune(b.String())[:b.Frozen()]); got != frozenSnapshot {
				t.Fatalf("round %d seq %d: frozen prefix changed from %q to %q",
					round, seq, frozenSnapshot, got)
			}
		}
	}
}

func TestAlnumCount(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"...", 0},
		{"hi", 2},
		{"a b c!", 3},
		{"héllo 123", 8},
	}
	for _, c := range cases {
		if got := AlnumCount(c.in); got != c.want {
			t.Errorf("AlnumCount(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
