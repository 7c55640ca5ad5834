package chunk_test

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/kapellhq/kapell/pkg/chunk"
)

// stripSpace drops all whitespace, so reconstruction checks compare content
// regardless of how boundaries collapsed it.
func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func TestSplit_Reconstructs(t *testing.T) {
	t.Parallel()

	texts := []string{
		"The quick brown fox jumps over the lazy dog and keeps on running through the quiet evening fields.",
		"One.",
		strings.Repeat("alpha beta gamma delta epsilon ", 20),
		"nowhitespaceatallinthisratherlongsinglewordthatmustsplitmidword",
	}

	for _, text := range texts {
		chunks := chunk.Split(text, 30, 80)
		joined := stripSpace(strings.Join(chunks, " "))
		if joined != stripSpace(text) {
			t.Errorf("reconstruction mismatch:\n want %q\n  got %q", stripSpace(text), joined)
		}
	}
}

func TestSplit_MultibyteNoWhitespace(t *testing.T) {
	t.Parallel()

	// Three-byte runes with no whitespace anywhere: cuts cannot rely on
	// space snapping and must land on rune boundaries.
	text := strings.Repeat("こんにちは世界。", 40)
	chunks := chunk.Split(text, 30, 80)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	var joined strings.Builder
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8: %q", i, c)
		}
		joined.WriteString(c)
	}
	if joined.String() != text {
		t.Error("concatenation does not reconstruct the input")
	}
}

func TestSplit_MultibyteTinyChunks(t *testing.T) {
	t.Parallel()

	// Targets smaller than one rune must still consume whole runes.
	text := "日本語テキスト"
	chunks := chunk.Split(text, 1, 2)
	var joined strings.Builder
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8: %q", i, c)
		}
		joined.WriteString(c)
	}
	if joined.String() != text {
		t.Errorf("reconstruction mismatch: want %q, got %q", text, joined.String())
	}
}

func TestSplit_UnicodeWhitespaceBoundary(t *testing.T) {
	t.Parallel()

	// Ideographic space (U+3000) counts as a boundary and is trimmed from
	// chunk starts like ASCII whitespace.
	word := strings.Repeat("語", 12)
	text := strings.Repeat(word+"　", 8)
	chunks := chunk.Split(text, 30, 80)
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8: %q", i, c)
		}
		if r, _ := utf8.DecodeRuneInString(c); unicode.IsSpace(r) {
			t.Errorf("chunk %d starts with whitespace: %q", i, c)
		}
	}
	if got := stripSpace(strings.Join(chunks, "")); got != stripSpace(text) {
		t.Error("reconstruction mismatch for ideographic-space text")
	}
}

func TestSplit_ChunkBounds(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("lorem ipsum dolor sit amet consectetur ", 30)
	chunks := chunk.Split(text, 30, 80)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c == "" {
			t.Errorf("chunk %d is empty", i)
		}
		if len(c) > 80 {
			t.Errorf("chunk %d exceeds max: %d bytes", i, len(c))
		}
		if strings.HasPrefix(c, " ") {
			t.Errorf("chunk %d has leading whitespace: %q", i, c)
		}
	}
}

func TestSplit_Empty(t *testing.T) {
	t.Parallel()

	if got := chunk.Split("", 30, 80); got != nil {
		t.Errorf("empty input: want nil, got %v", got)
	}
	if got := chunk.Split("   \n\t ", 30, 80); got != nil {
		t.Errorf("whitespace input: want nil, got %v", got)
	}
}

func TestSplit_ShortInputSingleChunk(t *testing.T) {
	t.Parallel()

	got := chunk.Split("hi there", 30, 80)
	if len(got) != 1 || got[0] != "hi there" {
		t.Errorf("short input: want one chunk %q, got %v", "hi there", got)
	}
}

func TestStream_DeliversAllChunks(t *testing.T) {
	t.Parallel()

	in := []string{"a", "b", "c"}
	var out []string
	for c := range chunk.Stream(context.Background(), in, 0) {
		out = append(out, c)
	}
	if len(out) != 3 || out[0] != "a" || out[2] != "c" {
		t.Errorf("stream output: want %v, got %v", in, out)
	}
}

func TestStream_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	ch := chunk.Stream(ctx, []string{"a", "b", "c"}, time.Hour)

	if first, ok := <-ch; !ok || first != "a" {
		t.Fatalf("first chunk: want a, got %q (ok=%v)", first, ok)
	}
	cancel()

	// The channel must close promptly despite the hour-long delay.
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("want closed channel after cancel, got another chunk")
		}
	case <-time.After(2 * time.Second):
		t.Error("stream did not close after cancellation")
	}
}

func TestStream_EmptyInput(t *testing.T) {
	t.Parallel()

	ch := chunk.Stream(context.Background(), nil, 0)
	if _, ok := <-ch; ok {
		t.Error("empty stream must close without yielding")
	}
}
