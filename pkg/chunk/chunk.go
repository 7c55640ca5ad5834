// Package chunk turns a final assistant text into a lazy sequence of
// speech-partial chunks.
//
// Chunk boundaries are randomised within a [min, max] byte range and snapped
// back to the previous whitespace so words are not cut mid-way. Text without
// any whitespace (CJK prose, long tokens) is cut on rune boundaries instead,
// so every chunk is valid UTF-8 on its own. [Stream] replays a chunk list
// over a channel with an optional inter-chunk delay, which is what gives
// clients their progressive speech-partial cadence when the underlying
// provider has no true token stream.
package chunk

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// DefaultMin is the default minimum chunk length in bytes.
const DefaultMin = 30

// DefaultMax is the default maximum chunk length in bytes.
const DefaultMax = 80

// Split cuts text into chunks whose target length is uniformly random in
// [minChunk, maxChunk] bytes. The boundary snaps to the last whitespace
// before the target when that whitespace lies past cursor+minChunk/2, so
// chunks neither break words nor leave tiny trailing fragments; without a
// usable whitespace the boundary snaps back to the nearest rune start, so a
// cut never lands inside a multi-byte rune. Whitespace here means
// [unicode.IsSpace], not just ASCII. Leading whitespace is trimmed from
// every chunk. Empty or all-whitespace input yields nil.
//
// Concatenating the chunks reconstructs text up to one collapsed whitespace
// per boundary.
func Split(text string, minChunk, maxChunk int) []string {
	if minChunk <= 0 {
		minChunk = DefaultMin
	}
	if maxChunk < minChunk {
		maxChunk = minChunk
	}

	var chunks []string
	cursor := 0
	for cursor < len(text) {
		// Skip the boundary whitespace consumed by the previous snap.
		for cursor < len(text) {
			r, size := utf8.DecodeRuneInString(text[cursor:])
			if !unicode.IsSpace(r) {
				break
			}
			cursor += size
		}
		if cursor >= len(text) {
			break
		}

		target := cursor + minChunk + rand.IntN(maxChunk-minChunk+1)
		if target >= len(text) {
			chunks = append(chunks, strings.TrimLeftFunc(text[cursor:], unicode.IsSpace))
			break
		}

		cut := target
		if idx := lastSpaceBefore(text, cursor, target); idx > cursor+minChunk/2 {
			cut = idx
		} else {
			// No usable whitespace: keep the cut on a rune boundary, and
			// always consume at least one rune so the loop advances.
			for cut > cursor && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut <= cursor {
				_, size := utf8.DecodeRuneInString(text[cursor:])
				cut = cursor + size
			}
		}
		chunks = append(chunks, strings.TrimLeftFunc(text[cursor:cut], unicode.IsSpace))
		cursor = cut
	}
	return chunks
}

// Stream replays chunks over a read-only channel, yielding each chunk and
// then cooperatively suspending for delay when positive. The channel is
// closed when all chunks are delivered or when ctx is cancelled, so the
// sequence is finite and single-pass.
func Stream(ctx context.Context, chunks []string, delay time.Duration) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for i, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
			if delay > 0 && i < len(chunks)-1 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

// lastSpaceBefore returns the byte index of the last whitespace rune in
// text(from, before), or -1 if there is none. The returned index is always a
// rune boundary.
func lastSpaceBefore(text string, from, before int) int {
	last := -1
	for i := from; i < before; {
		r, size := utf8.DecodeRuneInString(text[i:])
		if i > from && unicode.IsSpace(r) {
			last = i
		}
		i += size
	}
	return last
}
