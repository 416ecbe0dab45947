// Package chunker splits extracted document text into overlapping,
// token-bounded chunks suitable for embedding. Chunk id assignment is
// deterministic, so re-chunking an unchanged document is idempotent.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrBadConfig reports an invalid maxTokens/overlapTokens combination.
var ErrBadConfig = errors.New("chunker: overlap must be smaller than max tokens")

// ErrEmptyText reports that extraction produced no usable text.
var ErrEmptyText = errors.New("chunker: empty text")

// Unit is one extraction unit: a run of text plus the page or slide it came from.
type Unit struct {
	Text    string
	PageRef string
}

// Chunk is a bounded, indexable unit of document text. Chunks are contiguous
// and non-overlapping in sequence number; their text may overlap by the
// configured token window.
type Chunk struct {
	ID          string
	DocumentID  string
	Seq         int
	Text        string
	TokenCount  int
	PageRef     string
	Offset      int // token offset of the chunk's first non-overlap token
	ContentHash string
}

// Split chunks the extraction units of one document. Sentences are kept whole
// where possible; a sentence longer than maxTokens is hard-cut on token
// boundaries. Each chunk after the first within a unit carries the trailing
// overlapTokens of its predecessor.
func Split(documentID string, units []Unit, maxTokens, overlapTokens int) ([]Chunk, error) {
	if maxTokens <= 0 || overlapTokens < 0 || overlapTokens >= maxTokens {
		return nil, ErrBadConfig
	}
	var chunks []Chunk
	seq := 0
	offset := 0
	for _, unit := range units {
		var cur []string
		var carry []string // overlap tail from the previous chunk in this unit

		flush := func(pageRef string) {
			if len(cur) == 0 {
				return
			}
			text := strings.Join(append(append([]string{}, carry...), cur...), " ")
			chunks = append(chunks, newChunk(documentID, seq, text, len(carry)+len(cur), pageRef, offset))
			seq++
			offset += len(cur)
			if overlapTokens > 0 {
				tail := cur
				if len(tail) > overlapTokens {
					tail = tail[len(tail)-overlapTokens:]
				}
				carry = append([]string{}, tail...)
			}
			cur = nil
		}

		for _, sentence := range splitSentences(unit.Text) {
			tokens := strings.Fields(sentence)
			if len(tokens) == 0 {
				continue
			}
			// A sentence that can never fit is hard-cut on token boundaries.
			if len(tokens) > maxTokens-overlapTokens {
				flush(unit.PageRef)
				for start := 0; start < len(tokens); {
					room := maxTokens - overlapTokens - len(cur)
					end := start + room
					if end > len(tokens) {
						end = len(tokens)
					}
					cur = append(cur, tokens[start:end]...)
					start = end
					if len(cur) >= maxTokens-overlapTokens {
						flush(unit.PageRef)
					}
				}
				continue
			}

			if len(carry)+len(cur)+len(tokens) > maxTokens {
				flush(unit.PageRef)
			}
			cur = append(cur, tokens...)
		}
		flush(unit.PageRef)
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}
	return chunks, nil
}

func newChunk(documentID string, seq int, text string, tokenCount int, pageRef string, offset int) Chunk {
	sum := sha256.Sum256([]byte(text))
	return Chunk{
		ID:          ChunkID(documentID, seq),
		DocumentID:  documentID,
		Seq:         seq,
		Text:        text,
		TokenCount:  tokenCount,
		PageRef:     pageRef,
		Offset:      offset,
		ContentHash: hex.EncodeToString(sum[:]),
	}
}

// ChunkID derives the deterministic chunk id for a document and sequence number.
func ChunkID(documentID string, seq int) string {
	return fmt.Sprintf("%s:%04d", documentID, seq)
}

// splitSentences breaks text on sentence terminators and blank lines. It is a
// heuristic: abbreviations may over-split, which only costs chunk compactness.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		b.WriteRune(r)
		boundary := false
		switch r {
		case '.', '!', '?':
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				boundary = true
			}
		case '\n':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				boundary = true
			}
		}
		if boundary {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}
