// Package chunker splits long memory text into extraction-sized windows.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

const (
	DefaultMaxWords     = 400
	DefaultOverlapWords = 40
)

// Chunk is one window of a memory's text.
type Chunk struct {
	ID        string
	Text      string
	Index     int
	WordCount int
}

// Chunker splits text into overlapping windows. Blank lines and list items are
// hard boundaries; inside a paragraph, sentences are kept whole.
type Chunker struct {
	MaxWords     int
	OverlapWords int
}

// Chunk splits text. Text that fits in one window comes back as a single chunk
// whose Text is the trimmed input.
func (c *Chunker) Chunk(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return []Chunk{}
	}

	maxWords := c.MaxWords
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	overlap := c.OverlapWords
	if overlap < 0 {
		overlap = 0
	} else if overlap == 0 {
		overlap = DefaultOverlapWords
	}
	if overlap >= maxWords {
		overlap = maxWords / 2
	}

	if wordCount(text) <= maxWords {
		return []Chunk{newChunk(text, 0)}
	}

	var (
		chunks  []Chunk
		window  []string
		inCount int
		pending int // units added since the last flush
	)
	flush := func() {
		chunks = append(chunks, newChunk(strings.Join(window, "\n"), len(chunks)))
		window = tail(window, overlap)
		inCount = countAll(window)
		pending = 0
	}

	for _, unit := range units(text) {
		n := wordCount(unit)
		if inCount+n > maxWords && pending > 0 {
			flush()
			// The overlap alone may not leave room; start clean.
			if inCount+n > maxWords {
				window, inCount = nil, 0
			}
		}
		window = append(window, unit)
		inCount += n
		pending++
	}
	if pending > 0 {
		flush()
	}
	return chunks
}

func newChunk(text string, index int) Chunk {
	return Chunk{
		ID:        chunkID(text, index),
		Text:      text,
		Index:     index,
		WordCount: wordCount(text),
	}
}

// units breaks text into paragraphs and list items, then sentences.
func units(text string) []string {
	var out []string
	for _, block := range blocks(text) {
		out = append(out, sentences(block)...)
	}
	return out
}

// blocks splits on blank lines and on lines starting a list item.
func blocks(text string) []string {
	var (
		out     []string
		current []string
	)
	emit := func() {
		if len(current) > 0 {
			out = append(out, strings.Join(current, " "))
			current = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			emit()
		case isListItem(trimmed):
			emit()
			current = append(current, trimmed)
		default:
			current = append(current, trimmed)
		}
	}
	emit()
	return out
}

func isListItem(line string) bool {
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
		return true
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i+1 < len(line) && line[i] == '.' && line[i+1] == ' '
}

// sentences splits on ., ! or ? followed by whitespace or end of text.
func sentences(block string) []string {
	var (
		out     []string
		current strings.Builder
	)
	runes := []rune(block)
	for i, r := range runes {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && (i+1 >= len(runes) || unicode.IsSpace(runes[i+1])) {
			if s := strings.TrimSpace(current.String()); s != "" {
				out = append(out, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// wordCount approximates tokens by whitespace-separated words.
func wordCount(text string) int {
	return len(strings.Fields(text))
}

func countAll(units []string) int {
	total := 0
	for _, u := range units {
		total += wordCount(u)
	}
	return total
}

// tail returns the trailing units holding at most overlap words. A single unit
// larger than overlap is not carried.
func tail(units []string, overlap int) []string {
	if overlap == 0 || len(units) == 0 {
		return nil
	}
	total := 0
	start := len(units)
	for i := len(units) - 1; i >= 0; i-- {
		n := wordCount(units[i])
		if total+n > overlap {
			break
		}
		total += n
		start = i
	}
	return append([]string(nil), units[start:]...)
}

// chunkID is derived from content and position so re-chunking the same text
// yields the same ids.
func chunkID(text string, index int) string {
	hash := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s-%d", hex.EncodeToString(hash[:8]), index)
}
