// Package chunker splits plain text into bounded, slightly overlapping
// retrieval units. Splitting is a pure function of the text and the
// options, so the same input always regenerates the same pieces.
package chunker

import (
	"regexp"
	"strings"
)

const (
	DefaultMaxRunes     = 1200
	DefaultOverlapRunes = 200
)

var sentencePattern = regexp.MustCompile(`(?m)(?U)([^.!?\n]+[.!?\n])`)

// Options configures chunk sizing. Overlap must be smaller than MaxRunes.
type Options struct {
	MaxRunes     int
	OverlapRunes int
}

func DefaultOptions() Options {
	return Options{
		MaxRunes:     DefaultMaxRunes,
		OverlapRunes: DefaultOverlapRunes,
	}
}

// Piece is one chunk of the input text, ordered by Seq.
type Piece struct {
	Seq  int
	Text string
}

// Split cuts text into pieces of at most MaxRunes runes, carrying
// OverlapRunes runes of trailing context into the next piece. Cuts land on
// sentence boundaries where possible.
func Split(text string, opts Options) []Piece {
	if opts.MaxRunes <= 0 {
		opts = DefaultOptions()
	}
	if opts.OverlapRunes < 0 {
		opts.OverlapRunes = 0
	}
	if opts.OverlapRunes >= opts.MaxRunes {
		opts.OverlapRunes = opts.MaxRunes / 4
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= opts.MaxRunes {
		return []Piece{{Seq: 0, Text: text}}
	}

	sentences := splitSentences(text)

	var pieces []Piece
	var current []string
	currentRunes := 0
	seq := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(current, " "))
		if joined == "" {
			current = nil
			currentRunes = 0
			return
		}
		pieces = append(pieces, Piece{Seq: seq, Text: joined})
		seq++

		// Seed the next piece with trailing sentences up to the overlap.
		var carry []string
		carryRunes := 0
		for i := len(current) - 1; i >= 0; i-- {
			r := len([]rune(current[i]))
			if carryRunes+r > opts.OverlapRunes {
				break
			}
			carry = append([]string{current[i]}, carry...)
			carryRunes += r
		}
		current = carry
		currentRunes = carryRunes
	}

	for _, sentence := range sentences {
		r := len([]rune(sentence))
		if r > opts.MaxRunes {
			// Oversized sentence: flush what we have and hard-cut it.
			flush()
			for _, part := range hardCut(sentence, opts.MaxRunes) {
				pieces = append(pieces, Piece{Seq: seq, Text: part})
				seq++
			}
			current = nil
			currentRunes = 0
			continue
		}
		if currentRunes+r > opts.MaxRunes && len(current) > 0 {
			flush()
		}
		current = append(current, sentence)
		currentRunes += r
	}
	flush()

	return pieces
}

func splitSentences(text string) []string {
	spans := sentencePattern.FindAllStringIndex(text, -1)
	out := make([]string, 0, len(spans)+1)
	last := 0
	emit := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	for _, span := range spans {
		if span[0] > last {
			emit(text[last:span[0]])
		}
		emit(text[span[0]:span[1]])
		last = span[1]
	}
	if last < len(text) {
		emit(text[last:])
	}
	if len(out) == 0 {
		emit(text)
	}
	return out
}

func hardCut(s string, maxRunes int) []string {
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += maxRunes {
		end := start + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
