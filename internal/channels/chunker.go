package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// SplitMessage breaks text into chunks no wider than limit display
// cells, preferring paragraph breaks, then line breaks, then word
// boundaries. A zero or negative limit returns the text unchanged.
func SplitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || runewidth.StringWidth(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentWidth := 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentWidth = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		w := runewidth.StringWidth(para)
		sep := 0
		if currentWidth > 0 {
			sep = 2 // the "\n\n" between paragraphs
		}
		if currentWidth+sep+w <= limit {
			if currentWidth > 0 {
				current.WriteString("\n\n")
				currentWidth += 2
			}
			current.WriteString(para)
			currentWidth += w
			continue
		}
		flush()
		if w <= limit {
			current.WriteString(para)
			currentWidth = w
			continue
		}
		for _, piece := range splitWords(para, limit) {
			chunks = append(chunks, piece)
		}
	}
	flush()
	return chunks
}

// splitWords packs words up to the limit, hard-splitting any single word
// wider than the limit.
func splitWords(text string, limit int) []string {
	var out []string
	var current strings.Builder
	currentWidth := 0

	for _, word := range strings.Fields(text) {
		w := runewidth.StringWidth(word)
		if w > limit {
			if currentWidth > 0 {
				out = append(out, current.String())
				current.Reset()
				currentWidth = 0
			}
			out = append(out, hardSplit(word, limit)...)
			continue
		}
		sep := 0
		if currentWidth > 0 {
			sep = 1
		}
		if currentWidth+sep+w > limit {
			out = append(out, current.String())
			current.Reset()
			currentWidth = 0
			sep = 0
		}
		if sep == 1 {
			current.WriteByte(' ')
			currentWidth++
		}
		current.WriteString(word)
		currentWidth += w
	}
	if currentWidth > 0 {
		out = append(out, current.String())
	}
	return out
}

func hardSplit(word string, limit int) []string {
	var out []string
	var current strings.Builder
	currentWidth := 0
	for _, r := range word {
		w := runewidth.RuneWidth(r)
		if currentWidth+w > limit && currentWidth > 0 {
			out = append(out, current.String())
			current.Reset()
			currentWidth = 0
		}
		current.WriteRune(r)
		currentWidth += w
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}
