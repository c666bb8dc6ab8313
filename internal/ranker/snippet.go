package ranker

import (
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/searchcore/internal/index"
)

// snippetScanBytes bounds how much content is scanned for a snippet window.
const snippetScanBytes = 32 << 10

type span struct {
	start, end int // byte offsets
	surface    string
}

// matches returns the spans of text whose analyzed terms hit q.
func matches(a *index.Analyzer, text, lang string, q Query) []span {
	terms := make(map[string]struct{})
	for _, g := range q.Groups {
		for _, t := range g {
			terms[t] = struct{}{}
		}
	}
	var out []span
	for _, tok := range a.Analyze(text, lang) {
		_, stemHit := terms[tok.Term]
		_, rawHit := terms[strings.ToLower(tok.Surface)]
		if stemHit || rawHit {
			out = append(out, span{start: tok.Start, end: tok.End, surface: tok.Surface})
		}
	}
	return out
}

func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// buildSnippet picks the window of at most width runes holding the most
// query matches and wraps each match in <mark>.
func buildSnippet(a *index.Analyzer, e index.Entry, q Query, width int) (string, []string) {
	content := truncateUTF8(e.Content, snippetScanBytes)
	found := matches(a, content, e.Language, q)

	highlights := []string{}
	seen := make(map[string]struct{})
	addHighlights := func(spans []span) {
		for _, s := range spans {
			key := strings.ToLower(s.surface)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			highlights = append(highlights, s.surface)
		}
	}
	addHighlights(matches(a, e.Title, e.Language, q))
	addHighlights(matches(a, e.Description, e.Language, q))

	// runeAt[i] is the byte offset of rune i; the final element is len(content).
	runeAt := make([]int, 0, len(content)+1)
	for i := range content {
		runeAt = append(runeAt, i)
	}
	runeAt = append(runeAt, len(content))
	total := len(runeAt) - 1
	runeIndex := func(b int) int { return sort.SearchInts(runeAt, b) }

	if len(found) == 0 {
		end := min(width, total)
		return html.EscapeString(content[:runeAt[end]]), highlights
	}

	bestI, bestJ := 0, 0
	j := 0
	for i := range found {
		if j < i {
			j = i
		}
		for j+1 < len(found) && runeIndex(found[j+1].end)-runeIndex(found[i].start) <= width {
			j++
		}
		if j-i > bestJ-bestI {
			bestI, bestJ = i, j
		}
	}
	window := found[bestI : bestJ+1]

	startRune := runeIndex(window[0].start)
	endRune := runeIndex(window[len(window)-1].end)
	if endRune-startRune > width {
		// A single match longer than the window.
		endRune = startRune + width
	}
	slack := width - (endRune - startRune)
	startRune = max(0, startRune-slack/2)
	endRune = min(total, startRune+width)
	if endRune-startRune < width {
		startRune = max(0, endRune-width)
	}
	from, to := runeAt[startRune], runeAt[endRune]

	var b strings.Builder
	cursor := from
	var inWindow []span
	for _, s := range found {
		if s.start < from || s.end > to {
			continue
		}
		b.WriteString(html.EscapeString(content[cursor:s.start]))
		b.WriteString("<mark>")
		b.WriteString(html.EscapeString(content[s.start:s.end]))
		b.WriteString("</mark>")
		cursor = s.end
		inWindow = append(inWindow, s)
	}
	b.WriteString(html.EscapeString(content[cursor:to]))
	addHighlights(inWindow)
	return b.String(), highlights
}
