package synthesis

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

const DefaultWordsPerGroup = 12

// WordGrouper turns streamed text into word groups for synthesis. It
// prefers cutting at sentence ends and always holds back at least one word
// so the last group can be sent with the end flag.
type WordGrouper struct {
	target int
	min    int
	max    int

	words []string
	tail  string
}

func NewWordGrouper(target int) *WordGrouper {
	if target <= 0 {
		target = DefaultWordsPerGroup
	}
	lo := target - 2
	if lo < 1 {
		lo = 1
	}
	return &WordGrouper{target: target, min: lo, max: target + 3}
}

// Add appends streamed text and returns any groups that are ready.
func (g *WordGrouper) Add(delta string) []string {
	if delta == "" {
		return nil
	}
	text := g.tail + delta
	fields := strings.Fields(text)
	g.tail = ""
	if len(fields) > 0 && !endsWithSpace(text) {
		g.tail = fields[len(fields)-1]
		fields = fields[:len(fields)-1]
	}
	g.words = append(g.words, fields...)

	var groups []string
	for len(g.words) > g.max {
		cut := g.cutPoint()
		groups = append(groups, strings.Join(g.words[:cut], " "))
		g.words = g.words[cut:]
	}
	return groups
}

// Flush returns everything still buffered as one group.
func (g *WordGrouper) Flush() string {
	words := g.words
	if g.tail != "" {
		words = append(words, g.tail)
	}
	out := strings.Join(words, " ")
	g.Reset()
	return out
}

func (g *WordGrouper) Reset() {
	g.words = nil
	g.tail = ""
}

// Pending is the number of buffered words, counting a partial trailing word.
func (g *WordGrouper) Pending() int {
	n := len(g.words)
	if g.tail != "" {
		n++
	}
	return n
}

func (g *WordGrouper) cutPoint() int {
	best := 0
	for _, b := range sentenceEnds(g.words[:g.max]) {
		if b < g.min || b > g.max {
			continue
		}
		if best == 0 || abs(b-g.target) < abs(best-g.target) {
			best = b
		}
	}
	if best == 0 {
		return g.target
	}
	return best
}

// sentenceEnds returns word counts at which a sentence finishes.
func sentenceEnds(words []string) []int {
	text := strings.Join(words, " ")
	doc, err := prose.NewDocument(text,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return terminatorEnds(words)
	}

	var ends []int
	count := 0
	for _, s := range doc.Sentences() {
		count += len(strings.Fields(s.Text))
		if endsWithTerminator(s.Text) {
			ends = append(ends, count)
		}
	}
	return ends
}

func terminatorEnds(words []string) []int {
	var ends []int
	for i, w := range words {
		if endsWithTerminator(w) {
			ends = append(ends, i+1)
		}
	}
	return ends
}

func endsWithTerminator(s string) bool {
	s = strings.TrimRight(s, " \t\n\r\"')")
	if s == "" {
		return false
	}
	last := s[len(s)-1]
	return last == '.' || last == '!' || last == '?'
}

func endsWithSpace(s string) bool {
	if s == "" {
		return false
	}
	r := rune(s[len(s)-1])
	return unicode.IsSpace(r)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
