package stats

import (
	"sort"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "à": {}, "au": {}, "aux": {}, "avec": {}, "ce": {}, "ces": {}, "cet": {}, "cette": {},
	"d": {}, "dans": {}, "de": {}, "des": {}, "du": {}, "en": {}, "et": {}, "est": {}, "il": {},
	"je": {}, "l": {}, "la": {}, "le": {}, "les": {}, "leur": {}, "ma": {}, "mais": {}, "me": {},
	"mes": {}, "mon": {}, "ne": {}, "nous": {}, "on": {}, "ou": {}, "où": {}, "par": {}, "pas": {},
	"pour": {}, "qu": {}, "que": {}, "qui": {}, "sa": {}, "se": {}, "ses": {}, "son": {}, "sur": {},
	"ta": {}, "te": {}, "tes": {}, "ton": {}, "tu": {}, "un": {}, "une": {}, "vos": {}, "votre": {},
	"vous": {}, "y": {},
	"an": {}, "and": {}, "are": {}, "for": {}, "how": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"or": {}, "the": {}, "to": {}, "what": {}, "with": {},
}

// Tokenize lowercases a title, strips punctuation, splits on whitespace and
// drops stop words.
func Tokenize(title string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		case r == '\'' || r == '’' || r == '-':
			// elisions and compounds split rather than glue words together
			return ' '
		default:
			return -1
		}
	}, title)

	out := make([]string, 0)
	for _, tok := range strings.Fields(cleaned) {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// TopicCounter counts tokens and remembers the order in which each token was
// first seen. The zero value is ready to use.
type TopicCounter struct {
	counts map[string]int
	order  []string
}

func NewTopicCounter() *TopicCounter {
	return &TopicCounter{}
}

func (c *TopicCounter) Add(token string, n int) {
	if n <= 0 || token == "" {
		return
	}
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	if _, ok := c.counts[token]; !ok {
		c.order = append(c.order, token)
	}
	c.counts[token] += n
}

func (c *TopicCounter) AddTitle(title string) {
	for _, tok := range Tokenize(title) {
		c.Add(tok, 1)
	}
}

func (c *TopicCounter) Count(token string) int {
	if c == nil {
		return 0
	}
	return c.counts[token]
}

func (c *TopicCounter) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// Merge adds other's counts; tokens new to c keep other's insertion order.
func (c *TopicCounter) Merge(other *TopicCounter) {
	if other == nil {
		return
	}
	for _, tok := range other.order {
		c.Add(tok, other.counts[tok])
	}
}

// Top returns at most k tokens by descending count; ties keep first-insertion
// order.
func (c *TopicCounter) Top(k int) []Topic {
	if c == nil || k <= 0 {
		return []Topic{}
	}
	out := make([]Topic, 0, len(c.order))
	for _, tok := range c.order {
		out = append(out, Topic{Name: tok, Count: c.counts[tok]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	if k < len(out) {
		out = out[:k]
	}
	return out
}

type Topic struct {
	Name  string
	Count int
}
