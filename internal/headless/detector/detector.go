// Package detector recognizes pages that refuse automated access.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultPhrases are the block signals matched when none are configured.
var DefaultPhrases = []string{"access denied", "accès refusé", "access forbidden"}

// Reasons returned alongside a positive detection.
const (
	ReasonEmpty = "empty document"
)

// Phrase matches configured block phrases in the visible page text.
type Phrase struct {
	phrases []string
}

// NewPhrase creates a detector. Blank phrases are ignored; an empty list
// falls back to DefaultPhrases.
func NewPhrase(phrases []string) *Phrase {
	cleaned := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultPhrases...)
	}
	return &Phrase{phrases: cleaned}
}

// Phrases returns the normalized phrase list.
func (p *Phrase) Phrases() []string {
	return append([]string(nil), p.phrases...)
}

// Detect reports whether body carries a block signal and which one.
// An empty document counts as blocked.
func (p *Phrase) Detect(body []byte) (bool, string) {
	if len(bytes.TrimSpace(body)) == 0 {
		return true, ReasonEmpty
	}
	text := strings.ToLower(pageText(body))
	if strings.TrimSpace(text) == "" {
		return true, ReasonEmpty
	}
	for _, phrase := range p.phrases {
		if strings.Contains(text, phrase) {
			return true, "block phrase: " + phrase
		}
	}
	return false, ""
}

// pageText joins the title and the body text. Unparsable markup is matched raw.
func pageText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	doc.Find("script, style, noscript, template").Remove()
	title := doc.Find("title").First().Text()
	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}
	return strings.Join(strings.Fields(title+" "+text), " ")
}
