// Package extract pulls result links out of rendered search pages.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultResultSelector matches one organic search result.
const DefaultResultSelector = "div.g"

// Extractor finds the first anchor of every result container.
type Extractor struct {
	selector string
}

// New returns an Extractor for the given container selector.
func New(selector string) *Extractor {
	if strings.TrimSpace(selector) == "" {
		selector = DefaultResultSelector
	}
	return &Extractor{selector: selector}
}

// Links returns the href of the first anchor inside each result container,
// in document order. Containers without an anchor are skipped and
// duplicates are kept. A page with no containers yields an empty slice.
func (e *Extractor) Links(document string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	links := []string{}
	doc.Find(e.selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Find("a[href]").First().Attr("href")
		if !ok {
			return
		}
		links = append(links, strings.TrimSpace(href))
	})
	return links, nil
}
