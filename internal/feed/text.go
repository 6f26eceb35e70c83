package feed

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PlainText renders an HTML fragment as whitespace-collapsed text. Keyword
// search runs against this so markup and attribute values never match.
// Input that is not HTML comes back with only its whitespace collapsed.
func PlainText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return strings.Join(strings.Fields(html), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.Join(strings.Fields(html), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
