package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"

	"careers/jobboard/internal/model"
)

// Element names are matched by local name, so any namespace prefix the
// recruiting system uses for its extension elements is accepted.
type rssDocument struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title           string `xml:"title"`
	HTMLDescription string `xml:"html-description"`
	Description     string `xml:"description"`
	PubDate         string `xml:"pubDate"`
	Link            string `xml:"link"`
	ReqID           string `xml:"reqId"`
	ReqIDLower      string `xml:"reqid"`
	RequisitionID   string `xml:"requisitionId"`
	Location        string `xml:"location"`
	LocationCountry string `xml:"locationCountry"`
	LocationState   string `xml:"locationState"`
	LocationCity    string `xml:"locationCity"`
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

var (
	utf8BOM      = []byte("\xEF\xBB\xBF")
	encodingDecl = regexp.MustCompile(`^\s*<\?xml[^>]*\sencoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)
)

// Parse decodes an RSS document into raw postings for categoryCode.
// Damaged bytes inside one item never reject the whole document: the body
// is transcoded to UTF-8 first, invalid sequences become U+FFFD and runes
// XML forbids are dropped.
func Parse(r io.Reader, categoryCode string) ([]model.RawPosting, error) {
	body, err := readUTF8(r)
	if err != nil {
		return nil, fmt.Errorf("parse rss: %w", err)
	}

	dec := xml.NewDecoder(bytes.NewReader(body))
	// body is already UTF-8 whatever the declaration says.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	var doc rssDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse rss: %w", err)
	}

	postings := make([]model.RawPosting, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		description := clean(it.HTMLDescription)
		if description == "" {
			description = clean(it.Description)
		}
		postings = append(postings, model.RawPosting{
			ReqID:           parseReqID(it.ReqID, it.ReqIDLower, it.RequisitionID),
			Title:           clean(it.Title),
			Description:     description,
			DescriptionText: PlainText(description),
			PostDate:        parseDate(it.PubDate),
			Link:            clean(it.Link),
			Location:        clean(it.Location),
			LocationCountry: clean(it.LocationCountry),
			LocationState:   clean(it.LocationState),
			LocationCity:    clean(it.LocationCity),
			CategoryCode:    categoryCode,
		})
	}
	return postings, nil
}

// parseReqID returns the first candidate that is a positive integer.
// Zero, negative and non-numeric ids are treated as absent.
func parseReqID(candidates ...string) *int64 {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		id, err := strconv.ParseInt(c, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		return &id
	}
	return nil
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func clean(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// readUTF8 reads the whole document and returns it as clean UTF-8,
// honouring a non-UTF-8 encoding declared in the XML prolog.
func readUTF8(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)

	if m := encodingDecl.FindSubmatch(raw); m != nil {
		label := string(m[1])
		if !strings.EqualFold(label, "utf-8") && !strings.EqualFold(label, "utf8") {
			tr, err := charset.NewReaderLabel(label, bytes.NewReader(raw))
			if err != nil {
				return nil, fmt.Errorf("encoding %q: %w", label, err)
			}
			if raw, err = io.ReadAll(tr); err != nil {
				return nil, fmt.Errorf("transcode %q: %w", label, err)
			}
		}
	}

	s := strings.ToValidUTF8(string(raw), "\uFFFD")
	return []byte(strings.Map(xmlChar, s)), nil
}

// xmlChar keeps runes allowed by the XML 1.0 Char production and drops
// the rest.
func xmlChar(r rune) rune {
	switch {
	case r == '\t', r == '\n', r == '\r',
		r >= 0x20 && r <= 0xD7FF,
		r >= 0xE000 && r <= 0xFFFD,
		r >= 0x10000 && r <= 0x10FFFF:
		return r
	}
	return -1
}
