package feed_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careers/jobboard/internal/feed"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:job="http://example.com/job">
  <channel>
    <title>Finance jobs</title>
    <item>
      <title>  Senior Accountant </title>
      <job:html-description><![CDATA[<p>Close the <b>books</b>.</p><script>x()</script>]]></job:html-description>
      <description>plain fallback</description>
      <pubDate>Mon, 02 Jan 2006 15:04:05 -0700</pubDate>
      <link>https://jobs.example.com/101</link>
      <job:reqId>101</job:reqId>
      <job:location>New York, NY</job:location>
      <job:locationCountry>US</job:locationCountry>
      <job:locationState>NY</job:locationState>
      <job:locationCity>New York</job:locationCity>
    </item>
    <item>
      <title>Payroll Clerk</title>
      <description>Run payroll</description>
      <pubDate>not a date</pubDate>
      <link>https://jobs.example.com/unkeyed</link>
      <location>Austin, TX</location>
    </item>
    <item>
      <title>Auditor</title>
      <requisitionId>0</requisitionId>
      <reqid>205</reqid>
      <pubDate>2024-03-05</pubDate>
    </item>
  </channel>
</rss>`

func TestParse(t *testing.T) {
	items, err := feed.Parse(strings.NewReader(sampleFeed), "4396")
	require.NoError(t, err)
	require.Len(t, items, 3)

	first := items[0]
	require.NotNil(t, first.ReqID)
	assert.Equal(t, int64(101), *first.ReqID)
	assert.Equal(t, "Senior Accountant", first.Title)
	assert.Contains(t, first.Description, "<b>books</b>")
	assert.Equal(t, "Close the books.", first.DescriptionText)
	require.NotNil(t, first.PostDate)
	assert.Equal(t, time.Date(2006, 1, 2, 22, 4, 5, 0, time.UTC), *first.PostDate)
	assert.Equal(t, "https://jobs.example.com/101", first.Link)
	assert.Equal(t, "New York, NY", first.Location)
	assert.Equal(t, "US", first.LocationCountry)
	assert.Equal(t, "NY", first.LocationState)
	assert.Equal(t, "New York", first.LocationCity)
	assert.Equal(t, "4396", first.CategoryCode)

	second := items[1]
	assert.Nil(t, second.ReqID)
	assert.Nil(t, second.PostDate, "unparseable date degrades to nil")
	assert.Equal(t, "Run payroll", second.Description)
	assert.Equal(t, "Austin, TX", second.Location)

	third := items[2]
	require.NotNil(t, third.ReqID, "zero requisitionId is skipped for the next candidate")
	assert.Equal(t, int64(205), *third.ReqID)
	require.NotNil(t, third.PostDate)
	assert.Equal(t, 2024, third.PostDate.Year())
	assert.Empty(t, third.Link)
}

func TestParse_RejectsNonRSS(t *testing.T) {
	_, err := feed.Parse(strings.NewReader(`<html><body>maintenance</body></html>`), "4390")
	assert.Error(t, err)

	_, err = feed.Parse(strings.NewReader(`<rss><channel><item><title>broken`), "4390")
	assert.Error(t, err)
}

func TestParse_EmptyChannel(t *testing.T) {
	items, err := feed.Parse(strings.NewReader(`<rss version="2.0"><channel></channel></rss>`), "4390")
	require.NoError(t, err)
	assert.Empty(t, items)
}

// threeItemFeed renders items 101-103 with title102 as the middle title.
func threeItemFeed(decl, title102 string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="%s"?>
<rss version="2.0"><channel>
<item><title>Analyst</title><link>https://jobs.example.com/101</link><reqId>101</reqId></item>
<item><title>%s</title><link>https://jobs.example.com/102</link><reqId>102</reqId></item>
<item><title>Clerk</title><link>https://jobs.example.com/103</link><reqId>103</reqId></item>
</channel></rss>`, decl, title102)
}

func TestParse_DamagedItemKeepsFeed(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		title string
	}{
		{"invalid utf-8", threeItemFeed("UTF-8", "caf\xe9 manager"), "caf\uFFFD manager"},
		{"xml-illegal control char", threeItemFeed("UTF-8", "Shift\x0bLead\x00"), "ShiftLead"},
		{"latin-1 declaration", threeItemFeed("ISO-8859-1", "caf\xe9 manager"), "café manager"},
		{"windows-1252 declaration", threeItemFeed("windows-1252", "\x93Chef\x94"), "\u201cChef\u201d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, err := feed.Parse(strings.NewReader(tc.body), "4390")
			require.NoError(t, err)
			require.Len(t, items, 3)

			var ids []int64
			for _, it := range items {
				require.NotNil(t, it.ReqID)
				ids = append(ids, *it.ReqID)
			}
			assert.Equal(t, []int64{101, 102, 103}, ids)
			assert.Equal(t, tc.title, items[1].Title)
			assert.Equal(t, "Clerk", items[2].Title)
		})
	}
}

func TestParse_UnknownEncoding(t *testing.T) {
	_, err := feed.Parse(strings.NewReader(threeItemFeed("x-no-such-charset", "Chef")), "4390")
	assert.Error(t, err)
}

func TestFetcher_FetchDamagedFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(threeItemFeed("UTF-8", "caf\xe9\x0b")))
	}))
	defer srv.Close()

	items, err := feed.NewFetcher(srv.URL+"/{category}", "", time.Second).Fetch(context.Background(), "4390")
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestFetcher_URL(t *testing.T) {
	f := feed.NewFetcher("https://feeds.example.com/{system_id}/rss?cat={category}", "acme co", time.Second)
	assert.Equal(t, "https://feeds.example.com/acme+co/rss?cat=4396", f.URL("4396"))
}

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "4396", r.URL.Query().Get("cat"))
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	f := feed.NewFetcher(srv.URL+"/rss?cat={category}", "", time.Second)
	items, err := f.Fetch(context.Background(), "4396")
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestFetcher_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-200", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}},
		{"not xml", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{\"jobs\":[]}"))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			f := feed.NewFetcher(srv.URL+"/{category}", "", 100*time.Millisecond)
			items, err := f.Fetch(context.Background(), "4401")
			assert.Nil(t, items)
			require.Error(t, err)
			assert.True(t, errors.Is(err, feed.ErrFetch))

			var ferr *feed.FetchError
			require.True(t, errors.As(err, &ferr))
			assert.Equal(t, "4401", ferr.Category)
		})
	}
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "Hello world", feed.PlainText("<div>Hello\n <i>world</i></div>"))
	assert.Equal(t, "no markup here", feed.PlainText("  no   markup\there "))
	assert.Equal(t, "", feed.PlainText(""))
	assert.Equal(t, "Fish & Chips", feed.PlainText("Fish &amp; Chips"))
}
