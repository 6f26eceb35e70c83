package model

// SortOrder values accepted by the store. Anything else falls back to
// SortDateAsc.
type SortOrder string

const (
	SortDateAsc     SortOrder = "date_asc"
	SortDateDesc    SortOrder = "date_desc"
	SortTitleAsc    SortOrder = "title_asc"
	SortTitleDesc   SortOrder = "title_desc"
	SortLocationAsc SortOrder = "location_asc"
	SortCategoryAsc SortOrder = "category_asc"
	SortDistanceAsc SortOrder = "distance_asc"
)

// ParseSortOrder converts a raw token to a SortOrder. The second return is
// false for unknown tokens, in which case the default order is returned.
func ParseSortOrder(s string) (SortOrder, bool) {
	switch o := SortOrder(s); o {
	case SortDateAsc, SortDateDesc, SortTitleAsc, SortTitleDesc,
		SortLocationAsc, SortCategoryAsc, SortDistanceAsc:
		return o, true
	}
	return SortDateAsc, false
}

// SearchFilter is the user-supplied, not-yet-normalized search input.
type SearchFilter struct {
	Keywords  string `json:"keywords"`
	Zip       string `json:"zip"`
	Category  string `json:"category"`
	Location  string `json:"location"`
	SortOrder string `json:"o"`
	Page      int    `json:"spage"`
}

// PostingQuery is a normalized store query. Empty strings mean "no
// constraint"; Keywords is matched as one case-insensitive substring of the
// title or description text. Near restricts results to RadiusMiles around a
// point.
type PostingQuery struct {
	Keywords    string
	Category    string
	Location    string
	Near        *Coordinates
	RadiusMiles float64
	Sort        SortOrder
	Page        int
	PageSize    int
}

// Offset returns the row offset for the query's page.
func (q PostingQuery) Offset() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.PageSize
}

// PostingPage is one page of query results plus the unpaginated total.
type PostingPage struct {
	Items      []Posting `json:"items"`
	TotalCount int       `json:"totalCount"`
}

// Pagination carries the page arithmetic a front end needs to render
// page links. NextPage/PrevPage are nil at the edges.
type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"pageSize"`
	TotalCount int  `json:"totalCount"`
	TotalPages int  `json:"totalPages"`
	NextPage   *int `json:"nextPage"`
	PrevPage   *int `json:"prevPage"`
}

// Facets are the distinct filter values offered by the search UI.
type Facets struct {
	Locations  []string `json:"locations"`
	Categories []string `json:"categories"`
}

// SearchResult is what the search service hands to any front end.
// Error is a user-safe message; internal storage errors never leak here.
type SearchResult struct {
	Postings   []Posting  `json:"postings"`
	Pagination Pagination `json:"pagination"`
	Facets     Facets     `json:"facets"`
	Error      string     `json:"error,omitempty"`
}
