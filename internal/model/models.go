// Package model defines shared data structures for the job-board service.
package model

import "time"

// Posting mirrors one row of the postings table: a single external job
// requisition plus its sync bookkeeping.
type Posting struct {
	ID              int64      `json:"id"`
	ReqID           *int64     `json:"reqId"` // nil when the feed item carried no usable requisition id
	Title           string     `json:"title"`
	Description     string     `json:"description"` // rich text (HTML) as supplied by the feed
	DescriptionText string     `json:"-"`           // tag-free rendering used for keyword search
	PostDate        *time.Time `json:"postDate"`
	Link            string     `json:"link"`
	Location        string     `json:"location"`
	LocationCountry string     `json:"locationCountry"`
	LocationState   string     `json:"locationState"`
	LocationCity    string     `json:"locationCity"`
	Category        string     `json:"category"`
	CategoryCode    string     `json:"categoryCode"`
	Latitude        *float64   `json:"latitude"`
	Longitude       *float64   `json:"longitude"`
	NeedsReview     bool       `json:"needsReview"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty"`
}

// Active reports whether the soft-delete marker is unset.
func (p *Posting) Active() bool { return p.DeletedAt == nil }

// HasCoordinates reports whether both latitude and longitude are known.
func (p *Posting) HasCoordinates() bool { return p.Latitude != nil && p.Longitude != nil }

// RawPosting is one parsed feed item, before geocoding and category mapping.
type RawPosting struct {
	ReqID           *int64
	Title           string
	Description     string
	DescriptionText string
	PostDate        *time.Time
	Link            string
	Location        string
	LocationCountry string
	LocationState   string
	LocationCity    string
	CategoryCode    string
}

// Coordinates is a resolved latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Category pairs an external category code with its display name.
type Category struct {
	Code string `yaml:"code" json:"code" validate:"required"`
	Name string `yaml:"name" json:"name" validate:"required"`
}

// CategoryMapping maps external category codes to display names. It is
// built from configuration once per process and handed to the orchestrator.
type CategoryMapping map[string]string

// NewCategoryMapping builds a mapping from an ordered category list.
func NewCategoryMapping(categories []Category) CategoryMapping {
	m := make(CategoryMapping, len(categories))
	for _, c := range categories {
		m[c.Code] = c.Name
	}
	return m
}

// Name returns the display name for code, falling back to the code itself
// when the taxonomy has drifted ahead of the configuration.
func (m CategoryMapping) Name(code string) string {
	if name, ok := m[code]; ok {
		return name
	}
	return code
}

// LocationAggregate is one map marker: a distinct location with the number
// of active postings and a representative coordinate when one is known.
type LocationAggregate struct {
	Location  string   `json:"location"`
	Count     int      `json:"count"`
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lng"`
}
