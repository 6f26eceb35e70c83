package search

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"careers/jobboard/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// zipCode accepts a five-digit ZIP, optionally followed by a +4 suffix.
type zipCode struct {
	Base   string `validate:"required,number,len=5"`
	Suffix string `validate:"omitempty,number,len=4"`
}

// normalized is a SearchFilter with every field cleaned up. Junk input
// degrades to "no constraint" rather than an error.
type normalized struct {
	keywords string
	category string
	location string
	zip      string
	sort     model.SortOrder
	page     int
}

func normalize(f model.SearchFilter) normalized {
	n := normalized{
		keywords: clean(f.Keywords),
		category: clean(f.Category),
		location: clean(f.Location),
		zip:      parseZip(f.Zip),
		page:     f.Page,
	}
	n.sort, _ = model.ParseSortOrder(clean(f.SortOrder))
	if n.page < 1 {
		n.page = 1
	}
	return n
}

// parseZip returns the five-digit base of a valid ZIP or ZIP+4, or "".
func parseZip(raw string) string {
	raw = clean(raw)
	if raw == "" {
		return ""
	}
	z := zipCode{Base: raw}
	if base, suffix, ok := strings.Cut(raw, "-"); ok {
		z = zipCode{Base: base, Suffix: suffix}
		if suffix == "" {
			return ""
		}
	}
	if err := validate.Struct(z); err != nil {
		return ""
	}
	return z.Base
}

func clean(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
