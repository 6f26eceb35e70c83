package ingest

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"careers/jobboard/internal/geocode"
	"careers/jobboard/internal/model"
)

type memoEntry struct {
	coords *model.Coordinates
	err    error
}

// geocodeMemo resolves each distinct location text at most once per run.
// Concurrent workers asking for the same text share one provider call.
type geocodeMemo struct {
	geocoder Geocoder
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string]memoEntry
}

func newGeocodeMemo(g Geocoder) *geocodeMemo {
	return &geocodeMemo{geocoder: g, entries: make(map[string]memoEntry)}
}

// resolve returns ok=false when there is nothing to resolve: blank text or
// no geocoder configured.
func (m *geocodeMemo) resolve(ctx context.Context, location string) (*model.Coordinates, bool, error) {
	key := geocode.NormalizeKey(location)
	if key == "" || m.geocoder == nil {
		return nil, false, nil
	}

	m.mu.Lock()
	e, hit := m.entries[key]
	m.mu.Unlock()
	if hit {
		return e.coords, true, e.err
	}

	v, _, _ := m.group.Do(key, func() (any, error) {
		m.mu.Lock()
		e, hit := m.entries[key]
		m.mu.Unlock()
		if hit {
			return e, nil
		}
		coords, err := m.geocoder.Resolve(ctx, location)
		e = memoEntry{coords: coords, err: err}
		m.mu.Lock()
		m.entries[key] = e
		m.mu.Unlock()
		return e, nil
	})
	e = v.(memoEntry)
	return e.coords, true, e.err
}
