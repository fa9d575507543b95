// Package places searches named places and guarantees that, per session,
// only the result of the most recent query is surfaced.
package places

import (
	"context"
	"errors"
)

// ErrSuperseded is returned to a search whose result arrived after a newer
// search in the same session was issued.
var ErrSuperseded = errors.New("search superseded by a newer request")

// Place is a geocoded search hit.
type Place struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	DisplayName string  `json:"displayName"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Kind        string  `json:"kind,omitempty"`
}

type Searcher interface {
	Search(ctx context.Context, query string) ([]Place, error)
}
