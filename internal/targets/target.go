// Package targets holds tracked-target records and the loop that polls
// them from the remote service.
package targets

import (
	"encoding/json"
	"fmt"

	"github.com/missilemap/missilemap-go/internal/gps"
)

// Target is a tracked entity and its path so far.
type Target struct {
	StartTime int64       `json:"start_time"` // seconds since epoch
	Speed     float64     `json:"speed"`
	Path      []gps.Point `json:"path"`
}

// Decode parses the GET /targets body. A JSON null decodes to an empty set.
func Decode(data []byte) ([]Target, error) {
	var ts []Target
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("targets: decode: %w", err)
	}
	if ts == nil {
		ts = []Target{}
	}
	return ts, nil
}

// Clone returns a deep copy so callers cannot mutate the held set.
func Clone(ts []Target) []Target {
	if ts == nil {
		return nil
	}
	out := make([]Target, len(ts))
	for i, t := range ts {
		out[i] = t
		if t.Path != nil {
			out[i].Path = make([]gps.Point, len(t.Path))
			copy(out[i].Path, t.Path)
		}
	}
	return out
}
