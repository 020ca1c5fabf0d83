package fusion

import (
	"github.com/missilemap/missilemap-go/internal/gps"
	"github.com/missilemap/missilemap-go/internal/heading"
	"github.com/missilemap/missilemap-go/internal/targets"
)

// Sink receives the controller's output. A controller with no sink
// attached produces no refresh events; that is the "view not ready" state.
// Methods are called with the controller's lock held and must not call
// back into the Controller.
type Sink interface {
	Refresh(RefreshEvent)
	UpdateTargets(TargetsEvent)
}

// RefreshEvent moves the camera and position marker.
type RefreshEvent struct {
	Session    string          `json:"session"`
	Bearing    heading.Bearing `json:"bearing"`    // radians
	BearingDeg float64         `json:"bearingDeg"` // camera bearing
	Location   gps.Point       `json:"location"`
	Follow     bool            `json:"follow"`
	Stamp      int64           `json:"stamp"` // unix ms
}

// TargetsEvent replaces the rendered target paths.
type TargetsEvent struct {
	Session string           `json:"session"`
	Targets []targets.Target `json:"targets"`
	Stamp   int64            `json:"stamp"`
}

// State is a point-in-time view of the controller for the status API.
type State struct {
	Foreground  bool             `json:"foreground"`
	Follow      bool             `json:"follow"`
	Attached    bool             `json:"attached"`
	Session     string           `json:"session,omitempty"`
	Bearing     *heading.Bearing `json:"bearing,omitempty"`
	Location    *gps.Point       `json:"location,omitempty"`
	Targets     int              `json:"targets"`
	PollerState string           `json:"pollerState"`
	CanReport   bool             `json:"canReport"`
}
