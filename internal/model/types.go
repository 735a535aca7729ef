package model

import "time"

// DefaultSymbol is the APRS primary-table house glyph used when a station has
// never reported a symbol and none was supplied at registration.
const DefaultSymbol = "/-"

// TrackPoint is one historical position in a station's trail.
type TrackPoint struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"ts"`
}

// Station is the authoritative record for one callsign. Callsign is unique and
// immutable once the station exists.
type Station struct {
	Callsign      string       `json:"callsign"`
	Lat           float64      `json:"lat"`
	Lng           float64      `json:"lng"`
	Symbol        string       `json:"symbol"`
	Path          []TrackPoint `json:"path"`
	Details       string       `json:"details"`
	OwnerName     string       `json:"ownerName"`
	ContactNum    string       `json:"contactNum"`
	EmergencyName string       `json:"emergencyName"`
	EmergencyNum  string       `json:"emergencyNum"`
	Registered    bool         `json:"isRegistered"`
	LastSeen      time.Time    `json:"lastSeen"`
}

// Clone returns a deep copy so callers never share the path slice across the
// registry lock boundary.
func (s Station) Clone() Station {
	out := s
	if s.Path != nil {
		out.Path = make([]TrackPoint, len(s.Path))
		copy(out.Path, s.Path)
	}
	return out
}

// Snapshot is the broadcast wire form of a station: the full record plus the
// aggregate count of registered stations at the time of the event.
type Snapshot struct {
	Station
	TotalTracked int `json:"totalTracked"`
}

// DeletionNotice tells subscribers to drop a station and refresh their count.
type DeletionNotice struct {
	Callsign     string `json:"callsign"`
	TotalTracked int    `json:"totalTracked"`
}

// FeedStatus reports upstream feed connectivity to subscribers.
type FeedStatus struct {
	Status string `json:"status"`
}

// DecodeFailure captures a feed line that could not be decoded, for the audit
// trail.
type DecodeFailure struct {
	Line      string    `json:"line"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}
