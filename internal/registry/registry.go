// Package registry owns the mutable tracking state: one station per callsign,
// with a bounded trail of recent positions. All mutation goes through Apply,
// Register, and Remove under a single lock; callers only ever see copies.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"resqlink/tracker-server/internal/aprs"
	"resqlink/tracker-server/internal/model"
)

// DefaultPathCapacity bounds a station's trail when no explicit capacity is
// configured.
const DefaultPathCapacity = 20

var (
	ErrConflict      = errors.New("registry: callsign already registered")
	ErrNotFound      = errors.New("registry: callsign not found")
	ErrEmptyCallsign = errors.New("registry: empty callsign")
)

// Persister is the hook for durable storage. Calls arrive from a dedicated
// worker goroutine, never from the ingest hot path; errors are logged, not
// propagated, so a slow or broken disk never stops the feed.
type Persister interface {
	UpsertStation(ctx context.Context, s model.Station) error
	DeleteStation(ctx context.Context, callsign string) error
}

// persistOp is one queued write-behind operation.
type persistOp struct {
	remove   bool
	callsign string
	station  model.Station
}

// Registry is safe for concurrent use by the ingest loop and HTTP handlers.
type Registry struct {
	mu       sync.Mutex
	stations map[string]*model.Station
	capacity int
	logger   *slog.Logger
	now      func() time.Time

	// Durable writes run behind a bounded queue so a slow disk never blocks
	// packet application. A single worker preserves per-callsign order.
	persist     Persister
	persistCh   chan persistOp
	persistDone chan struct{}
	closeOnce   sync.Once
}

// New constructs an empty registry. persist may be nil for ephemeral use;
// when set, call Close to flush pending writes on shutdown.
func New(capacity int, persist Persister, logger *slog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultPathCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		stations: make(map[string]*model.Station),
		capacity: capacity,
		persist:  persist,
		logger:   logger,
		now:      time.Now,
	}
	if persist != nil {
		r.persistCh = make(chan persistOp, 128)
		r.persistDone = make(chan struct{})
		go r.persistLoop()
	}
	return r
}

// Close drains the write-behind queue and stops the persistence worker.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		if r.persistCh != nil {
			close(r.persistCh)
			<-r.persistDone
		}
	})
	return nil
}

// Load seeds the registry from persisted stations, typically at startup.
// Trails longer than the configured capacity are truncated to the newest
// entries.
func (r *Registry) Load(stations []model.Station) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range stations {
		st := s.Clone()
		if len(st.Path) > r.capacity {
			st.Path = st.Path[len(st.Path)-r.capacity:]
		}
		r.stations[st.Callsign] = &st
	}
}

// IsTracked reports whether the callsign is registered for tracking. This is
// the cheap filter the ingest loop runs before paying for a full decode.
func (r *Registry) IsTracked(callsign string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stations[callsign]
	return ok && s.Registered
}

// TrackedCount returns the number of registered stations.
func (r *Registry) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trackedCountLocked()
}

func (r *Registry) trackedCountLocked() int {
	n := 0
	for _, s := range r.stations {
		if s.Registered {
			n++
		}
	}
	return n
}

// Apply folds a decoded packet into the station state. It returns the updated
// snapshot and true only when the callsign is registered; otherwise the store
// is left untouched and the caller must not broadcast.
func (r *Registry) Apply(ctx context.Context, pkt aprs.Packet) (model.Snapshot, bool) {
	r.mu.Lock()
	station, ok := r.stations[pkt.Callsign]
	if !ok || !station.Registered {
		r.mu.Unlock()
		return model.Snapshot{}, false
	}

	lat := round4(pkt.Lat)
	lng := round4(pkt.Lng)

	seen := pkt.Timestamp
	if !pkt.HasTimestamp() {
		seen = r.now().UTC()
	}

	station.Lat = lat
	station.Lng = lng
	station.LastSeen = seen
	if pkt.HasSymbol() {
		station.Symbol = pkt.Symbol
	}

	station.Path = append(station.Path, model.TrackPoint{Lat: lat, Lng: lng, Timestamp: seen})
	if len(station.Path) > r.capacity {
		station.Path = station.Path[len(station.Path)-r.capacity:]
	}

	snapshot := model.Snapshot{Station: station.Clone(), TotalTracked: r.trackedCountLocked()}
	r.mu.Unlock()

	r.enqueueUpsert(snapshot.Station)
	return snapshot, true
}

// RegisterRequest carries the operator-entered fields for an upsert. Lat and
// Lng are optional; when nil an existing position is preserved.
type RegisterRequest struct {
	Callsign      string
	Lat           *float64
	Lng           *float64
	Symbol        string
	Details       string
	OwnerName     string
	ContactNum    string
	EmergencyName string
	EmergencyNum  string
}

// Register creates or re-activates a station. Re-registering a callsign that
// is already actively tracked is a conflict; re-registering a known but
// deactivated station overwrites its profile while preserving its trail.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (model.Snapshot, error) {
	callsign := strings.ToUpper(strings.TrimSpace(req.Callsign))
	if callsign == "" {
		return model.Snapshot{}, ErrEmptyCallsign
	}

	r.mu.Lock()
	station, exists := r.stations[callsign]
	if exists && station.Registered {
		r.mu.Unlock()
		return model.Snapshot{}, ErrConflict
	}
	if !exists {
		station = &model.Station{Callsign: callsign}
		r.stations[callsign] = station
	}

	if req.Lat != nil && req.Lng != nil {
		station.Lat = round4(*req.Lat)
		station.Lng = round4(*req.Lng)
	}

	switch {
	case req.Symbol != "":
		station.Symbol = req.Symbol
	case station.Symbol == "":
		station.Symbol = model.DefaultSymbol
	}

	station.Details = req.Details
	if station.Details == "" {
		station.Details = "Registered Responder"
	}
	station.OwnerName = req.OwnerName
	station.ContactNum = req.ContactNum
	station.EmergencyName = req.EmergencyName
	station.EmergencyNum = req.EmergencyNum
	station.Registered = true
	station.LastSeen = r.now().UTC()

	snapshot := model.Snapshot{Station: station.Clone(), TotalTracked: r.trackedCountLocked()}
	r.mu.Unlock()

	r.enqueueUpsert(snapshot.Station)
	return snapshot, nil
}

// Get returns a copy of one station.
func (r *Registry) Get(callsign string) (model.Station, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stations[callsign]
	if !ok {
		return model.Station{}, false
	}
	return s.Clone(), true
}

// ListTracked returns copies of all registered stations ordered by callsign.
func (r *Registry) ListTracked() []model.Station {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Station, 0, len(r.stations))
	for _, s := range r.stations {
		if s.Registered {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Callsign < out[j].Callsign })
	return out
}

// Remove deletes a station outright and returns the refreshed tracked count
// for the deletion broadcast.
func (r *Registry) Remove(ctx context.Context, callsign string) (int, error) {
	callsign = strings.ToUpper(strings.TrimSpace(callsign))

	r.mu.Lock()
	if _, ok := r.stations[callsign]; !ok {
		r.mu.Unlock()
		return 0, ErrNotFound
	}
	delete(r.stations, callsign)
	count := r.trackedCountLocked()
	r.mu.Unlock()

	if r.persistCh != nil {
		// Deletes must not be shed: a dropped delete would resurrect the
		// station at the next startup. Removal is rare and user-driven, so
		// waiting for queue room here is fine.
		r.persistCh <- persistOp{remove: true, callsign: callsign}
	}
	return count, nil
}

// enqueueUpsert hands a full station document to the persistence worker. When
// the queue is full the write is shed: every upsert carries complete state,
// so the next update for the callsign repairs the gap.
func (r *Registry) enqueueUpsert(s model.Station) {
	if r.persistCh == nil {
		return
	}
	select {
	case r.persistCh <- persistOp{callsign: s.Callsign, station: s}:
	default:
		r.logger.Warn("persist queue full, write shed", "callsign", s.Callsign)
	}
}

func (r *Registry) persistLoop() {
	for op := range r.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if op.remove {
			if err := r.persist.DeleteStation(ctx, op.callsign); err != nil {
				r.logger.Error("station delete not persisted", "callsign", op.callsign, "error", err)
			}
		} else if err := r.persist.UpsertStation(ctx, op.station); err != nil {
			r.logger.Error("station not persisted", "callsign", op.callsign, "error", err)
		}
		cancel()
	}
	close(r.persistDone)
}

// round4 applies the fixed 4-decimal-place precision policy (~11m).
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
