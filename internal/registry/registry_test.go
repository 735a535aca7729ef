package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resqlink/tracker-server/internal/aprs"
	"resqlink/tracker-server/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(capacity int) *Registry {
	return New(capacity, nil, testLogger())
}

func floatPtr(v float64) *float64 { return &v }

func TestApplyUntrackedIsNoop(t *testing.T) {
	r := newTestRegistry(5)

	_, ok := r.Apply(context.Background(), aprs.Packet{Callsign: "GHOST-9", Lat: 13.5, Lng: 124.2})
	assert.False(t, ok)

	_, exists := r.Get("GHOST-9")
	assert.False(t, exists, "a bare position report must not create an entity")
	assert.Zero(t, r.TrackedCount())
}

func TestRegisterThenApply(t *testing.T) {
	r := newTestRegistry(10)

	snapshot, err := r.Register(context.Background(), RegisterRequest{Callsign: "TEST-1"})
	require.NoError(t, err)
	assert.True(t, snapshot.Registered)
	assert.Empty(t, snapshot.Path)
	assert.Equal(t, 1, snapshot.TotalTracked)
	assert.Equal(t, model.DefaultSymbol, snapshot.Symbol)

	for i := 0; i < 3; i++ {
		_, ok := r.Apply(context.Background(), aprs.Packet{
			Callsign: "TEST-1",
			Lat:      13.5 + float64(i)*0.01,
			Lng:      124.2,
		})
		require.True(t, ok)
	}

	station, ok := r.Get("TEST-1")
	require.True(t, ok)
	require.Len(t, station.Path, 3)
	for i, point := range station.Path {
		assert.InDelta(t, 13.5+float64(i)*0.01, point.Lat, 0.0001)
	}
}

func TestPathCapacityEviction(t *testing.T) {
	r := newTestRegistry(5)

	_, err := r.Register(context.Background(), RegisterRequest{Callsign: "TEST-1"})
	require.NoError(t, err)

	for i := 1; i <= 7; i++ {
		_, ok := r.Apply(context.Background(), aprs.Packet{Callsign: "TEST-1", Lat: float64(i), Lng: 124.2})
		require.True(t, ok)
	}

	station, ok := r.Get("TEST-1")
	require.True(t, ok)
	require.Len(t, station.Path, 5)
	// Oldest evicted first: positions 3..7 remain, in order.
	for i, point := range station.Path {
		assert.InDelta(t, float64(i+3), point.Lat, 0.0001)
	}
}

func TestApplyPreservesSymbolWhenPacketHasNone(t *testing.T) {
	r := newTestRegistry(5)

	_, err := r.Register(context.Background(), RegisterRequest{Callsign: "TEST-1", Symbol: "/A"})
	require.NoError(t, err)

	_, ok := r.Apply(context.Background(), aprs.Packet{Callsign: "TEST-1", Lat: 1, Lng: 2})
	require.True(t, ok)

	station, _ := r.Get("TEST-1")
	assert.Equal(t, "/A", station.Symbol, "a packet without a symbol token must not clobber the known symbol")

	snapshot, ok := r.Apply(context.Background(), aprs.Packet{Callsign: "TEST-1", Lat: 1, Lng: 2, Symbol: `\>`})
	require.True(t, ok)
	assert.Equal(t, `\>`, snapshot.Symbol)
}

func TestRegisterConflict(t *testing.T) {
	r := newTestRegistry(5)

	_, err := r.Register(context.Background(), RegisterRequest{Callsign: "TEST-1"})
	require.NoError(t, err)

	_, err = r.Register(context.Background(), RegisterRequest{Callsign: "test-1 "})
	assert.ErrorIs(t, err, ErrConflict, "re-registering an active station is a conflict")
}

func TestRegisterReactivatesPlaceholderPreservingPath(t *testing.T) {
	r := newTestRegistry(5)
	r.Load([]model.Station{{
		Callsign:   "TEST-1",
		Symbol:     "/O",
		Path:       []model.TrackPoint{{Lat: 1, Lng: 2, Timestamp: time.Now().UTC()}},
		Registered: false,
	}})

	snapshot, err := r.Register(context.Background(), RegisterRequest{
		Callsign:  "TEST-1",
		OwnerName: "Juan dela Cruz",
	})
	require.NoError(t, err)

	assert.True(t, snapshot.Registered)
	assert.Equal(t, "Juan dela Cruz", snapshot.OwnerName)
	assert.Equal(t, "/O", snapshot.Symbol, "existing symbol wins over the default")
	require.Len(t, snapshot.Path, 1, "re-registration must not reset history")
}

func TestApplyTimestampPolicy(t *testing.T) {
	r := newTestRegistry(5)
	fixedNow := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixedNow }

	_, err := r.Register(context.Background(), RegisterRequest{Callsign: "TEST-1"})
	require.NoError(t, err)

	embedded := time.Date(2026, time.March, 14, 11, 55, 0, 0, time.UTC)
	snapshot, ok := r.Apply(context.Background(), aprs.Packet{Callsign: "TEST-1", Lat: 1, Lng: 2, Timestamp: embedded})
	require.True(t, ok)
	assert.True(t, snapshot.LastSeen.Equal(embedded), "an embedded packet timestamp must win over receipt time")

	snapshot, ok = r.Apply(context.Background(), aprs.Packet{Callsign: "TEST-1", Lat: 1, Lng: 2})
	require.True(t, ok)
	assert.True(t, snapshot.LastSeen.Equal(fixedNow), "without an embedded timestamp, lastSeen is receipt time")
}

func TestApplyRoundsToFourDecimals(t *testing.T) {
	r := newTestRegistry(5)

	_, err := r.Register(context.Background(), RegisterRequest{Callsign: "TEST-1"})
	require.NoError(t, err)

	snapshot, ok := r.Apply(context.Background(), aprs.Packet{Callsign: "TEST-1", Lat: 13.58533333, Lng: 124.20749999})
	require.True(t, ok)
	assert.Equal(t, 13.5853, snapshot.Lat)
	assert.Equal(t, 124.2075, snapshot.Lng)
}

func TestRegisterWithPosition(t *testing.T) {
	r := newTestRegistry(5)

	snapshot, err := r.Register(context.Background(), RegisterRequest{
		Callsign: "TEST-1",
		Lat:      floatPtr(13.58533),
		Lng:      floatPtr(124.20751),
	})
	require.NoError(t, err)
	assert.Equal(t, 13.5853, snapshot.Lat)
	assert.Equal(t, 124.2075, snapshot.Lng)
	assert.Empty(t, snapshot.Path, "registration sets position without fabricating trail points")
}

func TestRemove(t *testing.T) {
	r := newTestRegistry(5)

	_, err := r.Register(context.Background(), RegisterRequest{Callsign: "TEST-1"})
	require.NoError(t, err)
	_, err = r.Register(context.Background(), RegisterRequest{Callsign: "TEST-2"})
	require.NoError(t, err)

	count, err := r.Remove(context.Background(), "test-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = r.Remove(context.Background(), "TEST-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTrackedSortedAndCopied(t *testing.T) {
	r := newTestRegistry(5)

	for _, callsign := range []string{"ZZZ-1", "AAA-1", "MMM-1"} {
		_, err := r.Register(context.Background(), RegisterRequest{Callsign: callsign})
		require.NoError(t, err)
		_, ok := r.Apply(context.Background(), aprs.Packet{Callsign: callsign, Lat: 1, Lng: 2})
		require.True(t, ok)
	}

	listed := r.ListTracked()
	require.Len(t, listed, 3)
	assert.Equal(t, "AAA-1", listed[0].Callsign)
	assert.Equal(t, "MMM-1", listed[1].Callsign)
	assert.Equal(t, "ZZZ-1", listed[2].Callsign)

	// Mutating a returned copy must not leak back into the registry.
	listed[0].Path[0].Lat = 99
	station, _ := r.Get("AAA-1")
	assert.InDelta(t, 1, station.Path[0].Lat, 0.0001)
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := newTestRegistry(5)

	_, err := r.Register(context.Background(), RegisterRequest{
		Callsign:      "TEST-1",
		Symbol:        "/>",
		Details:       "Rescue 7",
		OwnerName:     "Maria Santos",
		ContactNum:    "09171234567",
		EmergencyName: "Jose Santos",
		EmergencyNum:  "09179876543",
	})
	require.NoError(t, err)

	snapshot, ok := r.Apply(context.Background(), aprs.Packet{Callsign: "TEST-1", Lat: 13.5853, Lng: 124.2075})
	require.True(t, ok)

	data, err := json.Marshal(snapshot)
	require.NoError(t, err)

	var decoded model.Station
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, snapshot.Callsign, decoded.Callsign)
	assert.Equal(t, snapshot.Lat, decoded.Lat)
	assert.Equal(t, snapshot.Lng, decoded.Lng)
	assert.Equal(t, snapshot.Symbol, decoded.Symbol)
	assert.Equal(t, snapshot.Details, decoded.Details)
	assert.Equal(t, snapshot.OwnerName, decoded.OwnerName)
	assert.Equal(t, snapshot.ContactNum, decoded.ContactNum)
	assert.Equal(t, snapshot.EmergencyName, decoded.EmergencyName)
	assert.Equal(t, snapshot.EmergencyNum, decoded.EmergencyNum)
	assert.Equal(t, snapshot.Registered, decoded.Registered)
	require.Len(t, decoded.Path, len(snapshot.Path))
	for i := range decoded.Path {
		assert.Equal(t, snapshot.Path[i].Lat, decoded.Path[i].Lat)
		assert.Equal(t, snapshot.Path[i].Lng, decoded.Path[i].Lng)
		assert.True(t, snapshot.Path[i].Timestamp.Equal(decoded.Path[i].Timestamp))
	}
	assert.True(t, snapshot.LastSeen.Equal(decoded.LastSeen))
}

type recordingPersister struct {
	mu       sync.Mutex
	upserts  []model.Station
	deletes  []string
	failWith error
}

func (p *recordingPersister) UpsertStation(_ context.Context, s model.Station) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.upserts = append(p.upserts, s)
	return nil
}

func (p *recordingPersister) DeleteStation(_ context.Context, callsign string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, callsign)
	return nil
}

func TestWriteThroughPersistence(t *testing.T) {
	persister := &recordingPersister{}
	r := New(5, persister, testLogger())

	_, err := r.Register(context.Background(), RegisterRequest{Callsign: "TEST-1"})
	require.NoError(t, err)

	_, ok := r.Apply(context.Background(), aprs.Packet{Callsign: "TEST-1", Lat: 1, Lng: 2})
	require.True(t, ok)

	_, err = r.Remove(context.Background(), "TEST-1")
	require.NoError(t, err)

	// Close drains the write-behind queue, so the asserts below are
	// deterministic.
	require.NoError(t, r.Close())

	require.Len(t, persister.upserts, 2)
	assert.Equal(t, []string{"TEST-1"}, persister.deletes)
}

func TestPersistenceErrorDoesNotFailApply(t *testing.T) {
	persister := &recordingPersister{failWith: fmt.Errorf("disk on fire")}
	r := New(5, persister, testLogger())
	t.Cleanup(func() { _ = r.Close() })

	_, err := r.Register(context.Background(), RegisterRequest{Callsign: "TEST-1"})
	require.NoError(t, err)

	_, ok := r.Apply(context.Background(), aprs.Packet{Callsign: "TEST-1", Lat: 1, Lng: 2})
	assert.True(t, ok, "a persistence failure must not drop the live update")
}

// stalledPersister blocks every upsert until the gate opens.
type stalledPersister struct {
	gate chan struct{}
}

func (p *stalledPersister) UpsertStation(_ context.Context, _ model.Station) error {
	<-p.gate
	return nil
}

func (p *stalledPersister) DeleteStation(_ context.Context, _ string) error { return nil }

func TestStalledPersisterDoesNotBlockApply(t *testing.T) {
	persister := &stalledPersister{gate: make(chan struct{})}
	r := New(5, persister, testLogger())

	_, err := r.Register(context.Background(), RegisterRequest{Callsign: "TEST-1"})
	require.NoError(t, err)

	applied := make(chan struct{})
	go func() {
		_, ok := r.Apply(context.Background(), aprs.Packet{Callsign: "TEST-1", Lat: 1, Lng: 2})
		assert.True(t, ok)
		close(applied)
	}()

	select {
	case <-applied:
	case <-time.After(time.Second):
		t.Fatal("a stalled persister must not block packet application")
	}

	close(persister.gate)
	require.NoError(t, r.Close())
}
