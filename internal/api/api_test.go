package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resqlink/tracker-server/internal/gateway"
	"resqlink/tracker-server/internal/model"
	"resqlink/tracker-server/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nullTransport struct{}

func (nullTransport) Publish(string, []byte) error { return nil }
func (nullTransport) Close() error                 { return nil }

type stubGeocoder struct {
	address string
	err     error
}

func (s stubGeocoder) Reverse(context.Context, float64, float64) (string, error) {
	return s.address, s.err
}

type stubFailures struct {
	failures []model.DecodeFailure
}

func (s stubFailures) RecentDecodeFailures(context.Context, int) ([]model.DecodeFailure, error) {
	return s.failures, nil
}

func newTestServer(t *testing.T, geocoder Geocoder, failures FailureLister) (*httptest.Server, *registry.Registry) {
	t.Helper()

	reg := registry.New(5, nil, testLogger())
	gw := gateway.New(testLogger(), nullTransport{})
	gw.Start()
	t.Cleanup(func() { _ = gw.Close() })

	handler := New(reg, gw, geocoder, failures, nil, func() string { return "streaming" }, testLogger())
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)

	return srv, reg
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestRegisterStation(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	resp := postJSON(t, srv.URL+"/api/register-station", map[string]any{
		"callsign":   "dw1abc-9",
		"lat":        13.5853,
		"lng":        124.2075,
		"symbol":     "/>",
		"ownerName":  "Maria Santos",
		"contactNum": "09171234567",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Message string         `json:"message"`
		Data    model.Snapshot `json:"data"`
	}
	decodeBody(t, resp, &body)

	assert.Equal(t, "DW1ABC-9", body.Data.Callsign)
	assert.True(t, body.Data.Registered)
	assert.Equal(t, 1, body.Data.TotalTracked)
	assert.Equal(t, "/>", body.Data.Symbol)
}

func TestRegisterStationConflict(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	resp := postJSON(t, srv.URL+"/api/register-station", map[string]any{"callsign": "DW1ABC-9"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/register-station", map[string]any{"callsign": "DW1ABC-9"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterStationValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	resp := postJSON(t, srv.URL+"/api/register-station", map[string]any{"callsign": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// lat without lng is rejected rather than half-applied.
	resp = postJSON(t, srv.URL+"/api/register-station", map[string]any{"callsign": "DW1ABC-9", "lat": 13.5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestPositionsListsTrackedStations(t *testing.T) {
	srv, reg := newTestServer(t, nil, nil)

	_, err := reg.Register(context.Background(), registry.RegisterRequest{Callsign: "DW1ABC-9"})
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), registry.RegisterRequest{Callsign: "DW2XYZ-5"})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/positions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stations []model.Station
	decodeBody(t, resp, &stations)
	require.Len(t, stations, 2)
	assert.Equal(t, "DW1ABC-9", stations[0].Callsign)
	assert.Equal(t, "DW2XYZ-5", stations[1].Callsign)
}

func TestStationGetAndDelete(t *testing.T) {
	srv, reg := newTestServer(t, nil, nil)

	_, err := reg.Register(context.Background(), registry.RegisterRequest{Callsign: "DW1ABC-9"})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/stations/DW1ABC-9")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var station model.Station
	decodeBody(t, resp, &station)
	assert.Equal(t, "DW1ABC-9", station.Callsign)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/stations/dw1abc-9", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var deleted struct {
		OK           bool `json:"ok"`
		TotalTracked int  `json:"totalTracked"`
	}
	decodeBody(t, resp, &deleted)
	assert.True(t, deleted.OK)
	assert.Zero(t, deleted.TotalTracked)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAddressLookup(t *testing.T) {
	srv, _ := newTestServer(t, stubGeocoder{address: "Virac, Catanduanes, Philippines"}, nil)

	resp, err := http.Get(srv.URL + "/api/address?lat=13.5853&lng=124.2075")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "Virac, Catanduanes, Philippines", body["address"])
}

func TestAddressLookupErrors(t *testing.T) {
	srv, _ := newTestServer(t, stubGeocoder{err: fmt.Errorf("upstream sad: %w", errors.New("timeout"))}, nil)

	resp, err := http.Get(srv.URL + "/api/address?lat=13.5853&lng=124.2075")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/address?lat=not-a-number")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDecodeFailuresEndpoint(t *testing.T) {
	failures := stubFailures{failures: []model.DecodeFailure{{
		Line:      "DW1ABC-9>APRS:garbage",
		Error:     "aprs: no latitude/longitude tokens",
		CreatedAt: time.Now().UTC(),
	}}}
	srv, _ := newTestServer(t, nil, failures)

	resp, err := http.Get(srv.URL + "/api/decode-failures")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Failures []model.DecodeFailure `json:"failures"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Failures, 1)
	assert.Equal(t, "DW1ABC-9>APRS:garbage", body.Failures[0].Line)
}

func TestMethodGuards(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	resp, err := http.Get(srv.URL + "/api/register-station")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/api/positions", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestReadyz(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "streaming", body["feed"])
}
