// Package api is the thin HTTP surface over the tracker core: registration,
// queries, deletion, the address passthrough, and the WebSocket attach point.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"resqlink/tracker-server/internal/gateway"
	"resqlink/tracker-server/internal/model"
	"resqlink/tracker-server/internal/observability"
	"resqlink/tracker-server/internal/registry"
)

// Geocoder resolves coordinates to a display address.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

// FailureLister exposes the decode-failure audit trail.
type FailureLister interface {
	RecentDecodeFailures(ctx context.Context, limit int) ([]model.DecodeFailure, error)
}

// Handler serves the tracker HTTP API.
type Handler struct {
	registry *registry.Registry
	gateway  *gateway.Gateway
	geocoder Geocoder
	failures FailureLister
	ws       http.Handler
	feedInfo func() string
	logger   *slog.Logger
}

// New wires the handler. geocoder, failures, ws, and feedInfo may be nil.
func New(reg *registry.Registry, gw *gateway.Gateway, geocoder Geocoder, failures FailureLister, ws http.Handler, feedInfo func() string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: reg,
		gateway:  gw,
		geocoder: geocoder,
		failures: failures,
		ws:       ws,
		feedInfo: feedInfo,
		logger:   logger,
	}
}

// Routes assembles the HTTP mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/api/positions", h.handlePositions)
	mux.HandleFunc("/api/register-station", h.handleRegister)
	mux.HandleFunc("/api/stations/", h.handleStation)
	mux.HandleFunc("/api/address", h.handleAddress)
	mux.HandleFunc("/api/decode-failures", h.handleDecodeFailures)
	if h.ws != nil {
		mux.Handle("/ws", h.ws)
	}
	return mux
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.registry == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	feed := "unknown"
	if h.feedInfo != nil {
		feed = h.feedInfo()
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ready", "feed": feed})
}

// handlePositions returns all registered stations with full trail history,
// used by viewers for initial state sync.
func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, h.registry.ListTracked())
}

type registerRequest struct {
	Callsign      string   `json:"callsign"`
	Lat           *float64 `json:"lat"`
	Lng           *float64 `json:"lng"`
	Symbol        string   `json:"symbol"`
	Details       string   `json:"details"`
	OwnerName     string   `json:"ownerName"`
	ContactNum    string   `json:"contactNum"`
	EmergencyName string   `json:"emergencyName"`
	EmergencyNum  string   `json:"emergencyNum"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, h.logger, http.StatusBadRequest, "invalid payload")
		return
	}

	if strings.TrimSpace(req.Callsign) == "" {
		errorJSON(w, h.logger, http.StatusBadRequest, "callsign required")
		return
	}
	if (req.Lat == nil) != (req.Lng == nil) {
		errorJSON(w, h.logger, http.StatusBadRequest, "lat and lng must be supplied together")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	snapshot, err := h.registry.Register(ctx, registry.RegisterRequest{
		Callsign:      req.Callsign,
		Lat:           req.Lat,
		Lng:           req.Lng,
		Symbol:        req.Symbol,
		Details:       req.Details,
		OwnerName:     req.OwnerName,
		ContactNum:    req.ContactNum,
		EmergencyName: req.EmergencyName,
		EmergencyNum:  req.EmergencyNum,
	})
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			errorJSON(w, h.logger, http.StatusConflict, "station already registered")
			return
		}
		errorJSON(w, h.logger, http.StatusBadRequest, "invalid registration")
		return
	}

	observability.TrackedStations.Set(float64(snapshot.TotalTracked))
	h.gateway.PublishUpsert(snapshot)

	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"message": "Station registered",
		"data":    snapshot,
	})
}

// handleStation serves /api/stations/{callsign}: GET for one station, DELETE
// to remove it and notify subscribers.
func (h *Handler) handleStation(w http.ResponseWriter, r *http.Request) {
	callsign := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/stations/")))
	if callsign == "" || strings.Contains(callsign, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		station, ok := h.registry.Get(callsign)
		if !ok {
			errorJSON(w, h.logger, http.StatusNotFound, "station not found")
			return
		}
		writeJSON(w, h.logger, http.StatusOK, station)

	case http.MethodDelete:
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		count, err := h.registry.Remove(ctx, callsign)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				errorJSON(w, h.logger, http.StatusNotFound, "station not found")
				return
			}
			errorJSON(w, h.logger, http.StatusInternalServerError, "failed to delete station")
			return
		}

		observability.TrackedStations.Set(float64(count))
		h.gateway.PublishDeletion(model.DeletionNotice{Callsign: callsign, TotalTracked: count})
		writeJSON(w, h.logger, http.StatusOK, map[string]any{"ok": true, "totalTracked": count})

	default:
		methodNotAllowed(w, "GET, DELETE")
	}
}

func (h *Handler) handleAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if h.geocoder == nil {
		errorJSON(w, h.logger, http.StatusServiceUnavailable, "geocoding unavailable")
		return
	}

	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		errorJSON(w, h.logger, http.StatusBadRequest, "lat and lng query parameters required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	address, err := h.geocoder.Reverse(ctx, lat, lng)
	if err != nil {
		h.logger.Warn("reverse geocode failed", "lat", lat, "lng", lng, "error", err)
		errorJSON(w, h.logger, http.StatusBadGateway, "reverse geocode failed")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]string{"address": address})
}

func (h *Handler) handleDecodeFailures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if h.failures == nil {
		errorJSON(w, h.logger, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 250 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failures, err := h.failures.RecentDecodeFailures(ctx, limit)
	if err != nil {
		h.logger.Error("failed to load decode failures", "error", err)
		errorJSON(w, h.logger, http.StatusInternalServerError, "failed to load decode failures")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]any{"failures": failures})
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func errorJSON(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	writeJSON(w, logger, status, map[string]string{"error": message})
}
