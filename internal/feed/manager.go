// Package feed owns the long-lived client connection to the upstream APRS-IS
// server: login, server-side filtering, line reassembly, decode, and the
// hand-off into the registry and broadcast gateway. The connection is best
// effort; any failure tears it down and a fresh one is dialed after a fixed
// delay, indefinitely.
package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"resqlink/tracker-server/internal/aprs"
	"resqlink/tracker-server/internal/dedupe"
	"resqlink/tracker-server/internal/gateway"
	"resqlink/tracker-server/internal/observability"
	"resqlink/tracker-server/internal/registry"
)

// State names the connection lifecycle phase, exposed for readiness checks.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateLoggedIn
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLoggedIn:
		return "logged-in"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

const (
	defaultDialTimeout    = 10 * time.Second
	defaultReconnectDelay = 5 * time.Second
	// APRS-IS lines are short; 64 KiB absorbs any pathological igate.
	maxLineLength = 64 * 1024
)

// Config holds the upstream connection parameters.
type Config struct {
	// Addr is the APRS-IS server, host:port.
	Addr string
	// User is the login callsign; guest access uses "GUEST".
	User string
	// Filter is the server-side filter expression, e.g. "p/DU/DW/DV/DY/DZ".
	Filter string

	DialTimeout    time.Duration
	ReconnectDelay time.Duration
}

// FailureRecorder persists decode failures for the audit trail.
type FailureRecorder interface {
	InsertDecodeFailure(ctx context.Context, line string, cause error) error
}

// Manager runs the ingest loop. Construct with New, then call Run from a
// dedicated goroutine; it returns only when the context is cancelled.
type Manager struct {
	cfg      Config
	registry *registry.Registry
	gateway  *gateway.Gateway
	dedupe   dedupe.Suppressor
	failures FailureRecorder
	logger   *slog.Logger

	state atomic.Int32
}

// New wires a manager. dedupe and failures may be nil.
func New(cfg Config, reg *registry.Registry, gw *gateway.Gateway, sup dedupe.Suppressor, failures FailureRecorder, logger *slog.Logger) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.User == "" {
		cfg.User = "GUEST"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		registry: reg,
		gateway:  gw,
		dedupe:   sup,
		failures: failures,
		logger:   logger,
	}
}

// State returns the current connection phase.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Run dials, streams, and reconnects until ctx is cancelled. Retry is
// unbounded with a fixed delay; a prolonged outage only shows up as stale
// lastSeen timestamps downstream.
func (m *Manager) Run(ctx context.Context) error {
	for {
		m.setState(StateConnecting)
		observability.FeedReconnects.Inc()

		dialer := net.Dialer{Timeout: m.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", m.cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return ctx.Err()
			}
			m.logger.Warn("feed connect failed", "addr", m.cfg.Addr, "error", err)
		} else {
			err = m.stream(ctx, conn)
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("feed connection lost", "addr", m.cfg.Addr, "error", err)
			}
		}

		m.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}
}

// stream performs the login handshake and consumes lines until the connection
// drops or ctx is cancelled. A fresh connection always starts a clean line
// stream; no partial-line state survives a reconnect.
func (m *Manager) stream(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	// Unblock the read loop on shutdown; steady-state reads may otherwise
	// block indefinitely, which is expected for a keep-alive feed.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchdogDone:
		}
	}()

	login := fmt.Sprintf("user %s pass -1 vers ResQLink 1.0\r\n", m.cfg.User)
	if _, err := conn.Write([]byte(login)); err != nil {
		return fmt.Errorf("send login: %w", err)
	}
	if m.cfg.Filter != "" {
		if _, err := fmt.Fprintf(conn, "#filter %s\r\n", m.cfg.Filter); err != nil {
			return fmt.Errorf("send filter: %w", err)
		}
	}

	m.setState(StateLoggedIn)
	m.logger.Info("feed connected", "addr", m.cfg.Addr, "filter", m.cfg.Filter)
	m.gateway.PublishFeedStatus("Online")
	defer m.gateway.PublishFeedStatus("Offline")

	m.setState(StateStreaming)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	for scanner.Scan() {
		m.handleLine(ctx, strings.TrimRight(scanner.Text(), "\r"))
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("read feed: %w", err)
	}
	return nil
}

// handleLine runs the per-line pipeline: skip server chatter, drop untracked
// callsigns before paying for a decode, suppress duplicates, decode, apply,
// broadcast. Nothing in here may panic the read loop; every failure is a
// counter and at most a debug log.
func (m *Manager) handleLine(ctx context.Context, line string) {
	if line == "" {
		return
	}
	observability.FeedLinesReceived.Inc()

	if aprs.IsServerComment(line) {
		observability.FeedServerComments.Inc()
		m.logger.Debug("feed server comment", "line", line)
		return
	}

	callsign, err := aprs.SourceCallsign(line)
	if err != nil {
		observability.DecodeFailures.Inc()
		m.logger.Debug("feed line without callsign", "line", line)
		return
	}

	// Untracked traffic is the overwhelming majority of the feed; this check
	// is the primary cost control and must stay ahead of regex decoding.
	if !m.registry.IsTracked(callsign) {
		observability.PacketsUntracked.Inc()
		return
	}

	if m.dedupe != nil && m.dedupe.Seen(ctx, dedupeKey(callsign, line)) {
		observability.PacketsDuplicate.Inc()
		return
	}

	start := time.Now()
	pkt, err := aprs.ParsePacket(line)
	observability.ObserveDecodeLatency(start)
	if err != nil {
		observability.DecodeFailures.Inc()
		m.logger.Debug("decode failed", "callsign", callsign, "error", err)
		m.recordFailure(ctx, line, err)
		return
	}

	snapshot, ok := m.registry.Apply(ctx, pkt)
	if !ok {
		// Deregistered between the filter check and Apply.
		observability.PacketsUntracked.Inc()
		return
	}

	observability.PacketsApplied.Inc()
	observability.TrackedStations.Set(float64(snapshot.TotalTracked))
	m.gateway.PublishUpsert(snapshot)
}

// dedupeKey identifies a transmission by callsign plus the information field
// after the first ':'. The routing path between them differs per igate that
// heard the packet, so keying on the whole line would miss exactly the
// duplicates multiple igates produce.
func dedupeKey(callsign, line string) string {
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		return callsign + line[idx:]
	}
	return callsign + ":" + line
}

// recordFailure audits decode failures, but only for tracked callsigns that
// made it past the filter; auditing the full feed's noise would swamp the
// table.
func (m *Manager) recordFailure(ctx context.Context, line string, cause error) {
	if m.failures == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.failures.InsertDecodeFailure(recCtx, line, cause); err != nil {
		m.logger.Error("failed to persist decode failure", "error", err)
	}
}
