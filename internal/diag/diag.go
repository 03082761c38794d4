// Package diag exposes a read-only HTTP diagnostics surface (spec §6:
// "CLI / environment" plus the outbound-MQTT diagnostics topic,
// rendered here as plain HTTP since MQTT itself is out of scope).
//
// Grounded on the teacher's server/server.go RouteTable/Server/
// Mainframe shape (a map of endpoint name to handler, a "list of
// routes" introspection endpoint, and a top-level aggregator), ported
// from net/http's bare ServeMux to github.com/go-chi/chi since this
// surface serves structured JSON snapshots rather than per-device
// HTTP-wrapped RPCs.
package diag

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/hearthcore/boilerctl/internal/burner"
	"github.com/hearthcore/boilerctl/internal/faults"
	"github.com/hearthcore/boilerctl/internal/readings"
	"github.com/hearthcore/boilerctl/internal/relay"
)

// BurnerSnapshot is a read-only view of the burner state machine.
type BurnerSnapshot struct {
	State           string `json:"state"`
	TimeInState     string `json:"time_in_state"`
	IgnitionAttempt int    `json:"ignition_attempt"`
}

// BurnerSource supplies the current burner snapshot.
type BurnerSource interface {
	Snapshot(now time.Time) BurnerSnapshot
}

// ReadingsSource supplies a point-in-time readings snapshot.
type ReadingsSource interface {
	Read(ch readings.Channel) readings.Snapshot
	ReadPressure() readings.PressureSnapshot
}

// RelaySource supplies the current relay bitmask state.
type RelaySource interface {
	Desired() uint32
	Sent() uint32
	Actual() uint32
	HasPendingChanges() bool
	HasMismatch() bool
	CommErrorLatched() bool
}

// FaultSource supplies the fault log rings.
type FaultSource interface {
	General() []faults.Entry
	Critical() []faults.Entry
}

// Config wires diag's read-only dependencies. Any field may be nil; the
// corresponding endpoint reports a 503 rather than panicking.
type Config struct {
	Burner   BurnerSource
	Readings ReadingsSource
	Relay    RelaySource
	Faults   FaultSource
	Now      func() time.Time
}

// Server serves the read-only diagnostics surface.
type Server struct {
	cfg    Config
	router chi.Router
}

// New builds a Server with all routes bound.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{cfg: cfg, router: chi.NewRouter()}
	s.bindRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) bindRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/burner", s.handleBurner)
	s.router.Get("/readings", s.handleReadings)
	s.router.Get("/relays", s.handleRelays)
	s.router.Get("/faults", s.handleFaults)
	s.router.Get("/routes", s.handleRoutes)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBurner(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Burner == nil {
		http.Error(w, "burner diagnostics unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Burner.Snapshot(s.cfg.Now()))
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Readings == nil {
		http.Error(w, "readings diagnostics unavailable", http.StatusServiceUnavailable)
		return
	}
	out := make(map[string]readings.Snapshot, 8)
	for ch := readings.BoilerOutput; ch < readings.PressureChannel; ch++ {
		out[ch.String()] = s.cfg.Readings.Read(ch)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": out,
		"pressure": s.cfg.Readings.ReadPressure(),
	})
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Relay == nil {
		http.Error(w, "relay diagnostics unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"desired":            s.cfg.Relay.Desired(),
		"sent":               s.cfg.Relay.Sent(),
		"actual":             s.cfg.Relay.Actual(),
		"pending_changes":    s.cfg.Relay.HasPendingChanges(),
		"mismatch":           s.cfg.Relay.HasMismatch(),
		"comm_error_latched": s.cfg.Relay.CommErrorLatched(),
	})
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Faults == nil {
		http.Error(w, "fault log unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"general":  s.cfg.Faults.General(),
		"critical": s.cfg.Faults.Critical(),
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := []string{"/healthz", "/burner", "/readings", "/relays", "/faults", "/routes"}
	writeJSON(w, http.StatusOK, routes)
}

// BurnerAdapter adapts an *burner.SM to BurnerSource without that
// package needing to know about diag's snapshot shape.
type BurnerAdapter struct{ SM *burner.SM }

// Snapshot implements BurnerSource.
func (a BurnerAdapter) Snapshot(now time.Time) BurnerSnapshot {
	return BurnerSnapshot{
		State:           a.SM.State().String(),
		TimeInState:     a.SM.TimeInState(now).String(),
		IgnitionAttempt: a.SM.IgnitionAttempts(),
	}
}

// RelayAdapter adapts a *relay.State to RelaySource.
type RelayAdapter struct{ State *relay.State }

func (a RelayAdapter) Desired() uint32         { return a.State.Desired() }
func (a RelayAdapter) Sent() uint32            { return a.State.Sent() }
func (a RelayAdapter) Actual() uint32          { return a.State.Actual() }
func (a RelayAdapter) HasPendingChanges() bool { return a.State.HasPendingChanges() }
func (a RelayAdapter) HasMismatch() bool       { return a.State.HasMismatch() }
func (a RelayAdapter) CommErrorLatched() bool  { return a.State.CommErrorLatched() }
