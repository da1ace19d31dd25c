// Package introspect exposes a read-only view of a running svcd
// Supervisor over a local Unix-domain socket: unit listing/detail
// routes via chi, and a /events WebSocket stream of unit state
// transitions. It is local-only and read-only by construction — there
// is no route that starts, stops, or reconfigures anything — so it
// does not provide remote or cluster coordination (an explicit
// Non-goal of the supervisor itself).
package introspect

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/tuxdude/svcd"
	"github.com/tuxdude/zzzlogi"
)

// UnitView is the JSON-facing snapshot of a single unit, flattened out
// of svcd's internal Unit/Service/Socket types so the wire format isn't
// coupled to their field layout.
type UnitView struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Active bool   `json:"active,omitempty"`
	PID    int    `json:"pid,omitempty"`
}

// Event is one unit state transition, broadcast to every connected
// /events client.
type Event struct {
	Unit string    `json:"unit"`
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
}

// Server is the introspection HTTP server. It must be constructed with
// NewServer and started with Serve.
type Server struct {
	log zzzlogi.Logger
	sup *svcd.Supervisor

	upgrader websocket.Upgrader

	mu        sync.Mutex
	listeners map[chan Event]struct{}
}

// NewServer builds a Server over sup. Call Publish (wired to a
// svcd.EventFd drain loop by the embedder) to fan an event out to
// every connected /events client.
func NewServer(log zzzlogi.Logger, sup *svcd.Supervisor) *Server {
	return &Server{
		log:       log,
		sup:       sup,
		listeners: make(map[chan Event]struct{}),
		upgrader: websocket.Upgrader{
			// Local unix-socket-only server: there is no browser origin
			// to validate, and accepting every origin here doesn't widen
			// the attack surface beyond "can open this unix socket".
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/units", s.listUnits)
	r.Get("/units/{name}", s.getUnit)
	r.Get("/events", s.events)
	return r
}

// Serve binds a Unix-domain listener at socketPath and serves until
// the listener is closed or the process exits. A stale path left over
// from an unclean shutdown is removed first.
func (s *Server) Serve(socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.log.Infof("introspect: serving on unix socket %q", socketPath)
	return http.Serve(ln, s.router())
}

func (s *Server) listUnits(w http.ResponseWriter, r *http.Request) {
	units := s.sup.Units()
	views := make([]UnitView, 0, len(units.Units))
	for _, u := range units.Units {
		views = append(views, viewOf(u))
	}
	writeJSON(w, views)
}

func (s *Server) getUnit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	units := s.sup.Units()
	for _, u := range units.Units {
		if u.Name() == name {
			writeJSON(w, viewOf(u))
			return
		}
	}
	http.Error(w, "unit not found", http.StatusNotFound)
}

func viewOf(u *svcd.Unit) UnitView {
	u.Mu.Lock()
	defer u.Mu.Unlock()

	v := UnitView{Name: u.Name(), Kind: u.Spec.Kind.String()}
	if u.Spec.Kind == svcd.KindService && u.Spec.Service != nil {
		v.Active = u.Spec.Service.IsActive()
		v.PID = u.Spec.Service.Runtime.PID
	}
	return v
}

// events upgrades to a WebSocket and streams every Publish'd Event
// until the client disconnects.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("introspect: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan Event, 32)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ch)
		s.mu.Unlock()
		close(ch)
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// Publish fans ev out to every connected /events client. A listener
// whose buffer is full misses this event (it stays connected) rather
// than blocking the publisher — this is a best-effort status feed, not
// a durable log.
func (s *Server) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
			s.log.Warnf("introspect: dropping event for a slow /events listener")
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
