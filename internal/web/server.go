// Package web provides the HTTP API, live websocket feed and status page
// for the carefarm daemon.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/justinas/alice"

	"github.com/sweeney/carefarm/internal/history"
	"github.com/sweeney/carefarm/internal/state"
	"github.com/sweeney/carefarm/internal/status"
)

// StateStore is the shared farm state.
type StateStore interface {
	Snapshot() state.Snapshot
	ApplyUpdate(u state.Update, actor state.Actor) state.Snapshot
}

// Commander sends actuator commands to the microcontroller.
type Commander interface {
	SendCommand(d state.Device, value int, actor state.Actor) error
	Sync() error
}

// HistorySource serves logged readings.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// Options configures a Server.
type Options struct {
	Addr              string
	APIKey            string // empty = mutating routes are open
	BroadcastInterval time.Duration
	Tracker           *status.Tracker
	Store             StateStore
	Commander         Commander
	History           HistorySource // nil = history disabled
	Logger            *slog.Logger
}

// Server serves the API and status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	store      StateStore
	commander  Commander
	history    HistorySource
	apiKey     string
	interval   time.Duration
	logger     *slog.Logger
	hub        *hub
}

// New creates a Server from o.
func New(o Options) *Server {
	interval := o.BroadcastInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	s := &Server{
		tracker:   o.Tracker,
		store:     o.Store,
		commander: o.Commander,
		history:   o.History,
		apiKey:    o.APIKey,
		interval:  interval,
		logger:    o.Logger,
		hub:       newHub(),
	}

	s.httpServer = &http.Server{
		Addr:              o.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", ping)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /index.html", s.handleIndex)
	mux.HandleFunc("GET /index.json", s.handleStatusJSON)
	mux.HandleFunc("GET /ws", s.serveWs)

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/history", s.handleHistory)

	protected := alice.New(s.requireAPIKey)
	mux.Handle("POST /api/control", protected.ThenFunc(s.handleControl))
	mux.Handle("POST /api/actuators", protected.ThenFunc(s.handleActuators))
	mux.Handle("POST /api/setpoints", protected.ThenFunc(s.handleSetpoints))
	mux.Handle("POST /api/mode", protected.ThenFunc(s.handleMode))

	standard := alice.New(s.recoverPanic, requestID, s.logRequest)
	return standard.Then(mux)
}

// Run serves on the configured address and broadcasts snapshots to
// websocket clients until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.RunListener(ctx, ln)
}

// RunListener is Run on an existing listener. Useful for tests.
func (s *Server) RunListener(ctx context.Context, ln net.Listener) error {
	go s.hub.run(ctx)
	go s.broadcastLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(s.store.Snapshot())
			if err != nil {
				continue
			}
			s.hub.publish(data)
		}
	}
}

func ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("OK"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, s.tracker.Snapshot(), s.store.Snapshot())
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.tracker.Snapshot()))
}
