// Package presenter serves the local status page shown on the panel while
// the frame is unprovisioned or offline, and pushes live state changes to it
// over a websocket.
package presenter

import (
	"context"
	_ "embed"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap"
)

// State is the connectivity/provisioning phase shown to the user.
type State string

const (
	StateWaiting    State = "waiting for network"
	StateChecking   State = "checking"
	StateConnected  State = "connected"
	StateOffline    State = "offline"
	StateAuthFailed State = "authentication failed"
)

// Snapshot is the full presentable state, sent as json over both the REST
// endpoint and the websocket.
type Snapshot struct {
	State  State  `json:"state"`
	Serial string `json:"serial"`
	Toast  string `json:"toast,omitempty"`
}

//go:embed status.html
var statusPage []byte

// Presenter is the status page subsystem.
type Presenter struct {
	logger *zap.SugaredLogger
	addr   string

	mu      sync.Mutex
	current Snapshot
	server  *http.Server
	bound   string

	hub      *hub
	upgrader websocket.Upgrader
}

func New(logger *zap.SugaredLogger, cfg utils.KioskConfiguration) *Presenter {
	return &Presenter{
		logger: logger,
		addr:   cfg.StatusAddress,
		hub:    newHub(),
		current: Snapshot{
			State:  StateWaiting,
			Serial: utils.DeviceSerial(),
		},
		upgrader: websocket.Upgrader{
			// local page only, no cross-origin clients
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving on the configured address. It returns once the
// listener is bound, with the server running in the background.
func (p *Presenter) Start(ctx context.Context) error {
	mux := chi.NewRouter()
	mux.Get("/", p.handleIndex)
	mux.Get("/status", p.handleStatus)
	mux.Get("/ws", p.handleWS)

	listener, err := net.Listen("tcp", p.addr)
	if err != nil {
		return errw.Wrap(err, "binding status page listener")
	}

	server := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 10}
	p.mu.Lock()
	p.server = server
	p.bound = listener.Addr().String()
	p.mu.Unlock()

	go func() {
		defer utils.Recover(p.logger, nil)
		if err := server.Serve(listener); err != nil && !errw.Is(err, http.ErrServerClosed) {
			p.logger.Error(errw.Wrap(err, "status page server"))
		}
	}()

	p.logger.Infof("Status page listening on http://%s", p.boundAddr())
	return nil
}

// boundAddr returns the address the listener actually bound to.
func (p *Presenter) boundAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bound
}

func (p *Presenter) Stop(ctx context.Context) error {
	p.mu.Lock()
	server := p.server
	p.server = nil
	p.mu.Unlock()

	p.hub.closeAll()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (p *Presenter) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return errw.New("status page server not running")
	}
	return nil
}

// SetState updates the connectivity phase and pushes it to all clients.
func (p *Presenter) SetState(state State) {
	p.mu.Lock()
	if p.current.State == state {
		p.mu.Unlock()
		return
	}
	p.current.State = state
	p.current.Toast = ""
	snap := p.current
	p.mu.Unlock()

	p.logger.Infof("Status: %s", state)
	p.hub.broadcast(snap)
}

// Toast pushes a transient message without changing the state.
func (p *Presenter) Toast(msg string) {
	p.mu.Lock()
	p.current.Toast = msg
	snap := p.current
	p.mu.Unlock()

	p.hub.broadcast(snap)
}

// State returns the currently displayed connectivity phase.
func (p *Presenter) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.State
}

func (p *Presenter) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Presenter) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(statusPage); err != nil {
		p.logger.Debug(err)
	}
}

func (p *Presenter) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p.snapshot()); err != nil {
		p.logger.Debug(err)
	}
}

func (p *Presenter) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn(errw.Wrap(err, "upgrading websocket"))
		return
	}
	client := p.hub.addClient(conn)

	// push the current state immediately so the page never starts blank
	if err := client.send(p.snapshot()); err != nil {
		p.hub.removeClient(conn)
		return
	}

	go func() {
		defer utils.Recover(p.logger, nil)
		defer p.hub.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
