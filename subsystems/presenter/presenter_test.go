package presenter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

func newTestPresenter(t *testing.T) *Presenter {
	t.Helper()
	cfg := utils.DefaultConfiguration.KioskConfiguration
	cfg.StatusAddress = "127.0.0.1:0"

	p := New(zaptest.NewLogger(t).Sugar(), cfg)
	// bind an ephemeral port and recover the actual address
	test.That(t, p.Start(context.Background()), test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, p.Stop(context.Background()), test.ShouldBeNil)
	})
	return p
}

func TestStatusEndpoint(t *testing.T) {
	cfg := utils.DefaultConfiguration.KioskConfiguration
	p := New(zaptest.NewLogger(t).Sugar(), cfg)

	snap := p.snapshot()
	test.That(t, snap.State, test.ShouldEqual, StateWaiting)
	test.That(t, snap.Serial, test.ShouldEqual, utils.DeviceSerial())

	p.SetState(StateConnected)
	test.That(t, p.snapshot().State, test.ShouldEqual, StateConnected)

	// a toast does not clobber the state
	p.Toast("hello")
	snap = p.snapshot()
	test.That(t, snap.State, test.ShouldEqual, StateConnected)
	test.That(t, snap.Toast, test.ShouldEqual, "hello")

	// but a state change clears the old toast
	p.SetState(StateOffline)
	test.That(t, p.snapshot().Toast, test.ShouldEqual, "")
}

func TestServerRoundTrip(t *testing.T) {
	p := newTestPresenter(t)
	addr := p.boundAddr()
	test.That(t, addr, test.ShouldNotBeEmpty)

	resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
	}()

	snap := Snapshot{}
	test.That(t, json.NewDecoder(resp.Body).Decode(&snap), test.ShouldBeNil)
	test.That(t, snap.State, test.ShouldEqual, StateWaiting)

	page, err := http.Get(fmt.Sprintf("http://%s/", addr))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, page.Body.Close(), test.ShouldBeNil)
	test.That(t, page.StatusCode, test.ShouldEqual, http.StatusOK)
}

func TestWebsocketReceivesUpdates(t *testing.T) {
	p := newTestPresenter(t)

	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", p.boundAddr()), nil)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
		test.That(t, conn.Close(), test.ShouldBeNil)
	}()

	// initial snapshot arrives immediately on connect
	snap := Snapshot{}
	test.That(t, conn.ReadJSON(&snap), test.ShouldBeNil)
	test.That(t, snap.State, test.ShouldEqual, StateWaiting)

	p.SetState(StateChecking)
	test.That(t, conn.ReadJSON(&snap), test.ShouldBeNil)
	test.That(t, snap.State, test.ShouldEqual, StateChecking)
}

func TestBroadcastFromMultipleGoroutines(t *testing.T) {
	p := newTestPresenter(t)

	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", p.boundAddr()), nil)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
	}()

	// drain everything the server pushes
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// state changes and toasts race in from separate goroutines, writes to
	// each client must still come out one at a time
	states := []State{StateChecking, StateConnected, StateOffline, StateAuthFailed}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			p.SetState(states[i%len(states)])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			p.Toast(fmt.Sprintf("message %d", i))
		}
	}()
	wg.Wait()

	test.That(t, conn.Close(), test.ShouldBeNil)
	<-done
}

func TestHealthCheck(t *testing.T) {
	cfg := utils.DefaultConfiguration.KioskConfiguration
	p := New(zaptest.NewLogger(t).Sugar(), cfg)
	ctx := context.Background()

	test.That(t, p.HealthCheck(ctx), test.ShouldNotBeNil)

	cfg.StatusAddress = "127.0.0.1:0"
	p = New(zaptest.NewLogger(t).Sugar(), cfg)
	test.That(t, p.Start(ctx), test.ShouldBeNil)
	test.That(t, p.HealthCheck(ctx), test.ShouldBeNil)
	test.That(t, p.Stop(ctx), test.ShouldBeNil)
	test.That(t, p.HealthCheck(ctx), test.ShouldNotBeNil)
}
