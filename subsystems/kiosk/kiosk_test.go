package kiosk

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pixelpaper/agent/subsystems/presenter"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

type fakeConnectivity struct {
	mu         sync.Mutex
	online     bool
	reconnects int
}

func (f *fakeConnectivity) CheckOnline(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeConnectivity) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeConnectivity) setOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

type fakeBrowser struct {
	mu      sync.Mutex
	running bool
	starts  []string
	stops   int
	strays  int
}

func (f *fakeBrowser) start(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts = append(f.starts, url)
	return nil
}

func (f *fakeBrowser) stop(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

func (f *fakeBrowser) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeBrowser) killStrays(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strays++
}

func (f *fakeBrowser) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type fakeStatus struct {
	mu     sync.Mutex
	states []presenter.State
}

func (f *fakeStatus) SetState(state presenter.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeStatus) Toast(msg string) {}

func (f *fakeStatus) State() presenter.State {
	return f.last()
}

func (f *fakeStatus) last() presenter.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return ""
	}
	return f.states[len(f.states)-1]
}

type kioskFixture struct {
	kiosk   *Kiosk
	net     *fakeConnectivity
	browser *fakeBrowser
	status  *fakeStatus
	updates int
}

func newKioskFixture(t *testing.T) *kioskFixture {
	t.Helper()
	f := &kioskFixture{
		net:     &fakeConnectivity{},
		browser: &fakeBrowser{},
		status:  &fakeStatus{},
	}
	cfg := utils.DefaultConfiguration
	cfg.NetworkConfiguration.CheckInterval = utils.Timeout(time.Millisecond * 10)

	f.kiosk = New(zaptest.NewLogger(t).Sugar(), cfg, f.net, f.status)
	f.kiosk.browser = f.browser
	f.kiosk.update = func(ctx context.Context) error {
		f.updates++
		return nil
	}
	return f
}

func TestTickLaunchesBrowserWhenOnline(t *testing.T) {
	f := newKioskFixture(t)
	f.net.online = true
	ctx := context.Background()

	f.kiosk.tick(ctx)
	f.kiosk.workers.Wait()

	test.That(t, f.browser.isRunning(), test.ShouldBeTrue)
	test.That(t, len(f.browser.starts), test.ShouldEqual, 1)
	test.That(t, f.browser.starts[0], test.ShouldEqual,
		"https://pixelpaper.com/frame.html?id="+utils.DeviceSerial())
	test.That(t, f.browser.strays, test.ShouldEqual, 1)
	test.That(t, f.status.last(), test.ShouldEqual, presenter.StateConnected)
	test.That(t, f.updates, test.ShouldEqual, 1)

	// an already-running browser is left alone
	f.kiosk.tick(ctx)
	test.That(t, len(f.browser.starts), test.ShouldEqual, 1)
}

func TestUpdateRunsOnlyOnFirstOnlineTransition(t *testing.T) {
	f := newKioskFixture(t)
	ctx := context.Background()

	f.net.online = true
	f.kiosk.tick(ctx)
	f.net.online = false
	f.kiosk.tick(ctx)
	f.net.online = true
	f.kiosk.tick(ctx)
	f.kiosk.workers.Wait()

	test.That(t, f.updates, test.ShouldEqual, 1)
}

func TestUpdateDisabledByConfig(t *testing.T) {
	f := newKioskFixture(t)
	f.kiosk.updateEnabled = false
	f.net.online = true

	f.kiosk.tick(context.Background())
	f.kiosk.workers.Wait()
	test.That(t, f.updates, test.ShouldEqual, 0)
}

func TestTickNudgesNetworkAfterRepeatedFailures(t *testing.T) {
	f := newKioskFixture(t)
	ctx := context.Background()

	// threshold is 3 failures by default
	f.kiosk.tick(ctx)
	f.kiosk.tick(ctx)
	test.That(t, f.net.reconnects, test.ShouldEqual, 0)
	f.kiosk.tick(ctx)
	test.That(t, f.net.reconnects, test.ShouldEqual, 1)

	// counter resets after the nudge
	f.kiosk.tick(ctx)
	test.That(t, f.net.reconnects, test.ShouldEqual, 1)
}

func TestTickStatesBeforeAndAfterFirstConnect(t *testing.T) {
	f := newKioskFixture(t)
	ctx := context.Background()

	f.kiosk.tick(ctx)
	test.That(t, f.status.last(), test.ShouldEqual, presenter.StateWaiting)

	f.net.online = true
	f.kiosk.tick(ctx)
	test.That(t, f.status.last(), test.ShouldEqual, presenter.StateConnected)

	f.net.online = false
	f.kiosk.tick(ctx)
	test.That(t, f.status.last(), test.ShouldEqual, presenter.StateOffline)
	f.kiosk.workers.Wait()
}

func TestTickKeepsAuthFailedStateWhileOffline(t *testing.T) {
	f := newKioskFixture(t)
	ctx := context.Background()

	// a rejected provisioning attempt leaves the device offline, the
	// failure must stay on screen instead of decaying to waiting/offline
	f.status.SetState(presenter.StateAuthFailed)
	f.kiosk.tick(ctx)
	f.kiosk.tick(ctx)
	test.That(t, f.status.last(), test.ShouldEqual, presenter.StateAuthFailed)

	// a later successful connection still replaces it
	f.net.online = true
	f.kiosk.tick(ctx)
	test.That(t, f.status.last(), test.ShouldEqual, presenter.StateConnected)
	f.kiosk.workers.Wait()
}

func TestStopBrowserSuppressesRelaunchWhileOnline(t *testing.T) {
	f := newKioskFixture(t)
	f.net.online = true
	ctx := context.Background()

	test.That(t, f.kiosk.Start(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, f.kiosk.Stop(ctx), test.ShouldBeNil)
	}()

	waitFor(t, func() bool { return f.browser.isRunning() })

	// the network can still look online right after the stop request, the
	// browser must not bounce straight back
	f.kiosk.StopBrowser()
	waitFor(t, func() bool { return !f.browser.isRunning() })
	time.Sleep(time.Millisecond * 100)
	test.That(t, f.browser.isRunning(), test.ShouldBeFalse)
	test.That(t, f.browser.startCount(), test.ShouldEqual, 1)

	// one offline observation re-arms the launch path
	f.net.setOnline(false)
	waitFor(t, func() bool { return f.status.last() == presenter.StateOffline })
	f.net.setOnline(true)
	waitFor(t, func() bool { return f.browser.isRunning() })
}

func TestStopBrowserRequest(t *testing.T) {
	f := newKioskFixture(t)
	f.net.online = true
	ctx := context.Background()

	test.That(t, f.kiosk.Start(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, f.kiosk.Stop(ctx), test.ShouldBeNil)
	}()

	waitFor(t, func() bool { return f.browser.isRunning() })

	f.kiosk.StopBrowser()
	waitFor(t, func() bool { return !f.browser.isRunning() })
	test.That(t, f.kiosk.HealthCheck(ctx), test.ShouldBeNil)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for deadline := time.Now().Add(time.Second * 5); time.Now().Before(deadline); {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 5)
	}
	t.Fatal("condition never became true")
}

func newTestUpdater(t *testing.T, manifestBody string, installed string) *Updater {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, manifestBody)
	}))
	t.Cleanup(server.Close)

	cfg := utils.DefaultConfiguration.KioskConfiguration
	cfg.UpdateManifestURL = server.URL

	u := NewUpdater(zaptest.NewLogger(t).Sugar(), cfg)
	u.cachePath = filepath.Join(t.TempDir(), "app-version.yaml")
	if installed != "" {
		test.That(t, os.WriteFile(u.cachePath, []byte("version: "+installed+"\n"), 0o644), test.ShouldBeNil)
	}
	return u
}

func TestUpdaterSkipsWhenUpToDate(t *testing.T) {
	// no source configured, so any attempt to fetch would error
	u := newTestUpdater(t, "version: 1.2.3\n", "1.2.3")
	test.That(t, u.UpdateOnce(context.Background()), test.ShouldBeNil)

	u = newTestUpdater(t, "version: 1.2.3\n", "2.0.0")
	test.That(t, u.UpdateOnce(context.Background()), test.ShouldBeNil)
}

func TestUpdaterErrorsWithoutSource(t *testing.T) {
	u := newTestUpdater(t, "version: 9.9.9\n", "1.0.0")
	err := u.UpdateOnce(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no source")
}

func TestUpdaterNoManifestConfigured(t *testing.T) {
	cfg := utils.DefaultConfiguration.KioskConfiguration
	u := NewUpdater(zaptest.NewLogger(t).Sugar(), cfg)
	test.That(t, u.UpdateOnce(context.Background()), test.ShouldBeNil)
}

func TestUpdaterRejectsBadManifest(t *testing.T) {
	u := newTestUpdater(t, "color: green\n", "")
	err := u.UpdateOnce(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
}
