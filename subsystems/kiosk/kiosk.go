// Package kiosk keeps the frame's browser pointed at the right page and
// reacts to connectivity changes: it launches the browser once the network is
// up, nudges NetworkManager after sustained outages, and runs the app updater
// when connectivity first returns.
package kiosk

import (
	"context"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/subsystems/presenter"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap"
)

const SubsysName = "kiosk"

// connectivity is the slice of the networking subsystem the kiosk polls.
type connectivity interface {
	CheckOnline(ctx context.Context) bool
	Reconnect(ctx context.Context) error
}

// browser is the supervised browser process, faked in tests.
type browser interface {
	start(ctx context.Context, url string) error
	stop(ctx context.Context)
	isRunning() bool
	killStrays(ctx context.Context)
}

// statusSink receives user-visible connectivity states.
type statusSink interface {
	SetState(state presenter.State)
	State() presenter.State
	Toast(msg string)
}

type request int

const requestStopBrowser request = iota

// Kiosk is the connectivity/browser supervision subsystem.
type Kiosk struct {
	logger  *zap.SugaredLogger
	cfg     utils.KioskConfiguration
	netCfg  utils.NetworkConfiguration
	monitor *utils.Health

	net      connectivity
	browser  browser
	status   statusSink
	requests chan request

	// update runs at most once per process, on the first offline to online
	// transition, matching how the frame app has always refreshed itself.
	update        func(ctx context.Context) error
	updateEnabled bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup

	// loop-owned state, only touched from tickLoop
	online          bool
	everOnline      bool
	failCount       int
	updated         bool
	suppressBrowser bool
}

func New(
	logger *zap.SugaredLogger,
	cfg utils.FrameConfig,
	net connectivity,
	status statusSink,
) *Kiosk {
	updater := NewUpdater(logger, cfg.KioskConfiguration)
	return &Kiosk{
		logger:        logger,
		cfg:           cfg.KioskConfiguration,
		netCfg:        cfg.NetworkConfiguration,
		monitor:       utils.NewHealth(),
		net:           net,
		browser:       newBrowserProcess(logger, cfg.KioskConfiguration.BrowserBin),
		status:        status,
		requests:      make(chan request, 4),
		update:        updater.UpdateOnce,
		updateEnabled: !cfg.AdvancedSettings.DisableAutoUpdate.Get(),
	}
}

// StopBrowser asks the tick loop to take the browser down, freeing the panel
// for the status page. Safe to call from any goroutine; never blocks.
func (k *Kiosk) StopBrowser() {
	select {
	case k.requests <- requestStopBrowser:
	default:
	}
}

func (k *Kiosk) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		return errw.New("kiosk already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.monitor.MarkGood()

	k.workers.Add(1)
	go func() {
		defer k.workers.Done()
		defer utils.Recover(k.logger, nil)
		k.tickLoop(runCtx)
	}()
	return nil
}

func (k *Kiosk) Stop(ctx context.Context) error {
	k.mu.Lock()
	cancel := k.cancel
	k.cancel = nil
	k.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	k.workers.Wait()
	k.browser.stop(ctx)
	return nil
}

func (k *Kiosk) HealthCheck(ctx context.Context) error {
	if k.monitor.IsHealthy() {
		return nil
	}
	return errw.New("kiosk loop not responding")
}

func (k *Kiosk) tickLoop(ctx context.Context) {
	interval := k.netCfg.CheckInterval.Unwrap()
	timer := time.NewTimer(utils.FuzzTime(interval, 0.05))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-k.requests:
			if req == requestStopBrowser {
				k.browser.stop(ctx)
				// NetworkManager may report online for another poll or two
				// while the wifi profile is being torn down, do not bounce
				// the browser straight back
				k.suppressBrowser = true
			}
			continue
		case <-timer.C:
		}
		k.monitor.MarkGood()
		k.tick(ctx)
		timer.Reset(utils.FuzzTime(interval, 0.05))
	}
}

// tick runs one connectivity check and reconciles the browser against it.
func (k *Kiosk) tick(ctx context.Context) {
	online := k.net.CheckOnline(ctx)

	if online {
		if !k.online {
			k.failCount = 0
			k.maybeUpdate(ctx)
		}
		k.online = true
		k.everOnline = true
		k.status.SetState(presenter.StateConnected)
		if !k.suppressBrowser {
			k.ensureBrowser(ctx)
		}
		return
	}

	k.online = false
	k.suppressBrowser = false
	k.failCount++
	// an auth failure stays on screen until the next provisioning attempt
	if k.status.State() != presenter.StateAuthFailed {
		if k.everOnline {
			k.status.SetState(presenter.StateOffline)
		} else {
			k.status.SetState(presenter.StateWaiting)
		}
	}

	if k.failCount >= k.netCfg.OfflineFailuresBeforeNudge {
		k.failCount = 0
		k.logger.Warn("Still offline after repeated checks, nudging the network")
		if err := k.net.Reconnect(ctx); err != nil {
			k.logger.Warn(err)
		}
	}
}

func (k *Kiosk) ensureBrowser(ctx context.Context) {
	if k.browser.isRunning() {
		return
	}
	k.browser.killStrays(ctx)
	url := k.cfg.FrameBaseURL + "?id=" + utils.DeviceSerial()
	if err := k.browser.start(ctx, url); err != nil {
		k.logger.Error(errw.Wrap(err, "launching browser"))
	}
}

// maybeUpdate kicks off the one-shot app update in the background.
func (k *Kiosk) maybeUpdate(ctx context.Context) {
	if k.updated || !k.updateEnabled {
		return
	}
	k.updated = true

	k.workers.Add(1)
	go func() {
		defer k.workers.Done()
		defer utils.Recover(k.logger, nil)
		if err := k.update(ctx); err != nil {
			k.logger.Warn(errw.Wrap(err, "updating frame app"))
		}
	}()
}
