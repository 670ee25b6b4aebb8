package provisioning

import (
	"context"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap"
)

const (
	SubsysName = "provisioning"

	// localName is what the frame shows up as in a phone's bluetooth scan.
	localName = "PixelPaper"

	restartBackoff      = time.Second * 10
	adapterPollInterval = time.Second * 30
)

type serviceState int

const (
	stateIdle serviceState = iota
	statePublishing
	statePublished
	stateFaulted
)

// Provisioning keeps the gatt service published, restarting it with a fixed
// backoff whenever the adapter disappears or publication fails.
type Provisioning struct {
	logger   *zap.SugaredLogger
	monitor  *utils.Health
	periph   peripheral
	dispatch func(ctx context.Context, raw []byte)
	disabled bool

	mu      sync.Mutex
	state   serviceState
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

func New(logger *zap.SugaredLogger, cfg utils.FrameConfig, router *Router) *Provisioning {
	return &Provisioning{
		logger:   logger,
		monitor:  utils.NewHealth(),
		periph:   newBTPeripheral(logger, localName, utils.DeviceSerial()),
		dispatch: router.Dispatch,
		disabled: cfg.AdvancedSettings.DisableBTProvisioning.Get(),
	}
}

func (p *Provisioning) Start(ctx context.Context) error {
	if p.disabled {
		p.logger.Info("Bluetooth provisioning is disabled by configuration")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errw.New("provisioning already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.monitor.MarkGood()

	p.workers.Add(1)
	go func() {
		defer p.workers.Done()
		defer utils.Recover(p.logger, nil)
		p.superviseLoop(runCtx)
	}()
	return nil
}

func (p *Provisioning) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	p.workers.Wait()

	p.setState(stateIdle)
	return p.periph.unpublish()
}

func (p *Provisioning) HealthCheck(ctx context.Context) error {
	if p.disabled {
		return nil
	}
	if p.monitor.IsHealthy() {
		return nil
	}
	return errw.New("provisioning supervisor not responding")
}

func (p *Provisioning) setState(s serviceState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Provisioning) getState() serviceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// superviseLoop drives the publish/watch/restart cycle until the context is
// cancelled.
func (p *Provisioning) superviseLoop(ctx context.Context) {
	for ctx.Err() == nil {
		p.setState(statePublishing)
		p.periph.cleanup()

		if err := p.startService(ctx); err != nil {
			p.logger.Warn(errw.Wrap(err, "publishing bluetooth service"))
			p.setState(stateFaulted)
			if !p.monitor.Sleep(ctx, restartBackoff) {
				return
			}
			continue
		}

		p.setState(statePublished)
		p.logger.Info("Bluetooth provisioning service published")

		p.watchAdapter(ctx)
		if ctx.Err() != nil {
			return
		}

		// adapter went away, tear down and republish
		p.setState(stateFaulted)
		if err := p.periph.unpublish(); err != nil {
			p.logger.Warn(err)
		}
		if !p.monitor.Sleep(ctx, restartBackoff) {
			return
		}
	}
}

func (p *Provisioning) startService(ctx context.Context) error {
	if err := p.periph.probe(); err != nil {
		return err
	}
	return p.periph.publish(func(raw []byte) {
		p.dispatch(ctx, raw)
	})
}

// watchAdapter re-probes the adapter periodically, returning when it fails
// or the context ends. Advertising does not block, so a vanished adapter is
// only noticed by asking bluez about it.
func (p *Provisioning) watchAdapter(ctx context.Context) {
	for {
		if !p.monitor.Sleep(ctx, adapterPollInterval) {
			return
		}
		if err := p.periph.probe(); err != nil {
			p.logger.Warn(errw.Wrap(err, "bluetooth adapter lost"))
			return
		}
	}
}
