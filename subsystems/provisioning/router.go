package provisioning

import (
	"context"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/subsystems/networking"
	"github.com/pixelpaper/agent/subsystems/presenter"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap"
)

// wifiManager is the slice of the networking subsystem the router drives.
type wifiManager interface {
	Apply(ctx context.Context, ssid, psk string) (networking.Outcome, error)
	ClearProfiles(ctx context.Context) error
}

// displayManager is the slice of the display subsystem the router drives.
type displayManager interface {
	SetOrientation(ctx context.Context, transform string) error
	SetBrightness(ctx context.Context, percent int) error
	SetAutoBrightness(ctx context.Context, enabled bool, fallback int) error
}

// statusSink receives user-visible state changes and messages.
type statusSink interface {
	SetState(state presenter.State)
	Toast(msg string)
}

// Router executes parsed bluetooth commands against the rest of the agent.
// Dispatch runs on the bluetooth event callback, so it must never panic and
// never block forever.
type Router struct {
	logger  *zap.SugaredLogger
	wifi    wifiManager
	display displayManager
	status  statusSink

	// stopBrowser asks the kiosk to take the browser down so the status page
	// is visible again.
	stopBrowser func()

	// reboot is separated out for tests
	reboot func(ctx context.Context) error
}

func NewRouter(
	logger *zap.SugaredLogger,
	wifi wifiManager,
	display displayManager,
	status statusSink,
	stopBrowser func(),
) *Router {
	return &Router{
		logger:      logger,
		wifi:        wifi,
		display:     display,
		status:      status,
		stopBrowser: stopBrowser,
		reboot:      rebootSystem,
	}
}

// Dispatch parses and executes one raw characteristic write.
func (r *Router) Dispatch(ctx context.Context, raw []byte) {
	defer utils.Recover(r.logger, nil)

	cmd, err := ParseCommand(raw)
	if err != nil {
		r.logger.Warn(errw.Wrap(err, "rejecting bluetooth command"))
		r.status.Toast("Invalid command received")
		return
	}
	if cmd == nil {
		return
	}

	r.logger.Infof("Executing bluetooth command: %s", cmd.commandName())

	switch c := cmd.(type) {
	case WifiCredentials:
		r.applyWifi(ctx, c)
	case Orientation:
		if err := r.display.SetOrientation(ctx, c.Transform); err != nil {
			r.logger.Error(err)
			r.status.Toast("Display rotation failed")
		} else {
			r.status.Toast("Display rotated")
		}
	case Brightness:
		if err := r.display.SetBrightness(ctx, c.Percent); err != nil {
			r.logger.Error(err)
			r.status.Toast("Brightness change failed")
		}
	case AutoBrightness:
		if err := r.display.SetAutoBrightness(ctx, c.Enabled, c.Fallback); err != nil {
			r.logger.Error(err)
			r.status.Toast("Auto brightness change failed")
		}
	case ClearWifi:
		r.stopBrowser()
		if err := r.wifi.ClearProfiles(ctx); err != nil {
			r.logger.Error(err)
			r.status.Toast("Clearing wifi failed")
			return
		}
		r.status.SetState(presenter.StateWaiting)
	case Reboot:
		r.logger.Info("Reboot requested over bluetooth")
		if err := r.reboot(ctx); err != nil {
			r.logger.Error(err)
			r.status.Toast("Reboot failed")
		}
	case Unknown:
		r.logger.Warnf("Ignoring unknown bluetooth command: %s", c.Raw)
		r.status.Toast("Unknown command received")
	}
}

func (r *Router) applyWifi(ctx context.Context, creds WifiCredentials) {
	r.status.SetState(presenter.StateChecking)

	outcome, err := r.wifi.Apply(ctx, creds.SSID, creds.PSK)
	if err != nil {
		r.logger.Error(err)
	}

	switch outcome {
	case networking.OutcomeConnected:
		r.status.SetState(presenter.StateConnected)
	case networking.OutcomeAuthFailed:
		r.status.SetState(presenter.StateAuthFailed)
	case networking.OutcomeConfigError:
		r.status.SetState(presenter.StateWaiting)
		r.status.Toast("Wifi setup failed")
	}
}

// rebootSystem asks logind for a reboot over dbus.
func rebootSystem(ctx context.Context) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return errw.Wrap(err, "connecting to system dbus")
	}
	obj := conn.Object("org.freedesktop.login1", dbus.ObjectPath("/org/freedesktop/login1"))
	call := obj.CallWithContext(ctx, "org.freedesktop.login1.Manager.Reboot", 0, false)
	return errw.Wrap(call.Err, "requesting reboot")
}
