package agent

import (
	"context"
	"os"
	"path/filepath"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/utils"
	sysd "github.com/sergeymakinen/go-systemdconf/v2"
	"github.com/sergeymakinen/go-systemdconf/v2/unit"
	"go.uber.org/zap"
)

const (
	ServiceName     = "pixelpaper-agent.service"
	serviceFilePath = "/etc/systemd/system/" + ServiceName
)

// InstallAgent copies the running binary into place, writes the systemd
// service, and enables it so the agent comes up on boot.
func InstallAgent(ctx context.Context, logger *zap.SugaredLogger) error {
	if err := utils.InitPaths(); err != nil {
		return err
	}

	binPath, err := installBinary(logger)
	if err != nil {
		return err
	}

	serviceFile := &unit.ServiceFile{
		Unit: unit.UnitSection{
			Description: sysd.Value{"Pixel Paper frame agent"},
			After:       sysd.Value{"NetworkManager.service", "bluetooth.service"},
			Wants:       sysd.Value{"NetworkManager.service", "bluetooth.service"},
		},
		Service: unit.ServiceSection{
			Type:       sysd.Value{"exec"},
			ExecStart:  sysd.Value{binPath},
			Restart:    sysd.Value{"always"},
			RestartSec: sysd.Value{"5"},
		},
		Install: unit.InstallSection{
			WantedBy: sysd.Value{"multi-user.target"},
		},
	}

	serviceBytes, err := sysd.Marshal(serviceFile)
	if err != nil {
		return errw.Wrap(err, "marshaling service file")
	}

	changed, err := utils.WriteFileIfNew(serviceFilePath, serviceBytes, 0o644)
	if err != nil {
		return errw.Wrapf(err, "writing %s", serviceFilePath)
	}
	if changed {
		logger.Infof("Wrote service file %s", serviceFilePath)
	}

	return enableService(ctx, logger)
}

func installBinary(logger *zap.SugaredLogger) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", errw.Wrap(err, "locating running binary")
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(utils.FrameDirs["bin"], "pixelpaper-agent")
	if self == dest {
		return dest, nil
	}

	raw, err := os.ReadFile(self) //nolint:gosec
	if err != nil {
		return "", errw.Wrapf(err, "reading %s", self)
	}
	changed, err := utils.WriteFileIfNew(dest, raw, 0o755)
	if err != nil {
		return "", errw.Wrapf(err, "installing %s", dest)
	}
	if changed {
		logger.Infof("Installed binary to %s", dest)
	}
	return dest, nil
}

func enableService(ctx context.Context, logger *zap.SugaredLogger) error {
	conn, err := sdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return errw.Wrap(err, "connecting to systemd")
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return errw.Wrap(err, "reloading systemd")
	}
	_, _, err = conn.EnableUnitFilesContext(ctx, []string{serviceFilePath}, false, true)
	if err != nil {
		return errw.Wrap(err, "enabling service")
	}

	logger.Infof("Service installed. Start now with: systemctl start %s", ServiceName)
	return nil
}
