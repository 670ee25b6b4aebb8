// Package display applies orientation and brightness commands to the panel.
// Orientation is persisted as a kanshi profile and picked up by restarting the
// kanshi unit; brightness goes straight to the kernel backlight interface.
package display

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap"
)

var currentModeRx = regexp.MustCompile(`(\d+)x(\d+) px, ([\d.]+) Hz`)

// Manager owns the panel layout config and the backlight.
type Manager struct {
	logger *zap.SugaredLogger
	cfg    utils.DisplayConfiguration

	backlight *backlight

	// injected for tests
	runner      func(ctx context.Context, name string, args ...string) (string, error)
	restartUnit func(ctx context.Context, unit string) error
}

func New(logger *zap.SugaredLogger, cfg utils.DisplayConfiguration) *Manager {
	m := &Manager{
		logger:    logger,
		cfg:       cfg,
		backlight: newBacklight(logger, cfg),
	}
	m.runner = runCommand
	m.restartUnit = restartSystemdUnit
	return m
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	//nolint:gosec
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), errw.Wrapf(err, "running %s, output: %s", name, out)
	}
	return string(out), nil
}

// restartSystemdUnit restarts the given unit in the user session and waits
// for the job to finish.
func restartSystemdUnit(ctx context.Context, unit string) error {
	conn, err := sdbus.NewUserConnectionContext(ctx)
	if err != nil {
		return errw.Wrap(err, "connecting to user systemd")
	}
	defer conn.Close()

	results := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, unit, "replace", results); err != nil {
		return errw.Wrapf(err, "restarting %s", unit)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-results:
		if result != "done" {
			return errw.Errorf("restarting %s: job result %s", unit, result)
		}
	}
	return nil
}

// SetOrientation rotates the panel. The active output and its current mode
// are detected first, and nothing is written when detection fails, so a bad
// probe can never blank the display.
func (m *Manager) SetOrientation(ctx context.Context, transform string) error {
	out, err := m.runner(ctx, "wlr-randr")
	if err != nil {
		return errw.Wrap(err, "detecting display output")
	}

	output, mode, err := parseActiveOutput(out)
	if err != nil {
		return err
	}

	path := m.layoutConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errw.Wrap(err, "creating layout config directory")
	}

	profile := renderKanshiProfile(output, mode, transform)
	changed, err := utils.WriteFileIfNew(path, []byte(profile), 0o600)
	if err != nil {
		return errw.Wrap(err, "writing layout config")
	}
	if !changed {
		m.logger.Debugf("Orientation already set to %s", transform)
		return nil
	}

	m.logger.Infof("Rotating display %s to %s", output, transform)
	return m.restartUnit(ctx, m.cfg.LayoutUnit)
}

func (m *Manager) layoutConfigPath() string {
	if m.cfg.LayoutConfigPath != "" {
		return m.cfg.LayoutConfigPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/root"
	}
	return filepath.Join(home, ".config", "kanshi", "config")
}

// SetBrightness sets a fixed backlight level and stops any running
// auto-brightness schedule.
func (m *Manager) SetBrightness(ctx context.Context, percent int) error {
	m.backlight.stopAuto()
	return m.backlight.set(percent)
}

// SetAutoBrightness turns the day/night brightness schedule on or off. When
// turning it off, a non-negative fallback level is applied immediately.
func (m *Manager) SetAutoBrightness(ctx context.Context, enabled bool, fallback int) error {
	if enabled {
		return m.backlight.startAuto(ctx)
	}
	m.backlight.stopAuto()
	if fallback >= 0 {
		return m.backlight.set(fallback)
	}
	return nil
}

// Stop cancels any background brightness schedule.
func (m *Manager) Stop() {
	m.backlight.stopAuto()
}

// parseActiveOutput pulls the output name and current mode out of wlr-randr's
// human readable listing. Output names start in column zero, the current mode
// is the indented line flagged "current".
func parseActiveOutput(listing string) (output, mode string, err error) {
	for _, line := range strings.Split(listing, "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, " ") {
			if output == "" {
				output = strings.Fields(line)[0]
			}
			continue
		}
		if output == "" || !strings.Contains(line, "current") {
			continue
		}
		m := currentModeRx.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		mode = m[1] + "x" + m[2] + "@" + m[3] + "Hz"
		return output, mode, nil
	}
	return "", "", errw.New("no active display output detected")
}

func renderKanshiProfile(output, mode, transform string) string {
	var b strings.Builder
	b.WriteString("profile {\n")
	b.WriteString("\toutput \"" + output + "\" enable mode " + mode + " transform " + transform + "\n")
	b.WriteString("}\n")
	return b.String()
}
